package backup

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zeebo/blake3"
)

// fakeS3 serves objects from a map, paginating list results like the real
// service.
type fakeS3 struct {
	objects  map[string]string
	pageSize int
}

func (f *fakeS3) GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	body, ok := f.objects[aws.ToString(params.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(strings.NewReader(body))}, nil
}

func (f *fakeS3) ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	prefix := aws.ToString(params.Prefix)

	var keys []string
	for key := range f.objects {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	start := 0
	if params.ContinuationToken != nil {
		for i, key := range keys {
			if key == aws.ToString(params.ContinuationToken) {
				start = i
				break
			}
		}
	}

	pageSize := f.pageSize
	if pageSize == 0 {
		pageSize = 1000
	}
	end := start + pageSize
	var next *string
	if end < len(keys) {
		next = aws.String(keys[end])
	} else {
		end = len(keys)
	}

	out := &s3.ListObjectsV2Output{NextContinuationToken: next}
	for _, key := range keys[start:end] {
		out.Contents = append(out.Contents, types.Object{Key: aws.String(key)})
	}
	return out, nil
}

func checksum(body string) string {
	sum := blake3.Sum256([]byte(body))
	return hex.EncodeToString(sum[:])
}

func manifestYAML(id string, createdAt time.Time, objects map[string]string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "id: %s\ncollection: trades\ncreatedAt: %s\nobjects:\n", id, createdAt.Format(time.RFC3339))
	keys := make([]string, 0, len(objects))
	for k := range objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, key := range keys {
		fmt.Fprintf(&b, "  - key: %s\n    checksum: %s\n    count: 1\n", key, checksum(objects[key]))
	}
	return b.String()
}

func newFakeStore(t *testing.T) (*S3Store, *fakeS3) {
	t.Helper()

	old := `{"id":"t1","data":{"owner":"u0"}}` + "\n"
	fresh := `{"id":"t1","data":{"owner":"u1"}}` + "\n"

	fake := &fakeS3{objects: map[string]string{
		"backups/trades/2026-08-24T02-00/manifest.yml": manifestYAML("old", time.Now().Add(-26*time.Hour), map[string]string{"0.jsonl": old}),
		"backups/trades/2026-08-24T02-00/0.jsonl":      old,
		"backups/trades/2026-08-25T02-00/manifest.yml": manifestYAML("fresh", time.Now().Add(-2*time.Hour), map[string]string{"0.jsonl": fresh}),
		"backups/trades/2026-08-25T02-00/0.jsonl":      fresh,
	}}
	return NewS3StoreWithClient(fake, S3Config{Bucket: "exports", Prefix: "backups/"}), fake
}

func TestLatestManifest(t *testing.T) {
	store, fake := newFakeStore(t)
	fake.pageSize = 2 // force list pagination

	m, err := store.LatestManifest(context.Background(), "trades")
	require.NoError(t, err)
	assert.Equal(t, "fresh", m.ID)
	require.Len(t, m.Objects, 1)
	assert.Equal(t, "backups/trades/2026-08-25T02-00/0.jsonl", m.Objects[0].Key,
		"relative object keys are resolved against the manifest location")
}

func TestLatestManifest_NoBackups(t *testing.T) {
	store, _ := newFakeStore(t)
	_, err := store.LatestManifest(context.Background(), "messages")
	assert.ErrorIs(t, err, ErrNoBackupAvailable)
}

func TestVerify(t *testing.T) {
	store, fake := newFakeStore(t)
	ctx := context.Background()

	m, err := store.LatestManifest(ctx, "trades")
	require.NoError(t, err)
	require.NoError(t, store.Verify(ctx, m))

	// Corrupt the export; verification must fail.
	fake.objects["backups/trades/2026-08-25T02-00/0.jsonl"] = "tampered\n"
	err = store.Verify(ctx, m)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "checksum mismatch")
}

func TestOpen_MissingObject(t *testing.T) {
	store, _ := newFakeStore(t)
	_, err := store.Open(context.Background(), &Manifest{}, ObjectRef{Key: "backups/trades/nope.jsonl"})
	assert.ErrorIs(t, err, ErrNoBackupAvailable)
}

func TestLatestVerified(t *testing.T) {
	store, fake := newFakeStore(t)
	ctx := context.Background()

	m, err := LatestVerified(ctx, store, "trades", 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, "fresh", m.ID)

	// Only the stale export remains: the window gate rejects it.
	delete(fake.objects, "backups/trades/2026-08-25T02-00/manifest.yml")
	delete(fake.objects, "backups/trades/2026-08-25T02-00/0.jsonl")
	_, err = LatestVerified(ctx, store, "trades", 24*time.Hour)
	assert.ErrorIs(t, err, ErrNoBackupAvailable)

	// A zero window disables the age gate.
	m, err = LatestVerified(ctx, store, "trades", 0)
	require.NoError(t, err)
	assert.Equal(t, "old", m.ID)
}

func TestLatestVerified_FailsOnCorruption(t *testing.T) {
	store, fake := newFakeStore(t)
	fake.objects["backups/trades/2026-08-25T02-00/0.jsonl"] = "tampered\n"

	_, err := LatestVerified(context.Background(), store, "trades", 24*time.Hour)
	assert.ErrorIs(t, err, ErrNoBackupAvailable)
}
