package backup

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v3"
)

// s3API is the subset of the S3 client the store needs.
type s3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// S3Config holds configuration for the backup bucket.
type S3Config struct {
	Bucket string `yaml:"bucket"`
	Prefix string `yaml:"prefix"`
	Region string `yaml:"region"`
	// Endpoint is an optional custom endpoint (MinIO, LocalStack).
	Endpoint     string `yaml:"endpoint,omitempty"`
	UsePathStyle bool   `yaml:"use_path_style,omitempty"`
}

// S3Store reads export manifests and objects from S3. Layout:
//
//	<prefix>/<collection>/<timestamp>/manifest.yml
//	<prefix>/<collection>/<timestamp>/<object>.jsonl
type S3Store struct {
	client s3API
	bucket string
	prefix string
}

// NewS3Store builds a store from the ambient AWS config.
func NewS3Store(ctx context.Context, cfg S3Config) (*S3Store, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}
	if cfg.UsePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	return NewS3StoreWithClient(s3.NewFromConfig(awsCfg, s3Opts...), cfg), nil
}

// NewS3StoreWithClient builds a store around a pre-configured client.
func NewS3StoreWithClient(client s3API, cfg S3Config) *S3Store {
	return &S3Store{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.TrimSuffix(cfg.Prefix, "/"),
	}
}

func (s *S3Store) LatestManifest(ctx context.Context, collection string) (*Manifest, error) {
	prefix := s.prefix + "/" + collection + "/"

	var manifestKeys []string
	var token *string
	for {
		out, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(s.bucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, fmt.Errorf("list backups for %s: %w", collection, err)
		}
		for _, obj := range out.Contents {
			key := aws.ToString(obj.Key)
			if strings.HasSuffix(key, "/manifest.yml") {
				manifestKeys = append(manifestKeys, key)
			}
		}
		if out.NextContinuationToken == nil {
			break
		}
		token = out.NextContinuationToken
	}

	if len(manifestKeys) == 0 {
		return nil, fmt.Errorf("%w: collection %s", ErrNoBackupAvailable, collection)
	}

	// Timestamped path segments sort lexicographically; newest last.
	sort.Strings(manifestKeys)
	return s.readManifest(ctx, manifestKeys[len(manifestKeys)-1])
}

func (s *S3Store) Verify(ctx context.Context, m *Manifest) error {
	for _, ref := range m.Objects {
		body, err := s.Open(ctx, m, ref)
		if err != nil {
			return err
		}

		hasher := blake3.New()
		_, copyErr := io.Copy(hasher, body)
		body.Close()
		if copyErr != nil {
			return fmt.Errorf("read %s: %w", ref.Key, copyErr)
		}

		sum := hex.EncodeToString(hasher.Sum(nil))
		if sum != ref.Checksum {
			return fmt.Errorf("checksum mismatch for %s: want %s, got %s", ref.Key, ref.Checksum, sum)
		}
	}
	return nil
}

func (s *S3Store) Open(ctx context.Context, m *Manifest, ref ObjectRef) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(ref.Key),
	})
	if err != nil {
		var noSuchKey *types.NoSuchKey
		if errors.As(err, &noSuchKey) {
			return nil, fmt.Errorf("%w: object %s missing", ErrNoBackupAvailable, ref.Key)
		}
		return nil, fmt.Errorf("open %s: %w", ref.Key, err)
	}
	return out.Body, nil
}

func (s *S3Store) readManifest(ctx context.Context, key string) (*Manifest, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("read manifest %s: %w", key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("read manifest %s: %w", key, err)
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", key, err)
	}

	// Object keys in manifests are relative to the manifest location.
	dir := strings.TrimSuffix(key, "manifest.yml")
	for i := range m.Objects {
		if !strings.Contains(m.Objects[i].Key, "/") {
			m.Objects[i].Key = dir + m.Objects[i].Key
		}
	}
	return &m, nil
}
