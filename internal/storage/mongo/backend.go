// Package mongo implements the storage.DocumentStore interface on MongoDB.
package mongo

import (
	"context"
	"errors"
	"net"
	"time"

	"schemashift/internal/storage"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const sysCollection = "sys"

type Backend struct {
	client *mongo.Client
	db     *mongo.Database
	dbName string
}

// NewBackend connects to MongoDB and verifies the connection.
func NewBackend(ctx context.Context, uri string, dbName string) (*Backend, error) {
	clientOpts := options.Client().ApplyURI(uri)
	client, err := mongo.Connect(ctx, clientOpts)
	if err != nil {
		return nil, err
	}

	if err := client.Ping(ctx, nil); err != nil {
		return nil, err
	}

	return &Backend{
		client: client,
		db:     client.Database(dbName),
		dbName: dbName,
	}, nil
}

func (b *Backend) Get(ctx context.Context, collection string, id string) (*storage.Document, error) {
	var doc storage.Document
	err := b.db.Collection(collection).FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, storage.ErrNotFound
		}
		return nil, classify(err)
	}
	return &doc, nil
}

func (b *Backend) Insert(ctx context.Context, collection string, doc *storage.Document) error {
	_, err := b.db.Collection(collection).InsertOne(ctx, doc)
	if mongo.IsDuplicateKeyError(err) {
		return storage.ErrExists
	}
	return classify(err)
}

func (b *Backend) Page(ctx context.Context, collection string, afterID string, limit int) ([]*storage.Document, error) {
	filter := bson.M{}
	if afterID != "" {
		filter["_id"] = bson.M{"$gt": afterID}
	}

	findOpts := options.Find().
		SetSort(bson.D{{Key: "_id", Value: 1}}).
		SetLimit(int64(limit))

	cursor, err := b.db.Collection(collection).Find(ctx, filter, findOpts)
	if err != nil {
		return nil, classify(err)
	}
	defer cursor.Close(ctx)

	var docs []*storage.Document
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, classify(err)
	}
	return docs, nil
}

func (b *Backend) Count(ctx context.Context, collection string) (int64, error) {
	n, err := b.db.Collection(collection).CountDocuments(ctx, bson.M{})
	return n, classify(err)
}

// WriteBatch replaces the given documents inside one transaction so a page
// commits all-or-nothing.
func (b *Backend) WriteBatch(ctx context.Context, collection string, docs []*storage.Document) error {
	if len(docs) == 0 {
		return nil
	}

	models := make([]mongo.WriteModel, 0, len(docs))
	for _, doc := range docs {
		models = append(models, mongo.NewReplaceOneModel().
			SetFilter(bson.M{"_id": doc.Id}).
			SetReplacement(doc).
			SetUpsert(true))
	}

	session, err := b.client.StartSession()
	if err != nil {
		return classify(err)
	}
	defer session.EndSession(ctx)

	_, err = session.WithTransaction(ctx, func(sessCtx mongo.SessionContext) (interface{}, error) {
		return b.db.Collection(collection).BulkWrite(sessCtx, models, options.BulkWrite().SetOrdered(true))
	})
	return classify(err)
}

func (b *Backend) LoadControl(ctx context.Context) (*storage.ControlRecord, error) {
	var rec storage.ControlRecord
	err := b.db.Collection(sysCollection).FindOne(ctx, bson.M{"_id": storage.ControlRecordID}).Decode(&rec)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, storage.ErrNotFound
		}
		return nil, classify(err)
	}
	return &rec, nil
}

func (b *Backend) SaveControl(ctx context.Context, rec *storage.ControlRecord) error {
	rec.Id = storage.ControlRecordID
	rec.UpdatedAt = time.Now().UnixMilli()

	_, err := b.db.Collection(sysCollection).ReplaceOne(ctx,
		bson.M{"_id": storage.ControlRecordID}, rec, options.Replace().SetUpsert(true))
	return classify(err)
}

// Identity reports which deployment and database this backend is connected
// to, in the form "<replicaSet or host>/<database>".
func (b *Backend) Identity(ctx context.Context) (string, error) {
	var hello struct {
		SetName string `bson:"setName"`
		Me      string `bson:"me"`
	}
	res := b.client.Database("admin").RunCommand(ctx, bson.D{{Key: "hello", Value: 1}})
	if err := res.Decode(&hello); err != nil {
		return "", classify(err)
	}

	origin := hello.SetName
	if origin == "" {
		origin = hello.Me
	}
	return origin + "/" + b.dbName, nil
}

func (b *Backend) Ping(ctx context.Context) error {
	return classify(b.client.Ping(ctx, nil))
}

func (b *Backend) Close(ctx context.Context) error {
	return b.client.Disconnect(ctx)
}

// classify maps driver-level transient failures onto storage.ErrUnavailable
// so the retry policy can tell them apart from permanent errors.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return errors.Join(storage.ErrUnavailable, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return errors.Join(storage.ErrUnavailable, err)
	}
	if mongo.IsTimeout(err) || mongo.IsNetworkError(err) {
		return errors.Join(storage.ErrUnavailable, err)
	}
	var cmdErr mongo.CommandError
	if errors.As(err, &cmdErr) && (cmdErr.HasErrorLabel("TransientTransactionError") || cmdErr.HasErrorLabel("RetryableWriteError")) {
		return errors.Join(storage.ErrUnavailable, err)
	}
	return err
}
