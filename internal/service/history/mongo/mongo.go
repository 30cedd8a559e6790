// Package mongo is a history.Backend on a MongoDB collection.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"ai-speech-sentence-service/internal/service/history"
)

// Collection is the collection history documents live in.
const Collection = "history"

type document struct {
	Key       string    `bson:"_id"`
	Value     []byte    `bson:"value"`
	UpdatedAt time.Time `bson:"updated_at"`
}

// Backend stores one document per key.
type Backend struct {
	client     *mongo.Client
	collection *mongo.Collection
}

// Connect dials uri and verifies the connection.
func Connect(ctx context.Context, uri, database string) (*Backend, error) {
	opts := options.Client().
		ApplyURI(uri).
		SetMaxPoolSize(4).
		SetServerSelectionTimeout(5 * time.Second).
		SetConnectTimeout(10 * time.Second)

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("connect to MongoDB: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping MongoDB: %w", err)
	}
	return NewBackend(client, client.Database(database).Collection(Collection)), nil
}

// NewBackend wraps an existing collection. client may be nil when the
// caller owns the connection.
func NewBackend(client *mongo.Client, coll *mongo.Collection) *Backend {
	return &Backend{client: client, collection: coll}
}

// Close disconnects the client if this backend owns it.
func (b *Backend) Close(ctx context.Context) error {
	if b.client == nil {
		return nil
	}
	return b.client.Disconnect(ctx)
}

func (b *Backend) Get(ctx context.Context, key string) ([]byte, error) {
	var doc document
	err := b.collection.FindOne(ctx, bson.M{"_id": key}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, history.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find %s: %w", key, err)
	}
	return doc.Value, nil
}

func (b *Backend) Put(ctx context.Context, key string, value []byte) error {
	update := bson.M{"$set": bson.M{"value": value, "updated_at": time.Now().UTC()}}
	_, err := b.collection.UpdateOne(ctx, bson.M{"_id": key}, update, options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("upsert %s: %w", key, err)
	}
	return nil
}

func (b *Backend) Delete(ctx context.Context, key string) error {
	if _, err := b.collection.DeleteOne(ctx, bson.M{"_id": key}); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}
