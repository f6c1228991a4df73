// Package mongostore implements memory.DurableBackend on top of MongoDB,
// serving as the optional vector/durable tier behind
// memory.vector_store_enabled. It stores results as plain documents;
// vector search (if the deployed Mongo cluster supports Atlas Search) is
// left to a future index definition and is not required for the facade's
// correctness.
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/corvid-ai/agentruntime/memory"
)

// document is the on-disk shape of a stored memory result.
type document struct {
	ID        string            `bson:"_id"`
	Text      string            `bson:"text"`
	Metadata  map[string]string `bson:"metadata,omitempty"`
	CreatedAt time.Time         `bson:"created_at"`
}

// Store implements memory.DurableBackend over a Mongo collection.
type Store struct {
	coll *mongo.Collection
}

// New builds a Store over an existing Mongo collection. Callers are
// responsible for creating the collection/database and any desired
// indexes before passing it in.
func New(coll *mongo.Collection) *Store {
	return &Store{coll: coll}
}

// Put upserts result under id.
func (s *Store) Put(ctx context.Context, id string, result memory.Result) error {
	doc := document{ID: id, Text: result.Text, Metadata: result.Metadata, CreatedAt: result.CreatedAt}
	opts := options.Replace().SetUpsert(true)
	_, err := s.coll.ReplaceOne(ctx, bson.M{"_id": id}, doc, opts)
	if err != nil {
		return fmt.Errorf("mongostore: put %q: %w", id, err)
	}
	return nil
}

// Get fetches a result by id.
func (s *Store) Get(ctx context.Context, id string) (memory.Result, error) {
	var doc document
	err := s.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return memory.Result{}, memory.ErrNotFound
		}
		return memory.Result{}, fmt.Errorf("mongostore: get %q: %w", id, err)
	}
	return memory.Result{ID: doc.ID, Text: doc.Text, Metadata: doc.Metadata, CreatedAt: doc.CreatedAt}, nil
}

// Search performs a regex-based text match plus metadata filtering. This is
// a functional baseline; production deployments with Atlas Search enabled
// should route through a dedicated $search aggregation instead.
func (s *Store) Search(ctx context.Context, query string, limit int, filter map[string]string) ([]memory.Result, error) {
	if limit <= 0 {
		limit = 20
	}
	mongoFilter := bson.M{}
	if query != "" {
		mongoFilter["text"] = bson.M{"$regex": query, "$options": "i"}
	}
	for k, v := range filter {
		mongoFilter["metadata."+k] = v
	}

	cur, err := s.coll.Find(ctx, mongoFilter, options.Find().SetLimit(int64(limit)))
	if err != nil {
		return nil, fmt.Errorf("mongostore: search: %w", err)
	}
	defer func() { _ = cur.Close(ctx) }()

	var docs []document
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("mongostore: decode search results: %w", err)
	}
	results := make([]memory.Result, len(docs))
	for i, doc := range docs {
		results[i] = memory.Result{ID: doc.ID, Text: doc.Text, Metadata: doc.Metadata, CreatedAt: doc.CreatedAt}
	}
	return results, nil
}
