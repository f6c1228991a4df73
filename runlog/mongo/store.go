// Package mongo implements runlog.Store on top of MongoDB, the optional
// durable variant behind the in-process default. Each event is inserted as
// a document ordered by an auto-incrementing per-turn sequence counter kept
// in a companion collection, since Mongo's own document _id does not carry
// insertion order a cursor can rely on.
package mongo

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/corvid-ai/agentruntime/runlog"
)

type document struct {
	TurnID    string `bson:"turn_id"`
	Seq       int64  `bson:"seq"`
	TraceID   string `bson:"trace_id"`
	Type      string `bson:"type"`
	Payload   []byte `bson:"payload"`
	Timestamp int64  `bson:"timestamp_unix_ms"`
}

// Store implements runlog.Store over a Mongo collection of events plus a
// companion collection tracking each turn's next sequence number.
type Store struct {
	events *mongo.Collection
	seqs   *mongo.Collection
}

// New builds a Store over existing Mongo collections. Callers are
// responsible for creating the collections and any desired indexes
// (notably a compound index on turn_id+seq) before passing them in.
func New(events, seqs *mongo.Collection) *Store {
	return &Store{events: events, seqs: seqs}
}

// Append implements runlog.Store.
func (s *Store) Append(ctx context.Context, e *runlog.Event) error {
	if e == nil {
		return fmt.Errorf("runlog/mongo: event is required")
	}
	if e.TurnID == "" {
		return fmt.Errorf("runlog/mongo: turn_id is required")
	}

	seq, err := s.nextSeq(ctx, e.TurnID)
	if err != nil {
		return fmt.Errorf("runlog/mongo: allocate sequence for turn %q: %w", e.TurnID, err)
	}

	doc := document{
		TurnID:    e.TurnID,
		Seq:       seq,
		TraceID:   e.TraceID,
		Type:      e.Type,
		Payload:   e.Payload,
		Timestamp: e.Timestamp.UnixMilli(),
	}
	if _, err := s.events.InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("runlog/mongo: insert event for turn %q: %w", e.TurnID, err)
	}
	return nil
}

// nextSeq atomically increments and returns the turn's sequence counter.
func (s *Store) nextSeq(ctx context.Context, turnID string) (int64, error) {
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)
	var out struct {
		Seq int64 `bson:"seq"`
	}
	err := s.seqs.FindOneAndUpdate(ctx,
		bson.M{"_id": turnID},
		bson.M{"$inc": bson.M{"seq": int64(1)}},
		opts,
	).Decode(&out)
	if err != nil {
		return 0, err
	}
	return out.Seq, nil
}

// List implements runlog.Store.
func (s *Store) List(ctx context.Context, turnID, cursor string, limit int) (runlog.Page, error) {
	if turnID == "" {
		return runlog.Page{}, fmt.Errorf("runlog/mongo: turn_id is required")
	}
	if limit <= 0 {
		return runlog.Page{}, fmt.Errorf("runlog/mongo: limit must be > 0")
	}

	filter := bson.M{"turn_id": turnID}
	if cursor != "" {
		var after int64
		if _, err := fmt.Sscanf(cursor, "%d", &after); err != nil {
			return runlog.Page{}, fmt.Errorf("runlog/mongo: invalid cursor %q: %w", cursor, err)
		}
		filter["seq"] = bson.M{"$gt": after}
	}

	findOpts := options.Find().SetSort(bson.D{{Key: "seq", Value: 1}}).SetLimit(int64(limit) + 1)
	cur, err := s.events.Find(ctx, filter, findOpts)
	if err != nil {
		return runlog.Page{}, fmt.Errorf("runlog/mongo: find events for turn %q: %w", turnID, err)
	}
	defer func() { _ = cur.Close(ctx) }()

	var docs []document
	if err := cur.All(ctx, &docs); err != nil {
		return runlog.Page{}, fmt.Errorf("runlog/mongo: decode events for turn %q: %w", turnID, err)
	}

	hasMore := len(docs) > limit
	if hasMore {
		docs = docs[:limit]
	}

	events := make([]*runlog.Event, len(docs))
	var lastSeq int64
	for i, d := range docs {
		events[i] = &runlog.Event{
			ID:        fmt.Sprintf("%d", d.Seq),
			TurnID:    d.TurnID,
			TraceID:   d.TraceID,
			Type:      d.Type,
			Payload:   d.Payload,
			Timestamp: time.UnixMilli(d.Timestamp),
		}
		lastSeq = d.Seq
	}

	var next string
	if hasMore {
		next = fmt.Sprintf("%d", lastSeq)
	}
	return runlog.Page{Events: events, NextCursor: next}, nil
}
