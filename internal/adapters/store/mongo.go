// Package store persists call history to MongoDB. Every write is
// issued by the caller off the signaling path; this layer only maps
// records to collections.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/akosev/ringlet/internal/core"
	"github.com/akosev/ringlet/internal/domain"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
)

const (
	callsCollection     = "calls"
	artifactsCollection = "call_artifacts"
	usersCollection     = "users"
)

type MongoStore struct {
	calls     *mongo.Collection
	artifacts *mongo.Collection
}

func NewMongoStore(db *mongo.Database) *MongoStore {
	return &MongoStore{
		calls:     db.Collection(callsCollection),
		artifacts: db.Collection(artifactsCollection),
	}
}

func (s *MongoStore) CreateCall(ctx context.Context, rec core.CallRecord) error {
	_, err := s.calls.InsertOne(ctx, rec)
	return err
}

func (s *MongoStore) UpdateCall(ctx context.Context, id domain.CallID, patch core.CallPatch) error {
	res, err := s.calls.UpdateByID(ctx, id, bson.M{"$set": patch})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return mongo.ErrNoDocuments
	}
	return nil
}

// artifactDoc keeps one signaling payload for post-call diagnostics.
// The payload is stored as its JSON text, not re-parsed.
type artifactDoc struct {
	CallID domain.CallID `bson:"call_id"`
	From   domain.UserID `bson:"from"`
	Kind   string        `bson:"kind"`
	Body   string        `bson:"body"`
	At     time.Time     `bson:"at"`
}

func (s *MongoStore) AppendArtifact(ctx context.Context, id domain.CallID, from domain.UserID, kind string, payload json.RawMessage) error {
	_, err := s.artifacts.InsertOne(ctx, artifactDoc{
		CallID: id,
		From:   from,
		Kind:   kind,
		Body:   string(payload),
		At:     time.Now(),
	})
	return err
}

// MongoDirectory answers existence/ban lookups against the users
// collection shared with the rest of the platform.
type MongoDirectory struct {
	users *mongo.Collection
}

func NewMongoDirectory(db *mongo.Database) *MongoDirectory {
	return &MongoDirectory{users: db.Collection(usersCollection)}
}

type userDoc struct {
	ID        string `bson:"_id"`
	IsActive  bool   `bson:"is_active"`
	IsDeleted bool   `bson:"is_deleted"`
}

func (d *MongoDirectory) Lookup(ctx context.Context, id domain.UserID) (core.UserInfo, error) {
	var doc userDoc
	err := d.users.FindOne(ctx, bson.M{"_id": string(id)}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return core.UserInfo{}, nil
	}
	if err != nil {
		return core.UserInfo{}, err
	}
	return core.UserInfo{
		Exists: true,
		Banned: doc.IsDeleted || !doc.IsActive,
	}, nil
}
