// Copyright 2024-2026 Aiku AI

// Package mongostore is the document-store policy.Store backed by MongoDB.
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/aiku/mattermost-antilink/pkg/policy"
)

// DefaultServerSelectionTimeout bounds how long operations wait for a
// reachable server.
const DefaultServerSelectionTimeout = 10 * time.Second

// Options selects the database and collection holding policy documents.
type Options struct {
	URI        string
	Database   string
	Collection string
	// ServerSelectionTimeout defaults to DefaultServerSelectionTimeout.
	ServerSelectionTimeout time.Duration
}

type document struct {
	GroupID   string    `bson:"groupId"`
	AntiLink  bool      `bson:"antiLink"`
	CreatedAt time.Time `bson:"createdAt,omitempty"`
	UpdatedAt time.Time `bson:"updatedAt,omitempty"`
}

func (d document) policy() policy.GroupPolicy {
	return policy.GroupPolicy{GroupID: d.GroupID, LinkPolicy: d.AntiLink}
}

// Store implements policy.Store on a MongoDB collection.
type Store struct {
	client *mongo.Client
	coll   *mongo.Collection
	log    zerolog.Logger

	indexReady atomic.Bool
}

var _ policy.Store = (*Store)(nil)

// Open creates the client and tries to reach the server. Only an unusable
// connection string is an error: an unreachable server is logged and the
// store is returned anyway, with every operation reporting
// policy.ErrStoreUnavailable until the server comes back.
func Open(ctx context.Context, opts Options, log zerolog.Logger) (*Store, error) {
	if opts.URI == "" {
		return nil, fmt.Errorf("%w: empty connection string", policy.ErrStoreUnavailable)
	}
	timeout := opts.ServerSelectionTimeout
	if timeout <= 0 {
		timeout = DefaultServerSelectionTimeout
	}
	client, err := mongo.Connect(ctx, options.Client().
		ApplyURI(opts.URI).
		SetServerSelectionTimeout(timeout))
	if err != nil {
		return nil, unavailable("connect", err)
	}
	s := &Store{
		client: client,
		coll:   client.Database(opts.Database).Collection(opts.Collection),
		log:    log,
	}
	log = log.With().Str("database", opts.Database).Str("collection", opts.Collection).Logger()
	if err = client.Ping(ctx, readpref.Primary()); err != nil {
		log.Warn().Err(err).Msg("MongoDB unreachable, moderation is skipped until it is back")
	} else if err = s.ensureIndex(ctx); err != nil {
		log.Warn().Err(err).Msg("Failed to create policy index, retrying on first use")
	} else {
		log.Info().Msg("Connected to MongoDB")
	}
	return s, nil
}

// ensureIndex creates the unique groupId index until one attempt succeeds.
// Writes wait for it, since without it two concurrent upserts could insert
// two documents. Creating an existing index is a no-op on the server.
func (s *Store) ensureIndex(ctx context.Context) error {
	if s.indexReady.Load() {
		return nil
	}
	_, err := s.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "groupId", Value: 1}},
		Options: options.Index().SetUnique(true).SetName("groupId_unique"),
	})
	if err != nil {
		return unavailable("create index", err)
	}
	s.indexReady.Store(true)
	return nil
}

// GetOrCreate returns the stored policy, inserting the default atomically
// when absent. Two concurrent upserts of the same new group may both try to
// insert; the unique index rejects the loser, which then reads the winner's
// document.
func (s *Store) GetOrCreate(ctx context.Context, groupID string) (policy.GroupPolicy, error) {
	if err := policy.ValidateGroupID(groupID); err != nil {
		return policy.GroupPolicy{}, err
	}
	if err := s.ensureIndex(ctx); err != nil {
		return policy.GroupPolicy{}, err
	}
	now := time.Now().UTC()
	update := bson.M{"$setOnInsert": bson.M{
		"groupId":   groupID,
		"antiLink":  policy.DefaultLinkPolicy,
		"createdAt": now,
		"updatedAt": now,
	}}
	var doc document
	err := s.coll.FindOneAndUpdate(ctx, bson.M{"groupId": groupID}, update,
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&doc)
	if mongo.IsDuplicateKeyError(err) {
		s.log.Debug().Str("group_id", groupID).Msg("Lost policy insert race, reading existing record")
		err = s.coll.FindOne(ctx, bson.M{"groupId": groupID}).Decode(&doc)
	}
	if err != nil {
		return policy.GroupPolicy{}, unavailable("get or create", err)
	}
	return doc.policy(), nil
}

// SetLinkPolicy upserts the link policy of a group.
func (s *Store) SetLinkPolicy(ctx context.Context, groupID string, value bool) error {
	if err := policy.ValidateGroupID(groupID); err != nil {
		return err
	}
	if err := s.ensureIndex(ctx); err != nil {
		return err
	}
	now := time.Now().UTC()
	update := bson.M{
		"$set":         bson.M{"antiLink": value, "updatedAt": now},
		"$setOnInsert": bson.M{"createdAt": now},
	}
	_, err := s.coll.UpdateOne(ctx, bson.M{"groupId": groupID}, update, options.Update().SetUpsert(true))
	if mongo.IsDuplicateKeyError(err) {
		_, err = s.coll.UpdateOne(ctx, bson.M{"groupId": groupID}, update)
	}
	if err != nil {
		return unavailable("set link policy", err)
	}
	return nil
}

// Close disconnects the client.
func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

func unavailable(op string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", policy.ErrStoreUnavailable, op, err)
}
