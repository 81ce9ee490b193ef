// Copyright 2024-2026 Aiku AI

// Package badgerstore is an embedded policy.Store backed by BadgerDB.
package badgerstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"

	"github.com/aiku/mattermost-antilink/pkg/policy"
)

type record struct {
	GroupID   string    `json:"groupId"`
	AntiLink  bool      `json:"antiLink"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Store implements policy.Store on a badger database.
type Store struct {
	db  *badger.DB
	log zerolog.Logger
}

var _ policy.Store = (*Store)(nil)

// Open opens (or creates) the database at path. An empty path opens an
// in-memory database.
func Open(path string, log zerolog.Logger) (*Store, error) {
	opts := badger.DefaultOptions(path).WithLogger(badgerLogger{log: log})
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("%w: open badger: %w", policy.ErrStoreUnavailable, err)
	}
	return &Store{db: db, log: log}, nil
}

func key(groupID string) []byte {
	return []byte("policy:" + groupID)
}

// createdKey holds the creation time of a record. Only GetOrCreate writes
// it, so SetLinkPolicy never has to read before writing.
func createdKey(groupID string) []byte {
	return []byte("created:" + groupID)
}

// GetOrCreate returns the stored policy, creating the default one if absent.
// Concurrent creators conflict in badger and are retried until one of them
// has committed, so exactly one record is written and every caller observes
// it.
func (s *Store) GetOrCreate(ctx context.Context, groupID string) (policy.GroupPolicy, error) {
	if err := policy.ValidateGroupID(groupID); err != nil {
		return policy.GroupPolicy{}, err
	}
	var rec record
	err := s.retry(ctx, func(txn *badger.Txn) error {
		found, err := load(txn, groupID, &rec)
		if err != nil || found {
			return err
		}
		now := time.Now().UTC()
		rec = record{GroupID: groupID, AntiLink: policy.DefaultLinkPolicy, UpdatedAt: now}
		if err = txn.Set(createdKey(groupID), []byte(now.Format(time.RFC3339Nano))); err != nil {
			return err
		}
		return save(txn, rec)
	})
	if err != nil {
		return policy.GroupPolicy{}, err
	}
	return policy.GroupPolicy{GroupID: rec.GroupID, LinkPolicy: rec.AntiLink}, nil
}

// SetLinkPolicy upserts the link policy of a group. The write has an empty
// read set, so concurrent setters of the same group never conflict; the
// last commit wins.
func (s *Store) SetLinkPolicy(ctx context.Context, groupID string, value bool) error {
	if err := policy.ValidateGroupID(groupID); err != nil {
		return err
	}
	return s.retry(ctx, func(txn *badger.Txn) error {
		return save(txn, record{GroupID: groupID, AntiLink: value, UpdatedAt: time.Now().UTC()})
	})
}

// Close closes the database.
func (s *Store) Close(_ context.Context) error {
	return s.db.Close()
}

// retry runs fn in an update transaction, repeating it for as long as it
// loses a conflict and ctx is alive. A conflict means another writer
// committed first, not that the database is unavailable.
func (s *Store) retry(ctx context.Context, fn func(txn *badger.Txn) error) error {
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := s.db.Update(fn)
		if errors.Is(err, badger.ErrConflict) {
			s.log.Trace().Int("attempt", attempt).Msg("Policy transaction conflict, retrying")
			continue
		}
		if err != nil {
			return fmt.Errorf("%w: %w", policy.ErrStoreUnavailable, err)
		}
		return nil
	}
}

// CreatedAt returns when GetOrCreate first created the record of groupID.
// Groups first written by SetLinkPolicy have no creation time.
func (s *Store) CreatedAt(groupID string) (time.Time, bool, error) {
	var created time.Time
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(createdKey(groupID))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			created, err = time.Parse(time.RFC3339Nano, string(val))
			return err
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return time.Time{}, false, nil
	} else if err != nil {
		return time.Time{}, false, fmt.Errorf("%w: %w", policy.ErrStoreUnavailable, err)
	}
	return created, true, nil
}

func load(txn *badger.Txn, groupID string, rec *record) (bool, error) {
	item, err := txn.Get(key(groupID))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	} else if err != nil {
		return false, err
	}
	return true, item.Value(func(val []byte) error {
		return json.Unmarshal(val, rec)
	})
}

func save(txn *badger.Txn, rec record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return txn.Set(key(rec.GroupID), data)
}

// badgerLogger routes badger's internal logging into zerolog.
type badgerLogger struct {
	log zerolog.Logger
}

func (l badgerLogger) Errorf(format string, args ...any) {
	l.log.Error().Msgf(format, args...)
}

func (l badgerLogger) Warningf(format string, args ...any) {
	l.log.Warn().Msgf(format, args...)
}

func (l badgerLogger) Infof(format string, args ...any) {
	l.log.Debug().Msgf(format, args...)
}

func (l badgerLogger) Debugf(format string, args ...any) {
	l.log.Trace().Msgf(format, args...)
}
