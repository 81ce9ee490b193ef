// Copyright 2024-2026 Aiku AI

// Package policy holds the per-group moderation policy and the store
// contract its backends implement.
package policy

import (
	"context"
	"errors"
)

// DefaultLinkPolicy is applied to groups that have no stored record.
// true means links are disallowed.
const DefaultLinkPolicy = true

var (
	// ErrStoreUnavailable wraps every failure of the backing persistence layer.
	ErrStoreUnavailable = errors.New("policy store unavailable")
	ErrInvalidGroupID   = errors.New("invalid group id")
)

// GroupPolicy is the moderation policy of one group.
type GroupPolicy struct {
	GroupID string
	// LinkPolicy is true when links are disallowed.
	LinkPolicy bool
}

// Default returns the policy a group gets on first reference.
func Default(groupID string) GroupPolicy {
	return GroupPolicy{GroupID: groupID, LinkPolicy: DefaultLinkPolicy}
}

// Store persists GroupPolicy records, one per group.
//
// GetOrCreate must never create two records for the same group, even when
// called concurrently. Callers do not lock per group.
type Store interface {
	GetOrCreate(ctx context.Context, groupID string) (GroupPolicy, error)
	SetLinkPolicy(ctx context.Context, groupID string, value bool) error
	Close(ctx context.Context) error
}

// ValidateGroupID rejects empty identifiers.
func ValidateGroupID(groupID string) error {
	if groupID == "" {
		return ErrInvalidGroupID
	}
	return nil
}
