// Copyright 2024-2026 Aiku AI

// Package privilege decides whether a sender holds elevated rights in a group.
package privilege

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/aiku/mattermost-antilink/pkg/chat"
)

// MembershipSource returns the current membership snapshot of a group.
type MembershipSource interface {
	GroupMembership(ctx context.Context, groupID string) ([]chat.Member, error)
}

// Oracle answers privilege questions with a fresh membership lookup on every
// call. Roles may change between calls, so nothing is cached.
type Oracle struct {
	source MembershipSource
	log    zerolog.Logger
}

func NewOracle(source MembershipSource, log zerolog.Logger) *Oracle {
	return &Oracle{source: source, log: log.With().Str("component", "privilege").Logger()}
}

// IsElevated reports whether senderID is an admin or superadmin of groupID.
// A failed lookup yields false so that an infrastructure fault cannot be
// used to bypass enforcement.
func (o *Oracle) IsElevated(ctx context.Context, groupID, senderID string) bool {
	members, err := o.source.GroupMembership(ctx, groupID)
	if err != nil {
		o.log.Warn().Err(err).
			Str("group_id", groupID).
			Str("sender_id", senderID).
			Msg("Role lookup failed, treating sender as not elevated")
		return false
	}
	for _, m := range members {
		if m.ID == senderID {
			return m.Role.Elevated()
		}
	}
	return false
}
