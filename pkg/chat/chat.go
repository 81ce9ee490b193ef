// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package chat defines the typed shapes exchanged between the session
// adapter and the moderation core. Raw transport events are validated once
// in the adapter and converted into these types; nothing past the boundary
// inspects transport-specific payloads.
package chat

import (
	"context"
	"strings"
)

// MessageRef identifies a message for retraction.
type MessageRef struct {
	GroupID   string
	MessageID string
}

// InboundMessage is a received message. It is owned by the transport layer
// and never mutated by the core.
type InboundMessage struct {
	GroupID    string
	SenderID   string
	SenderName string
	Text       string
	IsFromSelf bool
	// IsGroup is false for direct chats.
	IsGroup bool
	Ref     MessageRef
}

// Admissible reports whether the message may enter moderation or command
// handling: it must come from a group and not from the bot itself.
func (m InboundMessage) Admissible() bool {
	return m.IsGroup && !m.IsFromSelf && m.GroupID != "" && m.SenderID != ""
}

// Role is a member's privilege level within a group.
type Role string

const (
	RoleMember     Role = "member"
	RoleAdmin      Role = "admin"
	RoleSuperAdmin Role = "superadmin"
)

// Elevated reports whether the role is admin or superadmin.
func (r Role) Elevated() bool {
	return r == RoleAdmin || r == RoleSuperAdmin
}

// Member is one entry of a group membership snapshot.
type Member struct {
	ID   string
	Role Role
}

// Client is the outbound capability of an open session.
type Client interface {
	// SendText posts text to a group. Mentioned user IDs may be referenced
	// in the text with MentionToken and are rendered by the transport.
	SendText(ctx context.Context, groupID, text string, mentions ...string) error
	DeleteMessage(ctx context.Context, ref MessageRef) error
	RemoveParticipant(ctx context.Context, groupID, userID string) error
	GroupMembership(ctx context.Context, groupID string) ([]Member, error)
}

// MentionToken returns the placeholder for a mention of userID inside text
// passed to Client.SendText.
func MentionToken(userID string) string {
	return "<@" + userID + ">"
}

// RenderMentions replaces the mention token of every listed user ID with the
// value returned by name. Tokens of unlisted users are left untouched.
func RenderMentions(text string, mentions []string, name func(userID string) string) string {
	for _, userID := range mentions {
		text = strings.ReplaceAll(text, MentionToken(userID), name(userID))
	}
	return text
}
