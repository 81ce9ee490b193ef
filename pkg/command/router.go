// Copyright 2024-2026 Aiku AI

// Package command handles the admin commands that toggle a group's policy.
package command

import (
	"context"
	"strings"

	"github.com/rs/zerolog"

	"github.com/aiku/mattermost-antilink/pkg/chat"
	"github.com/aiku/mattermost-antilink/pkg/metrics"
)

const (
	CommandOn  = "!antilink on"
	CommandOff = "!antilink off"

	EnabledText  = "✅ Anti-link has been *enabled*."
	DisabledText = "❌ Anti-link has been *disabled*."
)

// Result describes what the router did with a message.
type Result int

const (
	NotCommand Result = iota
	Unauthorized
	Applied
	Failed
)

// PolicySetter is the part of the policy store the router mutates.
type PolicySetter interface {
	SetLinkPolicy(ctx context.Context, groupID string, value bool) error
}

type PrivilegeChecker interface {
	IsElevated(ctx context.Context, groupID, senderID string) bool
}

type Replier interface {
	SendText(ctx context.Context, groupID, text string, mentions ...string) error
}

type Router struct {
	store   PolicySetter
	oracle  PrivilegeChecker
	replier Replier
	metrics *metrics.Metrics
	log     zerolog.Logger
}

func NewRouter(store PolicySetter, oracle PrivilegeChecker, replier Replier, m *metrics.Metrics, log zerolog.Logger) *Router {
	return &Router{
		store:   store,
		oracle:  oracle,
		replier: replier,
		metrics: m,
		log:     log.With().Str("component", "commands").Logger(),
	}
}

// Parse returns the policy value a command text requests. Matching is
// case-insensitive and applies to the whole text, surrounding whitespace
// included.
func Parse(text string) (value bool, ok bool) {
	switch strings.ToLower(text) {
	case CommandOn:
		return true, true
	case CommandOff:
		return false, true
	default:
		return false, false
	}
}

// Handle applies a command from an elevated sender. Commands from anyone
// else are ignored without a reply.
func (r *Router) Handle(ctx context.Context, msg chat.InboundMessage) Result {
	if !msg.Admissible() {
		return NotCommand
	}
	value, ok := Parse(msg.Text)
	if !ok {
		return NotCommand
	}
	log := r.log.With().
		Str("group_id", msg.GroupID).
		Str("sender_id", msg.SenderID).
		Bool("link_policy", value).
		Logger()
	if !r.oracle.IsElevated(ctx, msg.GroupID, msg.SenderID) {
		log.Debug().Msg("Ignoring command from non-elevated sender")
		return Unauthorized
	}
	if err := r.store.SetLinkPolicy(ctx, msg.GroupID, value); err != nil {
		log.Error().Err(err).Msg("Failed to update link policy")
		return Failed
	}
	action, reply := "enable", EnabledText
	if !value {
		action, reply = "disable", DisabledText
	}
	r.metrics.Command(action)
	log.Info().Msg("Link policy updated")
	if err := r.replier.SendText(ctx, msg.GroupID, reply); err != nil {
		log.Warn().Err(err).Msg("Failed to send command confirmation")
	}
	return Applied
}
