// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package moderation orchestrates policy lookup, classification, privilege
// checks and enforcement for every inbound group message.
//
// # Core Types
//
// [Pipeline] decides, per message, whether a link violation occurred and
// hands violations to the enforcer.
//
// [Dispatcher] receives messages from the session supervisor and runs the
// pipeline and the command router for each of them in its own goroutine.
// Handling of consecutive messages may interleave; nothing serializes
// messages of the same group, and the policy store alone guarantees that a
// group never gets two policy records.
package moderation

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/aiku/mattermost-antilink/pkg/chat"
	"github.com/aiku/mattermost-antilink/pkg/classify"
	"github.com/aiku/mattermost-antilink/pkg/enforce"
	"github.com/aiku/mattermost-antilink/pkg/metrics"
	"github.com/aiku/mattermost-antilink/pkg/policy"
)

// Outcome is the pipeline's decision for one message.
type Outcome string

const (
	// OutcomeSkipped: not a group message, or sent by the bot itself.
	OutcomeSkipped    Outcome = "skipped"
	OutcomeStoreError Outcome = "store_error"
	// OutcomeAllowed: the group permits links.
	OutcomeAllowed  Outcome = "allowed"
	OutcomeNoLink   Outcome = "no_link"
	OutcomeExempt   Outcome = "exempt"
	OutcomeEnforced Outcome = "enforced"
)

type PolicyReader interface {
	GetOrCreate(ctx context.Context, groupID string) (policy.GroupPolicy, error)
}

type PrivilegeChecker interface {
	IsElevated(ctx context.Context, groupID, senderID string) bool
}

type Remediator interface {
	Remediate(ctx context.Context, msg chat.InboundMessage) enforce.Report
}

type Pipeline struct {
	store    PolicyReader
	oracle   PrivilegeChecker
	enforcer Remediator
	metrics  *metrics.Metrics
	log      zerolog.Logger
}

func NewPipeline(store PolicyReader, oracle PrivilegeChecker, enforcer Remediator, m *metrics.Metrics, log zerolog.Logger) *Pipeline {
	return &Pipeline{
		store:    store,
		oracle:   oracle,
		enforcer: enforcer,
		metrics:  m,
		log:      log.With().Str("component", "moderation").Logger(),
	}
}

// Handle runs one message through the pipeline. Cheap checks run before the
// membership lookup. Store failures skip enforcement for the message.
func (p *Pipeline) Handle(ctx context.Context, msg chat.InboundMessage) Outcome {
	outcome := p.handle(ctx, msg)
	p.metrics.Message(string(outcome))
	return outcome
}

func (p *Pipeline) handle(ctx context.Context, msg chat.InboundMessage) Outcome {
	if !msg.Admissible() {
		return OutcomeSkipped
	}
	log := p.log.With().
		Str("group_id", msg.GroupID).
		Str("sender_id", msg.SenderID).
		Str("message_id", msg.Ref.MessageID).
		Logger()

	settings, err := p.store.GetOrCreate(ctx, msg.GroupID)
	if err != nil {
		log.Error().Err(err).Msg("Failed to load group policy, skipping moderation")
		return OutcomeStoreError
	}
	if !settings.LinkPolicy {
		return OutcomeAllowed
	}
	if classify.Classify(msg.Text) == classify.NoLink {
		return OutcomeNoLink
	}
	if p.oracle.IsElevated(ctx, msg.GroupID, msg.SenderID) {
		log.Debug().Msg("Link from elevated sender, not enforcing")
		return OutcomeExempt
	}
	log.Info().Strs("links", classify.Links(msg.Text)).Msg("Link detected from non-elevated sender")
	p.enforcer.Remediate(ctx, msg)
	return OutcomeEnforced
}
