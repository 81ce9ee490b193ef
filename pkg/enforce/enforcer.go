// Copyright 2024-2026 Aiku AI

// Package enforce runs the remediation sequence against a violating sender.
package enforce

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/aiku/mattermost-antilink/pkg/chat"
	"github.com/aiku/mattermost-antilink/pkg/metrics"
)

// ErrStepFailed marks a remediation step the backend rejected.
var ErrStepFailed = errors.New("remediation step failed")

// Step names, also used as metric labels.
const (
	StepWarn   = "warn"
	StepDelete = "delete"
	StepRemove = "remove"
)

// WarningText is sent to the group before the sender is removed.
const WarningText = "🚫 Link detected, removing %s"

// Messenger is the outbound capability remediation needs.
type Messenger interface {
	SendText(ctx context.Context, groupID, text string, mentions ...string) error
	DeleteMessage(ctx context.Context, ref chat.MessageRef) error
	RemoveParticipant(ctx context.Context, groupID, userID string) error
}

// PrivilegeChecker re-validates privilege right before removal.
type PrivilegeChecker interface {
	IsElevated(ctx context.Context, groupID, senderID string) bool
}

// Report lists the outcome of one remediation run.
type Report struct {
	Warned  bool
	Deleted bool
	Removed bool
	// Skipped is set when the final privilege recheck spared the sender.
	Skipped bool
	Err     error
}

// Enforcer executes warn, delete and remove in order. Every step is
// attempted even when an earlier one failed.
type Enforcer struct {
	messenger Messenger
	recheck   PrivilegeChecker
	metrics   *metrics.Metrics
	log       zerolog.Logger
}

// Option configures an Enforcer.
type Option func(*Enforcer)

// WithPrivilegeRecheck makes the enforcer skip the remove step when the
// sender has become elevated since the pipeline's check.
func WithPrivilegeRecheck(pc PrivilegeChecker) Option {
	return func(e *Enforcer) { e.recheck = pc }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Enforcer) { e.metrics = m }
}

func New(messenger Messenger, log zerolog.Logger, opts ...Option) *Enforcer {
	e := &Enforcer{
		messenger: messenger,
		log:       log.With().Str("component", "enforcer").Logger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Remediate warns the group, deletes the message and removes its sender.
func (e *Enforcer) Remediate(ctx context.Context, msg chat.InboundMessage) Report {
	log := e.log.With().
		Str("group_id", msg.GroupID).
		Str("sender_id", msg.SenderID).
		Str("message_id", msg.Ref.MessageID).
		Logger()
	var report Report
	var errs []error

	warning := fmt.Sprintf(WarningText, chat.MentionToken(msg.SenderID))
	err := e.step(log, StepWarn, e.messenger.SendText(ctx, msg.GroupID, warning, msg.SenderID))
	report.Warned = err == nil
	errs = append(errs, err)

	err = e.step(log, StepDelete, e.messenger.DeleteMessage(ctx, msg.Ref))
	report.Deleted = err == nil
	errs = append(errs, err)

	if e.recheck != nil && e.recheck.IsElevated(ctx, msg.GroupID, msg.SenderID) {
		log.Info().Msg("Sender became elevated before removal, not removing")
		report.Skipped = true
	} else {
		err = e.step(log, StepRemove, e.messenger.RemoveParticipant(ctx, msg.GroupID, msg.SenderID))
		report.Removed = err == nil
		errs = append(errs, err)
	}

	report.Err = errors.Join(errs...)
	if report.Err == nil {
		log.Info().Msg("Removed sender for posting a link")
	}
	return report
}

func (e *Enforcer) step(log zerolog.Logger, name string, err error) error {
	e.metrics.EnforcementStep(name, err)
	if err == nil {
		return nil
	}
	log.Warn().Err(err).Str("step", name).Msg("Remediation step failed")
	return fmt.Errorf("%w: %s: %w", ErrStepFailed, name, err)
}
