// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package session keeps the bot attached to its messaging session.
//
// [Supervisor] owns the connection lifecycle: it pairs when no credentials
// exist, connects, persists the credential snapshot, forwards inbound
// messages to a [MessageHandler] and reconnects with exponential backoff
// after every drop that is not a remote logout. A logout is terminal.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"

	"github.com/aiku/mattermost-antilink/pkg/chat"
)

const (
	DefaultInitialBackoff = time.Second
	DefaultMaxBackoff     = 2 * time.Minute
)

// Supervisor runs the connection state machine.
type Supervisor struct {
	transport Transport
	creds     CredentialStore
	display   PairingDisplay
	log       zerolog.Logger

	initialBackoff time.Duration
	maxBackoff     time.Duration
	onTransition   func(from, to State)

	mu    sync.RWMutex
	state State
	conn  Conn

	client *boundClient
}

// Option configures a Supervisor.
type Option func(*Supervisor)

func WithPairingDisplay(d PairingDisplay) Option {
	return func(s *Supervisor) { s.display = d }
}

// WithBackoff sets the reconnect delay bounds.
func WithBackoff(initial, max time.Duration) Option {
	return func(s *Supervisor) {
		if initial > 0 {
			s.initialBackoff = initial
		}
		if max > 0 {
			s.maxBackoff = max
		}
	}
}

// WithTransitionHook registers fn to be called after every state change.
func WithTransitionHook(fn func(from, to State)) Option {
	return func(s *Supervisor) { s.onTransition = fn }
}

func NewSupervisor(transport Transport, creds CredentialStore, log zerolog.Logger, opts ...Option) *Supervisor {
	s := &Supervisor{
		transport:      transport,
		creds:          creds,
		log:            log.With().Str("component", "session").Logger(),
		initialBackoff: DefaultInitialBackoff,
		maxBackoff:     DefaultMaxBackoff,
		state:          StateDisconnected,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.display == nil {
		s.display = logDisplay{log: s.log}
	}
	s.client = &boundClient{sup: s}
	return s
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Client returns a stable outbound handle that forwards to whichever
// connection is currently open.
func (s *Supervisor) Client() chat.Client {
	return s.client
}

// Run keeps the session alive until ctx is cancelled (returns nil) or the
// session is logged out remotely (returns ErrLoggedOut).
func (s *Supervisor) Run(ctx context.Context, handler MessageHandler) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.initialBackoff
	bo.MaxInterval = s.maxBackoff
	bo.Reset()

	for {
		if ctx.Err() != nil {
			return nil
		}
		s.transition(StateConnecting)
		err := s.runSession(ctx, handler, bo)
		if errors.Is(err, ErrLoggedOut) {
			s.transition(StateLoggedOut)
			s.log.Error().Err(err).Msg("Session was logged out remotely, not reconnecting")
			if clearErr := s.creds.Clear(); clearErr != nil {
				s.log.Warn().Err(clearErr).Msg("Failed to clear stale credentials")
			}
			return ErrLoggedOut
		}
		s.transition(StateDisconnected)
		if ctx.Err() != nil {
			return nil
		}

		delay := bo.NextBackOff()
		if delay < 0 {
			delay = s.maxBackoff
		}
		s.log.Warn().Err(err).Dur("retry_in", delay).Msg("Connection closed, reconnecting")
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}

func (s *Supervisor) runSession(ctx context.Context, handler MessageHandler, bo *backoff.ExponentialBackOff) error {
	creds, err := s.creds.Load()
	if err != nil {
		s.log.Warn().Err(err).Msg("Stored credentials unreadable, pairing again")
		creds = nil
	}
	if !creds.Valid() {
		s.transition(StateAwaitingPairing)
		paired, err := s.transport.Pair(ctx, s.display)
		if err != nil {
			return err
		}
		s.persist(paired)
		creds = &paired
	}

	conn, err := s.transport.Connect(ctx, *creds)
	if err != nil {
		return err
	}
	defer conn.Close()

	s.persist(*creds)
	s.setConn(conn)
	defer s.setConn(nil)
	s.transition(StateOpen)
	bo.Reset()
	s.log.Info().Str("user_id", creds.UserID).Msg("Bot is online")

	events := conn.Events()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-events:
			if !ok {
				if err := conn.Err(); err != nil {
					return err
				}
				return ErrTransportDrop
			}
			switch e := evt.(type) {
			case chat.InboundMessage:
				handler.HandleMessage(ctx, e)
			case CredentialsRotated:
				s.persist(e.Credentials)
			default:
				s.log.Trace().Type("event_type", evt).Msg("Ignoring unknown session event")
			}
		}
	}
}

func (s *Supervisor) persist(creds Credentials) {
	creds.SavedAt = time.Time{}
	if err := s.creds.Save(creds); err != nil {
		s.log.Error().Err(err).Msg("Failed to persist credentials")
	}
}

func (s *Supervisor) transition(to State) {
	s.mu.Lock()
	from := s.state
	if from == to {
		s.mu.Unlock()
		return
	}
	if !CanTransition(from, to) {
		s.log.Warn().Stringer("from", from).Stringer("to", to).Msg("Unexpected state transition")
	}
	s.state = to
	s.mu.Unlock()

	s.log.Debug().Stringer("from", from).Stringer("to", to).Msg("Connection state changed")
	if s.onTransition != nil {
		s.onTransition(from, to)
	}
}

func (s *Supervisor) setConn(conn Conn) {
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
}

func (s *Supervisor) currentClient() (chat.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.conn == nil {
		return nil, ErrNotConnected
	}
	return s.conn.Client(), nil
}

// boundClient forwards outbound calls to the open connection.
type boundClient struct {
	sup *Supervisor
}

func (b *boundClient) SendText(ctx context.Context, groupID, text string, mentions ...string) error {
	c, err := b.sup.currentClient()
	if err != nil {
		return err
	}
	return c.SendText(ctx, groupID, text, mentions...)
}

func (b *boundClient) DeleteMessage(ctx context.Context, ref chat.MessageRef) error {
	c, err := b.sup.currentClient()
	if err != nil {
		return err
	}
	return c.DeleteMessage(ctx, ref)
}

func (b *boundClient) RemoveParticipant(ctx context.Context, groupID, userID string) error {
	c, err := b.sup.currentClient()
	if err != nil {
		return err
	}
	return c.RemoveParticipant(ctx, groupID, userID)
}

func (b *boundClient) GroupMembership(ctx context.Context, groupID string) ([]chat.Member, error) {
	c, err := b.sup.currentClient()
	if err != nil {
		return nil, err
	}
	return c.GroupMembership(ctx, groupID)
}

// logDisplay is the fallback pairing display.
type logDisplay struct {
	log zerolog.Logger
}

func (d logDisplay) ShowPairingToken(token string) {
	d.log.Info().Str("pairing_token", token).Msg("Pairing required")
}
