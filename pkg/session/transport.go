// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package session

import (
	"context"
	"errors"
	"time"

	"github.com/aiku/mattermost-antilink/pkg/chat"
)

var (
	// ErrTransportDrop is a recoverable connection loss.
	ErrTransportDrop = errors.New("transport dropped")
	// ErrLoggedOut means the session was revoked remotely. It is terminal.
	ErrLoggedOut = errors.New("logged out")
	// ErrNotConnected is returned by outbound calls while no session is open.
	ErrNotConnected = errors.New("not connected")
)

// Credentials is the opaque snapshot needed to resume a session.
type Credentials struct {
	ServerURL string    `json:"server_url"`
	UserID    string    `json:"user_id"`
	Token     string    `json:"token"`
	SavedAt   time.Time `json:"saved_at,omitempty"`
}

// Valid reports whether the snapshot can be used to connect.
func (c *Credentials) Valid() bool {
	return c != nil && c.Token != ""
}

// Event is delivered on Conn.Events. It is either a chat.InboundMessage or a
// CredentialsRotated.
type Event any

// CredentialsRotated carries a replacement snapshot to persist.
type CredentialsRotated struct {
	Credentials Credentials
}

// PairingDisplay surfaces a pairing token to the operator.
type PairingDisplay interface {
	ShowPairingToken(token string)
}

// Transport opens sessions on the messaging backend.
type Transport interface {
	// Pair binds a new session, showing any pairing token through display.
	Pair(ctx context.Context, display PairingDisplay) (Credentials, error)
	// Connect opens a session. It returns an error wrapping ErrLoggedOut if
	// the credentials were revoked.
	Connect(ctx context.Context, creds Credentials) (Conn, error)
}

// Conn is one open session.
type Conn interface {
	// Events is closed when the connection ends.
	Events() <-chan Event
	// Err returns the close reason once Events is closed: an error wrapping
	// ErrLoggedOut or ErrTransportDrop.
	Err() error
	Client() chat.Client
	Close()
}

// MessageHandler receives inbound messages from the open session.
type MessageHandler interface {
	HandleMessage(ctx context.Context, msg chat.InboundMessage)
}
