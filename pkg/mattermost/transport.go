// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package mattermost attaches the bot to a Mattermost server. It implements
// session.Transport over the REST API and the WebSocket event stream, and
// chat.Client over the REST API.
package mattermost

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/purell"
	"github.com/mattermost/mattermost/server/public/model"
	"github.com/rs/zerolog"

	"github.com/aiku/mattermost-antilink/pkg/session"
)

// verifyTimeout bounds the GetMe call made when the event stream closes.
const verifyTimeout = 10 * time.Second

// ErrTokenRejected is returned by Pair when the pasted token does not
// authenticate.
var ErrTokenRejected = errors.New("access token rejected")

// Options configure a Transport.
type Options struct {
	ServerURL string
	// LoginID and Password select password login. When either is empty,
	// pairing waits for a personal access token on Input.
	LoginID  string
	Password string
	Input    io.Reader
}

// Transport opens sessions on one Mattermost server.
type Transport struct {
	serverURL string
	loginID   string
	password  string
	log       zerolog.Logger

	input     io.Reader
	linesOnce sync.Once
	lines     chan string
}

var _ session.Transport = (*Transport)(nil)

func NewTransport(opts Options, log zerolog.Logger) (*Transport, error) {
	serverURL, err := NormalizeServerURL(opts.ServerURL)
	if err != nil {
		return nil, err
	}
	return &Transport{
		serverURL: serverURL,
		loginID:   opts.LoginID,
		password:  opts.Password,
		input:     opts.Input,
		log:       log.With().Str("component", "mm_transport").Logger(),
	}, nil
}

// NormalizeServerURL validates a server URL and strips the trailing slash.
func NormalizeServerURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if !strings.HasPrefix(raw, "http://") && !strings.HasPrefix(raw, "https://") {
		return "", fmt.Errorf("mattermost server URL must start with http:// or https://, got %q", raw)
	}
	normalized, err := purell.NormalizeURLString(raw, purell.FlagsSafe|purell.FlagRemoveTrailingSlash)
	if err != nil {
		return "", fmt.Errorf("invalid mattermost server URL: %w", err)
	}
	return normalized, nil
}

// httpToWS converts an HTTP(S) URL to a WS(S) URL.
func httpToWS(url string) string {
	if strings.HasPrefix(url, "https://") {
		return "wss://" + strings.TrimPrefix(url, "https://")
	}
	if strings.HasPrefix(url, "http://") {
		return "ws://" + strings.TrimPrefix(url, "http://")
	}
	return url
}

// Pair logs in with the configured password, or shows the server URL as the
// pairing token and waits for the operator to paste a personal access token.
func (t *Transport) Pair(ctx context.Context, display session.PairingDisplay) (session.Credentials, error) {
	if t.loginID != "" && t.password != "" {
		return t.passwordLogin(ctx)
	}
	if t.input == nil {
		return session.Credentials{}, errors.New("no password configured and no operator input to read a token from")
	}

	display.ShowPairingToken(t.serverURL)
	t.log.Info().Msg("Create a personal access token for the bot account and paste it here")

	var token string
	select {
	case <-ctx.Done():
		return session.Credentials{}, ctx.Err()
	case line, ok := <-t.readLines():
		if !ok {
			return session.Credentials{}, errors.New("operator input closed before a token was entered")
		}
		token = strings.TrimSpace(line)
	}

	api := model.NewAPIv4Client(t.serverURL)
	api.SetToken(token)
	me, resp, err := api.GetMe(ctx, "")
	if err != nil {
		if isUnauthorized(resp) {
			return session.Credentials{}, ErrTokenRejected
		}
		return session.Credentials{}, fmt.Errorf("%w: verifying token: %v", session.ErrTransportDrop, err)
	}
	t.log.Info().Str("user_id", me.Id).Str("username", me.Username).Msg("Paired with personal access token")
	return session.Credentials{ServerURL: t.serverURL, UserID: me.Id, Token: token}, nil
}

func (t *Transport) passwordLogin(ctx context.Context) (session.Credentials, error) {
	api := model.NewAPIv4Client(t.serverURL)
	user, resp, err := api.Login(ctx, t.loginID, t.password)
	if err != nil {
		if isUnauthorized(resp) {
			return session.Credentials{}, fmt.Errorf("login failed: %w", err)
		}
		return session.Credentials{}, fmt.Errorf("%w: login: %v", session.ErrTransportDrop, err)
	}
	t.log.Info().Str("user_id", user.Id).Str("username", user.Username).Msg("Logged in with password")
	return session.Credentials{ServerURL: t.serverURL, UserID: user.Id, Token: api.AuthToken}, nil
}

// readLines starts a single reader over the operator input. Lines not
// consumed by one pairing attempt remain available to the next.
func (t *Transport) readLines() <-chan string {
	t.linesOnce.Do(func() {
		t.lines = make(chan string)
		go func() {
			defer close(t.lines)
			scanner := bufio.NewScanner(t.input)
			for scanner.Scan() {
				if line := strings.TrimSpace(scanner.Text()); line != "" {
					t.lines <- line
				}
			}
		}()
	})
	return t.lines
}

// Connect verifies the token and opens the WebSocket event stream.
func (t *Transport) Connect(ctx context.Context, creds session.Credentials) (session.Conn, error) {
	serverURL := t.serverURL
	if creds.ServerURL != "" {
		serverURL = creds.ServerURL
	}
	api := model.NewAPIv4Client(serverURL)
	api.SetToken(creds.Token)

	me, resp, err := api.GetMe(ctx, "")
	if err != nil {
		if isUnauthorized(resp) {
			return nil, fmt.Errorf("%w: %v", session.ErrLoggedOut, err)
		}
		return nil, fmt.Errorf("%w: %v", session.ErrTransportDrop, err)
	}
	log := t.log.With().Str("user_id", me.Id).Logger()

	wsURL := httpToWS(serverURL)
	ws, err := model.NewWebSocketClient4(wsURL, api.AuthToken)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create websocket client: %v", session.ErrTransportDrop, err)
	}
	ws.Listen()
	log.Info().Str("ws_url", wsURL).Msg("WebSocket connected")

	c := newConn(api, ws, me.Id, log)
	if creds.UserID != me.Id || creds.ServerURL != serverURL {
		c.pending = &session.CredentialsRotated{Credentials: session.Credentials{
			ServerURL: serverURL,
			UserID:    me.Id,
			Token:     creds.Token,
		}}
	}
	go c.listen()
	return c, nil
}

func isUnauthorized(resp *model.Response) bool {
	return resp != nil && resp.StatusCode == http.StatusUnauthorized
}
