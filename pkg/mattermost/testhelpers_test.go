// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package mattermost

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/mattermost/mattermost/server/public/model"
	"github.com/rs/zerolog"
)

// endpointCall records which API endpoints were hit during a test.
type endpointCall struct {
	Method string
	Path   string
	Body   string
}

// fakeMM is a test helper that wraps an httptest.Server simulating the
// Mattermost API. It records calls and provides canned responses.
type fakeMM struct {
	Server *httptest.Server

	mu    sync.Mutex
	calls []endpointCall

	// Users maps user ID to model.User for GetUser/GetMe responses.
	Users map[string]*model.User
	// TokenToUser maps bearer tokens to user IDs for GetMe auth.
	TokenToUser map[string]string
	// Passwords maps login IDs to passwords for password login.
	Passwords map[string]string
	// ChannelMembers maps channel ID to member list.
	ChannelMembers map[string]model.ChannelMembers
	// FailEndpoints causes specific path prefixes to return 500.
	FailEndpoints map[string]bool

	// sockets receives every accepted WebSocket connection.
	sockets chan *websocket.Conn
}

func newFakeMM() *fakeMM {
	f := &fakeMM{
		Users:          make(map[string]*model.User),
		TokenToUser:    make(map[string]string),
		Passwords:      make(map[string]string),
		ChannelMembers: make(map[string]model.ChannelMembers),
		FailEndpoints:  make(map[string]bool),
		sockets:        make(chan *websocket.Conn, 4),
	}
	f.Server = httptest.NewServer(http.HandlerFunc(f.handler))
	return f
}

func (f *fakeMM) Close() {
	f.Server.Close()
}

func (f *fakeMM) addUser(u *model.User, token string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Users[u.Id] = u
	if token != "" {
		f.TokenToUser[token] = u.Id
	}
}

// revoke invalidates a token, as a remote logout would.
func (f *fakeMM) revoke(token string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.TokenToUser, token)
}

func (f *fakeMM) record(method, path, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, endpointCall{Method: method, Path: path, Body: body})
}

func (f *fakeMM) Calls() []endpointCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]endpointCall, len(f.calls))
	copy(cp, f.calls)
	return cp
}

func (f *fakeMM) called(method, path string) *endpointCall {
	for _, c := range f.Calls() {
		if c.Method == method && c.Path == path {
			return &c
		}
	}
	return nil
}

func (f *fakeMM) resolveToken(r *http.Request) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	auth := r.Header.Get("Authorization")
	for tok, uid := range f.TokenToUser {
		if strings.EqualFold(auth, "Bearer "+tok) {
			return uid
		}
	}
	return ""
}

func (f *fakeMM) user(id string) (*model.User, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.Users[id]
	return u, ok
}

var upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

func (f *fakeMM) handler(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path

	if path == "/api/v4/websocket" {
		f.record(r.Method, path, "")
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		go func() {
			// Drain the authentication challenge and pings.
			for {
				if _, _, err := ws.ReadMessage(); err != nil {
					return
				}
			}
		}()
		f.sockets <- ws
		return
	}

	body, _ := io.ReadAll(r.Body)
	f.record(r.Method, path, string(body))

	for prefix := range f.FailEndpoints {
		if strings.Contains(path, prefix) {
			w.WriteHeader(http.StatusInternalServerError)
			_ = json.NewEncoder(w).Encode(map[string]string{"message": "fake error"})
			return
		}
	}

	switch {
	// GET /api/v4/users/me
	case r.Method == "GET" && path == "/api/v4/users/me":
		uid := f.resolveToken(r)
		if uid == "" {
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]string{"message": "unauthorized"})
			return
		}
		if u, ok := f.user(uid); ok {
			_ = json.NewEncoder(w).Encode(u)
			return
		}
		w.WriteHeader(http.StatusNotFound)

	// POST /api/v4/users/login
	case r.Method == "POST" && path == "/api/v4/users/login":
		var req map[string]string
		_ = json.Unmarshal(body, &req)
		f.mu.Lock()
		pw, ok := f.Passwords[req["login_id"]]
		f.mu.Unlock()
		if !ok || pw != req["password"] {
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]string{"message": "invalid credentials"})
			return
		}
		u, _ := f.user(req["login_id"])
		token := "session-" + u.Id
		f.addUser(u, token)
		w.Header().Set(model.HeaderToken, token)
		_ = json.NewEncoder(w).Encode(u)

	// POST /api/v4/users/ids
	case r.Method == "POST" && path == "/api/v4/users/ids":
		var ids []string
		_ = json.Unmarshal(body, &ids)
		users := make([]*model.User, 0, len(ids))
		for _, id := range ids {
			if u, ok := f.user(id); ok {
				users = append(users, u)
			}
		}
		_ = json.NewEncoder(w).Encode(users)

	// GET /api/v4/users/{user_id}
	case r.Method == "GET" && strings.HasPrefix(path, "/api/v4/users/") && !strings.Contains(path[len("/api/v4/users/"):], "/"):
		if u, ok := f.user(path[len("/api/v4/users/"):]); ok {
			_ = json.NewEncoder(w).Encode(u)
			return
		}
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]string{"message": "user not found"})

	// POST /api/v4/posts
	case r.Method == "POST" && path == "/api/v4/posts":
		var post model.Post
		_ = json.Unmarshal(body, &post)
		post.Id = "created-post-id"
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(&post)

	// DELETE /api/v4/posts/{post_id}
	case r.Method == "DELETE" && strings.HasPrefix(path, "/api/v4/posts/"):
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})

	// GET /api/v4/channels/{channel_id}/members
	case r.Method == "GET" && strings.HasPrefix(path, "/api/v4/channels/") && strings.HasSuffix(path, "/members"):
		parts := strings.Split(path, "/")
		f.mu.Lock()
		members := f.ChannelMembers[parts[4]]
		f.mu.Unlock()
		if r.URL.Query().Get("page") != "0" {
			members = model.ChannelMembers{}
		}
		if members == nil {
			members = model.ChannelMembers{}
		}
		_ = json.NewEncoder(w).Encode(members)

	// DELETE /api/v4/channels/{channel_id}/members/{user_id}
	case r.Method == "DELETE" && strings.HasPrefix(path, "/api/v4/channels/") && strings.Contains(path, "/members/"):
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})

	default:
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]string{"message": "not found: " + path})
	}
}

// newWebSocketEvent creates a model.WebSocketEvent for testing handlers.
func newWebSocketEvent(eventType model.WebsocketEventType, channelID string, data map[string]any) *model.WebSocketEvent {
	evt := model.NewWebSocketEvent(eventType, "", channelID, "", nil, "")
	return evt.SetData(data)
}

// postedEvent builds a posted event as the server would broadcast it.
func postedEvent(post *model.Post, channelType model.ChannelType, senderName string) *model.WebSocketEvent {
	postJSON, _ := json.Marshal(post)
	return newWebSocketEvent(model.WebsocketEventPosted, post.ChannelId, map[string]any{
		"post":         string(postJSON),
		"channel_type": string(channelType),
		"sender_name":  senderName,
	})
}

// newTestClient creates a Client authenticated against a fake server.
func newTestClient(serverURL, token string) *Client {
	api := model.NewAPIv4Client(serverURL)
	api.SetToken(token)
	return newClient(api, zerolog.Nop())
}

// newTestConn creates a conn for the bot user without a WebSocket.
func newTestConn(serverURL string) *conn {
	api := model.NewAPIv4Client(serverURL)
	api.SetToken("bot-token")
	return newConn(api, nil, "bot-id", zerolog.Nop())
}
