// Copyright 2024-2026 Aiku AI

package mattermost

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/mattermost/mattermost/server/public/model"
	"github.com/rs/zerolog"

	"github.com/aiku/mattermost-antilink/pkg/chat"
	"github.com/aiku/mattermost-antilink/pkg/session"
)

// conn is one open Mattermost session.
type conn struct {
	api    *model.Client4
	ws     *model.WebSocketClient
	userID string
	client *Client
	log    zerolog.Logger

	// pending is delivered before any WebSocket event.
	pending *session.CredentialsRotated

	events   chan session.Event
	stopOnce sync.Once
	stop     chan struct{}

	mu  sync.Mutex
	err error
}

var _ session.Conn = (*conn)(nil)

func newConn(api *model.Client4, ws *model.WebSocketClient, userID string, log zerolog.Logger) *conn {
	return &conn{
		api:    api,
		ws:     ws,
		userID: userID,
		client: newClient(api, log),
		log:    log,
		events: make(chan session.Event, 64),
		stop:   make(chan struct{}),
	}
}

func (c *conn) Events() <-chan session.Event { return c.events }

func (c *conn) Client() chat.Client { return c.client }

func (c *conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *conn) Close() {
	c.stopOnce.Do(func() {
		close(c.stop)
		if c.ws != nil {
			c.ws.Close()
		}
	})
}

// listen runs until the WebSocket closes or Close is called. It is the only
// writer of c.events.
func (c *conn) listen() {
	defer close(c.events)

	if c.pending != nil && !c.emit(*c.pending) {
		return
	}
	for {
		select {
		case <-c.stop:
			c.setErr(session.ErrTransportDrop)
			return
		case evt, ok := <-c.ws.EventChannel:
			if !ok {
				select {
				case <-c.stop:
					c.setErr(session.ErrTransportDrop)
				default:
					c.setErr(c.closeReason())
				}
				return
			}
			if evt == nil {
				continue
			}
			msg, ok := c.handleEvent(evt)
			if ok && !c.emit(msg) {
				return
			}
		}
	}
}

func (c *conn) emit(evt session.Event) bool {
	select {
	case c.events <- evt:
		return true
	case <-c.stop:
		c.setErr(session.ErrTransportDrop)
		return false
	}
}

func (c *conn) setErr(err error) {
	c.mu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.mu.Unlock()
}

// closeReason asks the server whether the token still works. A 401 means
// the session was revoked; anything else is a recoverable drop.
func (c *conn) closeReason() error {
	ctx, cancel := context.WithTimeout(context.Background(), verifyTimeout)
	defer cancel()
	_, resp, err := c.api.GetMe(ctx, "")
	if isUnauthorized(resp) {
		c.log.Warn().Msg("WebSocket closed and session token is no longer valid")
		return fmt.Errorf("%w: %v", session.ErrLoggedOut, err)
	}
	c.log.Warn().Err(err).Msg("WebSocket event channel closed")
	return fmt.Errorf("%w: websocket closed", session.ErrTransportDrop)
}

// handleEvent converts a WebSocket event into an inbound message. Only
// regular posts produce a message.
func (c *conn) handleEvent(evt *model.WebSocketEvent) (chat.InboundMessage, bool) {
	if evt.EventType() != model.WebsocketEventPosted {
		c.log.Trace().Str("event_type", string(evt.EventType())).Msg("Unhandled event type")
		return chat.InboundMessage{}, false
	}
	msg, err := c.parsePostedEvent(evt)
	if err != nil {
		c.log.Warn().Err(err).Msg("Dropping malformed posted event")
		return chat.InboundMessage{}, false
	}
	if msg == nil {
		return chat.InboundMessage{}, false
	}
	return *msg, true
}

// parsePostedEvent returns (nil, nil) for posts that are not user messages.
func (c *conn) parsePostedEvent(evt *model.WebSocketEvent) (*chat.InboundMessage, error) {
	data := evt.GetData()
	postJSON, ok := data["post"].(string)
	if !ok {
		return nil, fmt.Errorf("posted event missing post data")
	}
	var post model.Post
	if err := json.Unmarshal([]byte(postJSON), &post); err != nil {
		return nil, fmt.Errorf("failed to unmarshal post: %w", err)
	}

	// System messages (joins, header changes, ...) carry a post type.
	if post.Type != "" && post.Type != model.PostTypeDefault {
		return nil, nil
	}

	channelType, _ := data["channel_type"].(string)
	senderName, _ := data["sender_name"].(string)

	return &chat.InboundMessage{
		GroupID:    post.ChannelId,
		SenderID:   post.UserId,
		SenderName: strings.TrimPrefix(senderName, "@"),
		Text:       post.Message,
		IsFromSelf: post.UserId == c.userID,
		IsGroup:    isGroupChannel(model.ChannelType(channelType)),
		Ref:        chat.MessageRef{GroupID: post.ChannelId, MessageID: post.Id},
	}, nil
}

// isGroupChannel reports whether members of the channel type have roles
// that can be moderated. Direct and group-direct channels have none.
func isGroupChannel(t model.ChannelType) bool {
	return t == model.ChannelTypeOpen || t == model.ChannelTypePrivate
}
