// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package mattermost

import (
	"context"
	"fmt"

	"github.com/mattermost/mattermost/server/public/model"
	"github.com/rs/zerolog"

	"github.com/aiku/mattermost-antilink/pkg/chat"
)

// membersPerPage is the page size used when listing channel members.
const membersPerPage = 200

// Client is the outbound side of one authenticated Mattermost session.
type Client struct {
	api *model.Client4
	log zerolog.Logger
}

var _ chat.Client = (*Client)(nil)

func newClient(api *model.Client4, log zerolog.Logger) *Client {
	return &Client{api: api, log: log}
}

// SendText posts text to a channel. Mention tokens are rendered as
// @username.
func (c *Client) SendText(ctx context.Context, groupID, text string, mentions ...string) error {
	if len(mentions) > 0 {
		text = chat.RenderMentions(text, mentions, func(userID string) string {
			return "@" + c.username(ctx, userID)
		})
	}
	post := &model.Post{
		ChannelId: groupID,
		Message:   text,
	}
	if _, _, err := c.api.CreatePost(ctx, post); err != nil {
		return fmt.Errorf("failed to create post: %w", err)
	}
	return nil
}

func (c *Client) username(ctx context.Context, userID string) string {
	user, _, err := c.api.GetUser(ctx, userID, "")
	if err != nil || user.Username == "" {
		c.log.Debug().Err(err).Str("user_id", userID).Msg("Falling back to user ID for mention")
		return userID
	}
	return user.Username
}

func (c *Client) DeleteMessage(ctx context.Context, ref chat.MessageRef) error {
	if _, err := c.api.DeletePost(ctx, ref.MessageID); err != nil {
		return fmt.Errorf("failed to delete post %s: %w", ref.MessageID, err)
	}
	return nil
}

func (c *Client) RemoveParticipant(ctx context.Context, groupID, userID string) error {
	if _, err := c.api.RemoveUserFromChannel(ctx, groupID, userID); err != nil {
		return fmt.Errorf("failed to remove %s from channel %s: %w", userID, groupID, err)
	}
	return nil
}

// GroupMembership lists every member of a channel with their role. Channel
// admins map to chat.RoleAdmin and system admins to chat.RoleSuperAdmin.
func (c *Client) GroupMembership(ctx context.Context, groupID string) ([]chat.Member, error) {
	var all model.ChannelMembers
	for page := 0; ; page++ {
		members, _, err := c.api.GetChannelMembers(ctx, groupID, page, membersPerPage, "")
		if err != nil {
			return nil, fmt.Errorf("failed to get channel members: %w", err)
		}
		all = append(all, members...)
		if len(members) < membersPerPage {
			break
		}
	}
	if len(all) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(all))
	for _, m := range all {
		ids = append(ids, m.UserId)
	}
	users, _, err := c.api.GetUsersByIds(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to get member profiles: %w", err)
	}
	sysAdmins := make(map[string]bool, len(users))
	for _, u := range users {
		if model.IsInRole(u.Roles, model.SystemAdminRoleId) {
			sysAdmins[u.Id] = true
		}
	}

	out := make([]chat.Member, 0, len(all))
	for _, m := range all {
		role := chat.RoleMember
		switch {
		case sysAdmins[m.UserId]:
			role = chat.RoleSuperAdmin
		case m.SchemeAdmin || model.IsInRole(m.Roles, model.ChannelAdminRoleId):
			role = chat.RoleAdmin
		}
		out = append(out, chat.Member{ID: m.UserId, Role: role})
	}
	return out, nil
}
