// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package mattermost connects the relay to a Mattermost server as a bot user.
//
// Direct messages to the bot are correspondent conversations. The configured
// channel is the shared staff channel, and thread replies to the bot's posts
// in that channel are relayed back to the correspondent.
package mattermost

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattermost/mattermost/server/public/model"
	"github.com/rs/zerolog"
	"go.mau.fi/util/exsync"

	"github.com/aiku/feedback-relay/pkg/config"
	"github.com/aiku/feedback-relay/pkg/relay"
	"github.com/aiku/feedback-relay/pkg/relaydb"
)

const (
	minReconnectDelay = time.Second
	maxReconnectDelay = time.Minute
)

// Transport implements relay.Transport for Mattermost.
type Transport struct {
	client    *model.Client4
	aliases   Aliases
	serverURL string
	channelID string
	botPrefix string

	userID string
	selfID relay.UserID
	home   relay.ChannelID

	users     *exsync.Map[string, *model.User]
	dmChannel *exsync.Map[string, string]

	log zerolog.Logger
}

var _ relay.Transport = (*Transport)(nil)

// New verifies the bot token and resolves the ids of the bot and the shared channel.
func New(ctx context.Context, cfg config.MattermostConfig, aliases Aliases, log zerolog.Logger) (*Transport, error) {
	log = log.With().Str("component", "mattermost").Logger()
	client := model.NewAPIv4Client(cfg.ServerURL)
	client.SetToken(cfg.Token)

	me, _, err := client.GetMe(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("failed to verify Mattermost session: %w", err)
	}
	t := &Transport{
		client:    client,
		aliases:   aliases,
		serverURL: cfg.ServerURL,
		channelID: cfg.ChannelID,
		botPrefix: cfg.BotPrefix,
		userID:    me.Id,
		users:     exsync.NewMap[string, *model.User](),
		dmChannel: exsync.NewMap[string, string](),
		log:       log,
	}
	if t.selfID, err = t.userAlias(ctx, me.Id); err != nil {
		return nil, fmt.Errorf("failed to map bot user id: %w", err)
	}
	if t.home, err = t.channelAlias(ctx, cfg.ChannelID); err != nil {
		return nil, fmt.Errorf("failed to map channel id: %w", err)
	}
	if _, _, err = client.GetChannel(ctx, cfg.ChannelID, ""); err != nil {
		return nil, fmt.Errorf("failed to get shared channel %s: %w", cfg.ChannelID, err)
	}
	log.Info().
		Str("user_id", me.Id).
		Str("username", me.Username).
		Str("channel_id", cfg.ChannelID).
		Msg("Authenticated")
	return t, nil
}

func (t *Transport) SelfID() relay.UserID {
	return t.selfID
}

func (t *Transport) HomeChannel() relay.ChannelID {
	return t.home
}

// Run listens on the WebSocket and reconnects whenever the connection drops.
func (t *Transport) Run(ctx context.Context, handler relay.EventHandler) error {
	delay := minReconnectDelay
	for {
		connected, err := t.listenOnce(ctx, handler)
		if ctx.Err() != nil {
			return nil
		}
		if connected {
			delay = minReconnectDelay
		}
		if err != nil {
			t.log.Error().Err(err).Dur("retry_in", delay).Msg("WebSocket connection failed")
		} else {
			t.log.Warn().Dur("retry_in", delay).Msg("WebSocket event channel closed, reconnecting")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
		delay = min(delay*2, maxReconnectDelay)
	}
}

// listenOnce dispatches events from a single WebSocket connection until it
// closes or ctx is done.
func (t *Transport) listenOnce(ctx context.Context, handler relay.EventHandler) (bool, error) {
	wsURL := httpToWS(t.serverURL)
	ws, err := model.NewWebSocketClient4(wsURL, t.client.AuthToken)
	if err != nil {
		return false, fmt.Errorf("failed to create websocket client: %w", err)
	}
	defer ws.Close()
	ws.Listen()
	t.log.Info().Str("ws_url", wsURL).Msg("WebSocket connected")

	for {
		select {
		case <-ctx.Done():
			return true, nil
		case evt, ok := <-ws.EventChannel:
			if !ok {
				return true, nil
			}
			if evt == nil {
				continue
			}
			t.handleEvent(ctx, handler, evt)
		}
	}
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

// Send implements relay.Sender. Users are reached through a direct channel
// with the bot, which is created on first use.
func (t *Transport) Send(ctx context.Context, target relay.Target, content relay.Content) (relay.MessageID, error) {
	var channelID string
	var err error
	switch target.Kind {
	case relay.TargetChannel:
		channelID, err = t.remoteID(ctx, relaydb.AliasChannel, target.ID)
	case relay.TargetUser:
		channelID, err = t.directChannel(ctx, target.ID)
	default:
		err = fmt.Errorf("unknown target kind %d", target.Kind)
	}
	if err != nil {
		return 0, err
	}

	post := &model.Post{
		ChannelId: channelID,
		Message:   content.Text,
	}
	if content.Media != nil {
		fileID, err := t.reuploadFile(ctx, content.Media, channelID)
		if err != nil {
			return 0, fmt.Errorf("failed to upload media: %w", err)
		}
		post.FileIds = []string{fileID}
	}
	created, _, err := t.client.CreatePost(ctx, post)
	if err != nil {
		return 0, fmt.Errorf("failed to create post: %w", err)
	}
	return t.postAlias(ctx, created.Id)
}

func (t *Transport) directChannel(ctx context.Context, userAlias int64) (string, error) {
	userID, err := t.remoteID(ctx, relaydb.AliasUser, userAlias)
	if err != nil {
		return "", err
	}
	if channelID, ok := t.dmChannel.Get(userID); ok {
		return channelID, nil
	}
	channel, _, err := t.client.CreateDirectChannel(ctx, t.userID, userID)
	if err != nil {
		return "", fmt.Errorf("failed to open direct channel: %w", err)
	}
	t.dmChannel.Set(userID, channel.Id)
	return channel.Id, nil
}

// reuploadFile copies an existing attachment into channelID. Mattermost binds
// uploaded files to a single post, so they can't be attached twice.
func (t *Transport) reuploadFile(ctx context.Context, media *relay.Media, channelID string) (string, error) {
	data, _, err := t.client.GetFile(ctx, media.Ref)
	if err != nil {
		return "", fmt.Errorf("failed to download file %s: %w", media.Ref, err)
	}
	filename := media.FileName
	if filename == "" {
		filename = "upload"
	}
	resp, _, err := t.client.UploadFile(ctx, data, channelID, filename)
	if err != nil {
		return "", fmt.Errorf("failed to upload to Mattermost: %w", err)
	}
	if len(resp.FileInfos) == 0 {
		return "", errors.New("no file info returned from upload")
	}
	return resp.FileInfos[0].Id, nil
}

// getUser returns a user from the cache or the server.
func (t *Transport) getUser(ctx context.Context, userID string) (*model.User, error) {
	if user, ok := t.users.Get(userID); ok {
		return user, nil
	}
	user, _, err := t.client.GetUser(ctx, userID, "")
	if err != nil {
		return nil, fmt.Errorf("failed to get user info: %w", err)
	}
	t.users.Set(userID, user)
	return user, nil
}

// displayName prefers the nickname, then the full name, then the username.
func displayName(user *model.User) string {
	if user.Nickname != "" {
		return user.Nickname
	}
	if full := strings.TrimSpace(user.FirstName + " " + user.LastName); full != "" {
		return full
	}
	return user.Username
}
