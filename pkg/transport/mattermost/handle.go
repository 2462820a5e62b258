// Copyright 2024-2026 Aiku AI

package mattermost

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattermost/mattermost/server/public/model"

	"github.com/aiku/feedback-relay/pkg/relay"
)

// handleEvent dispatches a WebSocket event. Only new posts matter to the relay.
func (t *Transport) handleEvent(ctx context.Context, handler relay.EventHandler, evt *model.WebSocketEvent) {
	if evt.EventType() != model.WebsocketEventPosted {
		t.log.Trace().Str("event_type", string(evt.EventType())).Msg("Unhandled event type")
		return
	}
	post, err := t.parsePostedEvent(evt)
	if err != nil {
		t.log.Err(err).Msg("Failed to parse posted event")
		return
	} else if post == nil {
		return
	}
	log := t.log.With().Str("post_id", post.Id).Str("channel_id", post.ChannelId).Logger()

	switch {
	case post.ChannelId == t.channelID:
		if post.RootId == "" {
			return
		}
		var reply *relay.Reply
		if reply, err = t.convertReply(ctx, post); err == nil {
			err = handler.HandleReply(ctx, reply)
		}
	case evt.GetData()["channel_type"] == string(model.ChannelTypeDirect):
		var inbound *relay.Inbound
		if inbound, err = t.convertInbound(ctx, post); err == nil && inbound != nil {
			err = handler.HandleInbound(ctx, inbound)
		}
	default:
		return
	}
	switch {
	case errors.Is(err, relay.ErrCorrelationMiss):
		log.Debug().Msg("Reply did not match a correspondent")
	case err != nil:
		log.Warn().Err(err).Msg("Failed to handle post")
	}
}

// parsePostedEvent extracts a post from a WebSocket event and filters out
// echoes. Returns (nil, nil) to skip silently.
func (t *Transport) parsePostedEvent(evt *model.WebSocketEvent) (*model.Post, error) {
	postJSON, ok := evt.GetData()["post"].(string)
	if !ok {
		return nil, errors.New("posted event missing post data")
	}
	var post model.Post
	if err := json.Unmarshal([]byte(postJSON), &post); err != nil {
		return nil, fmt.Errorf("failed to unmarshal post: %w", err)
	}

	if post.UserId == t.userID {
		return nil, nil
	}
	// System messages such as joins and header changes.
	if post.Type != "" && post.Type != model.PostTypeDefault {
		return nil, nil
	}
	senderName, _ := evt.GetData()["sender_name"].(string)
	senderName = strings.TrimPrefix(senderName, "@")
	if senderName != "" && isBridgeUsername(senderName, t.botPrefix) {
		t.log.Debug().
			Str("post_id", post.Id).
			Str("username", senderName).
			Msg("Skipping bridge username post")
		return nil, nil
	}
	return &post, nil
}

// isBridgeUsername reports whether a username belongs to another bridge or
// relay bot, whose posts must never be relayed back.
func isBridgeUsername(username, botPrefix string) bool {
	switch {
	case username == "mattermost-bridge":
		return true
	case strings.HasPrefix(username, "mattermost_"):
		return true
	case botPrefix != "" && strings.HasPrefix(username, botPrefix):
		return true
	default:
		return false
	}
}

func (t *Transport) convertInbound(ctx context.Context, post *model.Post) (*relay.Inbound, error) {
	user, err := t.getUser(ctx, post.UserId)
	if err != nil {
		return nil, err
	}
	if user.IsBot {
		return nil, nil
	}
	sender, err := t.userAlias(ctx, post.UserId)
	if err != nil {
		return nil, err
	}
	msgID, err := t.postAlias(ctx, post.Id)
	if err != nil {
		return nil, err
	}
	return &relay.Inbound{
		Sender: relay.Identity{
			ID:          sender,
			DisplayName: displayName(user),
			Handle:      user.Username,
		},
		MessageID: msgID,
		Content:   t.contentOf(ctx, post),
		Timestamp: time.UnixMilli(post.CreateAt),
	}, nil
}

// convertReply builds a reply from a thread post. Mattermost threads are flat,
// so the replied-to message is always the thread root.
func (t *Transport) convertReply(ctx context.Context, post *model.Post) (*relay.Reply, error) {
	root, _, err := t.client.GetPost(ctx, post.RootId, "")
	if err != nil {
		return nil, fmt.Errorf("failed to get thread root %s: %w", post.RootId, err)
	}
	rootAlias, err := t.postAlias(ctx, root.Id)
	if err != nil {
		return nil, err
	}
	rootAuthor, err := t.userAlias(ctx, root.UserId)
	if err != nil {
		return nil, err
	}
	msgID, err := t.postAlias(ctx, post.Id)
	if err != nil {
		return nil, err
	}
	sender, err := t.userAlias(ctx, post.UserId)
	if err != nil {
		return nil, err
	}
	var senderName string
	if user, err := t.getUser(ctx, post.UserId); err == nil {
		senderName = displayName(user)
	}
	return &relay.Reply{
		ChannelID:  t.home,
		MessageID:  msgID,
		SenderID:   sender,
		SenderName: senderName,
		RepliedTo: relay.RepliedMessage{
			ID:       rootAlias,
			AuthorID: rootAuthor,
			Content:  t.contentOf(ctx, root),
		},
		Content: t.contentOf(ctx, post),
	}, nil
}

// contentOf extracts the message text and the first attachment. Further
// attachments are dropped.
func (t *Transport) contentOf(ctx context.Context, post *model.Post) relay.Content {
	content := relay.Content{Text: post.Message}
	if len(post.FileIds) == 0 {
		return content
	}
	fileID := post.FileIds[0]
	media := &relay.Media{Kind: relay.MediaDocument, Ref: fileID}
	info, _, err := t.client.GetFileInfo(ctx, fileID)
	if err != nil {
		t.log.Warn().Err(err).Str("file_id", fileID).Msg("Failed to get file info")
	} else {
		media.FileName = info.Name
		media.MimeType = info.MimeType
		media.Kind = mediaKind(info.MimeType)
	}
	content.Media = media
	return content
}

func mediaKind(mimeType string) relay.MediaKind {
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return relay.MediaPhoto
	case strings.HasPrefix(mimeType, "video/"):
		return relay.MediaVideo
	case strings.HasPrefix(mimeType, "audio/"):
		return relay.MediaAudio
	default:
		return relay.MediaDocument
	}
}
