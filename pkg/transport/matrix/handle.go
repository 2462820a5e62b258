// Copyright 2024-2026 Aiku AI

package matrix

import (
	"context"
	"errors"
	"fmt"
	"time"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/feedback-relay/pkg/relay"
)

// handleMember joins rooms the bot is invited to. Invites flagged as direct
// chats are remembered as the inviter's direct room.
func (t *Transport) handleMember(ctx context.Context, evt *event.Event) {
	if evt.GetStateKey() != t.client.UserID.String() {
		return
	}
	member := evt.Content.AsMember()
	if member.Membership != event.MembershipInvite {
		return
	}
	log := t.log.With().Stringer("room_id", evt.RoomID).Stringer("inviter", evt.Sender).Logger()
	if _, err := t.client.JoinRoomByID(ctx, evt.RoomID); err != nil {
		log.Err(err).Msg("Failed to join room after invite")
		return
	}
	log.Info().Msg("Joined room after invite")
	if member.IsDirect && !t.isShared(evt.RoomID) {
		t.rememberDirectRoom(ctx, evt.Sender, evt.RoomID)
	}
}

func (t *Transport) handleTombstone(ctx context.Context, handler relay.EventHandler, evt *event.Event) {
	if !t.isShared(evt.RoomID) {
		return
	}
	tombstone := evt.Content.AsTombstone()
	if tombstone.ReplacementRoom == "" {
		return
	}
	if err := t.migrate(ctx, handler, evt.RoomID, tombstone.ReplacementRoom); err != nil {
		t.log.Err(err).Stringer("room_id", evt.RoomID).Msg("Failed to follow room upgrade")
	}
}

func (t *Transport) handleMessage(ctx context.Context, handler relay.EventHandler, evt *event.Event) {
	if evt.Sender == t.client.UserID {
		return
	}
	content := evt.Content.AsMessage()
	// Notices are bot output by convention, and edits are not relayed.
	if content.MsgType == event.MsgNotice || content.RelatesTo.GetReplaceID() != "" {
		return
	}
	log := t.log.With().Stringer("room_id", evt.RoomID).Stringer("event_id", evt.ID).Logger()

	var err error
	if t.isShared(evt.RoomID) {
		if content.RelatesTo.GetReplyTo() == "" {
			return
		}
		var reply *relay.Reply
		if reply, err = t.convertReply(ctx, evt, content); err == nil {
			err = handler.HandleReply(ctx, reply)
		}
	} else {
		t.rememberDirectRoom(ctx, evt.Sender, evt.RoomID)
		var inbound *relay.Inbound
		if inbound, err = t.convertInbound(ctx, evt, content); err == nil {
			err = handler.HandleInbound(ctx, inbound)
		}
	}
	switch {
	case errors.Is(err, relay.ErrCorrelationMiss):
		log.Debug().Msg("Reply did not match a correspondent")
	case err != nil:
		log.Warn().Err(err).Msg("Failed to handle message")
	}
}

func (t *Transport) convertInbound(ctx context.Context, evt *event.Event, content *event.MessageEventContent) (*relay.Inbound, error) {
	sender, err := t.userAlias(ctx, evt.Sender)
	if err != nil {
		return nil, err
	}
	msgID, err := t.eventAlias(ctx, evt.ID)
	if err != nil {
		return nil, err
	}
	return &relay.Inbound{
		Sender: relay.Identity{
			ID:          sender,
			DisplayName: t.memberName(ctx, evt.RoomID, evt.Sender),
			Handle:      evt.Sender.Localpart(),
		},
		MessageID: msgID,
		Content:   contentOf(content),
		Timestamp: time.UnixMilli(evt.Timestamp),
	}, nil
}

func (t *Transport) convertReply(ctx context.Context, evt *event.Event, content *event.MessageEventContent) (*relay.Reply, error) {
	replyTo := content.RelatesTo.GetReplyTo()
	replied, err := t.client.GetEvent(ctx, evt.RoomID, replyTo)
	if err != nil {
		return nil, fmt.Errorf("failed to get replied-to event %s: %w", replyTo, err)
	}
	if err = replied.Content.ParseRaw(replied.Type); err != nil && !errors.Is(err, event.ErrContentAlreadyParsed) {
		return nil, fmt.Errorf("failed to parse replied-to event: %w", err)
	}
	repliedID, err := t.eventAlias(ctx, replied.ID)
	if err != nil {
		return nil, err
	}
	repliedAuthor, err := t.userAlias(ctx, replied.Sender)
	if err != nil {
		return nil, err
	}
	msgID, err := t.eventAlias(ctx, evt.ID)
	if err != nil {
		return nil, err
	}
	sender, err := t.userAlias(ctx, evt.Sender)
	if err != nil {
		return nil, err
	}
	channel, err := t.roomAlias(ctx, evt.RoomID)
	if err != nil {
		return nil, err
	}
	content.RemoveReplyFallback()
	return &relay.Reply{
		ChannelID:  channel,
		MessageID:  msgID,
		SenderID:   sender,
		SenderName: t.memberName(ctx, evt.RoomID, evt.Sender),
		RepliedTo: relay.RepliedMessage{
			ID:       repliedID,
			AuthorID: repliedAuthor,
			Content:  contentOf(replied.Content.AsMessage()),
		},
		Content: contentOf(content),
	}, nil
}

// memberName returns the room display name of a user, or the localpart if
// the member event can't be fetched.
func (t *Transport) memberName(ctx context.Context, roomID id.RoomID, userID id.UserID) string {
	var member event.MemberEventContent
	err := t.client.StateEvent(ctx, roomID, event.StateMember, userID.String(), &member)
	if err != nil || member.Displayname == "" {
		return userID.Localpart()
	}
	return member.Displayname
}

// contentOf extracts the relayable part of a message. Encrypted attachments
// are not supported and keep only their text.
func contentOf(msg *event.MessageEventContent) relay.Content {
	var kind relay.MediaKind
	switch msg.MsgType {
	case event.MsgImage:
		kind = relay.MediaPhoto
	case event.MsgVideo:
		kind = relay.MediaVideo
	case event.MsgAudio:
		kind = relay.MediaAudio
		if msg.MSC3245Voice != nil {
			kind = relay.MediaVoice
		}
	case event.MsgFile:
		kind = relay.MediaDocument
	default:
		return relay.Content{Text: msg.Body}
	}
	if msg.URL == "" {
		return relay.Content{Text: msg.GetCaption()}
	}
	media := &relay.Media{
		Kind:     kind,
		Ref:      string(msg.URL),
		FileName: msg.GetFileName(),
	}
	if msg.Info != nil {
		media.MimeType = msg.Info.MimeType
	}
	return relay.Content{Text: msg.GetCaption(), Media: media}
}
