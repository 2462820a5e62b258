// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package matrix connects the relay to a Matrix homeserver as a regular bot
// account.
//
// Every room other than the shared room is a direct conversation with a
// correspondent. Replies in the shared room use m.in_reply_to, and a room
// upgrade (m.room.tombstone) is reported as a channel migration.
package matrix

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"go.mau.fi/util/exsync"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/feedback-relay/pkg/config"
	"github.com/aiku/feedback-relay/pkg/relay"
	"github.com/aiku/feedback-relay/pkg/relaydb"
)

// Aliases maps Matrix's string identifiers to the integers the relay works with.
type Aliases interface {
	GetOrCreate(ctx context.Context, kind relaydb.AliasKind, remoteID string) (int64, error)
	Remote(ctx context.Context, kind relaydb.AliasKind, alias int64) (string, error)
}

// State persists small values across restarts: sync tokens and the direct
// room of each correspondent.
type State interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
}

var (
	_ Aliases = (*relaydb.AliasQuery)(nil)
	_ State   = (*relaydb.StateQuery)(nil)
)

// Transport implements relay.Transport for Matrix.
type Transport struct {
	client  *mautrix.Client
	aliases Aliases
	state   State

	selfID relay.UserID
	home   relay.ChannelID
	// homeRoom is the configured room. sharedRooms also holds the rooms it
	// was upgraded to.
	homeRoom    id.RoomID
	sharedLock  sync.RWMutex
	sharedRooms map[id.RoomID]struct{}

	dmRooms *exsync.Map[id.UserID, id.RoomID]

	log zerolog.Logger
}

var _ relay.Transport = (*Transport)(nil)

// New checks the access token with /whoami and resolves the bot and shared
// room aliases.
func New(ctx context.Context, cfg config.MatrixConfig, aliases Aliases, state State, log zerolog.Logger) (*Transport, error) {
	log = log.With().Str("component", "matrix").Logger()
	client, err := mautrix.NewClient(cfg.Homeserver, id.UserID(cfg.UserID), cfg.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create matrix client: %w", err)
	}
	client.Log = log.With().Str("subcomponent", "mautrix").Logger()
	client.Store = &syncStore{state: state}

	whoami, err := client.Whoami(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to verify access token: %w", err)
	} else if whoami.UserID != client.UserID {
		return nil, fmt.Errorf("access token belongs to %s, not %s", whoami.UserID, client.UserID)
	}

	t := &Transport{
		client:      client,
		aliases:     aliases,
		state:       state,
		homeRoom:    id.RoomID(cfg.RoomID),
		sharedRooms: map[id.RoomID]struct{}{id.RoomID(cfg.RoomID): {}},
		dmRooms:     exsync.NewMap[id.UserID, id.RoomID](),
		log:         log,
	}
	if t.selfID, err = t.userAlias(ctx, client.UserID); err != nil {
		return nil, fmt.Errorf("failed to map bot user id: %w", err)
	}
	if t.home, err = t.roomAlias(ctx, t.homeRoom); err != nil {
		return nil, fmt.Errorf("failed to map room id: %w", err)
	}
	log.Info().
		Stringer("user_id", client.UserID).
		Stringer("device_id", whoami.DeviceID).
		Stringer("room_id", t.homeRoom).
		Msg("Authenticated")
	return t, nil
}

func (t *Transport) SelfID() relay.UserID {
	return t.selfID
}

func (t *Transport) HomeChannel() relay.ChannelID {
	return t.home
}

func (t *Transport) isShared(roomID id.RoomID) bool {
	t.sharedLock.RLock()
	defer t.sharedLock.RUnlock()
	_, ok := t.sharedRooms[roomID]
	return ok
}

func (t *Transport) addShared(roomID id.RoomID) {
	t.sharedLock.Lock()
	t.sharedRooms[roomID] = struct{}{}
	t.sharedLock.Unlock()
}

// Run follows any room upgrades that happened while the relay was offline,
// then syncs until ctx is done.
func (t *Transport) Run(ctx context.Context, handler relay.EventHandler) error {
	if err := t.followTombstones(ctx, handler, t.homeRoom); err != nil {
		t.log.Warn().Err(err).Msg("Failed to check shared room for upgrades")
	}

	syncer, ok := t.client.Syncer.(*mautrix.DefaultSyncer)
	if !ok {
		return errors.New("unexpected syncer type")
	}
	syncer.OnSync(t.client.DontProcessOldEvents)
	syncer.OnEventType(event.StateMember, func(ctx context.Context, evt *event.Event) {
		t.handleMember(ctx, evt)
	})
	syncer.OnEventType(event.StateTombstone, func(ctx context.Context, evt *event.Event) {
		t.handleTombstone(ctx, handler, evt)
	})
	syncer.OnEventType(event.EventMessage, func(ctx context.Context, evt *event.Event) {
		t.handleMessage(ctx, handler, evt)
	})

	t.log.Info().Msg("Starting sync")
	err := t.client.SyncWithContext(ctx)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// followTombstones walks the upgrade chain starting at roomID, joining each
// replacement room and reporting every step as a migration.
func (t *Transport) followTombstones(ctx context.Context, handler relay.EventHandler, roomID id.RoomID) error {
	for {
		var tombstone event.TombstoneEventContent
		err := t.client.StateEvent(ctx, roomID, event.StateTombstone, "", &tombstone)
		if errors.Is(err, mautrix.MNotFound) {
			return nil
		} else if err != nil {
			return err
		} else if tombstone.ReplacementRoom == "" {
			return nil
		}
		if err = t.migrate(ctx, handler, roomID, tombstone.ReplacementRoom); err != nil {
			return err
		}
		roomID = tombstone.ReplacementRoom
	}
}

func (t *Transport) migrate(ctx context.Context, handler relay.EventHandler, from, to id.RoomID) error {
	if _, err := t.client.JoinRoomByID(ctx, to); err != nil {
		return fmt.Errorf("failed to join replacement room %s: %w", to, err)
	}
	t.addShared(to)
	fromAlias, err := t.roomAlias(ctx, from)
	if err != nil {
		return err
	}
	toAlias, err := t.roomAlias(ctx, to)
	if err != nil {
		return err
	}
	t.log.Info().Stringer("from_room", from).Stringer("to_room", to).Msg("Shared room was upgraded")
	return handler.HandleMigration(ctx, fromAlias, toAlias)
}

// Send implements relay.Sender. Users are reached in their direct room, which
// is created on first use.
func (t *Transport) Send(ctx context.Context, target relay.Target, content relay.Content) (relay.MessageID, error) {
	var roomID id.RoomID
	var err error
	switch target.Kind {
	case relay.TargetChannel:
		var remote string
		remote, err = t.remoteID(ctx, relaydb.AliasChannel, target.ID)
		roomID = id.RoomID(remote)
	case relay.TargetUser:
		roomID, err = t.directRoom(ctx, target.ID)
	default:
		err = fmt.Errorf("unknown target kind %d", target.Kind)
	}
	if err != nil {
		return 0, err
	}

	resp, err := t.client.SendMessageEvent(ctx, roomID, event.EventMessage, buildContent(content))
	if err != nil {
		if target.Kind == relay.TargetChannel && errors.Is(err, mautrix.MForbidden) {
			if migrated := t.checkUpgraded(ctx, roomID); migrated != nil {
				return 0, migrated
			}
		}
		return 0, fmt.Errorf("failed to send message: %w", err)
	}
	return t.eventAlias(ctx, resp.EventID)
}

// checkUpgraded returns a MigratedError if roomID has been replaced.
func (t *Transport) checkUpgraded(ctx context.Context, roomID id.RoomID) error {
	var tombstone event.TombstoneEventContent
	if err := t.client.StateEvent(ctx, roomID, event.StateTombstone, "", &tombstone); err != nil || tombstone.ReplacementRoom == "" {
		return nil
	}
	from, err := t.roomAlias(ctx, roomID)
	if err != nil {
		return nil
	}
	to, err := t.roomAlias(ctx, tombstone.ReplacementRoom)
	if err != nil {
		return nil
	}
	return &relay.MigratedError{From: from, To: to}
}

func buildContent(content relay.Content) *event.MessageEventContent {
	if content.Media == nil {
		return &event.MessageEventContent{MsgType: event.MsgText, Body: content.Text}
	}
	media := content.Media
	msg := &event.MessageEventContent{
		URL:  id.ContentURIString(media.Ref),
		Body: media.FileName,
	}
	if media.MimeType != "" {
		msg.Info = &event.FileInfo{MimeType: media.MimeType}
	}
	if content.Text != "" {
		msg.Body = content.Text
		msg.FileName = media.FileName
		if msg.FileName == "" {
			msg.FileName = string(media.Kind)
		}
	} else if msg.Body == "" {
		msg.Body = string(media.Kind)
	}
	switch media.Kind {
	case relay.MediaPhoto:
		msg.MsgType = event.MsgImage
	case relay.MediaVideo:
		msg.MsgType = event.MsgVideo
	case relay.MediaVoice:
		msg.MsgType = event.MsgAudio
		msg.MSC3245Voice = &event.MSC3245Voice{}
	case relay.MediaAudio:
		msg.MsgType = event.MsgAudio
	default:
		msg.MsgType = event.MsgFile
	}
	return msg
}
