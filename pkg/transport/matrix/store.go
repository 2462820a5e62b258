// Copyright 2024-2026 Aiku AI

package matrix

import (
	"context"
	"fmt"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/feedback-relay/pkg/relay"
	"github.com/aiku/feedback-relay/pkg/relaydb"
)

// syncStore keeps the sync filter and next_batch token in relay_state so a
// restart resumes where it stopped instead of replaying the timeline.
type syncStore struct {
	state State
}

var _ mautrix.SyncStore = (*syncStore)(nil)

func (s *syncStore) SaveFilterID(ctx context.Context, userID id.UserID, filterID string) error {
	return s.state.Set(ctx, "matrix_filter_id:"+userID.String(), filterID)
}

func (s *syncStore) LoadFilterID(ctx context.Context, userID id.UserID) (string, error) {
	return s.state.Get(ctx, "matrix_filter_id:"+userID.String())
}

func (s *syncStore) SaveNextBatch(ctx context.Context, userID id.UserID, nextBatchToken string) error {
	return s.state.Set(ctx, "matrix_next_batch:"+userID.String(), nextBatchToken)
}

func (s *syncStore) LoadNextBatch(ctx context.Context, userID id.UserID) (string, error) {
	return s.state.Get(ctx, "matrix_next_batch:"+userID.String())
}

func dmStateKey(userID id.UserID) string {
	return "matrix_dm:" + userID.String()
}

// rememberDirectRoom records the room a correspondent talks to the relay in.
func (t *Transport) rememberDirectRoom(ctx context.Context, userID id.UserID, roomID id.RoomID) {
	if existing, ok := t.dmRooms.Get(userID); ok && existing == roomID {
		return
	}
	t.dmRooms.Set(userID, roomID)
	if err := t.state.Set(ctx, dmStateKey(userID), roomID.String()); err != nil {
		t.log.Warn().Err(err).Stringer("user_id", userID).Msg("Failed to save direct room")
	}
}

// directRoom returns the direct room for a user alias, creating one if the
// user never talked to the relay in a room it knows about.
func (t *Transport) directRoom(ctx context.Context, userAlias int64) (id.RoomID, error) {
	remote, err := t.remoteID(ctx, relaydb.AliasUser, userAlias)
	if err != nil {
		return "", err
	}
	userID := id.UserID(remote)
	if roomID, ok := t.dmRooms.Get(userID); ok {
		return roomID, nil
	}
	stored, err := t.state.Get(ctx, dmStateKey(userID))
	if err != nil {
		return "", fmt.Errorf("failed to load direct room: %w", err)
	} else if stored != "" {
		t.dmRooms.Set(userID, id.RoomID(stored))
		return id.RoomID(stored), nil
	}
	resp, err := t.client.CreateRoom(ctx, &mautrix.ReqCreateRoom{
		Preset:   "trusted_private_chat",
		IsDirect: true,
		Invite:   []id.UserID{userID},
	})
	if err != nil {
		return "", fmt.Errorf("failed to create direct room: %w", err)
	}
	t.rememberDirectRoom(ctx, userID, resp.RoomID)
	return resp.RoomID, nil
}

func (t *Transport) userAlias(ctx context.Context, userID id.UserID) (relay.UserID, error) {
	alias, err := t.aliases.GetOrCreate(ctx, relaydb.AliasUser, userID.String())
	return relay.UserID(alias), err
}

func (t *Transport) eventAlias(ctx context.Context, eventID id.EventID) (relay.MessageID, error) {
	alias, err := t.aliases.GetOrCreate(ctx, relaydb.AliasMessage, eventID.String())
	return relay.MessageID(alias), err
}

func (t *Transport) roomAlias(ctx context.Context, roomID id.RoomID) (relay.ChannelID, error) {
	alias, err := t.aliases.GetOrCreate(ctx, relaydb.AliasChannel, roomID.String())
	return relay.ChannelID(alias), err
}

func (t *Transport) remoteID(ctx context.Context, kind relaydb.AliasKind, alias int64) (string, error) {
	remote, err := t.aliases.Remote(ctx, kind, alias)
	if err != nil {
		return "", err
	} else if remote == "" {
		return "", fmt.Errorf("unknown %s alias %d", kind, alias)
	}
	return remote, nil
}
