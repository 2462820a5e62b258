// Copyright 2024-2026 Aiku AI

package mattermost

import (
	"context"
	"fmt"

	"github.com/aiku/feedback-relay/pkg/relay"
	"github.com/aiku/feedback-relay/pkg/relaydb"
)

// Aliases maps Mattermost's string ids to the integers the relay works with.
// relaydb.AliasQuery is the production implementation.
type Aliases interface {
	GetOrCreate(ctx context.Context, kind relaydb.AliasKind, remoteID string) (int64, error)
	Remote(ctx context.Context, kind relaydb.AliasKind, alias int64) (string, error)
}

var _ Aliases = (*relaydb.AliasQuery)(nil)

func (t *Transport) userAlias(ctx context.Context, userID string) (relay.UserID, error) {
	alias, err := t.aliases.GetOrCreate(ctx, relaydb.AliasUser, userID)
	return relay.UserID(alias), err
}

func (t *Transport) postAlias(ctx context.Context, postID string) (relay.MessageID, error) {
	alias, err := t.aliases.GetOrCreate(ctx, relaydb.AliasMessage, postID)
	return relay.MessageID(alias), err
}

func (t *Transport) channelAlias(ctx context.Context, channelID string) (relay.ChannelID, error) {
	alias, err := t.aliases.GetOrCreate(ctx, relaydb.AliasChannel, channelID)
	return relay.ChannelID(alias), err
}

// remoteID resolves an alias back to the Mattermost id.
func (t *Transport) remoteID(ctx context.Context, kind relaydb.AliasKind, alias int64) (string, error) {
	remote, err := t.aliases.Remote(ctx, kind, alias)
	if err != nil {
		return "", err
	} else if remote == "" {
		return "", fmt.Errorf("unknown %s alias %d", kind, alias)
	}
	return remote, nil
}
