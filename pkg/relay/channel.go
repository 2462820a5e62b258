// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package relay

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// ChannelStateStore persists the current id of a shared channel, keyed by the
// id it was originally configured with.
type ChannelStateStore interface {
	LoadChannel(ctx context.Context, home ChannelID) (current ChannelID, found bool, err error)
	SaveChannel(ctx context.Context, home, current ChannelID) error
}

// MigrateHook is called after the channel id was swapped.
type MigrateHook func(ctx context.Context, from, to ChannelID)

// Channel is the shared staff channel. Its id can change at runtime when the
// network upgrades the chat, and every send goes to the id current at dispatch.
type Channel struct {
	current   atomic.Int64
	sender    Sender
	onMigrate MigrateHook
	log       zerolog.Logger
}

func NewChannel(initial ChannelID, sender Sender, log zerolog.Logger) *Channel {
	c := &Channel{
		sender: sender,
		log:    log.With().Str("component", "channel").Logger(),
	}
	c.current.Store(int64(initial))
	return c
}

// SetMigrateHook registers a function called after each successful migration.
// It must be called before the channel is used concurrently.
func (c *Channel) SetMigrateHook(hook MigrateHook) {
	c.onMigrate = hook
}

// Current returns the id messages are currently sent to.
func (c *Channel) Current() ChannelID {
	return ChannelID(c.current.Load())
}

// Migrate moves the channel from one id to another. It returns false without
// doing anything if the channel already uses the new id or if the old id
// doesn't match the current one.
func (c *Channel) Migrate(ctx context.Context, from, to ChannelID) bool {
	if to == 0 || from == to {
		return false
	}
	if c.Current() == to {
		c.log.Debug().
			Int64("from", int64(from)).
			Int64("to", int64(to)).
			Msg("Channel already migrated")
		return false
	}
	if !c.current.CompareAndSwap(int64(from), int64(to)) {
		c.log.Warn().
			Int64("from", int64(from)).
			Int64("to", int64(to)).
			Int64("current", int64(c.Current())).
			Msg("Ignoring stale channel migration")
		return false
	}
	c.log.Info().
		Int64("from", int64(from)).
		Int64("to", int64(to)).
		Msg("Shared channel migrated")
	if c.onMigrate != nil {
		c.onMigrate(ctx, from, to)
	}
	return true
}

// Send delivers content to the shared channel and returns the channel id it
// was delivered under. A send that fails because the channel moved is retried
// once against the new id.
func (c *Channel) Send(ctx context.Context, content Content) (ChannelID, MessageID, error) {
	channelID := c.Current()
	msgID, err := c.sender.Send(ctx, ChannelTarget(channelID), content)
	if err == nil {
		return channelID, msgID, nil
	}

	var migrated *MigratedError
	if errors.As(err, &migrated) {
		from := migrated.From
		if from == 0 {
			from = channelID
		}
		c.Migrate(ctx, from, migrated.To)
	}

	retryID := c.Current()
	if retryID == channelID {
		return channelID, 0, &DeliveryError{Target: ChannelTarget(channelID), Err: err}
	}

	c.log.Debug().
		Err(err).
		Int64("failed_channel", int64(channelID)).
		Int64("retry_channel", int64(retryID)).
		Msg("Retrying send against migrated channel")
	msgID, err = c.sender.Send(ctx, ChannelTarget(retryID), content)
	if err != nil {
		return retryID, 0, &MigrationRaceError{Channel: retryID, Err: err}
	}
	return retryID, msgID, nil
}
