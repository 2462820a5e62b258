// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Options configures an Engine. Transport and Store are required.
type Options struct {
	Transport    Transport
	Store        CorrelationStore
	Audit        AuditLog
	Directory    Directory
	ChannelState ChannelStateStore
	Messages     Messages
	Metrics      *Metrics
	Log          zerolog.Logger
}

// Engine relays correspondent messages into the shared channel and staff
// replies back to the correspondents.
type Engine struct {
	transport   Transport
	store       CorrelationStore
	audit       AuditLog
	directory   Directory
	state       ChannelStateStore
	messages    Messages
	metrics     *Metrics
	channel     *Channel
	broadcaster *Broadcaster
	home        ChannelID
	log         zerolog.Logger
}

var _ EventHandler = (*Engine)(nil)

// NewEngine creates an engine. If a channel state store is configured, the
// shared channel resumes from the last persisted migration.
func NewEngine(ctx context.Context, opts Options) (*Engine, error) {
	if opts.Transport == nil {
		return nil, errors.New("relay: transport must not be nil")
	}
	if opts.Store == nil {
		return nil, errors.New("relay: correlation store must not be nil")
	}
	e := &Engine{
		transport: opts.Transport,
		store:     opts.Store,
		audit:     opts.Audit,
		directory: opts.Directory,
		state:     opts.ChannelState,
		messages:  opts.Messages,
		metrics:   opts.Metrics,
		home:      opts.Transport.HomeChannel(),
		log:       opts.Log.With().Str("component", "relay").Logger(),
	}

	current := e.home
	if e.state != nil {
		saved, found, err := e.state.LoadChannel(ctx, e.home)
		if err != nil {
			return nil, fmt.Errorf("failed to load channel state: %w", err)
		}
		if found && saved != 0 {
			current = saved
		}
	}
	if current != e.home {
		e.log.Info().
			Int64("home_channel", int64(e.home)).
			Int64("current_channel", int64(current)).
			Msg("Resuming from migrated shared channel")
	}
	e.channel = NewChannel(current, e.transport, opts.Log)
	e.channel.SetMigrateHook(e.channelMigrated)
	e.broadcaster = NewBroadcaster(e.transport, e.metrics, opts.Log)
	return e, nil
}

// Channel returns the shared channel.
func (e *Engine) Channel() *Channel {
	return e.channel
}

// Run runs the transport until ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	e.log.Info().
		Int64("self_id", int64(e.transport.SelfID())).
		Int64("channel", int64(e.channel.Current())).
		Msg("Starting relay")
	return e.transport.Run(ctx, e)
}

func (e *Engine) channelMigrated(ctx context.Context, from, to ChannelID) {
	e.metrics.migration()
	if e.state == nil {
		return
	}
	if err := e.state.SaveChannel(ctx, e.home, to); err != nil {
		e.log.Error().Err(err).
			Int64("from", int64(from)).
			Int64("to", int64(to)).
			Msg("Failed to persist channel migration")
	}
}

// HandleMigration implements EventHandler.
func (e *Engine) HandleMigration(ctx context.Context, from, to ChannelID) error {
	e.channel.Migrate(ctx, from, to)
	return nil
}

func isStartCommand(text string) bool {
	cmd, _, _ := strings.Cut(strings.TrimSpace(text), " ")
	cmd, _, _ = strings.Cut(cmd, "@")
	return cmd == "/start"
}

// HandleInbound implements EventHandler. It forwards a correspondent message
// into the shared channel and records the link to the forwarded copy.
func (e *Engine) HandleInbound(ctx context.Context, msg *Inbound) error {
	if msg.Sender.ID == e.transport.SelfID() {
		return nil
	}
	log := e.log.With().
		Int64("correspondent_id", int64(msg.Sender.ID)).
		Int64("message_id", int64(msg.MessageID)).
		Logger()

	if msg.Content.Media == nil && isStartCommand(msg.Content.Text) {
		e.remember(ctx, msg.Sender)
		if e.messages.Welcome == "" {
			return nil
		}
		if _, err := e.transport.Send(ctx, UserTarget(msg.Sender.ID), Content{Text: e.messages.Welcome}); err != nil {
			log.Warn().Err(err).Msg("Failed to send welcome message")
			return &DeliveryError{Target: UserTarget(msg.Sender.ID), Err: err}
		}
		log.Debug().Msg("Sent welcome message")
		return nil
	}
	if msg.Content.IsEmpty() {
		log.Debug().Msg("Ignoring message without relayable content")
		return nil
	}
	e.remember(ctx, msg.Sender)

	header := e.messages.forwardHeader(msg.Sender, msg.Content)
	forward := Content{
		Text:  joinBlocks(header, msg.Content.Text),
		Media: msg.Content.Media,
	}
	channelID, relayMsg, err := e.channel.Send(ctx, forward)
	if err != nil {
		e.metrics.forward("failed")
		log.Error().Err(err).Int64("channel", int64(channelID)).Msg("Failed to forward message to shared channel")
		e.recordForward(ctx, msg.Sender, msg.Content, 0, StatusFailed)
		return err
	}
	e.metrics.forward("delivered")
	log = log.With().Int64("relay_message_id", int64(relayMsg)).Logger()

	link := &Link{
		RelayMessageID:  relayMsg,
		CorrespondentID: msg.Sender.ID,
		ChannelID:       channelID,
		CreatedAt:       time.Now(),
	}
	if err := e.store.PutLink(ctx, link); err != nil {
		e.metrics.storeError("put")
		log.Warn().Err(asStoreError("put", err)).
			Msg("Failed to store correlation, replies will rely on the identity marker")
	}
	e.recordForward(ctx, msg.Sender, msg.Content, relayMsg, StatusNew)
	log.Debug().Msg("Forwarded message to shared channel")
	return nil
}

// HandleReply implements EventHandler. It delivers a staff reply to the
// correspondent whose forwarded message was replied to.
func (e *Engine) HandleReply(ctx context.Context, reply *Reply) error {
	self := e.transport.SelfID()
	if reply.SenderID == self {
		return nil
	}
	if reply.ChannelID != e.channel.Current() {
		return nil
	}
	if reply.RepliedTo.AuthorID != self {
		return nil
	}
	log := e.log.With().
		Int64("reply_id", int64(reply.MessageID)).
		Int64("relay_message_id", int64(reply.RepliedTo.ID)).
		Int64("staff_id", int64(reply.SenderID)).
		Logger()
	if reply.Content.IsEmpty() {
		log.Debug().Msg("Ignoring reply without relayable content")
		return nil
	}

	correspondent, ok := e.resolve(ctx, &reply.RepliedTo, log)
	if !ok {
		e.metrics.reply("not_found")
		log.Warn().Msg("Could not resolve correspondent for reply")
		if e.messages.NotFound != "" {
			if _, _, err := e.channel.Send(ctx, Content{Text: e.messages.NotFound}); err != nil {
				log.Error().Err(err).Msg("Failed to post correspondent not found notice")
			}
		}
		return ErrCorrelationMiss
	}
	log = log.With().Int64("correspondent_id", int64(correspondent)).Logger()

	content := Content{
		Text:  joinBlocks(e.messages.ReplyHeader, reply.Content.Text),
		Media: reply.Content.Media,
	}
	_, err := e.transport.Send(ctx, UserTarget(correspondent), content)
	if err != nil {
		e.metrics.reply("failed")
		log.Error().Err(err).Msg("Failed to deliver reply to correspondent")
		e.recordReply(ctx, reply.RepliedTo.ID, correspondent, StatusFailed, reply.Content.Text)
		notice := e.messages.deliveryFailed(correspondent, err)
		if _, _, noticeErr := e.channel.Send(ctx, Content{Text: notice}); noticeErr != nil {
			log.Error().Err(noticeErr).Msg("Failed to post delivery failure notice")
		}
		return &DeliveryError{Target: UserTarget(correspondent), Err: err}
	}
	e.metrics.reply("delivered")
	e.recordReply(ctx, reply.RepliedTo.ID, correspondent, StatusReplied, reply.Content.Text)
	log.Debug().Msg("Delivered reply to correspondent")
	return nil
}

// resolve finds the correspondent of a relayed message, first in the
// correlation store and then by parsing the identity marker.
func (e *Engine) resolve(ctx context.Context, msg *RepliedMessage, log zerolog.Logger) (UserID, bool) {
	link, err := e.store.GetLink(ctx, msg.ID)
	switch {
	case err != nil:
		e.metrics.storeError("get")
		log.Warn().Err(asStoreError("get", err)).Msg("Correlation store lookup failed, falling back to identity marker")
	case link != nil:
		e.metrics.lookup("store")
		return link.CorrespondentID, true
	}
	if id, ok := ExtractCorrespondentID(msg.Content.Text); ok {
		e.metrics.lookup("marker")
		return id, true
	}
	e.metrics.lookup("miss")
	return 0, false
}

// LookupCorrespondent returns the correspondent a relay message is linked to
// in the correlation store.
func (e *Engine) LookupCorrespondent(ctx context.Context, relayMsg MessageID) (UserID, error) {
	link, err := e.store.GetLink(ctx, relayMsg)
	if err != nil {
		return 0, asStoreError("get", err)
	}
	if link == nil {
		return 0, ErrCorrelationMiss
	}
	return link.CorrespondentID, nil
}

// Broadcast sends content to every listed correspondent.
func (e *Engine) Broadcast(ctx context.Context, targets []UserID, content Content) *BroadcastResult {
	return e.broadcaster.Broadcast(ctx, targets, content)
}

// BroadcastAll sends content to every correspondent in the directory.
func (e *Engine) BroadcastAll(ctx context.Context, content Content) (*BroadcastResult, error) {
	if e.directory == nil {
		return nil, errors.New("no correspondent directory configured")
	}
	targets, err := e.directory.All(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list correspondents: %w", err)
	}
	return e.broadcaster.Broadcast(ctx, targets, content), nil
}

func (e *Engine) remember(ctx context.Context, who Identity) {
	if e.directory == nil {
		return
	}
	if err := e.directory.Remember(ctx, who); err != nil {
		e.log.Warn().Err(err).Int64("correspondent_id", int64(who.ID)).Msg("Failed to update correspondent directory")
	}
}

func (e *Engine) recordForward(ctx context.Context, sender Identity, content Content, relayMsg MessageID, status Status) {
	if e.audit == nil {
		return
	}
	if err := e.audit.RecordForward(ctx, sender, content, relayMsg, status); err != nil {
		e.log.Warn().Err(err).Int64("correspondent_id", int64(sender.ID)).Msg("Failed to write feedback record")
	}
}

func (e *Engine) recordReply(ctx context.Context, relayMsg MessageID, correspondent UserID, status Status, text string) {
	if e.audit == nil {
		return
	}
	if err := e.audit.RecordReplyOutcome(ctx, relayMsg, correspondent, status, text); err != nil {
		e.log.Warn().Err(err).Int64("correspondent_id", int64(correspondent)).Msg("Failed to write reply outcome")
	}
}
