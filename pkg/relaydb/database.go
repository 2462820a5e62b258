// Copyright 2024-2026 Aiku AI

// Package relaydb stores relay links, the feedback log, known correspondents
// and network id aliases in SQLite or Postgres.
package relaydb

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/util/dbutil"

	"github.com/aiku/feedback-relay/pkg/relay"
	"github.com/aiku/feedback-relay/pkg/relaydb/upgrades"
)

type Database struct {
	*dbutil.Database
	Link          *LinkQuery
	Feedback      *FeedbackQuery
	Correspondent *CorrespondentQuery
	Alias         *AliasQuery
	State         *StateQuery
}

var (
	_ relay.CorrelationStore  = (*LinkQuery)(nil)
	_ relay.AuditLog          = (*Database)(nil)
	_ relay.Directory         = (*Database)(nil)
	_ relay.ChannelStateStore = (*Database)(nil)
)

func New(db *dbutil.Database, log zerolog.Logger) *Database {
	db.UpgradeTable = upgrades.Table
	db.Log = dbutil.ZeroLogger(log.With().Str("db_section", "relay").Logger())
	return &Database{
		Database: db,
		Link: &LinkQuery{dbutil.MakeQueryHelper(db, func(qh *dbutil.QueryHelper[*Link]) *Link {
			return &Link{}
		})},
		Feedback: &FeedbackQuery{dbutil.MakeQueryHelper(db, func(qh *dbutil.QueryHelper[*Feedback]) *Feedback {
			return &Feedback{}
		})},
		Correspondent: &CorrespondentQuery{dbutil.MakeQueryHelper(db, func(qh *dbutil.QueryHelper[*Correspondent]) *Correspondent {
			return &Correspondent{}
		})},
		Alias: &AliasQuery{db: db},
		State: &StateQuery{db: db},
	}
}

// Open opens the database described by cfg and applies pending schema upgrades.
func Open(ctx context.Context, cfg dbutil.Config, log zerolog.Logger) (*Database, error) {
	raw, err := dbutil.NewFromConfig("feedback-relay", cfg, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db := New(raw, log)
	if err := db.Upgrade(ctx); err != nil {
		_ = raw.Close()
		return nil, fmt.Errorf("failed to upgrade database: %w", err)
	}
	return db, nil
}

// RecordForward implements relay.AuditLog.
func (db *Database) RecordForward(ctx context.Context, sender relay.Identity, content relay.Content, relayMsg relay.MessageID, status relay.Status) error {
	return db.Feedback.Insert(ctx, &Feedback{
		CorrespondentID: sender.ID,
		DisplayName:     sender.DisplayName,
		Handle:          sender.Handle,
		Content:         content.Descriptor(),
		RelayMessageID:  relayMsg,
		Status:          status,
		CreatedAt:       time.Now(),
	})
}

// RecordReplyOutcome implements relay.AuditLog. Outcomes are appended as new
// rows next to the forward they answer.
func (db *Database) RecordReplyOutcome(ctx context.Context, relayMsg relay.MessageID, correspondent relay.UserID, status relay.Status, replyText string) error {
	entry := &Feedback{
		CorrespondentID: correspondent,
		Content:         "reply",
		RelayMessageID:  relayMsg,
		Status:          status,
		ReplyText:       replyText,
		CreatedAt:       time.Now(),
	}
	known, err := db.Correspondent.Get(ctx, correspondent)
	if err != nil {
		return err
	} else if known != nil {
		entry.DisplayName = known.DisplayName
		entry.Handle = known.Handle
	}
	return db.Feedback.Insert(ctx, entry)
}

// Remember implements relay.Directory.
func (db *Database) Remember(ctx context.Context, who relay.Identity) error {
	return db.Correspondent.Upsert(ctx, &Correspondent{
		ID:          who.ID,
		DisplayName: who.DisplayName,
		Handle:      who.Handle,
		LastSeen:    time.Now(),
	})
}

// All implements relay.Directory.
func (db *Database) All(ctx context.Context) ([]relay.UserID, error) {
	return db.Correspondent.AllIDs(ctx)
}

func channelStateKey(home relay.ChannelID) string {
	return "shared_channel:" + strconv.FormatInt(int64(home), 10)
}

// LoadChannel implements relay.ChannelStateStore.
func (db *Database) LoadChannel(ctx context.Context, home relay.ChannelID) (relay.ChannelID, bool, error) {
	val, err := db.State.Get(ctx, channelStateKey(home))
	if err != nil || val == "" {
		return 0, false, err
	}
	current, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("invalid saved channel %q: %w", val, err)
	}
	return relay.ChannelID(current), true, nil
}

// SaveChannel implements relay.ChannelStateStore.
func (db *Database) SaveChannel(ctx context.Context, home, current relay.ChannelID) error {
	return db.State.Set(ctx, channelStateKey(home), strconv.FormatInt(int64(current), 10))
}
