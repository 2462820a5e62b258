// Copyright 2024-2026 Aiku AI

package relaydb

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.mau.fi/util/dbutil"

	"github.com/aiku/feedback-relay/pkg/relay"
)

type FeedbackQuery struct {
	*dbutil.QueryHelper[*Feedback]
}

// Feedback is one row of the append-only feedback log.
type Feedback struct {
	Seq             int64           `json:"seq"`
	CorrespondentID relay.UserID    `json:"correspondent_id"`
	DisplayName     string          `json:"display_name"`
	Handle          string          `json:"handle"`
	Content         string          `json:"content"`
	RelayMessageID  relay.MessageID `json:"relay_message_id,omitempty"`
	Status          relay.Status    `json:"status"`
	ReplyText       string          `json:"reply_text,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

const (
	feedbackColumns = `
		seq, correspondent_id, display_name, handle, content, relay_message_id, status, reply_text, created_at
	`
	insertFeedbackQuery = `
		INSERT INTO feedback_log (correspondent_id, display_name, handle, content, relay_message_id, status, reply_text, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING seq
	`
	getLatestFeedbackQuery = `
		SELECT ` + feedbackColumns + ` FROM feedback_log ORDER BY seq DESC LIMIT $1
	`
	getFeedbackByRelayMessageQuery = `
		SELECT ` + feedbackColumns + ` FROM feedback_log WHERE relay_message_id=$1 ORDER BY seq
	`
	getFeedbackByCorrespondentQuery = `
		SELECT ` + feedbackColumns + ` FROM feedback_log WHERE correspondent_id=$1 ORDER BY seq
	`
)

func (fq *FeedbackQuery) Insert(ctx context.Context, f *Feedback) error {
	err := fq.GetDB().QueryRow(ctx, insertFeedbackQuery, f.sqlVariables()...).Scan(&f.Seq)
	if err != nil {
		return fmt.Errorf("failed to insert feedback record: %w", err)
	}
	return nil
}

// Latest returns up to limit records, newest first.
func (fq *FeedbackQuery) Latest(ctx context.Context, limit int) ([]*Feedback, error) {
	return fq.QueryMany(ctx, getLatestFeedbackQuery, limit)
}

func (fq *FeedbackQuery) GetByRelayMessage(ctx context.Context, relayMsg relay.MessageID) ([]*Feedback, error) {
	return fq.QueryMany(ctx, getFeedbackByRelayMessageQuery, int64(relayMsg))
}

func (fq *FeedbackQuery) GetByCorrespondent(ctx context.Context, id relay.UserID) ([]*Feedback, error) {
	return fq.QueryMany(ctx, getFeedbackByCorrespondentQuery, int64(id))
}

func (f *Feedback) Scan(row dbutil.Scannable) (*Feedback, error) {
	var correspondent, createdAt int64
	var relayMsg sql.NullInt64
	var status string
	err := row.Scan(&f.Seq, &correspondent, &f.DisplayName, &f.Handle, &f.Content, &relayMsg, &status, &f.ReplyText, &createdAt)
	if err != nil {
		return nil, err
	}
	f.CorrespondentID = relay.UserID(correspondent)
	f.RelayMessageID = relay.MessageID(relayMsg.Int64)
	f.Status = relay.Status(status)
	f.CreatedAt = time.UnixMilli(createdAt)
	return f, nil
}

func (f *Feedback) sqlVariables() []any {
	var relayMsg sql.NullInt64
	if f.RelayMessageID != 0 {
		relayMsg = sql.NullInt64{Int64: int64(f.RelayMessageID), Valid: true}
	}
	return []any{
		int64(f.CorrespondentID), f.DisplayName, f.Handle, f.Content, relayMsg, string(f.Status), f.ReplyText, f.CreatedAt.UnixMilli(),
	}
}
