// Copyright 2024-2026 Aiku AI

package relaydb

import (
	"context"
	"fmt"
	"time"

	"go.mau.fi/util/dbutil"

	"github.com/aiku/feedback-relay/pkg/relay"
)

type LinkQuery struct {
	*dbutil.QueryHelper[*Link]
}

type Link struct {
	relay.Link
}

const (
	getLinkQuery = `
		SELECT relay_message_id, correspondent_id, channel_id, created_at
		FROM relay_link WHERE relay_message_id=$1
	`
	upsertLinkQuery = `
		INSERT INTO relay_link (relay_message_id, correspondent_id, channel_id, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (relay_message_id) DO UPDATE
			SET correspondent_id=excluded.correspondent_id,
				channel_id=excluded.channel_id,
				created_at=excluded.created_at
	`
	countLinksQuery = `SELECT COUNT(*) FROM relay_link`
)

// PutLink implements relay.CorrelationStore.
func (lq *LinkQuery) PutLink(ctx context.Context, link *relay.Link) error {
	err := lq.Exec(ctx, upsertLinkQuery,
		int64(link.RelayMessageID), int64(link.CorrespondentID), int64(link.ChannelID), link.CreatedAt.UnixMilli())
	if err != nil {
		return &relay.StoreError{Op: "put", Err: err}
	}
	return nil
}

// GetLink implements relay.CorrelationStore.
func (lq *LinkQuery) GetLink(ctx context.Context, id relay.MessageID) (*relay.Link, error) {
	link, err := lq.QueryOne(ctx, getLinkQuery, int64(id))
	if err != nil {
		return nil, &relay.StoreError{Op: "get", Err: err}
	} else if link == nil {
		return nil, nil
	}
	return &link.Link, nil
}

func (lq *LinkQuery) Count(ctx context.Context) (count int, err error) {
	err = lq.GetDB().QueryRow(ctx, countLinksQuery).Scan(&count)
	if err != nil {
		err = fmt.Errorf("failed to count links: %w", err)
	}
	return
}

func (l *Link) Scan(row dbutil.Scannable) (*Link, error) {
	var relayMsg, correspondent, channel, createdAt int64
	err := row.Scan(&relayMsg, &correspondent, &channel, &createdAt)
	if err != nil {
		return nil, err
	}
	l.RelayMessageID = relay.MessageID(relayMsg)
	l.CorrespondentID = relay.UserID(correspondent)
	l.ChannelID = relay.ChannelID(channel)
	l.CreatedAt = time.UnixMilli(createdAt)
	return l, nil
}
