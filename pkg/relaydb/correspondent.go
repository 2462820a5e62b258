// Copyright 2024-2026 Aiku AI

package relaydb

import (
	"context"
	"time"

	"go.mau.fi/util/dbutil"

	"github.com/aiku/feedback-relay/pkg/relay"
)

type CorrespondentQuery struct {
	*dbutil.QueryHelper[*Correspondent]
}

type Correspondent struct {
	ID          relay.UserID
	DisplayName string
	Handle      string
	FirstSeen   time.Time
	LastSeen    time.Time
}

const (
	getCorrespondentQuery = `
		SELECT id, display_name, handle, first_seen, last_seen FROM correspondent WHERE id=$1
	`
	getAllCorrespondentIDsQuery = `
		SELECT id FROM correspondent ORDER BY first_seen, id
	`
	upsertCorrespondentQuery = `
		INSERT INTO correspondent (id, display_name, handle, first_seen, last_seen)
		VALUES ($1, $2, $3, $4, $4)
		ON CONFLICT (id) DO UPDATE
			SET display_name=excluded.display_name,
				handle=excluded.handle,
				last_seen=excluded.last_seen
	`
)

func (cq *CorrespondentQuery) Get(ctx context.Context, id relay.UserID) (*Correspondent, error) {
	return cq.QueryOne(ctx, getCorrespondentQuery, int64(id))
}

// Upsert records a correspondent. The first sighting is kept on conflict.
func (cq *CorrespondentQuery) Upsert(ctx context.Context, c *Correspondent) error {
	return cq.Exec(ctx, upsertCorrespondentQuery, int64(c.ID), c.DisplayName, c.Handle, c.LastSeen.UnixMilli())
}

// AllIDs returns every known correspondent in order of first contact.
func (cq *CorrespondentQuery) AllIDs(ctx context.Context) ([]relay.UserID, error) {
	rows, err := cq.GetDB().Query(ctx, getAllCorrespondentIDsQuery)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []relay.UserID
	for rows.Next() {
		var id int64
		if err = rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, relay.UserID(id))
	}
	return ids, rows.Err()
}

func (c *Correspondent) Scan(row dbutil.Scannable) (*Correspondent, error) {
	var id, firstSeen, lastSeen int64
	err := row.Scan(&id, &c.DisplayName, &c.Handle, &firstSeen, &lastSeen)
	if err != nil {
		return nil, err
	}
	c.ID = relay.UserID(id)
	c.FirstSeen = time.UnixMilli(firstSeen)
	c.LastSeen = time.UnixMilli(lastSeen)
	return c, nil
}
