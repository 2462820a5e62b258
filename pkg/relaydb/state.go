// Copyright 2024-2026 Aiku AI

package relaydb

import (
	"context"
	"database/sql"
	"errors"

	"go.mau.fi/util/dbutil"
)

// StateQuery is a small key-value table for values the relay must keep
// across restarts.
type StateQuery struct {
	db *dbutil.Database
}

const (
	getStateQuery = `SELECT value FROM relay_state WHERE state_key=$1`
	setStateQuery = `
		INSERT INTO relay_state (state_key, value) VALUES ($1, $2)
		ON CONFLICT (state_key) DO UPDATE SET value=excluded.value
	`
	deleteStateQuery = `DELETE FROM relay_state WHERE state_key=$1`
)

// Get returns "" for unknown keys.
func (sq *StateQuery) Get(ctx context.Context, key string) (value string, err error) {
	err = sq.db.QueryRow(ctx, getStateQuery, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		err = nil
	}
	return
}

func (sq *StateQuery) Set(ctx context.Context, key, value string) error {
	_, err := sq.db.Exec(ctx, setStateQuery, key, value)
	return err
}

func (sq *StateQuery) Delete(ctx context.Context, key string) error {
	_, err := sq.db.Exec(ctx, deleteStateQuery, key)
	return err
}
