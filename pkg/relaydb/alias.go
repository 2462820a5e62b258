// Copyright 2024-2026 Aiku AI

package relaydb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"go.mau.fi/util/dbutil"
)

// AliasKind namespaces remote identifiers. Networks with string ids map each
// user, message and channel to a stable integer alias.
type AliasKind string

const (
	AliasUser    AliasKind = "user"
	AliasMessage AliasKind = "message"
	AliasChannel AliasKind = "channel"
)

// AliasQuery maps string identifiers of a remote network to integers.
type AliasQuery struct {
	db *dbutil.Database
}

const (
	insertAliasQuery = `
		INSERT INTO remote_alias (kind, remote_id) VALUES ($1, $2)
		ON CONFLICT (kind, remote_id) DO NOTHING
	`
	getAliasQuery = `
		SELECT alias FROM remote_alias WHERE kind=$1 AND remote_id=$2
	`
	getRemoteQuery = `
		SELECT remote_id FROM remote_alias WHERE kind=$1 AND alias=$2
	`
)

// GetOrCreate returns the alias of a remote id, allocating one on first use.
func (aq *AliasQuery) GetOrCreate(ctx context.Context, kind AliasKind, remoteID string) (int64, error) {
	if remoteID == "" {
		return 0, errors.New("empty remote id")
	}
	alias, err := aq.Get(ctx, kind, remoteID)
	if err != nil || alias != 0 {
		return alias, err
	}
	if _, err = aq.db.Exec(ctx, insertAliasQuery, string(kind), remoteID); err != nil {
		return 0, fmt.Errorf("failed to insert %s alias: %w", kind, err)
	}
	alias, err = aq.Get(ctx, kind, remoteID)
	if err == nil && alias == 0 {
		err = fmt.Errorf("%s alias for %q missing after insert", kind, remoteID)
	}
	return alias, err
}

// Get returns the alias of a remote id, or 0 if none was allocated.
func (aq *AliasQuery) Get(ctx context.Context, kind AliasKind, remoteID string) (alias int64, err error) {
	err = aq.db.QueryRow(ctx, getAliasQuery, string(kind), remoteID).Scan(&alias)
	if errors.Is(err, sql.ErrNoRows) {
		err = nil
	} else if err != nil {
		err = fmt.Errorf("failed to get %s alias: %w", kind, err)
	}
	return
}

// Remote returns the remote id behind an alias, or "" if it is unknown.
func (aq *AliasQuery) Remote(ctx context.Context, kind AliasKind, alias int64) (remoteID string, err error) {
	err = aq.db.QueryRow(ctx, getRemoteQuery, string(kind), alias).Scan(&remoteID)
	if errors.Is(err, sql.ErrNoRows) {
		err = nil
	} else if err != nil {
		err = fmt.Errorf("failed to get %s remote id: %w", kind, err)
	}
	return
}
