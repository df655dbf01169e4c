// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package cache is the local relational mirror of each account's remote
// torrent list and the pagination bookmarks that go with it.
package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/autobrr/qsync/internal/dbinterface"
	"github.com/autobrr/qsync/internal/domain"
)

// RemoteKey is the pagination bookmark stored for one cached row. Nil
// offsets mean there is no page in that direction.
type RemoteKey struct {
	AccountID  int
	Hash       string
	Position   int
	PrevOffset *int
	NextOffset *int
	FetchedAt  time.Time
}

type Store struct {
	db dbinterface.Querier

	mu       sync.Mutex
	watchers map[int]map[chan struct{}]struct{}
}

func NewStore(db dbinterface.Querier) *Store {
	return &Store{
		db:       db,
		watchers: make(map[int]map[chan struct{}]struct{}),
	}
}

// Query returns one window of the account's rows matching filter, in remote order.
func (s *Store) Query(ctx context.Context, accountID int, filter domain.Filter, limit, offset int) ([]domain.Torrent, error) {
	rows, err := s.db.QueryContext(ctx, BuildPageQuery(accountID, filter, limit, offset))
	if err != nil {
		return nil, fmt.Errorf("failed to query torrents: %w", err)
	}
	defer rows.Close()

	torrents := make([]domain.Torrent, 0, limit)
	for rows.Next() {
		t, err := scanTorrent(rows)
		if err != nil {
			return nil, err
		}
		torrents = append(torrents, t)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return torrents, nil
}

func (s *Store) Count(ctx context.Context, accountID int, filter domain.Filter) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, BuildCountQuery(accountID, filter)).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count torrents: %w", err)
	}
	return count, nil
}

func scanTorrent(rows *sql.Rows) (domain.Torrent, error) {
	var t domain.Torrent
	var state string
	var category, tags sql.NullString

	err := rows.Scan(
		&t.Hash,
		&t.Name,
		&t.AddedOn,
		&t.Size,
		&t.Downloaded,
		&t.Uploaded,
		&t.Progress,
		&t.ETA,
		&state,
		&category,
		&tags,
		&t.DlSpeed,
		&t.UpSpeed,
		&t.Ratio,
		&t.NumLeechs,
		&t.NumSeeds,
		&t.Priority,
		&t.SavePath,
	)
	if err != nil {
		return t, err
	}

	t.State = domain.TorrentState(state)
	if category.Valid {
		t.Category = &category.String
	}
	if tags.Valid {
		t.Tags = &tags.String
	}

	return t, nil
}

// RemoteKey returns the bookmark for one cached row, or nil when absent.
func (s *Store) RemoteKey(ctx context.Context, accountID int, hash string) (*RemoteKey, error) {
	return scanRemoteKey(s.db.QueryRowContext(ctx, `
		SELECT account_id, hash, position, prev_offset, next_offset, fetched_at
		FROM remote_keys WHERE account_id = ? AND hash = ?
	`, accountID, hash))
}

// LatestRemoteKey returns the bookmark of the furthest row loaded for the account.
func (s *Store) LatestRemoteKey(ctx context.Context, accountID int) (*RemoteKey, error) {
	return scanRemoteKey(s.db.QueryRowContext(ctx, `
		SELECT account_id, hash, position, prev_offset, next_offset, fetched_at
		FROM remote_keys WHERE account_id = ?
		ORDER BY position DESC LIMIT 1
	`, accountID))
}

// LastFetchedAt reports when the account's cache was last written.
func (s *Store) LastFetchedAt(ctx context.Context, accountID int) (time.Time, bool, error) {
	var fetchedAt sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT MAX(fetched_at) FROM remote_keys WHERE account_id = ?`, accountID).Scan(&fetchedAt)
	if err != nil {
		return time.Time{}, false, err
	}
	if !fetchedAt.Valid {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(fetchedAt.Int64), true, nil
}

func scanRemoteKey(row *sql.Row) (*RemoteKey, error) {
	var key RemoteKey
	var prev, next sql.NullInt64
	var fetchedAt int64

	if err := row.Scan(&key.AccountID, &key.Hash, &key.Position, &prev, &next, &fetchedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	if prev.Valid {
		v := int(prev.Int64)
		key.PrevOffset = &v
	}
	if next.Valid {
		v := int(next.Int64)
		key.NextOffset = &v
	}
	key.FetchedAt = time.UnixMilli(fetchedAt)

	return &key, nil
}

// Tx is the write side of the cache, only available inside Store.Update.
type Tx struct {
	tx        *sql.Tx
	accountID int
}

// Update runs fn in one transaction for accountID. Nothing is applied
// unless fn returns nil and the commit succeeds. Watchers are notified
// after a successful commit.
func (s *Store) Update(ctx context.Context, accountID int, fn func(ctx context.Context, tx *Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(ctx, &Tx{tx: sqlTx, accountID: accountID}); err != nil {
		return err
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	s.notify(accountID)
	return nil
}

// Clear removes every cached row and bookmark of the account.
func (t *Tx) Clear(ctx context.Context) error {
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM remote_keys WHERE account_id = ?`, t.accountID); err != nil {
		return fmt.Errorf("failed to clear remote keys: %w", err)
	}
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM torrents WHERE account_id = ?`, t.accountID); err != nil {
		return fmt.Errorf("failed to clear torrents: %w", err)
	}
	return nil
}

const upsertTorrentsQuery = `INSERT INTO torrents (account_id, position, ` + torrentColumns + `) VALUES %s
	ON CONFLICT(account_id, hash) DO UPDATE SET
		position = excluded.position,
		name = excluded.name,
		added_on = excluded.added_on,
		size = excluded.size,
		downloaded = excluded.downloaded,
		uploaded = excluded.uploaded,
		progress = excluded.progress,
		eta = excluded.eta,
		state = excluded.state,
		category = excluded.category,
		tags = excluded.tags,
		dl_speed = excluded.dl_speed,
		up_speed = excluded.up_speed,
		ratio = excluded.ratio,
		num_leechs = excluded.num_leechs,
		num_seeds = excluded.num_seeds,
		priority = excluded.priority,
		save_path = excluded.save_path`

const torrentParamCount = 20

// PutTorrents upserts torrents with positions starting at firstPosition.
func (t *Tx) PutTorrents(ctx context.Context, torrents []domain.Torrent, firstPosition int) error {
	return dbinterface.BatchInsert(ctx, t.tx, upsertTorrentsQuery, torrentParamCount, len(torrents), func(i int) []any {
		tr := torrents[i]
		return []any{
			t.accountID,
			firstPosition + i,
			tr.Hash,
			tr.Name,
			tr.AddedOn,
			tr.Size,
			tr.Downloaded,
			tr.Uploaded,
			tr.Progress,
			tr.ETA,
			string(tr.State),
			nullableString(tr.Category),
			nullableString(tr.Tags),
			tr.DlSpeed,
			tr.UpSpeed,
			tr.Ratio,
			tr.NumLeechs,
			tr.NumSeeds,
			tr.Priority,
			tr.SavePath,
		}
	})
}

const upsertRemoteKeysQuery = `INSERT INTO remote_keys (account_id, hash, position, prev_offset, next_offset, fetched_at) VALUES %s
	ON CONFLICT(account_id, hash) DO UPDATE SET
		position = excluded.position,
		prev_offset = excluded.prev_offset,
		next_offset = excluded.next_offset,
		fetched_at = excluded.fetched_at`

// PutRemoteKeys upserts bookmarks. Rows must already exist in torrents.
func (t *Tx) PutRemoteKeys(ctx context.Context, keys []RemoteKey) error {
	return dbinterface.BatchInsert(ctx, t.tx, upsertRemoteKeysQuery, 6, len(keys), func(i int) []any {
		k := keys[i]
		return []any{
			t.accountID,
			k.Hash,
			k.Position,
			nullableInt(k.PrevOffset),
			nullableInt(k.NextOffset),
			k.FetchedAt.UnixMilli(),
		}
	})
}

// MarkEnd clears the next offset of every bookmark pointing at offset,
// after that offset turned out to hold no rows.
func (t *Tx) MarkEnd(ctx context.Context, offset int) error {
	if _, err := t.tx.ExecContext(ctx, `UPDATE remote_keys SET next_offset = NULL WHERE account_id = ? AND next_offset = ?`, t.accountID, offset); err != nil {
		return fmt.Errorf("failed to mark end of pagination: %w", err)
	}
	return nil
}

func nullableString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func nullableInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

// Watch signals after every committed update of the account until ctx is
// done. Signals coalesce when the receiver lags.
func (s *Store) Watch(ctx context.Context, accountID int) <-chan struct{} {
	ch := make(chan struct{}, 1)

	s.mu.Lock()
	if s.watchers[accountID] == nil {
		s.watchers[accountID] = make(map[chan struct{}]struct{})
	}
	s.watchers[accountID][ch] = struct{}{}
	s.mu.Unlock()

	go func() {
		<-ctx.Done()

		s.mu.Lock()
		delete(s.watchers[accountID], ch)
		if len(s.watchers[accountID]) == 0 {
			delete(s.watchers, accountID)
		}
		s.mu.Unlock()

		close(ch)
	}()

	return ch
}

// Notify wakes the account's watchers without a write, e.g. after the
// account was deleted and its rows cascaded away.
func (s *Store) Notify(accountID int) {
	s.notify(accountID)
}

func (s *Store) notify(accountID int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for ch := range s.watchers[accountID] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Source binds the store to one account and filter for a pager.
func (s *Store) Source(accountID int, filter domain.Filter) *FilteredSource {
	return &FilteredSource{store: s, accountID: accountID, filter: filter}
}

type FilteredSource struct {
	store     *Store
	accountID int
	filter    domain.Filter
}

func (f *FilteredSource) Load(ctx context.Context, offset, limit int) ([]domain.Torrent, error) {
	return f.store.Query(ctx, f.accountID, f.filter, limit, offset)
}

func (f *FilteredSource) Watch(ctx context.Context) <-chan struct{} {
	return f.store.Watch(ctx, f.accountID)
}
