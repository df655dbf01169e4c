// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package cache

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autobrr/qsync/internal/database"
	"github.com/autobrr/qsync/internal/domain"
)

func newTestStore(t *testing.T) (*Store, int) {
	t.Helper()

	db, err := database.New(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	res, err := db.ExecContext(t.Context(), `INSERT INTO accounts (name, base_url, backend) VALUES ('test', 'http://localhost:8080', 'qbittorrent')`)
	require.NoError(t, err)
	id, err := res.LastInsertId()
	require.NoError(t, err)

	return NewStore(db), int(id)
}

func hashes(torrents []domain.Torrent) []string {
	out := make([]string, len(torrents))
	for i, t := range torrents {
		out[i] = t.Hash
	}
	return out
}

func intPtr(v int) *int { return &v }

func TestStore_PutAndReadBack(t *testing.T) {
	store, accountID := newTestStore(t)
	ctx := t.Context()
	fetchedAt := time.UnixMilli(time.Now().UnixMilli())

	in := domain.Torrent{
		Hash:       "abc",
		Name:       "Ubuntu",
		AddedOn:    1700000000,
		Size:       1 << 30,
		Downloaded: 1 << 29,
		Uploaded:   42,
		Progress:   0.5,
		ETA:        domain.InfiniteETA,
		State:      domain.StateDownloading,
		Category:   strPtr("linux"),
		Tags:       strPtr("iso,lts"),
		DlSpeed:    100,
		UpSpeed:    10,
		Ratio:      0.01,
		NumLeechs:  3,
		NumSeeds:   9,
		Priority:   1,
		SavePath:   "/downloads",
	}

	err := store.Update(ctx, accountID, func(ctx context.Context, tx *Tx) error {
		if err := tx.PutTorrents(ctx, []domain.Torrent{in}, 0); err != nil {
			return err
		}
		return tx.PutRemoteKeys(ctx, []RemoteKey{{Hash: "abc", Position: 0, NextOffset: intPtr(50), FetchedAt: fetchedAt}})
	})
	require.NoError(t, err)

	got, err := store.Query(ctx, accountID, domain.Filter{}, 10, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, in, got[0])

	key, err := store.RemoteKey(ctx, accountID, "abc")
	require.NoError(t, err)
	require.NotNil(t, key)
	assert.Nil(t, key.PrevOffset)
	require.NotNil(t, key.NextOffset)
	assert.Equal(t, 50, *key.NextOffset)
	assert.True(t, fetchedAt.Equal(key.FetchedAt))

	last, ok, err := store.LastFetchedAt(ctx, accountID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, fetchedAt.Equal(last))
}

func TestStore_NullableColumns(t *testing.T) {
	store, accountID := newTestStore(t)
	ctx := t.Context()

	require.NoError(t, store.Update(ctx, accountID, func(ctx context.Context, tx *Tx) error {
		return tx.PutTorrents(ctx, []domain.Torrent{{Hash: "x", Name: "x", State: domain.StateUnknown}}, 0)
	}))

	got, err := store.Query(ctx, accountID, domain.Filter{}, 10, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Nil(t, got[0].Category)
	assert.Nil(t, got[0].Tags)
}

func TestStore_MissingKeys(t *testing.T) {
	store, accountID := newTestStore(t)
	ctx := t.Context()

	key, err := store.RemoteKey(ctx, accountID, "missing")
	require.NoError(t, err)
	assert.Nil(t, key)

	key, err = store.LatestRemoteKey(ctx, accountID)
	require.NoError(t, err)
	assert.Nil(t, key)

	_, ok, err := store.LastFetchedAt(ctx, accountID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStore_OrderAndLatestKey(t *testing.T) {
	store, accountID := newTestStore(t)
	ctx := t.Context()
	now := time.Now()

	pages := [][]domain.Torrent{
		{{Hash: "p0a", Name: "a"}, {Hash: "p0b", Name: "b"}},
		{{Hash: "p1a", Name: "c"}, {Hash: "p1b", Name: "d"}},
	}

	for i, page := range pages {
		offset := i * 2
		require.NoError(t, store.Update(ctx, accountID, func(ctx context.Context, tx *Tx) error {
			if err := tx.PutTorrents(ctx, page, offset); err != nil {
				return err
			}
			keys := make([]RemoteKey, len(page))
			for j, tr := range page {
				keys[j] = RemoteKey{Hash: tr.Hash, Position: offset + j, NextOffset: intPtr(offset + 2), FetchedAt: now}
			}
			return tx.PutRemoteKeys(ctx, keys)
		}))
	}

	got, err := store.Query(ctx, accountID, domain.Filter{}, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"p0a", "p0b", "p1a", "p1b"}, hashes(got))

	window, err := store.Query(ctx, accountID, domain.Filter{}, 2, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"p0b", "p1a"}, hashes(window))

	latest, err := store.LatestRemoteKey(ctx, accountID)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, "p1b", latest.Hash)
	assert.Equal(t, 4, *latest.NextOffset)
}

func TestStore_UpdateRollsBackOnError(t *testing.T) {
	store, accountID := newTestStore(t)
	ctx := t.Context()

	require.NoError(t, store.Update(ctx, accountID, func(ctx context.Context, tx *Tx) error {
		return tx.PutTorrents(ctx, []domain.Torrent{{Hash: "keep", Name: "keep"}}, 0)
	}))

	boom := errors.New("boom")
	err := store.Update(ctx, accountID, func(ctx context.Context, tx *Tx) error {
		if err := tx.Clear(ctx); err != nil {
			return err
		}
		if err := tx.PutTorrents(ctx, []domain.Torrent{{Hash: "new", Name: "new"}}, 0); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	got, err := store.Query(ctx, accountID, domain.Filter{}, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"keep"}, hashes(got))
}

func TestStore_ClearIsScopedToAccount(t *testing.T) {
	store, accountID := newTestStore(t)
	ctx := t.Context()

	res, err := store.db.ExecContext(ctx, `INSERT INTO accounts (name, base_url, backend) VALUES ('other', 'http://other', 'qbittorrent')`)
	require.NoError(t, err)
	otherID64, err := res.LastInsertId()
	require.NoError(t, err)
	otherID := int(otherID64)

	for _, id := range []int{accountID, otherID} {
		require.NoError(t, store.Update(ctx, id, func(ctx context.Context, tx *Tx) error {
			return tx.PutTorrents(ctx, []domain.Torrent{{Hash: "same", Name: "same"}}, 0)
		}))
	}

	require.NoError(t, store.Update(ctx, accountID, func(ctx context.Context, tx *Tx) error {
		return tx.Clear(ctx)
	}))

	count, err := store.Count(ctx, accountID, domain.Filter{})
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	count, err = store.Count(ctx, otherID, domain.Filter{})
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestStore_BatchLargerThanOneChunk(t *testing.T) {
	store, accountID := newTestStore(t)
	ctx := t.Context()

	torrents := make([]domain.Torrent, 120)
	for i := range torrents {
		torrents[i] = domain.Torrent{Hash: fmt.Sprintf("hash-%03d", i), Name: "t"}
	}

	require.NoError(t, store.Update(ctx, accountID, func(ctx context.Context, tx *Tx) error {
		return tx.PutTorrents(ctx, torrents, 0)
	}))

	count, err := store.Count(ctx, accountID, domain.Filter{})
	require.NoError(t, err)
	assert.Equal(t, 120, count)
}

func TestStore_WatchNotifiesAfterCommit(t *testing.T) {
	store, accountID := newTestStore(t)
	ctx, cancel := context.WithCancel(t.Context())

	ch := store.Watch(ctx, accountID)

	require.Error(t, store.Update(t.Context(), accountID, func(ctx context.Context, tx *Tx) error {
		return errors.New("rollback")
	}))
	select {
	case <-ch:
		t.Fatal("rolled back update must not notify")
	default:
	}

	require.NoError(t, store.Update(t.Context(), accountID, func(ctx context.Context, tx *Tx) error {
		return tx.PutTorrents(ctx, []domain.Torrent{{Hash: "a", Name: "a"}}, 0)
	}))

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("expected notification")
	}

	cancel()
	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("expected channel to close")
	}
}

func TestFilteredSource(t *testing.T) {
	store, accountID := newTestStore(t)
	ctx := t.Context()

	require.NoError(t, store.Update(ctx, accountID, func(ctx context.Context, tx *Tx) error {
		return tx.PutTorrents(ctx, []domain.Torrent{
			{Hash: "a", Name: "a", Category: strPtr("tv")},
			{Hash: "b", Name: "b", Category: strPtr("movies")},
			{Hash: "c", Name: "c", Category: strPtr("tv")},
		}, 0)
	}))

	src := store.Source(accountID, domain.Filter{Category: strPtr("tv")})
	got, err := src.Load(ctx, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "c"}, hashes(got))
}
