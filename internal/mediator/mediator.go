// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package mediator fills the local cache from a backend page by page. It
// keeps no pagination state of its own: every load re-reads the bookmarks
// stored next to the cached rows.
package mediator

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/qsync/internal/backend"
	"github.com/autobrr/qsync/internal/cache"
	"github.com/autobrr/qsync/internal/domain"
	"github.com/autobrr/qsync/internal/metrics"
	"github.com/autobrr/qsync/internal/paging"
)

const DefaultPageSize = 50

// ClientProvider resolves the backend client of an account.
type ClientProvider interface {
	GetClient(ctx context.Context, accountID int) (backend.TorrentClient, error)
}

type Config struct {
	AccountID int
	Filter    domain.Filter
	Clients   ClientProvider
	Store     *cache.Store
	PageSize  int

	// CacheTimeout skips the initial refresh while the cache is younger
	// than it. Zero always refreshes.
	CacheTimeout time.Duration

	Metrics *metrics.Manager
}

type TorrentMediator struct {
	accountID    int
	filter       domain.Filter
	clients      ClientProvider
	store        *cache.Store
	pageSize     int
	cacheTimeout time.Duration
	metrics      *metrics.Manager
	now          func() time.Time
	log          zerolog.Logger
}

var _ paging.RemoteMediator[domain.Torrent] = (*TorrentMediator)(nil)

func New(cfg Config) *TorrentMediator {
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}

	return &TorrentMediator{
		accountID:    cfg.AccountID,
		filter:       cfg.Filter,
		clients:      cfg.Clients,
		store:        cfg.Store,
		pageSize:     pageSize,
		cacheTimeout: cfg.CacheTimeout,
		metrics:      cfg.Metrics,
		now:          time.Now,
		log:          log.Logger.With().Str("module", "mediator").Int("accountID", cfg.AccountID).Logger(),
	}
}

func (m *TorrentMediator) PageSize() int {
	return m.pageSize
}

func (m *TorrentMediator) Initialize(ctx context.Context) (paging.InitializeAction, error) {
	if m.cacheTimeout <= 0 {
		return paging.LaunchInitialRefresh, nil
	}

	last, ok, err := m.store.LastFetchedAt(ctx, m.accountID)
	if err != nil {
		return paging.LaunchInitialRefresh, err
	}

	if ok && m.now().Sub(last) < m.cacheTimeout {
		m.log.Debug().Time("fetchedAt", last).Msg("cache is fresh, skipping initial refresh")
		return paging.SkipInitialRefresh, nil
	}

	return paging.LaunchInitialRefresh, nil
}

func (m *TorrentMediator) Load(ctx context.Context, loadType paging.LoadType, state paging.State[domain.Torrent]) paging.Result {
	start := m.now()

	var res paging.Result
	switch loadType {
	case paging.LoadRefresh:
		res = m.refresh(ctx)
	case paging.LoadAppend:
		res = m.append(ctx, state)
	default:
		// Backward paging is not supported.
		res = paging.Success(true)
	}

	m.metrics.ObserveLoad(loadType.String(), res.Err, m.now().Sub(start))

	evt := m.log.Debug()
	if res.Err != nil {
		evt = m.log.Warn().Err(res.Err)
	}
	evt.Str("loadType", loadType.String()).Bool("endOfPagination", res.EndOfPagination).Msg("load finished")

	return res
}

func (m *TorrentMediator) refresh(ctx context.Context) paging.Result {
	torrents, err := m.fetch(ctx, 0)
	if err != nil {
		return paging.Failure(fmt.Errorf("refresh: %w", err))
	}

	end := len(torrents) < m.pageSize
	var next *int
	if !end {
		next = intPtr(m.pageSize)
	}

	err = m.store.Update(ctx, m.accountID, func(ctx context.Context, tx *cache.Tx) error {
		if err := tx.Clear(ctx); err != nil {
			return err
		}
		if err := tx.PutTorrents(ctx, torrents, 0); err != nil {
			return err
		}
		return tx.PutRemoteKeys(ctx, m.remoteKeys(torrents, 0, nil, next))
	})
	if err != nil {
		return paging.Failure(fmt.Errorf("refresh: %w", err))
	}

	m.recordCacheSize(ctx)
	return paging.Success(end)
}

func (m *TorrentMediator) append(ctx context.Context, state paging.State[domain.Torrent]) paging.Result {
	key, err := m.appendKey(ctx, state)
	if err != nil {
		return paging.Failure(fmt.Errorf("append: %w", err))
	}

	// Nothing loaded yet. The refresh that follows will start pagination.
	if key == nil {
		return paging.Success(false)
	}

	if key.NextOffset == nil {
		return paging.Success(true)
	}

	offset := *key.NextOffset
	torrents, err := m.fetch(ctx, offset)
	if err != nil {
		return paging.Failure(fmt.Errorf("append at offset %d: %w", offset, err))
	}

	end := len(torrents) < m.pageSize
	prev := intPtr(max(offset-m.pageSize, 0))
	var next *int
	if !end {
		next = intPtr(offset + m.pageSize)
	}

	err = m.store.Update(ctx, m.accountID, func(ctx context.Context, tx *cache.Tx) error {
		if len(torrents) == 0 {
			return tx.MarkEnd(ctx, offset)
		}
		if err := tx.PutTorrents(ctx, torrents, offset); err != nil {
			return err
		}
		return tx.PutRemoteKeys(ctx, m.remoteKeys(torrents, offset, prev, next))
	})
	if err != nil {
		return paging.Failure(fmt.Errorf("append at offset %d: %w", offset, err))
	}

	m.recordCacheSize(ctx)
	return paging.Success(end)
}

// appendKey finds the bookmark to continue from: the last loaded item's,
// unless a later page was fetched whose rows the local filter hides.
func (m *TorrentMediator) appendKey(ctx context.Context, state paging.State[domain.Torrent]) (*cache.RemoteKey, error) {
	var key *cache.RemoteKey

	if last, ok := state.LastItem(); ok {
		k, err := m.store.RemoteKey(ctx, m.accountID, last.Hash)
		if err != nil {
			return nil, err
		}
		key = k
	}

	latest, err := m.store.LatestRemoteKey(ctx, m.accountID)
	if err != nil {
		return nil, err
	}

	if latest != nil && (key == nil || latest.Position > key.Position) {
		key = latest
	}

	return key, nil
}

func (m *TorrentMediator) fetch(ctx context.Context, offset int) ([]domain.Torrent, error) {
	client, err := m.clients.GetClient(ctx, m.accountID)
	if err != nil {
		return nil, err
	}

	return client.FetchTorrents(ctx, m.filter, offset, m.pageSize)
}

func (m *TorrentMediator) remoteKeys(torrents []domain.Torrent, offset int, prev, next *int) []cache.RemoteKey {
	fetchedAt := m.now()

	keys := make([]cache.RemoteKey, len(torrents))
	for i, t := range torrents {
		keys[i] = cache.RemoteKey{
			AccountID:  m.accountID,
			Hash:       t.Hash,
			Position:   offset + i,
			PrevOffset: prev,
			NextOffset: next,
			FetchedAt:  fetchedAt,
		}
	}
	return keys
}

func (m *TorrentMediator) recordCacheSize(ctx context.Context) {
	if m.metrics == nil {
		return
	}

	count, err := m.store.Count(ctx, m.accountID, domain.Filter{})
	if err != nil {
		m.log.Debug().Err(err).Msg("failed to count cached torrents")
		return
	}
	m.metrics.SetCachedTorrents(m.accountID, count)
}

func intPtr(v int) *int { return &v }
