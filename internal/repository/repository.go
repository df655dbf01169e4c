// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package repository is the consumer facing entry point of the sync engine.
package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/autobrr/autobrr/pkg/ttlcache"
	"github.com/lithammer/fuzzysearch/fuzzy"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/text/collate"
	"golang.org/x/text/language"

	"github.com/autobrr/qsync/internal/cache"
	"github.com/autobrr/qsync/internal/domain"
	"github.com/autobrr/qsync/internal/mediator"
	"github.com/autobrr/qsync/internal/metrics"
	"github.com/autobrr/qsync/internal/paging"
)

// TorrentRepository is what the API and CLI use to read and control torrents.
type TorrentRepository interface {
	Torrents(ctx context.Context, accountID int, filter domain.Filter) (*paging.Pager[domain.Torrent], error)
	Refresh(ctx context.Context, accountID int) error
	LoadMore(ctx context.Context, accountID int) error

	StartTorrents(ctx context.Context, accountID int, hashes []string) (bool, error)
	StopTorrents(ctx context.Context, accountID int, hashes []string) (bool, error)
	PauseTorrents(ctx context.Context, accountID int, hashes []string) (bool, error)
	DeleteTorrents(ctx context.Context, accountID int, hashes []string, deleteFiles bool) (bool, error)

	GetCategories(ctx context.Context, accountID int, search string) (map[string]domain.Category, error)
	GetTags(ctx context.Context, accountID int, search string) ([]string, error)
	GetTorrentDetails(ctx context.Context, accountID int, hash string) (*domain.Torrent, error)
	GetAppVersion(ctx context.Context, accountID int) (string, error)
}

type Config struct {
	PageSize         int
	CacheTimeout     time.Duration
	MetadataCacheTTL time.Duration
}

type pagerEntry struct {
	key    uint64
	filter domain.Filter
	pager  *paging.Pager[domain.Torrent]
}

type Service struct {
	clients mediator.ClientProvider
	store   *cache.Store
	metrics *metrics.Manager
	cfg     Config
	log     zerolog.Logger

	mu     sync.Mutex
	pagers map[int]*pagerEntry

	// Metadata entries are keyed by account and generation, a bumped
	// generation makes older entries unreachable until they expire.
	metaMu     sync.Mutex
	generation map[int]uint64
	categories *ttlcache.Cache[metaKey, map[string]domain.Category]
	tags       *ttlcache.Cache[metaKey, []string]
}

type metaKey struct {
	accountID  int
	generation uint64
}

var _ TorrentRepository = (*Service)(nil)

func NewService(clients mediator.ClientProvider, store *cache.Store, m *metrics.Manager, cfg Config) *Service {
	if cfg.PageSize <= 0 {
		cfg.PageSize = mediator.DefaultPageSize
	}
	if cfg.MetadataCacheTTL <= 0 {
		cfg.MetadataCacheTTL = 30 * time.Second
	}

	return &Service{
		clients:    clients,
		store:      store,
		metrics:    m,
		cfg:        cfg,
		log:        log.Logger.With().Str("module", "repository").Logger(),
		pagers:     make(map[int]*pagerEntry),
		generation: make(map[int]uint64),
		categories: ttlcache.New(ttlcache.Options[metaKey, map[string]domain.Category]{}.
			SetDefaultTTL(cfg.MetadataCacheTTL)),
		tags: ttlcache.New(ttlcache.Options[metaKey, []string]{}.
			SetDefaultTTL(cfg.MetadataCacheTTL)),
	}
}

// ApplyConfig replaces the sync settings. Open pagers keep the settings they
// were created with, new pagers and new metadata entries use cfg.
func (s *Service) ApplyConfig(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cfg.PageSize <= 0 {
		cfg.PageSize = s.cfg.PageSize
	}
	if cfg.MetadataCacheTTL <= 0 {
		cfg.MetadataCacheTTL = s.cfg.MetadataCacheTTL
	}
	s.cfg = cfg
}

func (s *Service) metadataTTL() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.MetadataCacheTTL
}

// Torrents returns the account's pager for filter. A different filter than
// the current one closes the old pager, waiting for its running load, and
// restarts pagination.
func (s *Service) Torrents(ctx context.Context, accountID int, filter domain.Filter) (*paging.Pager[domain.Torrent], error) {
	pager, created := s.pager(accountID, filter)
	if !created {
		return pager, nil
	}

	if err := pager.Open(ctx); err != nil {
		// The failure is part of the snapshot, cached rows are still served.
		s.log.Warn().Err(err).Int("accountID", accountID).Msg("initial refresh failed")
	}

	return pager, nil
}

func (s *Service) pager(accountID int, filter domain.Filter) (*paging.Pager[domain.Torrent], bool) {
	key := filter.Key()

	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.pagers[accountID]; ok {
		if e.key == key {
			return e.pager, false
		}
		e.pager.Close()
		s.log.Debug().Int("accountID", accountID).Msg("filter changed, restarting pagination")
	}

	med := mediator.New(mediator.Config{
		AccountID:    accountID,
		Filter:       filter,
		Clients:      s.clients,
		Store:        s.store,
		PageSize:     s.cfg.PageSize,
		CacheTimeout: s.cfg.CacheTimeout,
		Metrics:      s.metrics,
	})

	pager := paging.NewPager[domain.Torrent](s.store.Source(accountID, filter), med, s.cfg.PageSize)
	s.pagers[accountID] = &pagerEntry{key: key, filter: filter, pager: pager}

	return pager, true
}

// current returns the account's pager, opening one without a filter when
// none exists yet.
func (s *Service) current(ctx context.Context, accountID int) (*paging.Pager[domain.Torrent], error) {
	s.mu.Lock()
	e, ok := s.pagers[accountID]
	s.mu.Unlock()

	if ok {
		return e.pager, nil
	}
	return s.Torrents(ctx, accountID, domain.Filter{})
}

func (s *Service) Refresh(ctx context.Context, accountID int) error {
	pager, err := s.current(ctx, accountID)
	if err != nil {
		return err
	}
	return pager.Refresh(ctx)
}

func (s *Service) LoadMore(ctx context.Context, accountID int) error {
	pager, err := s.current(ctx, accountID)
	if err != nil {
		return err
	}
	return pager.LoadMore(ctx)
}

// Forget closes the account's pager and drops its cached metadata, after the
// account was changed or removed.
func (s *Service) Forget(accountID int) {
	s.mu.Lock()
	e, ok := s.pagers[accountID]
	delete(s.pagers, accountID)
	s.mu.Unlock()

	if ok {
		e.pager.Close()
	}
	s.invalidateMetadata(accountID)
	s.store.Notify(accountID)
	s.metrics.ForgetAccount(accountID)
}

func (s *Service) StartTorrents(ctx context.Context, accountID int, hashes []string) (bool, error) {
	client, err := s.clients.GetClient(ctx, accountID)
	if err != nil {
		return false, err
	}
	return s.afterControl(accountID)(client.StartTorrents(ctx, hashes))
}

func (s *Service) StopTorrents(ctx context.Context, accountID int, hashes []string) (bool, error) {
	client, err := s.clients.GetClient(ctx, accountID)
	if err != nil {
		return false, err
	}
	return s.afterControl(accountID)(client.StopTorrents(ctx, hashes))
}

func (s *Service) PauseTorrents(ctx context.Context, accountID int, hashes []string) (bool, error) {
	client, err := s.clients.GetClient(ctx, accountID)
	if err != nil {
		return false, err
	}
	return s.afterControl(accountID)(client.PauseTorrents(ctx, hashes))
}

func (s *Service) DeleteTorrents(ctx context.Context, accountID int, hashes []string, deleteFiles bool) (bool, error) {
	client, err := s.clients.GetClient(ctx, accountID)
	if err != nil {
		return false, err
	}
	return s.afterControl(accountID)(client.DeleteTorrents(ctx, hashes, deleteFiles))
}

// afterControl drops cached metadata once a control call succeeded. Cached
// torrent rows are left alone until the next load.
func (s *Service) afterControl(accountID int) func(bool, error) (bool, error) {
	return func(ok bool, err error) (bool, error) {
		if err == nil && ok {
			s.invalidateMetadata(accountID)
		}
		return ok, err
	}
}

func (s *Service) invalidateMetadata(accountID int) {
	s.metaMu.Lock()
	s.generation[accountID]++
	s.metaMu.Unlock()
}

func (s *Service) metaKey(accountID int) metaKey {
	s.metaMu.Lock()
	defer s.metaMu.Unlock()
	return metaKey{accountID: accountID, generation: s.generation[accountID]}
}

// GetCategories returns the account's categories. A non-empty search keeps
// only the names fuzzily matching it.
func (s *Service) GetCategories(ctx context.Context, accountID int, search string) (map[string]domain.Category, error) {
	key := s.metaKey(accountID)
	categories, found := s.categories.Get(key)
	if !found {
		client, err := s.clients.GetClient(ctx, accountID)
		if err != nil {
			return nil, err
		}

		categories, err = client.GetCategories(ctx)
		if err != nil {
			return nil, err
		}
		s.categories.Set(key, categories, s.metadataTTL())
	}

	if search == "" {
		return categories, nil
	}

	names := make([]string, 0, len(categories))
	for name := range categories {
		names = append(names, name)
	}

	out := make(map[string]domain.Category)
	for _, name := range rank(search, names) {
		out[name] = categories[name]
	}
	return out, nil
}

// GetTags returns the account's tags sorted case-insensitively, or ranked
// by closeness to search when one is given.
func (s *Service) GetTags(ctx context.Context, accountID int, search string) ([]string, error) {
	key := s.metaKey(accountID)
	tags, found := s.tags.Get(key)
	if !found {
		client, err := s.clients.GetClient(ctx, accountID)
		if err != nil {
			return nil, err
		}

		tags, err = client.GetTags(ctx)
		if err != nil {
			return nil, err
		}

		tags = append([]string(nil), tags...)
		collate.New(language.Und, collate.IgnoreCase).SortStrings(tags)
		s.tags.Set(key, tags, s.metadataTTL())
	}

	if search == "" {
		return append([]string(nil), tags...), nil
	}
	return rank(search, tags), nil
}

// rank returns the targets matching search, best match first.
func rank(search string, targets []string) []string {
	ranks := fuzzy.RankFindNormalizedFold(search, targets)
	sort.Stable(ranks)

	out := make([]string, len(ranks))
	for i, r := range ranks {
		out[i] = r.Target
	}
	return out
}

func (s *Service) GetTorrentDetails(ctx context.Context, accountID int, hash string) (*domain.Torrent, error) {
	client, err := s.clients.GetClient(ctx, accountID)
	if err != nil {
		return nil, err
	}
	return client.GetTorrentDetails(ctx, hash)
}

func (s *Service) GetAppVersion(ctx context.Context, accountID int) (string, error) {
	client, err := s.clients.GetClient(ctx, accountID)
	if err != nil {
		return "", err
	}
	return client.GetAppVersion(ctx)
}

// Close releases every pager and the metadata caches.
func (s *Service) Close() {
	s.mu.Lock()
	pagers := s.pagers
	s.pagers = make(map[int]*pagerEntry)
	s.mu.Unlock()

	for _, e := range pagers {
		e.pager.Close()
	}

	s.categories.Close()
	s.tags.Close()
}
