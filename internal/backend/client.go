// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package backend defines the contract every torrent daemon client
// satisfies and the error taxonomy those clients report.
package backend

import (
	"context"

	"github.com/autobrr/qsync/internal/domain"
)

// TorrentClient is implemented once per backend. Every method fails only
// with errors from this package's taxonomy.
type TorrentClient interface {
	// Login forces a fresh authentication exchange.
	Login(ctx context.Context) (bool, error)

	// FetchTorrents returns one remote page in backend order.
	FetchTorrents(ctx context.Context, filter domain.Filter, offset, limit int) ([]domain.Torrent, error)

	GetTorrentDetails(ctx context.Context, hash string) (*domain.Torrent, error)

	StartTorrents(ctx context.Context, hashes []string) (bool, error)
	StopTorrents(ctx context.Context, hashes []string) (bool, error)
	PauseTorrents(ctx context.Context, hashes []string) (bool, error)
	DeleteTorrents(ctx context.Context, hashes []string, deleteFiles bool) (bool, error)

	GetCategories(ctx context.Context) (map[string]domain.Category, error)
	GetTags(ctx context.Context) ([]string, error)

	// GetAppVersion returns the daemon version without any "v" prefix.
	GetAppVersion(ctx context.Context) (string, error)
}
