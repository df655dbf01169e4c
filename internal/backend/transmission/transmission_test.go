// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package transmission

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autobrr/qsync/internal/backend"
	"github.com/autobrr/qsync/internal/domain"
)

func TestMapState(t *testing.T) {
	tests := []struct {
		status Status
		want   domain.TorrentState
	}{
		{StatusStopped, domain.StateStopped},
		{StatusCheckWait, domain.StateChecking},
		{StatusCheck, domain.StateChecking},
		{StatusDownloadWait, domain.StateQueued},
		{StatusDownload, domain.StateDownloading},
		{StatusSeedWait, domain.StateQueued},
		{StatusSeed, domain.StateSeeding},
		{Status(7), domain.StateUnknown},
		{Status(-1), domain.StateUnknown},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, MapState(tt.status, 0), "status %d", tt.status)
	}
}

func TestMapState_ErrorWins(t *testing.T) {
	for _, status := range []Status{StatusStopped, StatusDownload, StatusSeed, Status(99)} {
		assert.Equal(t, domain.StateError, MapState(status, 3))
	}
}

func TestClientNotSupported(t *testing.T) {
	c := NewClient(1, "http://localhost:9091")
	ctx := t.Context()

	calls := map[string]func() error{
		"login":      func() error { _, err := c.Login(ctx); return err },
		"fetch":      func() error { _, err := c.FetchTorrents(ctx, domain.Filter{}, 0, 10); return err },
		"details":    func() error { _, err := c.GetTorrentDetails(ctx, "abc"); return err },
		"start":      func() error { _, err := c.StartTorrents(ctx, []string{"a"}); return err },
		"stop":       func() error { _, err := c.StopTorrents(ctx, []string{"a"}); return err },
		"pause":      func() error { _, err := c.PauseTorrents(ctx, []string{"a"}); return err },
		"delete":     func() error { _, err := c.DeleteTorrents(ctx, []string{"a"}, true); return err },
		"categories": func() error { _, err := c.GetCategories(ctx); return err },
		"tags":       func() error { _, err := c.GetTags(ctx); return err },
		"version":    func() error { _, err := c.GetAppVersion(ctx); return err },
	}

	for name, call := range calls {
		t.Run(name, func(t *testing.T) {
			err := call()
			require.Error(t, err)
			assert.True(t, backend.IsNotSupported(err))
			assert.ErrorIs(t, err, ErrNotImplemented)
		})
	}
}
