// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package qbittorrent

import (
	"strings"
	"testing"

	qbt "github.com/autobrr/go-qbittorrent"
	"github.com/stretchr/testify/assert"

	"github.com/autobrr/qsync/internal/domain"
)

func TestMapState(t *testing.T) {
	tests := map[string]domain.TorrentState{
		"error":              domain.StateError,
		"missingFiles":       domain.StateError,
		"uploading":          domain.StateSeeding,
		"forcedUP":           domain.StateSeeding,
		"pausedUP":           domain.StatePaused,
		"pausedDL":           domain.StatePaused,
		"stoppedUP":          domain.StateStopped,
		"stoppedDL":          domain.StateStopped,
		"queuedUP":           domain.StateQueued,
		"queuedDL":           domain.StateQueued,
		"stalledUP":          domain.StateStalled,
		"stalledDL":          domain.StateStalled,
		"checkingUP":         domain.StateChecking,
		"checkingDL":         domain.StateChecking,
		"checkingResumeData": domain.StateChecking,
		"allocating":         domain.StateAllocating,
		"downloading":        domain.StateDownloading,
		"forcedDL":           domain.StateDownloading,
		"metaDL":             domain.StateMetadataDownload,
		"forcedMetaDL":       domain.StateMetadataDownload,
		"moving":             domain.StateMoving,
		"unknown":            domain.StateUnknown,
	}

	for native, want := range tests {
		t.Run(native, func(t *testing.T) {
			assert.Equal(t, want, MapState(qbt.TorrentState(native)))
			assert.Equal(t, want, MapState(qbt.TorrentState(strings.ToUpper(native))))
			assert.Equal(t, want, MapState(qbt.TorrentState(strings.ToLower(native))))
		})
	}
}

func TestMapState_UnrecognizedIsUnknown(t *testing.T) {
	for _, native := range []string{"", " ", "seeding", "paused", "Downloading2", "queued", "🙃"} {
		assert.Equal(t, domain.StateUnknown, MapState(qbt.TorrentState(native)), native)
	}
}

func TestMapState_Deterministic(t *testing.T) {
	for range 3 {
		assert.Equal(t, domain.StateStalled, MapState(qbt.TorrentStateStalledDl))
	}
}

func TestFilterKeyword(t *testing.T) {
	kw, ok := filterKeyword(domain.StatePaused, true)
	assert.True(t, ok)
	assert.Equal(t, qbt.TorrentFilterStopped, kw)

	kw, ok = filterKeyword(domain.StatePaused, false)
	assert.True(t, ok)
	assert.Equal(t, qbt.TorrentFilterPaused, kw)

	_, ok = filterKeyword(domain.StateQueued, true)
	assert.False(t, ok)
}

func TestToDomain(t *testing.T) {
	got := toDomain(qbt.Torrent{
		Hash:     "abc",
		Name:     "Debian",
		State:    qbt.TorrentStateUploading,
		Category: "",
		Tags:     "linux, iso",
		Progress: 1,
	})

	assert.Equal(t, "abc", got.Hash)
	assert.Equal(t, domain.StateSeeding, got.State)
	assert.Nil(t, got.Category)
	if assert.NotNil(t, got.Tags) {
		assert.Equal(t, "linux,iso", *got.Tags)
	}

	got = toDomain(qbt.Torrent{Hash: "def", Category: "movies"})
	if assert.NotNil(t, got.Category) {
		assert.Equal(t, "movies", *got.Category)
	}
	assert.Nil(t, got.Tags)
}
