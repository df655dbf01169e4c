// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package qbittorrent

import (
	"strings"

	qbt "github.com/autobrr/go-qbittorrent"

	"github.com/autobrr/qsync/internal/domain"
)

// Reported by qBittorrent 4.6 and later for forced magnet downloads.
const stateForcedMetaDl qbt.TorrentState = "forcedMetaDL"

var stateMap = func() map[string]domain.TorrentState {
	native := map[qbt.TorrentState]domain.TorrentState{
		qbt.TorrentStateError:              domain.StateError,
		qbt.TorrentStateMissingFiles:       domain.StateError,
		qbt.TorrentStateUploading:          domain.StateSeeding,
		qbt.TorrentStateForcedUp:           domain.StateSeeding,
		qbt.TorrentStatePausedUp:           domain.StatePaused,
		qbt.TorrentStatePausedDl:           domain.StatePaused,
		qbt.TorrentStateStoppedUp:          domain.StateStopped,
		qbt.TorrentStateStoppedDl:          domain.StateStopped,
		qbt.TorrentStateQueuedUp:           domain.StateQueued,
		qbt.TorrentStateQueuedDl:           domain.StateQueued,
		qbt.TorrentStateStalledUp:          domain.StateStalled,
		qbt.TorrentStateStalledDl:          domain.StateStalled,
		qbt.TorrentStateCheckingUp:         domain.StateChecking,
		qbt.TorrentStateCheckingDl:         domain.StateChecking,
		qbt.TorrentStateCheckingResumeData: domain.StateChecking,
		qbt.TorrentStateAllocating:         domain.StateAllocating,
		qbt.TorrentStateDownloading:        domain.StateDownloading,
		qbt.TorrentStateForcedDl:           domain.StateDownloading,
		qbt.TorrentStateMetaDl:             domain.StateMetadataDownload,
		stateForcedMetaDl:                  domain.StateMetadataDownload,
		qbt.TorrentStateMoving:             domain.StateMoving,
		qbt.TorrentStateUnknown:            domain.StateUnknown,
	}

	m := make(map[string]domain.TorrentState, len(native))
	for k, v := range native {
		m[strings.ToLower(string(k))] = v
	}
	return m
}()

// MapState normalizes a qBittorrent state, ignoring case. Unrecognized
// states map to UNKNOWN.
func MapState(state qbt.TorrentState) domain.TorrentState {
	if s, ok := stateMap[strings.ToLower(strings.TrimSpace(string(state)))]; ok {
		return s
	}
	return domain.StateUnknown
}

// filterKeyword returns the torrents/info status filter that covers state.
// The keyword may select more than state; the local query narrows it.
func filterKeyword(state domain.TorrentState, stopAPI bool) (qbt.TorrentFilter, bool) {
	switch state {
	case domain.StateDownloading:
		return qbt.TorrentFilterDownloading, true
	case domain.StateSeeding:
		return qbt.TorrentFilterUploading, true
	case domain.StatePaused, domain.StateStopped:
		if stopAPI {
			return qbt.TorrentFilterStopped, true
		}
		return qbt.TorrentFilterPaused, true
	case domain.StateError:
		return qbt.TorrentFilterError, true
	case domain.StateChecking:
		return qbt.TorrentFilterChecking, true
	case domain.StateStalled:
		return qbt.TorrentFilterStalled, true
	case domain.StateMoving:
		return qbt.TorrentFilterMoving, true
	default:
		return "", false
	}
}

func toDomain(t qbt.Torrent) domain.Torrent {
	out := domain.Torrent{
		Hash:       t.Hash,
		Name:       t.Name,
		AddedOn:    t.AddedOn,
		Size:       t.Size,
		Downloaded: t.Downloaded,
		Uploaded:   t.Uploaded,
		Progress:   t.Progress,
		ETA:        t.ETA,
		State:      MapState(t.State),
		DlSpeed:    t.DlSpeed,
		UpSpeed:    t.UpSpeed,
		Ratio:      t.Ratio,
		NumLeechs:  t.NumLeechs,
		NumSeeds:   t.NumSeeds,
		Priority:   t.Priority,
		SavePath:   t.SavePath,
	}

	if t.Category != "" {
		category := t.Category
		out.Category = &category
	}
	// qBittorrent separates tags with ", "; the cache stores them without spaces.
	out.Tags = domain.JoinTags(domain.SplitTags(t.Tags))

	return out
}
