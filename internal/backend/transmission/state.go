// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package transmission

import "github.com/autobrr/qsync/internal/domain"

// Status is the numeric torrent status of the Transmission RPC.
type Status int

const (
	StatusStopped      Status = 0
	StatusCheckWait    Status = 1
	StatusCheck        Status = 2
	StatusDownloadWait Status = 3
	StatusDownload     Status = 4
	StatusSeedWait     Status = 5
	StatusSeed         Status = 6
)

// MapState normalizes a Transmission status. Any error reported for the
// torrent takes precedence over its status.
func MapState(status Status, errorCode int) domain.TorrentState {
	if errorCode != 0 {
		return domain.StateError
	}

	switch status {
	case StatusStopped:
		return domain.StateStopped
	case StatusCheckWait, StatusCheck:
		return domain.StateChecking
	case StatusDownloadWait, StatusSeedWait:
		return domain.StateQueued
	case StatusDownload:
		return domain.StateDownloading
	case StatusSeed:
		return domain.StateSeeding
	default:
		return domain.StateUnknown
	}
}
