// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package domain

import (
	"strings"
	"time"
)

// Backend identifies a torrent daemon API flavor.
type Backend string

const (
	BackendQBittorrent  Backend = "qbittorrent"
	BackendTransmission Backend = "transmission"
)

func (b Backend) Valid() bool {
	switch b {
	case BackendQBittorrent, BackendTransmission:
		return true
	default:
		return false
	}
}

// TorrentState is the normalized state shared by every backend.
type TorrentState string

const (
	StateDownloading      TorrentState = "DOWNLOADING"
	StateSeeding          TorrentState = "SEEDING"
	StatePaused           TorrentState = "PAUSED"
	StateStopped          TorrentState = "STOPPED"
	StateError            TorrentState = "ERROR"
	StateChecking         TorrentState = "CHECKING"
	StateStalled          TorrentState = "STALLED"
	StateQueued           TorrentState = "QUEUED"
	StateMetadataDownload TorrentState = "METADATA_DOWNLOAD"
	StateMoving           TorrentState = "MOVING"
	StateAllocating       TorrentState = "ALLOCATING"
	StateUnknown          TorrentState = "UNKNOWN"
)

// TorrentStates lists every normalized state in display order.
var TorrentStates = []TorrentState{
	StateDownloading,
	StateSeeding,
	StatePaused,
	StateStopped,
	StateError,
	StateChecking,
	StateStalled,
	StateQueued,
	StateMetadataDownload,
	StateMoving,
	StateAllocating,
	StateUnknown,
}

// ParseTorrentState resolves a normalized state name, ignoring case.
func ParseTorrentState(s string) (TorrentState, bool) {
	s = strings.TrimSpace(s)
	for _, state := range TorrentStates {
		if strings.EqualFold(string(state), s) {
			return state, true
		}
	}
	return StateUnknown, false
}

// InfiniteETA is reported when a torrent has no meaningful completion estimate.
const InfiniteETA int64 = 8640000

type Torrent struct {
	Hash       string       `json:"hash"`
	Name       string       `json:"name"`
	AddedOn    int64        `json:"addedOn"`
	Size       int64        `json:"size"`
	Downloaded int64        `json:"downloaded"`
	Uploaded   int64        `json:"uploaded"`
	Progress   float64      `json:"progress"`
	ETA        int64        `json:"eta"`
	State      TorrentState `json:"state"`
	Category   *string      `json:"category,omitempty"`
	Tags       *string      `json:"tags,omitempty"`
	DlSpeed    int64        `json:"dlSpeed"`
	UpSpeed    int64        `json:"upSpeed"`
	Ratio      float64      `json:"ratio"`
	NumLeechs  int64        `json:"numLeechs"`
	NumSeeds   int64        `json:"numSeeds"`
	Priority   int64        `json:"priority"`
	SavePath   string       `json:"savePath,omitempty"`
}

// AddedTime returns AddedOn as a time value.
func (t Torrent) AddedTime() time.Time {
	return time.Unix(t.AddedOn, 0)
}

// HasInfiniteETA reports whether the ETA is the backend's "never" sentinel.
func (t Torrent) HasInfiniteETA() bool {
	return t.ETA >= InfiniteETA
}

// TagList splits the stored tag string.
func (t Torrent) TagList() []string {
	if t.Tags == nil {
		return nil
	}
	return SplitTags(*t.Tags)
}

// SplitTags splits a comma separated tag string, trimming blanks.
func SplitTags(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}

	parts := strings.Split(s, ",")
	tags := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			tags = append(tags, p)
		}
	}
	return tags
}

// JoinTags produces the canonical comma-joined form used by the cache.
// It returns nil when there are no tags.
func JoinTags(tags []string) *string {
	if len(tags) == 0 {
		return nil
	}
	joined := strings.Join(tags, ",")
	return &joined
}

type Category struct {
	Name     string `json:"name"`
	SavePath string `json:"savePath"`
}

// Session is the authentication artifact held for one account.
type Session struct {
	AccountID  int       `json:"accountId"`
	Token      string    `json:"-"`
	AcquiredAt time.Time `json:"acquiredAt"`
}

// Valid reports whether the session holds a token younger than ttl.
func (s *Session) Valid(now time.Time, ttl time.Duration) bool {
	if s == nil || s.Token == "" {
		return false
	}
	return now.Sub(s.AcquiredAt) < ttl
}
