// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package domain

import (
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// SortKey names a remote sort column.
type SortKey string

const (
	SortNone          SortKey = ""
	SortName          SortKey = "name"
	SortAddedOn       SortKey = "added_on"
	SortSize          SortKey = "size"
	SortProgress      SortKey = "progress"
	SortDownloadSpeed SortKey = "dlspeed"
	SortUploadSpeed   SortKey = "upspeed"
	SortRatio         SortKey = "ratio"
	SortETA           SortKey = "eta"
	SortState         SortKey = "state"
	SortCategory      SortKey = "category"
	SortPriority      SortKey = "priority"
)

func (k SortKey) Valid() bool {
	switch k {
	case SortNone, SortName, SortAddedOn, SortSize, SortProgress, SortDownloadSpeed,
		SortUploadSpeed, SortRatio, SortETA, SortState, SortCategory, SortPriority:
		return true
	default:
		return false
	}
}

// Filter selects a subset of an account's torrents. Nil and empty fields
// impose no constraint, except Query which is active whenever it is non-nil.
type Filter struct {
	States   []TorrentState `json:"states,omitempty"`
	Query    *string        `json:"query,omitempty"`
	Category *string        `json:"category,omitempty"`
	Tags     []string       `json:"tags,omitempty"`
	Sort     SortKey        `json:"sort,omitempty"`
	Reverse  bool           `json:"reverse,omitempty"`
}

// Key fingerprints the filter. Two filters with the same key select the
// same rows in the same order.
func (f Filter) Key() uint64 {
	var b strings.Builder

	b.WriteString("s=")
	for _, s := range f.States {
		b.WriteString(string(s))
		b.WriteByte(0)
	}
	if f.Query != nil {
		b.WriteString("|q=")
		b.WriteString(*f.Query)
	}
	if f.Category != nil {
		b.WriteString("|c=")
		b.WriteString(*f.Category)
	}
	b.WriteString("|t=")
	for _, t := range f.Tags {
		b.WriteString(t)
		b.WriteByte(0)
	}
	b.WriteString("|o=")
	b.WriteString(string(f.Sort))
	b.WriteString("|r=")
	b.WriteString(strconv.FormatBool(f.Reverse))

	return xxhash.Sum64String(b.String())
}
