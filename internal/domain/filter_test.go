// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func strPtr(s string) *string { return &s }

func TestFilterKey(t *testing.T) {
	base := Filter{
		States:   []TorrentState{StateDownloading},
		Category: strPtr("movies"),
		Tags:     []string{"hd", "4k"},
	}

	assert.Equal(t, base.Key(), Filter{
		States:   []TorrentState{StateDownloading},
		Category: strPtr("movies"),
		Tags:     []string{"hd", "4k"},
	}.Key())

	tests := []struct {
		name  string
		other Filter
	}{
		{name: "no category", other: Filter{States: base.States, Tags: base.Tags}},
		{name: "empty category", other: Filter{States: base.States, Category: strPtr(""), Tags: base.Tags}},
		{name: "blank query", other: Filter{States: base.States, Category: base.Category, Tags: base.Tags, Query: strPtr(" ")}},
		{name: "reversed", other: Filter{States: base.States, Category: base.Category, Tags: base.Tags, Reverse: true}},
		{name: "tag boundary", other: Filter{States: base.States, Category: base.Category, Tags: []string{"hd4k"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.NotEqual(t, base.Key(), tt.other.Key())
		})
	}
}

func TestSplitAndJoinTags(t *testing.T) {
	assert.Nil(t, SplitTags(""))
	assert.Nil(t, SplitTags("  "))
	assert.Equal(t, []string{"hd", "4k"}, SplitTags("hd, 4k"))
	assert.Equal(t, []string{"a", "b"}, SplitTags(",a,,b,"))

	assert.Nil(t, JoinTags(nil))
	joined := JoinTags([]string{"hd", "4k"})
	if assert.NotNil(t, joined) {
		assert.Equal(t, "hd,4k", *joined)
	}
}

func TestParseTorrentState(t *testing.T) {
	state, ok := ParseTorrentState("downloading")
	assert.True(t, ok)
	assert.Equal(t, StateDownloading, state)

	state, ok = ParseTorrentState("nope")
	assert.False(t, ok)
	assert.Equal(t, StateUnknown, state)
}
