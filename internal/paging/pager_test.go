// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package paging

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memorySource struct {
	mu      sync.Mutex
	items   []int
	watches []chan struct{}
}

func (s *memorySource) Load(_ context.Context, offset, limit int) ([]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if offset >= len(s.items) {
		return []int{}, nil
	}
	end := min(offset+limit, len(s.items))
	return append([]int(nil), s.items[offset:end]...), nil
}

func (s *memorySource) Watch(ctx context.Context) <-chan struct{} {
	ch := make(chan struct{}, 1)
	s.mu.Lock()
	s.watches = append(s.watches, ch)
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, w := range s.watches {
			if w == ch {
				s.watches = append(s.watches[:i], s.watches[i+1:]...)
				break
			}
		}
		close(ch)
	}()
	return ch
}

func (s *memorySource) set(items []int) {
	s.mu.Lock()
	s.items = items
	for _, w := range s.watches {
		select {
		case w <- struct{}{}:
		default:
		}
	}
	s.mu.Unlock()
}

// sequenceMediator writes ascending ints into the source page by page.
type sequenceMediator struct {
	source   *memorySource
	total    int
	action   InitializeAction
	failNext error

	mu    sync.Mutex
	calls []LoadType
	last  []State[int]
}

func (m *sequenceMediator) Initialize(context.Context) (InitializeAction, error) {
	return m.action, nil
}

func (m *sequenceMediator) Load(_ context.Context, loadType LoadType, state State[int]) Result {
	m.mu.Lock()
	m.calls = append(m.calls, loadType)
	m.last = append(m.last, state)
	fail := m.failNext
	m.failNext = nil
	m.mu.Unlock()

	if fail != nil {
		return Failure(fail)
	}

	switch loadType {
	case LoadPrepend:
		return Success(true)
	case LoadRefresh:
		n := min(state.PageSize, m.total)
		m.source.set(seq(0, n))
		return Success(n < state.PageSize)
	default:
		last, ok := state.LastItem()
		if !ok {
			return Success(false)
		}
		start := last + 1
		n := min(state.PageSize, m.total-start)
		m.source.mu.Lock()
		items := append(append([]int(nil), m.source.items...), seq(start, n)...)
		m.source.mu.Unlock()
		m.source.set(items)
		return Success(n < state.PageSize)
	}
}

func (m *sequenceMediator) loadTypes() []LoadType {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]LoadType(nil), m.calls...)
}

func seq(start, n int) []int {
	out := make([]int, 0, max(n, 0))
	for i := range max(n, 0) {
		out = append(out, start+i)
	}
	return out
}

func TestStateItems(t *testing.T) {
	var empty State[int]
	_, ok := empty.LastItem()
	assert.False(t, ok)
	_, ok = empty.FirstItem()
	assert.False(t, ok)

	state := State[int]{Pages: []Page[int]{{Items: []int{1, 2}}, {Items: []int{3}}, {Items: nil}}}
	last, ok := state.LastItem()
	require.True(t, ok)
	assert.Equal(t, 3, last)

	first, ok := state.FirstItem()
	require.True(t, ok)
	assert.Equal(t, 1, first)
}

func TestLoadTypeString(t *testing.T) {
	assert.Equal(t, "refresh", LoadRefresh.String())
	assert.Equal(t, "prepend", LoadPrepend.String())
	assert.Equal(t, "append", LoadAppend.String())
	assert.Equal(t, "unknown", LoadType(42).String())
}

func TestPager_OpenRefreshesAndPaginates(t *testing.T) {
	src := &memorySource{}
	med := &sequenceMediator{source: src, total: 25}
	p := NewPager[int](src, med, 10)
	t.Cleanup(p.Close)

	require.NoError(t, p.Open(t.Context()))

	snap := p.Snapshot()
	assert.Equal(t, seq(0, 10), snap.Items)
	assert.False(t, snap.Append.EndOfPagination)
	assert.True(t, snap.Prepend.EndOfPagination)
	assert.Equal(t, []LoadType{LoadRefresh, LoadPrepend}, med.loadTypes())

	require.NoError(t, p.LoadMore(t.Context()))
	assert.Equal(t, seq(0, 20), p.Snapshot().Items)

	require.NoError(t, p.LoadMore(t.Context()))
	snap = p.Snapshot()
	assert.Equal(t, seq(0, 25), snap.Items)
	assert.True(t, snap.Append.EndOfPagination)

	// Once the end is reached the mediator is not asked again.
	require.NoError(t, p.LoadMore(t.Context()))
	assert.Equal(t, []LoadType{LoadRefresh, LoadPrepend, LoadAppend, LoadAppend}, med.loadTypes())
}

func TestPager_AppendSeesLastItem(t *testing.T) {
	src := &memorySource{}
	med := &sequenceMediator{source: src, total: 100}
	p := NewPager[int](src, med, 5)
	t.Cleanup(p.Close)

	require.NoError(t, p.Open(t.Context()))
	require.NoError(t, p.LoadMore(t.Context()))

	med.mu.Lock()
	state := med.last[len(med.last)-1]
	med.mu.Unlock()

	last, ok := state.LastItem()
	require.True(t, ok)
	assert.Equal(t, 4, last)
	assert.Equal(t, 5, state.PageSize)
}

func TestPager_SkipInitialRefreshServesCache(t *testing.T) {
	src := &memorySource{items: seq(0, 3)}
	med := &sequenceMediator{source: src, total: 3, action: SkipInitialRefresh}
	p := NewPager[int](src, med, 10)
	t.Cleanup(p.Close)

	require.NoError(t, p.Open(t.Context()))

	assert.Equal(t, seq(0, 3), p.Snapshot().Items)
	assert.Empty(t, med.loadTypes())
}

func TestPager_RefreshFailureKeepsCachedRows(t *testing.T) {
	src := &memorySource{items: seq(100, 4)}
	boom := errors.New("backend down")
	med := &sequenceMediator{source: src, total: 10, failNext: boom}
	p := NewPager[int](src, med, 10)
	t.Cleanup(p.Close)

	err := p.Open(t.Context())
	require.ErrorIs(t, err, boom)

	snap := p.Snapshot()
	assert.Equal(t, seq(100, 4), snap.Items)
	assert.ErrorIs(t, snap.Refresh.Err, boom)

	// A retry clears the error.
	require.NoError(t, p.Refresh(t.Context()))
	snap = p.Snapshot()
	assert.NoError(t, snap.Refresh.Err)
	assert.Equal(t, seq(0, 10), snap.Items)
}

func TestPager_AppendFailure(t *testing.T) {
	src := &memorySource{}
	med := &sequenceMediator{source: src, total: 30}
	p := NewPager[int](src, med, 10)
	t.Cleanup(p.Close)

	require.NoError(t, p.Open(t.Context()))

	boom := errors.New("timeout")
	med.mu.Lock()
	med.failNext = boom
	med.mu.Unlock()

	require.ErrorIs(t, p.LoadMore(t.Context()), boom)
	snap := p.Snapshot()
	assert.ErrorIs(t, snap.Append.Err, boom)
	assert.Equal(t, seq(0, 10), snap.Items)
}

func TestPager_ReloadsOnSourceChange(t *testing.T) {
	src := &memorySource{items: seq(0, 2)}
	med := &sequenceMediator{source: src, action: SkipInitialRefresh}
	p := NewPager[int](src, med, 10)
	t.Cleanup(p.Close)

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	updates := p.Subscribe(ctx)

	require.NoError(t, p.Open(t.Context()))

	src.set([]int{7, 8, 9})

	deadline := time.After(2 * time.Second)
	for {
		select {
		case snap := <-updates:
			if len(snap.Items) == 3 {
				assert.Equal(t, []int{7, 8, 9}, snap.Items)
				return
			}
		case <-deadline:
			t.Fatal("no snapshot with the new rows")
		}
	}
}

func TestPager_Close(t *testing.T) {
	src := &memorySource{}
	med := &sequenceMediator{source: src, total: 5}
	p := NewPager[int](src, med, 10)

	updates := p.Subscribe(t.Context())
	require.NoError(t, p.Open(t.Context()))

	p.Close()
	p.Close()

	for range updates {
	}

	assert.ErrorIs(t, p.Refresh(t.Context()), ErrPagerClosed)
	assert.ErrorIs(t, p.LoadMore(t.Context()), ErrPagerClosed)
	assert.ErrorIs(t, p.Open(t.Context()), ErrPagerClosed)

	_, ok := <-p.Subscribe(t.Context())
	assert.False(t, ok)
}

func TestPager_CloseWithoutOpen(t *testing.T) {
	src := &memorySource{}
	p := NewPager[int](src, &sequenceMediator{source: src}, 10)
	p.Close()
	assert.ErrorIs(t, p.Refresh(t.Context()), ErrPagerClosed)
}

func TestPager_LoadMoreServesCachedRowsFirst(t *testing.T) {
	src := &memorySource{items: seq(0, 25)}
	med := &sequenceMediator{source: src, total: 40, action: SkipInitialRefresh}
	p := NewPager[int](src, med, 10)
	t.Cleanup(p.Close)

	require.NoError(t, p.Open(t.Context()))
	assert.Len(t, p.Snapshot().Items, 10)

	require.NoError(t, p.LoadMore(t.Context()))
	require.NoError(t, p.LoadMore(t.Context()))
	assert.Equal(t, seq(0, 25), p.Snapshot().Items)
	assert.Empty(t, med.loadTypes())

	// The cache is exhausted, so the next page comes from the mediator.
	require.NoError(t, p.LoadMore(t.Context()))
	assert.Equal(t, []LoadType{LoadAppend}, med.loadTypes())
	assert.Equal(t, seq(0, 35), p.Snapshot().Items)
}

// blockingMediator holds every load until its context is done.
type blockingMediator struct {
	started  chan struct{}
	finished chan error
}

func (m *blockingMediator) Initialize(context.Context) (InitializeAction, error) {
	return SkipInitialRefresh, nil
}

func (m *blockingMediator) Load(ctx context.Context, _ LoadType, _ State[int]) Result {
	close(m.started)
	<-ctx.Done()
	m.finished <- ctx.Err()
	return Failure(ctx.Err())
}

func TestPager_CloseCancelsRunningLoad(t *testing.T) {
	src := &memorySource{}
	med := &blockingMediator{started: make(chan struct{}), finished: make(chan error, 1)}
	p := NewPager[int](src, med, 10)
	require.NoError(t, p.Open(t.Context()))

	refreshErr := make(chan error, 1)
	go func() { refreshErr <- p.Refresh(t.Context()) }()

	select {
	case <-med.started:
	case <-time.After(2 * time.Second):
		t.Fatal("refresh never reached the mediator")
	}

	p.Close()

	// Close returns only after the load observed the cancellation.
	select {
	case err := <-med.finished:
		assert.ErrorIs(t, err, context.Canceled)
	default:
		t.Fatal("Close returned while the load was still running")
	}

	select {
	case err := <-refreshErr:
		assert.ErrorIs(t, err, ErrPagerClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("refresh did not return")
	}
}
