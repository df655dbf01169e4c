// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package paging

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var ErrPagerClosed = errors.New("pager closed")

// LoadState describes one boundary of the pager.
type LoadState struct {
	Loading         bool  `json:"loading"`
	EndOfPagination bool  `json:"endOfPagination"`
	Err             error `json:"-"`
}

// Snapshot is an immutable view of the cached rows the pager currently serves.
type Snapshot[T any] struct {
	Items   []T       `json:"items"`
	Refresh LoadState `json:"refresh"`
	Prepend LoadState `json:"prepend"`
	Append  LoadState `json:"append"`
	// Generation increases with every published snapshot.
	Generation uint64 `json:"generation"`
}

// Pager serves rows from a Source and asks its RemoteMediator for more at
// the boundaries. Loads are serialized.
type Pager[T any] struct {
	source   Source[T]
	mediator RemoteMediator[T]
	pageSize int
	log      zerolog.Logger

	loadMu sync.Mutex

	mu          sync.RWMutex
	snapshot    Snapshot[T]
	pages       int
	subscribers map[chan Snapshot[T]]struct{}
	opened      bool
	closed      bool

	// life bounds the watch loop and every load. Close cancels it.
	life     context.Context
	stopLife context.CancelFunc
	done     chan struct{}
}

func NewPager[T any](source Source[T], mediator RemoteMediator[T], pageSize int) *Pager[T] {
	if pageSize <= 0 {
		pageSize = 50
	}

	life, stop := context.WithCancel(context.Background())

	return &Pager[T]{
		source:      source,
		mediator:    mediator,
		pageSize:    pageSize,
		log:         log.Logger.With().Str("module", "paging").Logger(),
		pages:       1,
		subscribers: make(map[chan Snapshot[T]]struct{}),
		life:        life,
		stopLife:    stop,
		done:        make(chan struct{}),
	}
}

// Open publishes the cached rows, starts watching the source and then runs
// the mediator's initial refresh decision. Calling Open again is a no-op.
func (p *Pager[T]) Open(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPagerClosed
	}
	if p.opened {
		p.mu.Unlock()
		return nil
	}
	p.opened = true
	p.mu.Unlock()

	changes := p.source.Watch(p.life)
	go p.run(p.life, changes)

	p.reload(ctx)

	action, err := p.mediator.Initialize(ctx)
	if err != nil {
		p.log.Warn().Err(err).Msg("initialize failed, refreshing")
		action = LaunchInitialRefresh
	}

	if action == SkipInitialRefresh {
		return nil
	}

	return p.Refresh(ctx)
}

func (p *Pager[T]) run(ctx context.Context, changes <-chan struct{}) {
	defer close(p.done)

	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-changes:
			if !ok {
				return
			}
			p.reload(ctx)
		}
	}
}

// Refresh reloads the first page from the remote and resets the window to
// one page. PREPEND is evaluated right after so the head boundary is known.
func (p *Pager[T]) Refresh(ctx context.Context) error {
	p.loadMu.Lock()
	defer p.loadMu.Unlock()

	if p.isClosed() {
		return ErrPagerClosed
	}

	ctx, cancel := p.loadContext(ctx)
	defer cancel()

	p.setLoadState(LoadRefresh, LoadState{Loading: true})

	res := p.mediator.Load(ctx, LoadRefresh, p.state())
	if res.Err != nil {
		if p.isClosed() {
			return ErrPagerClosed
		}
		p.setLoadState(LoadRefresh, LoadState{Err: res.Err})
		p.reload(ctx)
		return res.Err
	}

	p.mu.Lock()
	p.pages = 1
	p.snapshot.Append = LoadState{EndOfPagination: res.EndOfPagination}
	p.mu.Unlock()

	p.setLoadState(LoadRefresh, LoadState{})

	prepend := p.mediator.Load(ctx, LoadPrepend, p.state())
	p.setLoadState(LoadPrepend, LoadState{EndOfPagination: prepend.EndOfPagination, Err: prepend.Err})

	p.reload(ctx)
	return nil
}

// LoadMore grows the window by one page, asking the mediator for the page
// after the last loaded item when the cache has nothing more to serve. It
// does nothing once the end is reached.
func (p *Pager[T]) LoadMore(ctx context.Context) error {
	p.loadMu.Lock()
	defer p.loadMu.Unlock()

	if p.isClosed() {
		return ErrPagerClosed
	}

	ctx, cancel := p.loadContext(ctx)
	defer cancel()

	// Rows already cached beyond the window are served before going remote.
	if p.growWindow(ctx) {
		p.reload(ctx)
		return nil
	}

	p.mu.RLock()
	end := p.snapshot.Append.EndOfPagination
	p.mu.RUnlock()
	if end {
		return nil
	}

	p.setLoadState(LoadAppend, LoadState{Loading: true})

	res := p.mediator.Load(ctx, LoadAppend, p.state())
	if res.Err != nil {
		if p.isClosed() {
			return ErrPagerClosed
		}
		p.setLoadState(LoadAppend, LoadState{Err: res.Err})
		return res.Err
	}

	p.mu.Lock()
	p.pages++
	p.mu.Unlock()

	p.setLoadState(LoadAppend, LoadState{EndOfPagination: res.EndOfPagination})
	p.reload(ctx)
	return nil
}

// loadContext is done when either ctx or the pager's lifetime ends.
func (p *Pager[T]) loadContext(ctx context.Context) (context.Context, context.CancelFunc) {
	loadCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(p.life, cancel)

	return loadCtx, func() {
		stop()
		cancel()
	}
}

// growWindow extends the window when the cache holds more rows than are
// currently served.
func (p *Pager[T]) growWindow(ctx context.Context) bool {
	p.mu.RLock()
	pages := p.pages
	p.mu.RUnlock()

	next, err := p.source.Load(ctx, pages*p.pageSize, 1)
	if err != nil || len(next) == 0 {
		return false
	}

	p.mu.Lock()
	p.pages++
	p.mu.Unlock()
	return true
}

// state splits the current window into pages for the mediator.
func (p *Pager[T]) state() State[T] {
	p.mu.RLock()
	items := p.snapshot.Items
	p.mu.RUnlock()

	pages := make([]Page[T], 0, len(items)/p.pageSize+1)
	for offset := 0; offset < len(items); offset += p.pageSize {
		end := min(offset+p.pageSize, len(items))
		pages = append(pages, Page[T]{Items: items[offset:end], Offset: offset})
	}

	return State[T]{Pages: pages, PageSize: p.pageSize}
}

func (p *Pager[T]) reload(ctx context.Context) {
	p.mu.RLock()
	limit := p.pages * p.pageSize
	p.mu.RUnlock()

	items, err := p.source.Load(ctx, 0, limit)
	if err != nil {
		if ctx.Err() == nil {
			p.log.Error().Err(err).Msg("failed to load cached rows")
		}
		return
	}

	p.mu.Lock()
	p.snapshot.Items = items
	p.publishLocked()
	p.mu.Unlock()
}

func (p *Pager[T]) setLoadState(loadType LoadType, state LoadState) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch loadType {
	case LoadRefresh:
		p.snapshot.Refresh = state
	case LoadPrepend:
		p.snapshot.Prepend = state
	case LoadAppend:
		p.snapshot.Append = state
	}
	p.publishLocked()
}

func (p *Pager[T]) publishLocked() {
	p.snapshot.Generation++
	snap := p.snapshot

	for ch := range p.subscribers {
		// Keep only the newest snapshot for slow subscribers.
		select {
		case <-ch:
		default:
		}
		ch <- snap
	}
}

// Snapshot returns the latest snapshot.
func (p *Pager[T]) Snapshot() Snapshot[T] {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.snapshot
}

// Subscribe delivers the current snapshot and every later one until ctx is
// done or the pager is closed. Intermediate snapshots may be skipped.
func (p *Pager[T]) Subscribe(ctx context.Context) <-chan Snapshot[T] {
	ch := make(chan Snapshot[T], 1)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		close(ch)
		return ch
	}
	p.subscribers[ch] = struct{}{}
	ch <- p.snapshot
	p.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
		case <-p.done:
		}

		p.mu.Lock()
		if _, ok := p.subscribers[ch]; ok {
			delete(p.subscribers, ch)
			close(ch)
		}
		p.mu.Unlock()
	}()

	return ch
}

func (p *Pager[T]) isClosed() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.closed
}

// Close cancels the running load and stops watching the source. It returns
// once that load has finished, so nothing the pager started is committed
// afterwards. Subscriptions are closed too.
func (p *Pager[T]) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	opened := p.opened
	for ch := range p.subscribers {
		delete(p.subscribers, ch)
		close(ch)
	}
	p.mu.Unlock()

	p.stopLife()
	if opened {
		<-p.done
	} else {
		close(p.done)
	}

	// Wait out a load that was already running.
	p.loadMu.Lock()
	defer p.loadMu.Unlock()
}
