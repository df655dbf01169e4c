// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package paging pairs a local cached Source with a RemoteMediator that
// fills the cache from a remote backend at page boundaries.
package paging

import "context"

// LoadType names the boundary a load was triggered at.
type LoadType int

const (
	LoadRefresh LoadType = iota
	LoadPrepend
	LoadAppend
)

func (l LoadType) String() string {
	switch l {
	case LoadRefresh:
		return "refresh"
	case LoadPrepend:
		return "prepend"
	case LoadAppend:
		return "append"
	default:
		return "unknown"
	}
}

// InitializeAction decides whether a pager refreshes when it is opened.
type InitializeAction int

const (
	LaunchInitialRefresh InitializeAction = iota
	SkipInitialRefresh
)

// Page is one window of loaded items starting at Offset.
type Page[T any] struct {
	Items  []T
	Offset int
}

// State is what the pager has loaded when it calls the mediator.
type State[T any] struct {
	Pages    []Page[T]
	PageSize int
}

// LastItem returns the last item of the last non-empty page.
func (s State[T]) LastItem() (T, bool) {
	for i := len(s.Pages) - 1; i >= 0; i-- {
		if n := len(s.Pages[i].Items); n > 0 {
			return s.Pages[i].Items[n-1], true
		}
	}
	var zero T
	return zero, false
}

// FirstItem returns the first item of the first non-empty page.
func (s State[T]) FirstItem() (T, bool) {
	for _, p := range s.Pages {
		if len(p.Items) > 0 {
			return p.Items[0], true
		}
	}
	var zero T
	return zero, false
}

// Result is the outcome of one mediator load. A non-nil Err means the load
// failed and nothing was written.
type Result struct {
	EndOfPagination bool
	Err             error
}

func Success(end bool) Result {
	return Result{EndOfPagination: end}
}

func Failure(err error) Result {
	return Result{Err: err}
}

// RemoteMediator loads remote pages into the local cache.
type RemoteMediator[T any] interface {
	Initialize(ctx context.Context) (InitializeAction, error)
	Load(ctx context.Context, loadType LoadType, state State[T]) Result
}

// Source reads the local cache. Watch signals whenever the underlying
// rows may have changed and closes when ctx is done.
type Source[T any] interface {
	Load(ctx context.Context, offset, limit int) ([]T, error)
	Watch(ctx context.Context) <-chan struct{}
}
