// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/autobrr/qsync/internal/dbinterface"
	"github.com/autobrr/qsync/internal/domain"
)

// SessionStore persists one authentication session per account.
type SessionStore struct {
	db dbinterface.Querier

	mu       sync.Mutex
	watchers map[int][]chan domain.Session
}

func NewSessionStore(db dbinterface.Querier) *SessionStore {
	return &SessionStore{
		db:       db,
		watchers: make(map[int][]chan domain.Session),
	}
}

// Get returns the stored session, or nil when the account has none.
func (s *SessionStore) Get(ctx context.Context, accountID int) (*domain.Session, error) {
	var token string
	var acquiredAt int64

	err := s.db.QueryRowContext(ctx, `SELECT token, acquired_at FROM sessions WHERE account_id = ?`, accountID).
		Scan(&token, &acquiredAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	return &domain.Session{
		AccountID:  accountID,
		Token:      token,
		AcquiredAt: time.UnixMilli(acquiredAt),
	}, nil
}

// Save replaces the account's session in a single statement.
func (s *SessionStore) Save(ctx context.Context, session domain.Session) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (account_id, token, acquired_at) VALUES (?, ?, ?)
		ON CONFLICT(account_id) DO UPDATE SET token = excluded.token, acquired_at = excluded.acquired_at
	`, session.AccountID, session.Token, session.AcquiredAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}

	s.notify(session)
	return nil
}

func (s *SessionStore) Delete(ctx context.Context, accountID int) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE account_id = ?`, accountID); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// Watch delivers every session saved for accountID until ctx is done.
// Slow receivers only see the latest session.
func (s *SessionStore) Watch(ctx context.Context, accountID int) <-chan domain.Session {
	ch := make(chan domain.Session, 1)

	s.mu.Lock()
	s.watchers[accountID] = append(s.watchers[accountID], ch)
	s.mu.Unlock()

	go func() {
		<-ctx.Done()

		s.mu.Lock()
		defer s.mu.Unlock()

		watchers := s.watchers[accountID]
		for i, w := range watchers {
			if w == ch {
				s.watchers[accountID] = append(watchers[:i], watchers[i+1:]...)
				break
			}
		}
		if len(s.watchers[accountID]) == 0 {
			delete(s.watchers, accountID)
		}
		close(ch)
	}()

	return ch
}

func (s *SessionStore) notify(session domain.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, ch := range s.watchers[session.AccountID] {
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- session:
		default:
		}
	}
}
