// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autobrr/qsync/internal/domain"
)

func TestSessionStore(t *testing.T) {
	ctx := t.Context()
	db := newTestDB(t)

	accounts, err := NewAccountStore(db, testKey())
	require.NoError(t, err)
	account, err := accounts.Create(ctx, AccountInput{BaseURL: "localhost:8080", Backend: domain.BackendQBittorrent})
	require.NoError(t, err)

	store := NewSessionStore(db)

	session, err := store.Get(ctx, account.ID)
	require.NoError(t, err)
	assert.Nil(t, session)

	watchCtx, cancel := context.WithCancel(ctx)
	updates := store.Watch(watchCtx, account.ID)

	first := domain.Session{AccountID: account.ID, Token: "SID=a", AcquiredAt: time.UnixMilli(1_700_000_000_000)}
	require.NoError(t, store.Save(ctx, first))

	select {
	case got := <-updates:
		assert.Equal(t, "SID=a", got.Token)
	case <-time.After(time.Second):
		t.Fatal("expected a session update")
	}

	second := domain.Session{AccountID: account.ID, Token: "SID=b", AcquiredAt: first.AcquiredAt.Add(time.Hour)}
	require.NoError(t, store.Save(ctx, second))

	session, err = store.Get(ctx, account.ID)
	require.NoError(t, err)
	require.NotNil(t, session)
	assert.Equal(t, "SID=b", session.Token)
	assert.True(t, second.AcquiredAt.Equal(session.AcquiredAt))

	cancel()
	assert.Eventually(t, func() bool {
		select {
		case _, ok := <-updates:
			return !ok
		default:
			return false
		}
	}, time.Second, 10*time.Millisecond)

	// Deleting the account removes its session.
	require.NoError(t, accounts.Delete(ctx, account.ID))
	session, err = store.Get(ctx, account.ID)
	require.NoError(t, err)
	assert.Nil(t, session)
}
