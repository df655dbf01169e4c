// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autobrr/qsync/internal/backend"
	"github.com/autobrr/qsync/internal/backend/transmission"
	"github.com/autobrr/qsync/internal/domain"
	"github.com/autobrr/qsync/internal/metrics"
	"github.com/autobrr/qsync/internal/models"
)

type fakeAccounts struct {
	accounts map[int]*models.Account
	gets     atomic.Int32
}

func (f *fakeAccounts) Get(_ context.Context, id int) (*models.Account, error) {
	f.gets.Add(1)
	a, ok := f.accounts[id]
	if !ok {
		return nil, models.ErrAccountNotFound
	}
	return a, nil
}

func (f *fakeAccounts) GetDecryptedSecret(a *models.Account) (string, error) {
	return "secret-" + a.Name, nil
}

type fakeSessions struct {
	mu  sync.Mutex
	chs map[int]chan domain.Session
}

func (f *fakeSessions) Get(context.Context, int) (*domain.Session, error) { return nil, nil }
func (f *fakeSessions) Save(context.Context, domain.Session) error        { return nil }

func (f *fakeSessions) Watch(ctx context.Context, accountID int) <-chan domain.Session {
	ch := make(chan domain.Session, 1)
	f.mu.Lock()
	if f.chs == nil {
		f.chs = make(map[int]chan domain.Session)
	}
	f.chs[accountID] = ch
	f.mu.Unlock()
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch
}

type stubClient struct {
	backend.TorrentClient
	params BuildParams
}

func newTestPool(t *testing.T, opts ...Option) (*ClientPool, *fakeAccounts, *atomic.Int32) {
	t.Helper()

	accounts := &fakeAccounts{accounts: map[int]*models.Account{
		1: {ID: 1, Name: "one", Backend: domain.BackendQBittorrent, BaseURL: "http://one", IsActive: true},
		2: {ID: 2, Name: "two", Backend: domain.BackendQBittorrent, BaseURL: "http://two", IsActive: false},
		3: {ID: 3, Name: "three", Backend: domain.BackendTransmission, BaseURL: "http://three", IsActive: true},
		4: {ID: 4, Name: "four", Backend: domain.Backend("deluge"), IsActive: true},
	}}

	var builds atomic.Int32
	opts = append([]Option{WithBuilder(domain.BackendQBittorrent, func(p BuildParams) (backend.TorrentClient, error) {
		builds.Add(1)
		time.Sleep(5 * time.Millisecond)
		return &stubClient{params: p}, nil
	})}, opts...)

	cp := New(accounts, &fakeSessions{}, opts...)
	t.Cleanup(func() { cp.Close() })
	return cp, accounts, &builds
}

func TestGetClient_CachesPerAccount(t *testing.T) {
	cp, _, builds := newTestPool(t, WithSessionTTL(time.Minute), WithRequestTimeout(5*time.Second))

	var wg sync.WaitGroup
	clients := make([]backend.TorrentClient, 20)
	for i := range clients {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, err := cp.GetClient(t.Context(), 1)
			assert.NoError(t, err)
			clients[i] = c
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), builds.Load())
	for _, c := range clients {
		assert.Same(t, clients[0], c)
	}

	stub := clients[0].(*stubClient)
	assert.Equal(t, "secret-one", stub.params.Secret)
	assert.Equal(t, time.Minute, stub.params.SessionTTL)
	assert.Equal(t, 5*time.Second, stub.params.Timeout)
}

func TestGetClient_Errors(t *testing.T) {
	cp, _, _ := newTestPool(t)
	ctx := t.Context()

	_, err := cp.GetClient(ctx, 99)
	assert.True(t, backend.IsNotFound(err))

	_, err = cp.GetClient(ctx, 2)
	assert.ErrorIs(t, err, ErrAccountDisabled)

	_, err = cp.GetClient(ctx, 4)
	assert.True(t, backend.IsNotSupported(err))
}

func TestGetClient_TransmissionPlaceholder(t *testing.T) {
	cp, _, _ := newTestPool(t)

	c, err := cp.GetClient(t.Context(), 3)
	require.NoError(t, err)
	assert.IsType(t, &transmission.Client{}, c)

	_, err = c.GetTags(t.Context())
	assert.True(t, backend.IsNotSupported(err))
}

func TestRemoveClient_Rebuilds(t *testing.T) {
	cp, _, builds := newTestPool(t)
	ctx := t.Context()

	first, err := cp.GetClient(ctx, 1)
	require.NoError(t, err)

	cp.RemoveClient(1)

	second, err := cp.GetClient(ctx, 1)
	require.NoError(t, err)
	assert.NotSame(t, first, second)
	assert.Equal(t, int32(2), builds.Load())
}

func TestLoginRejectionBacksOff(t *testing.T) {
	m := metrics.NewManager()
	cp, _, _ := newTestPool(t, WithMetrics(m))
	ctx := t.Context()

	c, err := cp.GetClient(ctx, 1)
	require.NoError(t, err)
	onLogin := c.(*stubClient).params.OnLogin
	require.NotNil(t, onLogin)

	now := time.Now()
	cp.now = func() time.Time { return now }

	rejected := &backend.AuthenticationError{Err: errors.New("Fails.")}
	onLogin(rejected)

	assert.True(t, cp.InBackoff(1))
	_, err = cp.GetClient(ctx, 1)
	assert.Same(t, rejected, err)

	// Network failures never trigger the credential backoff.
	cp.ResetFailureTracking(1)
	onLogin(&backend.NetworkError{StatusCode: 502})
	assert.False(t, cp.InBackoff(1))

	onLogin(rejected)
	cp.now = func() time.Time { return now.Add(banInitialBackoff + time.Second) }
	assert.False(t, cp.InBackoff(1))

	onLogin(nil)
	cp.now = func() time.Time { return now }
	assert.False(t, cp.InBackoff(1))
}

func TestCalculateBackoff(t *testing.T) {
	assert.Equal(t, 5*time.Minute, calculateBackoff(1, 5*time.Minute, time.Hour))
	assert.Equal(t, 10*time.Minute, calculateBackoff(2, 5*time.Minute, time.Hour))
	assert.Equal(t, 40*time.Minute, calculateBackoff(4, 5*time.Minute, time.Hour))
	assert.Equal(t, time.Hour, calculateBackoff(5, 5*time.Minute, time.Hour))
	assert.Equal(t, time.Hour, calculateBackoff(64, 5*time.Minute, time.Hour))
}

func TestClose(t *testing.T) {
	cp, _, _ := newTestPool(t)

	_, err := cp.GetClient(t.Context(), 1)
	require.NoError(t, err)

	require.NoError(t, cp.Close())
	require.NoError(t, cp.Close())

	_, err = cp.GetClient(t.Context(), 1)
	assert.ErrorIs(t, err, ErrPoolClosed)
}
