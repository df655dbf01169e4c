// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package pool resolves account ids to cached backend clients.
package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/qsync/internal/backend"
	"github.com/autobrr/qsync/internal/backend/qbittorrent"
	"github.com/autobrr/qsync/internal/backend/transmission"
	"github.com/autobrr/qsync/internal/domain"
	"github.com/autobrr/qsync/internal/metrics"
	"github.com/autobrr/qsync/internal/models"
	"github.com/autobrr/qsync/internal/transport"
)

var (
	ErrPoolClosed      = errors.New("client pool is closed")
	ErrAccountDisabled = errors.New("account is disabled")
)

const (
	// Rejected credentials back off long enough to stay clear of the
	// WebUI's failed-login ban.
	banInitialBackoff = 5 * time.Minute
	banMaxBackoff     = 1 * time.Hour
)

// AccountStore is the subset of models.AccountStore the pool reads.
type AccountStore interface {
	Get(ctx context.Context, id int) (*models.Account, error)
	GetDecryptedSecret(account *models.Account) (string, error)
}

// SessionStore persists sessions and reports new ones.
type SessionStore interface {
	transport.SessionStore
	Watch(ctx context.Context, accountID int) <-chan domain.Session
}

// BuildParams carries everything a Builder needs to construct a client.
type BuildParams struct {
	Account    *models.Account
	Secret     string
	Sessions   transport.SessionStore
	SessionTTL time.Duration
	Timeout    time.Duration
	OnLogin    func(err error)
}

// Builder constructs the client of one backend type.
type Builder func(params BuildParams) (backend.TorrentClient, error)

func buildQBittorrent(p BuildParams) (backend.TorrentClient, error) {
	client, err := qbittorrent.NewClient(qbittorrent.Config{
		AccountID:     p.Account.ID,
		BaseURL:       p.Account.BaseURL,
		Username:      p.Account.Username,
		Password:      p.Secret,
		TLSSkipVerify: p.Account.TLSSkipVerify,
		Timeout:       p.Timeout,
		SessionTTL:    p.SessionTTL,
		Sessions:      p.Sessions,
		OnLogin:       p.OnLogin,
	})
	if err != nil {
		return nil, err
	}
	return client, nil
}

func buildTransmission(p BuildParams) (backend.TorrentClient, error) {
	return transmission.NewClient(p.Account.ID, p.Account.BaseURL), nil
}

type Option func(*ClientPool)

// WithBuilder registers or replaces the builder for a backend type.
func WithBuilder(b domain.Backend, builder Builder) Option {
	return func(cp *ClientPool) {
		cp.builders[b] = builder
	}
}

func WithMetrics(m *metrics.Manager) Option {
	return func(cp *ClientPool) {
		cp.metrics = m
	}
}

func WithSessionTTL(ttl time.Duration) Option {
	return func(cp *ClientPool) {
		cp.sessionTTL = ttl
	}
}

func WithRequestTimeout(timeout time.Duration) Option {
	return func(cp *ClientPool) {
		cp.timeout = timeout
	}
}

type failureInfo struct {
	nextRetry time.Time
	attempts  int
	err       error
}

type entry struct {
	client  backend.TorrentClient
	backend domain.Backend
	cancel  context.CancelFunc
}

// ClientPool hands out one client per account, creating it on first use.
type ClientPool struct {
	accounts   AccountStore
	sessions   SessionStore
	builders   map[domain.Backend]Builder
	metrics    *metrics.Manager
	sessionTTL time.Duration
	timeout    time.Duration
	now        func() time.Time

	mu             sync.RWMutex
	clients        map[int]*entry
	failureTracker map[int]*failureInfo
	closed         bool

	creationMu    sync.Mutex
	creationLocks map[int]*sync.Mutex
}

func New(accounts AccountStore, sessions SessionStore, opts ...Option) *ClientPool {
	cp := &ClientPool{
		accounts: accounts,
		sessions: sessions,
		builders: map[domain.Backend]Builder{
			domain.BackendQBittorrent:  buildQBittorrent,
			domain.BackendTransmission: buildTransmission,
		},
		sessionTTL:     transport.DefaultSessionTTL,
		timeout:        30 * time.Second,
		now:            time.Now,
		clients:        make(map[int]*entry),
		failureTracker: make(map[int]*failureInfo),
		creationLocks:  make(map[int]*sync.Mutex),
	}

	for _, opt := range opts {
		opt(cp)
	}

	return cp
}

// getAccountLock gets or creates a per-account creation lock
func (cp *ClientPool) getAccountLock(accountID int) *sync.Mutex {
	cp.creationMu.Lock()
	defer cp.creationMu.Unlock()

	if lock, exists := cp.creationLocks[accountID]; exists {
		return lock
	}

	lock := &sync.Mutex{}
	cp.creationLocks[accountID] = lock
	return lock
}

// GetClient returns the account's client, creating it when needed. While
// the account's credentials are in backoff the last rejection is returned.
func (cp *ClientPool) GetClient(ctx context.Context, accountID int) (backend.TorrentClient, error) {
	cp.mu.RLock()
	if cp.closed {
		cp.mu.RUnlock()
		return nil, ErrPoolClosed
	}
	if err := cp.backoffErrLocked(accountID); err != nil {
		cp.mu.RUnlock()
		return nil, err
	}
	e, exists := cp.clients[accountID]
	cp.mu.RUnlock()

	if exists {
		return e.client, nil
	}

	return cp.createClient(ctx, accountID)
}

func (cp *ClientPool) createClient(ctx context.Context, accountID int) (backend.TorrentClient, error) {
	lock := cp.getAccountLock(accountID)
	lock.Lock()
	defer lock.Unlock()

	// Double-check if client was created while we were waiting for the lock
	cp.mu.RLock()
	if e, exists := cp.clients[accountID]; exists {
		cp.mu.RUnlock()
		return e.client, nil
	}
	cp.mu.RUnlock()

	account, err := cp.accounts.Get(ctx, accountID)
	if err != nil {
		if errors.Is(err, models.ErrAccountNotFound) {
			return nil, &backend.ResourceNotFoundError{Resource: fmt.Sprintf("account %d", accountID), Err: err}
		}
		return nil, &backend.OperationFailedError{Op: "load account", Err: err}
	}

	if !account.IsActive {
		return nil, &backend.OperationFailedError{Op: "get client", Err: ErrAccountDisabled}
	}

	builder, ok := cp.builders[account.Backend]
	if !ok {
		return nil, &backend.ClientNotSupportedError{Backend: string(account.Backend)}
	}

	secret, err := cp.accounts.GetDecryptedSecret(account)
	if err != nil {
		log.Error().Err(err).Int("accountID", accountID).Str("accountName", account.Name).
			Msg("Failed to decrypt secret - likely due to sessionSecret change. Account will be unavailable until the secret is re-entered")
		return nil, &backend.OperationFailedError{Op: "decrypt secret", Err: err}
	}

	client, err := builder(BuildParams{
		Account:    account,
		Secret:     secret,
		Sessions:   cp.sessions,
		SessionTTL: cp.sessionTTL,
		Timeout:    cp.timeout,
		OnLogin:    cp.loginObserver(accountID, account.Backend),
	})
	if err != nil {
		return nil, backend.Classify("create client", err)
	}

	watchCtx, cancel := context.WithCancel(context.Background())

	cp.mu.Lock()
	if cp.closed {
		cp.mu.Unlock()
		cancel()
		return nil, ErrPoolClosed
	}
	cp.clients[accountID] = &entry{client: client, backend: account.Backend, cancel: cancel}
	cp.mu.Unlock()

	if cp.sessions != nil {
		go cp.watchSessions(watchCtx, accountID)
	}

	log.Debug().Int("accountID", accountID).Str("backend", string(account.Backend)).Msg("Created client")

	return client, nil
}

func (cp *ClientPool) watchSessions(ctx context.Context, accountID int) {
	for session := range cp.sessions.Watch(ctx, accountID) {
		cp.metrics.SetSessionAcquired(accountID, session.AcquiredAt)
	}
}

func (cp *ClientPool) loginObserver(accountID int, b domain.Backend) func(error) {
	return func(err error) {
		cp.metrics.ObserveLogin(string(b), err)

		switch {
		case err == nil:
			cp.ResetFailureTracking(accountID)
		case backend.IsAuthentication(err):
			cp.trackFailure(accountID, err)
		}
	}
}

// RemoveClient drops the account's client so the next GetClient rebuilds
// it from the stored account.
func (cp *ClientPool) RemoveClient(accountID int) {
	lock := cp.getAccountLock(accountID)
	lock.Lock()

	cp.mu.Lock()
	e, exists := cp.clients[accountID]
	delete(cp.clients, accountID)
	delete(cp.failureTracker, accountID)
	cp.mu.Unlock()

	if exists {
		e.cancel()
	}

	lock.Unlock()

	// Clean up the per-account lock after unlocking to prevent memory leaks
	cp.creationMu.Lock()
	delete(cp.creationLocks, accountID)
	cp.creationMu.Unlock()

	if exists {
		log.Info().Int("accountID", accountID).Msg("Removed client from pool")
	}
}

// Close releases every client. Later calls to GetClient fail.
func (cp *ClientPool) Close() error {
	cp.mu.Lock()
	if cp.closed {
		cp.mu.Unlock()
		return nil
	}
	cp.closed = true

	for id, e := range cp.clients {
		e.cancel()
		delete(cp.clients, id)
	}
	cp.failureTracker = make(map[int]*failureInfo)
	cp.mu.Unlock()

	log.Info().Msg("Client pool closed")
	return nil
}

func (cp *ClientPool) backoffErrLocked(accountID int) error {
	info, exists := cp.failureTracker[accountID]
	if !exists || !cp.now().Before(info.nextRetry) {
		return nil
	}
	return info.err
}

// InBackoff reports whether the account's credentials are held back.
func (cp *ClientPool) InBackoff(accountID int) bool {
	cp.mu.RLock()
	defer cp.mu.RUnlock()
	return cp.backoffErrLocked(accountID) != nil
}

// trackFailure records a rejected login and applies exponential backoff
func (cp *ClientPool) trackFailure(accountID int, err error) {
	cp.mu.Lock()
	defer cp.mu.Unlock()

	info, exists := cp.failureTracker[accountID]
	if !exists {
		info = &failureInfo{}
		cp.failureTracker[accountID] = info
	}

	info.attempts++
	info.err = err

	backoff := calculateBackoff(info.attempts, banInitialBackoff, banMaxBackoff)
	info.nextRetry = cp.now().Add(backoff)

	log.Warn().Int("accountID", accountID).Int("attempts", info.attempts).Dur("backoffDuration", backoff).
		Msg("Credentials rejected, applying backoff")
}

// calculateBackoff returns exponential backoff duration with limits
func calculateBackoff(attempts int, initialDuration, maxDuration time.Duration) time.Duration {
	if attempts > 16 {
		return maxDuration
	}
	return min(time.Duration(1<<(attempts-1))*initialDuration, maxDuration)
}

// ResetFailureTracking clears the backoff, after a successful login or an
// explicit user action such as updating the credentials.
func (cp *ClientPool) ResetFailureTracking(accountID int) {
	cp.mu.Lock()
	defer cp.mu.Unlock()

	if _, exists := cp.failureTracker[accountID]; exists {
		delete(cp.failureTracker, accountID)
		log.Debug().Int("accountID", accountID).Msg("Reset failure tracking after successful login")
	}
}
