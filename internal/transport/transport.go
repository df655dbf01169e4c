// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package transport provides the session-aware http.RoundTripper shared by
// all backend clients.
package transport

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/autobrr/qsync/internal/domain"
)

// DefaultSessionTTL keeps sessions below the 60 minute expiry qBittorrent applies.
const DefaultSessionTTL = 50 * time.Minute

var ErrNoAuthenticator = errors.New("transport has no authenticator")

// Authenticator performs the credential exchange for one account and
// returns the opaque token to attach to later requests.
type Authenticator interface {
	Login(ctx context.Context) (string, error)
}

// SessionStore persists sessions across restarts. Get returns nil, nil
// when no session is stored.
type SessionStore interface {
	Get(ctx context.Context, accountID int) (*domain.Session, error)
	Save(ctx context.Context, session domain.Session) error
}

type Options struct {
	AccountID     int
	Base          http.RoundTripper
	Authenticator Authenticator
	Store         SessionStore
	TTL           time.Duration

	// HeaderName carries the token. Defaults to "Cookie".
	HeaderName string

	// OnLogin observes every login attempt.
	OnLogin func(err error)

	Now func() time.Time
}

// AuthenticatingTransport attaches the account's session token to every
// request and logs in again when the token is missing or stale. Logins are
// serialized so concurrent callers share one exchange.
type AuthenticatingTransport struct {
	accountID int
	base      http.RoundTripper
	auth      Authenticator
	store     SessionStore
	ttl       time.Duration
	header    string
	onLogin   func(error)
	now       func() time.Time
	logger    zerolog.Logger

	mu       sync.RWMutex
	session  *domain.Session
	hydrated bool

	logins   singleflight.Group
	flightMu sync.Mutex
	flight   *loginFlight
	flights  uint64
}

// loginFlight is the context shared by every caller waiting on a login. It
// is cancelled once the last of them gives up.
type loginFlight struct {
	key     string
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
}

func New(opts Options) *AuthenticatingTransport {
	t := &AuthenticatingTransport{
		accountID: opts.AccountID,
		base:      opts.Base,
		auth:      opts.Authenticator,
		store:     opts.Store,
		ttl:       opts.TTL,
		header:    opts.HeaderName,
		onLogin:   opts.OnLogin,
		now:       opts.Now,
		logger:    log.Logger.With().Str("module", "transport").Int("accountID", opts.AccountID).Logger(),
	}

	if t.base == nil {
		t.base = http.DefaultTransport
	}
	if t.ttl <= 0 {
		t.ttl = DefaultSessionTTL
	}
	if t.header == "" {
		t.header = "Cookie"
	}
	if t.now == nil {
		t.now = time.Now
	}

	return t
}

func (t *AuthenticatingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()

	token, err := t.token(ctx)
	if err != nil {
		return nil, err
	}

	resp, err := t.send(req, token)
	if err != nil {
		return nil, err
	}

	// qBittorrent answers 403 once it has dropped a session on its side.
	if resp.StatusCode != http.StatusForbidden || !replayable(req) {
		return resp, nil
	}

	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	t.logger.Debug().Msg("session rejected by backend, logging in again")

	token, err = t.refresh(ctx, token)
	if err != nil {
		return nil, err
	}

	retry, err := rewind(req)
	if err != nil {
		return nil, err
	}

	return t.send(retry, token)
}

// Refresh forces a new login through the serialized path.
func (t *AuthenticatingTransport) Refresh(ctx context.Context) error {
	t.hydrate(ctx)

	t.mu.RLock()
	current := ""
	if t.session != nil {
		current = t.session.Token
	}
	t.mu.RUnlock()

	_, err := t.refresh(ctx, current)
	return err
}

// Invalidate drops the in-memory session so the next request logs in.
func (t *AuthenticatingTransport) Invalidate() {
	t.mu.Lock()
	t.session = nil
	t.hydrated = true
	t.mu.Unlock()
}

// Session returns a copy of the current session, if any.
func (t *AuthenticatingTransport) Session() (domain.Session, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.session == nil {
		return domain.Session{}, false
	}
	return *t.session, true
}

func (t *AuthenticatingTransport) token(ctx context.Context) (string, error) {
	t.hydrate(ctx)

	t.mu.RLock()
	session := t.session
	t.mu.RUnlock()

	if session.Valid(t.now(), t.ttl) {
		return session.Token, nil
	}

	stale := ""
	if session != nil {
		stale = session.Token
	}

	return t.refresh(ctx, stale)
}

// refresh logs in unless another caller already replaced the stale token.
// The login runs on a context owned by all waiting callers, so one caller
// giving up does not fail the others.
func (t *AuthenticatingTransport) refresh(ctx context.Context, stale string) (string, error) {
	if t.auth == nil {
		return "", ErrNoAuthenticator
	}

	flight := t.joinLogin(ctx)
	defer t.leaveLogin(flight)

	results := t.logins.DoChan(flight.key, func() (any, error) {
		return t.login(flight.ctx, stale)
	})

	select {
	case res := <-results:
		if res.Err != nil {
			return "", res.Err
		}
		if res.Shared {
			t.logger.Trace().Msg("joined in-flight login")
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (t *AuthenticatingTransport) login(ctx context.Context, stale string) (string, error) {
	t.mu.RLock()
	current := t.session
	t.mu.RUnlock()

	if current.Valid(t.now(), t.ttl) && current.Token != stale {
		return current.Token, nil
	}

	token, err := t.auth.Login(ctx)
	if err == nil {
		// Every waiter left, nothing is recorded for an abandoned login.
		err = ctx.Err()
	}
	if t.onLogin != nil {
		t.onLogin(err)
	}
	if err != nil {
		return "", err
	}

	session := domain.Session{
		AccountID:  t.accountID,
		Token:      token,
		AcquiredAt: t.now(),
	}

	t.mu.Lock()
	t.session = &session
	t.hydrated = true
	t.mu.Unlock()

	if t.store != nil {
		if err := t.store.Save(context.WithoutCancel(ctx), session); err != nil {
			t.logger.Warn().Err(err).Msg("failed to persist session")
		}
	}

	t.logger.Debug().Msg("logged in")
	return token, nil
}

func (t *AuthenticatingTransport) joinLogin(ctx context.Context) *loginFlight {
	t.flightMu.Lock()
	defer t.flightMu.Unlock()

	if t.flight == nil {
		t.flights++
		flightCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		t.flight = &loginFlight{
			key:    strconv.Itoa(t.accountID) + "/" + strconv.FormatUint(t.flights, 10),
			ctx:    flightCtx,
			cancel: cancel,
		}
	}
	t.flight.waiters++
	return t.flight
}

func (t *AuthenticatingTransport) leaveLogin(flight *loginFlight) {
	t.flightMu.Lock()
	defer t.flightMu.Unlock()

	flight.waiters--
	if flight.waiters > 0 {
		return
	}
	flight.cancel()
	if t.flight == flight {
		t.flight = nil
	}
}

// hydrate loads the persisted session once.
func (t *AuthenticatingTransport) hydrate(ctx context.Context) {
	t.mu.RLock()
	done := t.hydrated
	t.mu.RUnlock()
	if done || t.store == nil {
		return
	}

	session, err := t.store.Get(ctx, t.accountID)

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.hydrated {
		return
	}
	if err != nil {
		t.logger.Warn().Err(err).Msg("failed to load persisted session")
		return
	}

	t.session = session
	t.hydrated = true
}

func (t *AuthenticatingTransport) send(req *http.Request, token string) (*http.Response, error) {
	out := req.Clone(req.Context())
	out.Header.Set(t.header, token)
	return t.base.RoundTrip(out)
}

func replayable(req *http.Request) bool {
	return req.Body == nil || req.Body == http.NoBody || req.GetBody != nil
}

func rewind(req *http.Request) (*http.Request, error) {
	out := req.Clone(req.Context())
	if req.Body == nil || req.Body == http.NoBody {
		return out, nil
	}

	body, err := req.GetBody()
	if err != nil {
		return nil, errors.Wrap(err, "rewind request body")
	}
	out.Body = body
	return out, nil
}
