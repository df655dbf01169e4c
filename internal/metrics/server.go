// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package metrics

import (
	"context"
	"crypto/subtle"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"
)

type Server struct {
	manager *Manager
	addr    string
	users   map[string][]byte
	srv     *http.Server
}

// NewServer serves the manager's registry on host:port. basicAuthUsers is
// a comma separated list of user:bcrypt_hash pairs; empty disables auth.
func NewServer(manager *Manager, host string, port int, basicAuthUsers string) (*Server, error) {
	users, err := parseBasicAuthUsers(basicAuthUsers)
	if err != nil {
		return nil, err
	}

	s := &Server{
		manager: manager,
		addr:    net.JoinHostPort(host, strconv.Itoa(port)),
		users:   users,
	}

	s.srv = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s, nil
}

func parseBasicAuthUsers(raw string) (map[string][]byte, error) {
	users := make(map[string][]byte)
	for entry := range strings.SplitSeq(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		user, hash, ok := strings.Cut(entry, ":")
		if !ok || user == "" || hash == "" {
			return nil, errors.Errorf("invalid metrics basic auth entry %q, expected user:bcrypt_hash", entry)
		}
		if _, err := bcrypt.Cost([]byte(hash)); err != nil {
			return nil, errors.Wrapf(err, "invalid bcrypt hash for metrics user %s", user)
		}
		users[user] = []byte(hash)
	}
	return users, nil
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	if len(s.users) > 0 {
		r.Use(s.basicAuth)
	}
	r.Handle("/metrics", promhttp.HandlerFor(s.manager.Registry(), promhttp.HandlerOpts{}))
	return r
}

func (s *Server) basicAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if ok && s.verify(user, pass) {
			next.ServeHTTP(w, r)
			return
		}

		w.Header().Set("WWW-Authenticate", `Basic realm="qsync metrics", charset="UTF-8"`)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	})
}

func (s *Server) verify(user, pass string) bool {
	for name, hash := range s.users {
		if subtle.ConstantTimeCompare([]byte(name), []byte(user)) == 1 {
			return bcrypt.CompareHashAndPassword(hash, []byte(pass)) == nil
		}
	}
	return false
}

func (s *Server) ListenAndServe() error {
	log.Info().Str("addr", s.addr).Msg("starting metrics server")
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "metrics server")
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
