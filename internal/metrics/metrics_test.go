// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func TestNilManagerIsNoop(t *testing.T) {
	var m *Manager
	assert.NotPanics(t, func() {
		m.ObserveLoad("refresh", nil, time.Second)
		m.ObserveLogin("qbittorrent", errors.New("x"))
		m.SetCachedTorrents(1, 5)
		m.SetSessionAcquired(1, time.Now())
		m.ForgetAccount(1)
	})
	assert.Nil(t, m.Registry())
}

func TestManagerRecords(t *testing.T) {
	m := NewManager()
	m.ObserveLoad("append", nil, 20*time.Millisecond)
	m.ObserveLoad("append", errors.New("boom"), time.Millisecond)
	m.ObserveLogin("qbittorrent", nil)
	m.SetCachedTorrents(3, 42)

	families, err := m.Registry().Gather()
	require.NoError(t, err)

	byName := map[string]int{}
	for _, f := range families {
		byName[f.GetName()] = len(f.GetMetric())
	}

	assert.Equal(t, 2, byName["qsync_mediator_loads_total"])
	assert.Equal(t, 1, byName["qsync_mediator_load_duration_seconds"])
	assert.Equal(t, 1, byName["qsync_logins_total"])
	assert.Equal(t, 1, byName["qsync_cached_torrents"])

	m.ForgetAccount(3)
	families, err = m.Registry().Gather()
	require.NoError(t, err)
	for _, f := range families {
		assert.NotEqual(t, "qsync_cached_torrents", f.GetName())
	}
}

func TestParseBasicAuthUsers(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("pw"), bcrypt.MinCost)
	require.NoError(t, err)

	users, err := parseBasicAuthUsers(" admin:" + string(hash) + " , ")
	require.NoError(t, err)
	assert.Len(t, users, 1)

	_, err = parseBasicAuthUsers("admin")
	assert.Error(t, err)

	_, err = parseBasicAuthUsers("admin:notahash")
	assert.Error(t, err)

	users, err = parseBasicAuthUsers("")
	require.NoError(t, err)
	assert.Empty(t, users)
}

func TestServerBasicAuth(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("pw"), bcrypt.MinCost)
	require.NoError(t, err)

	m := NewManager()
	m.SetCachedTorrents(1, 7)

	srv, err := NewServer(m, "127.0.0.1", 0, "admin:"+string(hash))
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, err := http.NewRequestWithContext(t.Context(), http.MethodGet, ts.URL+"/metrics", nil)
	require.NoError(t, err)
	req.SetBasicAuth("admin", "wrong")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req.SetBasicAuth("admin", "pw")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), `qsync_cached_torrents{account_id="1"} 7`))
}

func TestServerWithoutAuth(t *testing.T) {
	srv, err := NewServer(NewManager(), "127.0.0.1", 0, "")
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
