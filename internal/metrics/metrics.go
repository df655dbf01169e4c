// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package metrics exposes sync engine counters on a dedicated Prometheus
// registry. A nil *Manager is valid and records nothing.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "qsync"

type Manager struct {
	registry *prometheus.Registry

	mediatorLoads        *prometheus.CounterVec
	mediatorLoadDuration *prometheus.HistogramVec
	logins               *prometheus.CounterVec
	cachedTorrents       *prometheus.GaugeVec
	sessionAcquired      *prometheus.GaugeVec
}

func NewManager() *Manager {
	m := &Manager{
		registry: prometheus.NewRegistry(),
		mediatorLoads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mediator_loads_total",
			Help:      "Remote mediator loads by load type and outcome.",
		}, []string{"load_type", "outcome"}),
		mediatorLoadDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "mediator_load_duration_seconds",
			Help:      "Duration of remote mediator loads.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"load_type"}),
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "logins_total",
			Help:      "Backend login attempts by backend and outcome.",
		}, []string{"backend", "outcome"}),
		cachedTorrents: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cached_torrents",
			Help:      "Torrents held in the local cache per account.",
		}, []string{"account_id"}),
		sessionAcquired: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "session_acquired_timestamp_seconds",
			Help:      "Unix time the current backend session was acquired per account.",
		}, []string{"account_id"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.mediatorLoads,
		m.mediatorLoadDuration,
		m.logins,
		m.cachedTorrents,
		m.sessionAcquired,
	)

	return m
}

func (m *Manager) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// ObserveLoad records one mediator load.
func (m *Manager) ObserveLoad(loadType string, err error, took time.Duration) {
	if m == nil {
		return
	}
	m.mediatorLoads.WithLabelValues(loadType, outcome(err)).Inc()
	m.mediatorLoadDuration.WithLabelValues(loadType).Observe(took.Seconds())
}

func (m *Manager) ObserveLogin(backend string, err error) {
	if m == nil {
		return
	}
	m.logins.WithLabelValues(backend, outcome(err)).Inc()
}

func (m *Manager) SetCachedTorrents(accountID, count int) {
	if m == nil {
		return
	}
	m.cachedTorrents.WithLabelValues(strconv.Itoa(accountID)).Set(float64(count))
}

func (m *Manager) SetSessionAcquired(accountID int, at time.Time) {
	if m == nil {
		return
	}
	m.sessionAcquired.WithLabelValues(strconv.Itoa(accountID)).Set(float64(at.Unix()))
}

// ForgetAccount drops the per-account series of a removed account.
func (m *Manager) ForgetAccount(accountID int) {
	if m == nil {
		return
	}
	id := strconv.Itoa(accountID)
	m.cachedTorrents.DeleteLabelValues(id)
	m.sessionAcquired.DeleteLabelValues(id)
}
