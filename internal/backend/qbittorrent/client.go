// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package qbittorrent implements backend.TorrentClient against the
// qBittorrent WebUI API v2.
package qbittorrent

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	qbt "github.com/autobrr/go-qbittorrent"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/qsync/internal/backend"
	"github.com/autobrr/qsync/internal/buildinfo"
	"github.com/autobrr/qsync/internal/domain"
	"github.com/autobrr/qsync/internal/transport"
)

var (
	minSupportedWebAPI = semver.MustParse("2.0.0")
	// qBittorrent 5.0 renamed pause/resume to stop/start.
	stopStartMinVersion = semver.MustParse("2.11.0")
)

type Config struct {
	AccountID     int
	BaseURL       string
	Username      string
	Password      string
	TLSSkipVerify bool
	Timeout       time.Duration
	SessionTTL    time.Duration
	Sessions      transport.SessionStore
	OnLogin       func(err error)

	// Base replaces the network transport, mainly for tests.
	Base http.RoundTripper
}

type Client struct {
	accountID int
	baseURL   *url.URL
	http      *http.Client
	transport *transport.AuthenticatingTransport
	log       zerolog.Logger

	versionMu     sync.Mutex
	webAPIVersion *semver.Version
}

var _ backend.TorrentClient = (*Client)(nil)

func NewClient(cfg Config) (*Client, error) {
	baseURL, err := url.Parse(strings.TrimSpace(cfg.BaseURL))
	if err != nil {
		return nil, errors.Wrap(err, "invalid base url")
	}
	if baseURL.Scheme != "http" && baseURL.Scheme != "https" {
		return nil, errors.Errorf("invalid base url scheme %q", baseURL.Scheme)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	base := cfg.Base
	if base == nil {
		t := http.DefaultTransport.(*http.Transport).Clone()
		if cfg.TLSSkipVerify {
			t.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // opt-in per account
		}
		base = t
	}

	auth := NewAuthenticator(baseURL, cfg.Username, cfg.Password, &http.Client{Transport: userAgent{base}, Timeout: timeout})

	rt := transport.New(transport.Options{
		AccountID:     cfg.AccountID,
		Base:          userAgent{base},
		Authenticator: auth,
		Store:         cfg.Sessions,
		TTL:           cfg.SessionTTL,
		OnLogin:       cfg.OnLogin,
	})

	return &Client{
		accountID: cfg.AccountID,
		baseURL:   baseURL,
		http:      &http.Client{Transport: rt, Timeout: timeout},
		transport: rt,
		log:       log.Logger.With().Str("module", "qbittorrent").Int("accountID", cfg.AccountID).Logger(),
	}, nil
}

type userAgent struct {
	next http.RoundTripper
}

func (u userAgent) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") == "" {
		req = req.Clone(req.Context())
		req.Header.Set("User-Agent", buildinfo.UserAgent)
	}
	return u.next.RoundTrip(req)
}

// Transport exposes the session-aware transport of this client.
func (c *Client) Transport() *transport.AuthenticatingTransport {
	return c.transport
}

func (c *Client) Login(ctx context.Context) (bool, error) {
	if err := c.transport.Refresh(ctx); err != nil {
		return false, backend.Classify("login", err)
	}
	return true, nil
}

func (c *Client) FetchTorrents(ctx context.Context, filter domain.Filter, offset, limit int) ([]domain.Torrent, error) {
	stopAPI, err := c.supportsStopStart(ctx)
	if err != nil {
		return nil, err
	}

	params := url.Values{}
	if len(filter.States) == 1 {
		if keyword, ok := filterKeyword(filter.States[0], stopAPI); ok {
			params.Set("filter", string(keyword))
		}
	}
	if filter.Category != nil {
		params.Set("category", *filter.Category)
	}
	// The API accepts a single tag. The local query enforces the rest.
	if len(filter.Tags) > 0 {
		params.Set("tag", filter.Tags[0])
	}
	if filter.Sort != domain.SortNone {
		params.Set("sort", string(filter.Sort))
	}
	if filter.Reverse {
		params.Set("reverse", "true")
	}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	if offset > 0 {
		params.Set("offset", strconv.Itoa(offset))
	}

	var torrents []qbt.Torrent
	if err := c.getJSON(ctx, "fetch torrents", "torrents/info", params, &torrents); err != nil {
		return nil, err
	}

	out := make([]domain.Torrent, len(torrents))
	for i, t := range torrents {
		out[i] = toDomain(t)
	}

	c.log.Trace().Int("offset", offset).Int("limit", limit).Int("count", len(out)).Msg("fetched torrents")

	return out, nil
}

func (c *Client) GetTorrentDetails(ctx context.Context, hash string) (*domain.Torrent, error) {
	var torrents []qbt.Torrent
	if err := c.getJSON(ctx, "torrent details", "torrents/info", url.Values{"hashes": {hash}}, &torrents); err != nil {
		return nil, err
	}

	if len(torrents) == 0 {
		return nil, &backend.ResourceNotFoundError{Resource: "torrent " + hash}
	}

	t := toDomain(torrents[0])
	return &t, nil
}

func (c *Client) StartTorrents(ctx context.Context, hashes []string) (bool, error) {
	return c.control(ctx, "start torrents", hashes, "start", "resume", nil)
}

func (c *Client) StopTorrents(ctx context.Context, hashes []string) (bool, error) {
	return c.control(ctx, "stop torrents", hashes, "stop", "pause", nil)
}

// PauseTorrents is an alias of StopTorrents on qBittorrent 5 and later.
func (c *Client) PauseTorrents(ctx context.Context, hashes []string) (bool, error) {
	return c.control(ctx, "pause torrents", hashes, "stop", "pause", nil)
}

func (c *Client) DeleteTorrents(ctx context.Context, hashes []string, deleteFiles bool) (bool, error) {
	extra := url.Values{"deleteFiles": {strconv.FormatBool(deleteFiles)}}
	return c.control(ctx, "delete torrents", hashes, "delete", "delete", extra)
}

func (c *Client) control(ctx context.Context, op string, hashes []string, endpoint, legacyEndpoint string, extra url.Values) (bool, error) {
	if len(hashes) == 0 {
		return true, nil
	}

	stopAPI, err := c.supportsStopStart(ctx)
	if err != nil {
		return false, err
	}
	if !stopAPI {
		endpoint = legacyEndpoint
	}

	form := url.Values{"hashes": {strings.Join(hashes, "|")}}
	for k, v := range extra {
		form[k] = v
	}

	if _, err := c.post(ctx, op, "torrents/"+endpoint, form); err != nil {
		return false, err
	}

	c.log.Debug().Str("op", op).Int("count", len(hashes)).Msg("control request sent")
	return true, nil
}

func (c *Client) GetCategories(ctx context.Context) (map[string]domain.Category, error) {
	var categories map[string]qbt.Category
	if err := c.getJSON(ctx, "categories", "torrents/categories", nil, &categories); err != nil {
		return nil, err
	}

	out := make(map[string]domain.Category, len(categories))
	for key, cat := range categories {
		name := cat.Name
		if name == "" {
			name = key
		}
		out[key] = domain.Category{Name: name, SavePath: cat.SavePath}
	}
	return out, nil
}

func (c *Client) GetTags(ctx context.Context) ([]string, error) {
	var tags []string
	if err := c.getJSON(ctx, "tags", "torrents/tags", nil, &tags); err != nil {
		return nil, err
	}
	if tags == nil {
		tags = []string{}
	}
	return tags, nil
}

func (c *Client) GetAppVersion(ctx context.Context) (string, error) {
	body, err := c.get(ctx, "app version", "app/version", nil)
	if err != nil {
		return "", err
	}
	return strings.TrimPrefix(strings.TrimSpace(string(body)), "v"), nil
}

// WebAPIVersion returns the negotiated WebAPI version, fetching it once.
func (c *Client) WebAPIVersion(ctx context.Context) (*semver.Version, error) {
	c.versionMu.Lock()
	defer c.versionMu.Unlock()

	if c.webAPIVersion != nil {
		return c.webAPIVersion, nil
	}

	body, err := c.get(ctx, "webapi version", "app/webapiVersion", nil)
	if err != nil {
		// WebUI API v1 has no such endpoint.
		if backend.IsNotFound(err) {
			return nil, &backend.ClientNotSupportedError{Backend: string(domain.BackendQBittorrent), Version: "v1", Err: err}
		}
		return nil, err
	}

	raw := strings.TrimSpace(string(body))
	v, err := semver.NewVersion(raw)
	if err != nil {
		return nil, &backend.OperationFailedError{Op: "webapi version", Err: errors.Wrapf(err, "parse %q", raw)}
	}

	if v.LessThan(minSupportedWebAPI) {
		return nil, &backend.ClientNotSupportedError{Backend: string(domain.BackendQBittorrent), Version: raw}
	}

	c.webAPIVersion = v
	c.log.Debug().Str("webAPIVersion", v.String()).Msg("detected webapi version")
	return v, nil
}

func (c *Client) supportsStopStart(ctx context.Context) (bool, error) {
	v, err := c.WebAPIVersion(ctx)
	if err != nil {
		return false, err
	}
	return !v.LessThan(stopStartMinVersion), nil
}

func (c *Client) getJSON(ctx context.Context, op, endpoint string, params url.Values, out any) error {
	body, err := c.get(ctx, op, endpoint, params)
	if err != nil {
		return err
	}

	if err := json.Unmarshal(body, out); err != nil {
		return &backend.OperationFailedError{Op: op, Err: errors.Wrap(err, "decode response")}
	}
	return nil
}

func (c *Client) get(ctx context.Context, op, endpoint string, params url.Values) ([]byte, error) {
	u := apiURL(c.baseURL, endpoint)
	if len(params) > 0 {
		u += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, &backend.OperationFailedError{Op: op, Err: err}
	}

	return c.do(op, req)
}

func (c *Client) post(ctx context.Context, op, endpoint string, form url.Values) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, apiURL(c.baseURL, endpoint), strings.NewReader(form.Encode()))
	if err != nil {
		return nil, &backend.OperationFailedError{Op: op, Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	return c.do(op, req)
}

func (c *Client) do(op string, req *http.Request) ([]byte, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, backend.Classify(op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &backend.NetworkError{StatusCode: resp.StatusCode, Err: errors.Wrap(err, "read response")}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, backend.FromResponse(resp, fmt.Errorf("%s: %s %s returned %d", op, req.Method, req.URL.Path, resp.StatusCode))
	}

	return body, nil
}
