// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package transmission is the placeholder Transmission backend. Every
// operation reports the backend as not supported until the RPC is wired.
package transmission

import (
	"context"

	"github.com/pkg/errors"

	"github.com/autobrr/qsync/internal/backend"
	"github.com/autobrr/qsync/internal/domain"
)

var ErrNotImplemented = errors.New("transmission rpc not implemented")

type Client struct {
	accountID int
	baseURL   string
}

var _ backend.TorrentClient = (*Client)(nil)

func NewClient(accountID int, baseURL string) *Client {
	return &Client{accountID: accountID, baseURL: baseURL}
}

func notSupported() error {
	return &backend.ClientNotSupportedError{Backend: string(domain.BackendTransmission), Err: ErrNotImplemented}
}

func (c *Client) Login(context.Context) (bool, error) {
	return false, notSupported()
}

func (c *Client) FetchTorrents(context.Context, domain.Filter, int, int) ([]domain.Torrent, error) {
	return nil, notSupported()
}

func (c *Client) GetTorrentDetails(context.Context, string) (*domain.Torrent, error) {
	return nil, notSupported()
}

func (c *Client) StartTorrents(context.Context, []string) (bool, error) {
	return false, notSupported()
}

func (c *Client) StopTorrents(context.Context, []string) (bool, error) {
	return false, notSupported()
}

func (c *Client) PauseTorrents(context.Context, []string) (bool, error) {
	return false, notSupported()
}

func (c *Client) DeleteTorrents(context.Context, []string, bool) (bool, error) {
	return false, notSupported()
}

func (c *Client) GetCategories(context.Context) (map[string]domain.Category, error) {
	return nil, notSupported()
}

func (c *Client) GetTags(context.Context) ([]string, error) {
	return nil, notSupported()
}

func (c *Client) GetAppVersion(context.Context) (string, error) {
	return "", notSupported()
}
