// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package qbittorrent

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/pkg/errors"

	"github.com/autobrr/qsync/internal/backend"
)

var errLoginRejected = errors.New("credentials rejected")

// Authenticator exchanges credentials for the WebUI session cookie.
type Authenticator struct {
	baseURL  *url.URL
	username string
	password string
	client   *http.Client
}

func NewAuthenticator(baseURL *url.URL, username, password string, client *http.Client) *Authenticator {
	if client == nil {
		client = http.DefaultClient
	}
	return &Authenticator{
		baseURL:  baseURL,
		username: username,
		password: password,
		client:   client,
	}
}

// Login returns the session cookie as "name=value".
func (a *Authenticator) Login(ctx context.Context) (string, error) {
	form := url.Values{}
	form.Set("username", a.username)
	form.Set("password", a.password)

	endpoint := apiURL(a.baseURL, "auth/login")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", &backend.OperationFailedError{Op: "login", Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	// qBittorrent rejects logins whose Referer does not match its host when CSRF protection is on.
	req.Header.Set("Referer", a.baseURL.String())

	resp, err := a.client.Do(req)
	if err != nil {
		return "", backend.Classify("login", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return "", &backend.NetworkError{StatusCode: resp.StatusCode, Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return "", &backend.AuthenticationError{Err: fmt.Errorf("login status %d: %w", resp.StatusCode, errLoginRejected)}
	case resp.StatusCode != http.StatusOK:
		return "", &backend.NetworkError{StatusCode: resp.StatusCode, Err: fmt.Errorf("login status %d", resp.StatusCode)}
	}

	switch text := strings.TrimSpace(string(body)); text {
	case "Ok.":
	case "Fails.":
		return "", &backend.AuthenticationError{Err: errLoginRejected}
	default:
		return "", &backend.OperationFailedError{Op: "login", Err: fmt.Errorf("unexpected login response %q", text)}
	}

	for _, c := range resp.Cookies() {
		if c.Name != "" && c.Value != "" {
			return c.Name + "=" + c.Value, nil
		}
	}

	return "", &backend.OperationFailedError{Op: "login", Err: errors.New("login succeeded without a session cookie")}
}

func apiURL(base *url.URL, endpoint string) string {
	u := *base
	u.Path = strings.TrimSuffix(u.Path, "/") + "/api/v2/" + endpoint
	u.RawQuery = ""
	return u.String()
}
