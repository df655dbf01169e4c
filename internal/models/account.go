// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/autobrr/qsync/internal/dbinterface"
	"github.com/autobrr/qsync/internal/domain"
)

var ErrAccountNotFound = errors.New("account not found")

type Account struct {
	ID              int            `json:"id"`
	Name            string         `json:"name"`
	BaseURL         string         `json:"baseUrl"`
	Backend         domain.Backend `json:"backend"`
	Username        string         `json:"username"`
	SecretEncrypted string         `json:"-"`
	TLSSkipVerify   bool           `json:"tlsSkipVerify"`
	IsActive        bool           `json:"isActive"`
	CreatedAt       time.Time      `json:"createdAt"`
	UpdatedAt       time.Time      `json:"updatedAt"`
}

func (a Account) MarshalJSON() ([]byte, error) {
	type plain Account
	return json.Marshal(&struct {
		plain
		Secret string `json:"secret,omitempty"`
	}{
		plain:  plain(a),
		Secret: domain.RedactString(a.SecretEncrypted),
	})
}

// AccountInput carries the writable account fields. Nil pointers on update
// leave the stored value unchanged.
type AccountInput struct {
	Name          string         `json:"name"`
	BaseURL       string         `json:"baseUrl"`
	Backend       domain.Backend `json:"backend"`
	Username      string         `json:"username"`
	Secret        *string        `json:"secret,omitempty"`
	TLSSkipVerify *bool          `json:"tlsSkipVerify,omitempty"`
	IsActive      *bool          `json:"isActive,omitempty"`
}

type AccountStore struct {
	db            dbinterface.Querier
	encryptionKey []byte
}

func NewAccountStore(db dbinterface.Querier, encryptionKey []byte) (*AccountStore, error) {
	if len(encryptionKey) != 32 {
		return nil, errors.New("encryption key must be 32 bytes")
	}

	return &AccountStore{
		db:            db,
		encryptionKey: encryptionKey,
	}, nil
}

// encrypt encrypts a string using AES-GCM
func (s *AccountStore) encrypt(plaintext string) (string, error) {
	block, err := aes.NewCipher(s.encryptionKey)
	if err != nil {
		return "", err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

func (s *AccountStore) decrypt(ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", nil
	}

	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", err
	}

	block, err := aes.NewCipher(s.encryptionKey)
	if err != nil {
		return "", err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	if len(data) < gcm.NonceSize() {
		return "", errors.New("malformed ciphertext")
	}

	nonce, sealed := data[:gcm.NonceSize()], data[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", err
	}

	return string(plaintext), nil
}

// validateAndNormalizeURL validates and normalizes a backend base URL
func validateAndNormalizeURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", errors.New("base url cannot be empty")
	}

	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid URL format: %w", err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported scheme %q: must be http or https", u.Scheme)
	}

	if u.Host == "" {
		return "", errors.New("URL must include a host")
	}

	return u.String(), nil
}

func (s *AccountStore) Create(ctx context.Context, in AccountInput) (*Account, error) {
	baseURL, err := validateAndNormalizeURL(in.BaseURL)
	if err != nil {
		return nil, err
	}

	if !in.Backend.Valid() {
		return nil, fmt.Errorf("unsupported backend %q", in.Backend)
	}

	name := strings.TrimSpace(in.Name)
	if name == "" {
		name = baseURL
	}

	var encryptedSecret string
	if in.Secret != nil && *in.Secret != "" {
		encryptedSecret, err = s.encrypt(*in.Secret)
		if err != nil {
			return nil, fmt.Errorf("failed to encrypt secret: %w", err)
		}
	}

	tlsSkipVerify := in.TLSSkipVerify != nil && *in.TLSSkipVerify
	isActive := in.IsActive == nil || *in.IsActive

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var id int
	err = tx.QueryRowContext(ctx, `
		INSERT INTO accounts (name, base_url, backend, username, secret_encrypted, tls_skip_verify, is_active)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		RETURNING id
	`, name, baseURL, string(in.Backend), strings.TrimSpace(in.Username), encryptedSecret, tlsSkipVerify, isActive).Scan(&id)
	if err != nil {
		return nil, err
	}

	account, err := getAccount(ctx, tx, id)
	if err != nil {
		return nil, err
	}

	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return account, nil
}

func (s *AccountStore) Get(ctx context.Context, id int) (*Account, error) {
	return getAccount(ctx, s.db, id)
}

const accountColumns = `id, name, base_url, backend, username, secret_encrypted, tls_skip_verify, is_active, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (*Account, error) {
	var a Account
	var backend string
	if err := row.Scan(
		&a.ID,
		&a.Name,
		&a.BaseURL,
		&backend,
		&a.Username,
		&a.SecretEncrypted,
		&a.TLSSkipVerify,
		&a.IsActive,
		&a.CreatedAt,
		&a.UpdatedAt,
	); err != nil {
		return nil, err
	}
	a.Backend = domain.Backend(backend)
	return &a, nil
}

func getAccount(ctx context.Context, q dbinterface.TxQuerier, id int) (*Account, error) {
	account, err := scanAccount(q.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return account, nil
}

func (s *AccountStore) List(ctx context.Context) ([]*Account, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+accountColumns+` FROM accounts ORDER BY name COLLATE NOCASE ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []*Account
	for rows.Next() {
		account, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, account)
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}

	return accounts, nil
}

func (s *AccountStore) Update(ctx context.Context, id int, in AccountInput) (*Account, error) {
	baseURL, err := validateAndNormalizeURL(in.BaseURL)
	if err != nil {
		return nil, err
	}

	if !in.Backend.Valid() {
		return nil, fmt.Errorf("unsupported backend %q", in.Backend)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := "UPDATE accounts SET name = ?, base_url = ?, backend = ?, username = ?"
	args := []any{strings.TrimSpace(in.Name), baseURL, string(in.Backend), strings.TrimSpace(in.Username)}

	if in.Secret != nil && !domain.IsRedactedString(*in.Secret) {
		encrypted := ""
		if *in.Secret != "" {
			encrypted, err = s.encrypt(*in.Secret)
			if err != nil {
				return nil, fmt.Errorf("failed to encrypt secret: %w", err)
			}
		}
		query += ", secret_encrypted = ?"
		args = append(args, encrypted)
	}

	if in.TLSSkipVerify != nil {
		query += ", tls_skip_verify = ?"
		args = append(args, *in.TLSSkipVerify)
	}

	if in.IsActive != nil {
		query += ", is_active = ?"
		args = append(args, *in.IsActive)
	}

	query += " WHERE id = ?"
	args = append(args, id)

	result, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return nil, err
	}

	if rows == 0 {
		return nil, ErrAccountNotFound
	}

	// Credentials or endpoint may have changed, the old session is useless.
	if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE account_id = ?`, id); err != nil {
		return nil, err
	}

	account, err := getAccount(ctx, tx, id)
	if err != nil {
		return nil, err
	}

	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return account, nil
}

// Delete removes the account. Sessions, cached torrents and pagination
// bookmarks cascade.
func (s *AccountStore) Delete(ctx context.Context, id int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `DELETE FROM accounts WHERE id = ?`, id)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rows == 0 {
		return ErrAccountNotFound
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// GetDecryptedSecret returns the plaintext password or API key.
func (s *AccountStore) GetDecryptedSecret(account *Account) (string, error) {
	return s.decrypt(account.SecretEncrypted)
}
