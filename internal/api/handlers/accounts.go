// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/autobrr/qsync/internal/backend"
	"github.com/autobrr/qsync/internal/models"
)

type AccountStore interface {
	Create(ctx context.Context, in models.AccountInput) (*models.Account, error)
	Get(ctx context.Context, id int) (*models.Account, error)
	List(ctx context.Context) ([]*models.Account, error)
	Update(ctx context.Context, id int, in models.AccountInput) (*models.Account, error)
	Delete(ctx context.Context, id int) error
}

// ClientManager hands out backend clients and drops them when the account
// they were built from changes.
type ClientManager interface {
	GetClient(ctx context.Context, accountID int) (backend.TorrentClient, error)
	RemoveClient(accountID int)
}

// AccountForgetter releases per account sync state.
type AccountForgetter interface {
	Forget(accountID int)
}

type AccountsHandler struct {
	accounts AccountStore
	clients  ClientManager
	sync     AccountForgetter
}

func NewAccountsHandler(accounts AccountStore, clients ClientManager, sync AccountForgetter) *AccountsHandler {
	return &AccountsHandler{
		accounts: accounts,
		clients:  clients,
		sync:     sync,
	}
}

func (h *AccountsHandler) ListAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := h.accounts.List(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("Failed to list accounts")
		RespondError(w, http.StatusInternalServerError, "Failed to list accounts")
		return
	}

	if accounts == nil {
		accounts = []*models.Account{}
	}

	RespondJSON(w, http.StatusOK, accounts)
}

func (h *AccountsHandler) CreateAccount(w http.ResponseWriter, r *http.Request) {
	var req models.AccountInput
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	account, err := h.accounts.Create(r.Context(), req)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to create account")
		RespondError(w, http.StatusBadRequest, "Failed to create account: "+err.Error())
		return
	}

	RespondJSON(w, http.StatusCreated, account)
}

func (h *AccountsHandler) GetAccount(w http.ResponseWriter, r *http.Request) {
	accountID, ok := accountIDParam(r)
	if !ok {
		RespondError(w, http.StatusBadRequest, "Invalid account ID")
		return
	}

	account, err := h.accounts.Get(r.Context(), accountID)
	if err != nil {
		h.respondStoreError(w, err, accountID, "Failed to get account")
		return
	}

	RespondJSON(w, http.StatusOK, account)
}

// UpdateAccount replaces the account's settings. The cached client and the
// account's pager are dropped so the next request uses the new settings.
func (h *AccountsHandler) UpdateAccount(w http.ResponseWriter, r *http.Request) {
	accountID, ok := accountIDParam(r)
	if !ok {
		RespondError(w, http.StatusBadRequest, "Invalid account ID")
		return
	}

	var req models.AccountInput
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	account, err := h.accounts.Update(r.Context(), accountID, req)
	if err != nil {
		if errors.Is(err, models.ErrAccountNotFound) {
			RespondError(w, http.StatusNotFound, "Account not found")
			return
		}
		RespondError(w, http.StatusBadRequest, "Failed to update account: "+err.Error())
		return
	}

	h.release(accountID)
	RespondJSON(w, http.StatusOK, account)
}

func (h *AccountsHandler) DeleteAccount(w http.ResponseWriter, r *http.Request) {
	accountID, ok := accountIDParam(r)
	if !ok {
		RespondError(w, http.StatusBadRequest, "Invalid account ID")
		return
	}

	if err := h.accounts.Delete(r.Context(), accountID); err != nil {
		h.respondStoreError(w, err, accountID, "Failed to delete account")
		return
	}

	h.release(accountID)
	w.WriteHeader(http.StatusNoContent)
}

// Login forces a fresh authentication against the account's backend.
func (h *AccountsHandler) Login(w http.ResponseWriter, r *http.Request) {
	accountID, ok := accountIDParam(r)
	if !ok {
		RespondError(w, http.StatusBadRequest, "Invalid account ID")
		return
	}

	client, err := h.clients.GetClient(r.Context(), accountID)
	if err != nil {
		RespondBackendError(w, err, "Failed to get client")
		return
	}

	if _, err := client.Login(r.Context()); err != nil {
		log.Warn().Err(err).Int("accountID", accountID).Msg("Login failed")
		RespondBackendError(w, err, "Login failed")
		return
	}

	RespondJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (h *AccountsHandler) release(accountID int) {
	h.clients.RemoveClient(accountID)
	h.sync.Forget(accountID)
}

func (h *AccountsHandler) respondStoreError(w http.ResponseWriter, err error, accountID int, message string) {
	if errors.Is(err, models.ErrAccountNotFound) {
		RespondError(w, http.StatusNotFound, "Account not found")
		return
	}

	log.Error().Err(err).Int("accountID", accountID).Msg(message)
	RespondError(w, http.StatusInternalServerError, message)
}
