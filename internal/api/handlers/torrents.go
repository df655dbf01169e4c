// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/autobrr/autobrr/pkg/ttlcache"
	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/qsync/internal/domain"
	"github.com/autobrr/qsync/internal/paging"
	"github.com/autobrr/qsync/internal/repository"
)

const (
	maxExprLength   = 2048
	exprProgramsTTL = 10 * time.Minute
)

type TorrentsHandler struct {
	repo     repository.TorrentRepository
	programs *ttlcache.Cache[string, *vm.Program]
}

func NewTorrentsHandler(repo repository.TorrentRepository) *TorrentsHandler {
	return &TorrentsHandler{
		repo:     repo,
		programs: ttlcache.New(ttlcache.Options[string, *vm.Program]{}.SetDefaultTTL(exprProgramsTTL)),
	}
}

// LoadStateResponse is paging.LoadState with the error flattened to text.
type LoadStateResponse struct {
	Loading         bool   `json:"loading"`
	EndOfPagination bool   `json:"endOfPagination"`
	Error           string `json:"error,omitempty"`
}

func newLoadStateResponse(s paging.LoadState) LoadStateResponse {
	resp := LoadStateResponse{Loading: s.Loading, EndOfPagination: s.EndOfPagination}
	if s.Err != nil {
		resp.Error = s.Err.Error()
	}
	return resp
}

type TorrentListResponse struct {
	Items      []domain.Torrent  `json:"items"`
	Count      int               `json:"count"`
	Refresh    LoadStateResponse `json:"refresh"`
	Prepend    LoadStateResponse `json:"prepend"`
	Append     LoadStateResponse `json:"append"`
	Generation uint64            `json:"generation"`
}

// exprEnv is what an expr predicate sees for one torrent.
type exprEnv struct {
	Hash       string
	Name       string
	State      string
	Category   string
	Tags       []string
	SavePath   string
	AddedOn    int64
	Size       int64
	Downloaded int64
	Uploaded   int64
	Progress   float64
	ETA        int64
	DlSpeed    int64
	UpSpeed    int64
	Ratio      float64
	NumLeechs  int64
	NumSeeds   int64
	Priority   int64
}

func newExprEnv(t domain.Torrent) exprEnv {
	env := exprEnv{
		Hash:       t.Hash,
		Name:       t.Name,
		State:      string(t.State),
		Tags:       t.TagList(),
		SavePath:   t.SavePath,
		AddedOn:    t.AddedOn,
		Size:       t.Size,
		Downloaded: t.Downloaded,
		Uploaded:   t.Uploaded,
		Progress:   t.Progress,
		ETA:        t.ETA,
		DlSpeed:    t.DlSpeed,
		UpSpeed:    t.UpSpeed,
		Ratio:      t.Ratio,
		NumLeechs:  t.NumLeechs,
		NumSeeds:   t.NumSeeds,
		Priority:   t.Priority,
	}
	if t.Category != nil {
		env.Category = *t.Category
	}
	return env
}

// parseFilter reads the list filter from the query string. Unknown states
// and sort keys are rejected.
func parseFilter(r *http.Request) (domain.Filter, error) {
	q := r.URL.Query()

	var filter domain.Filter

	for _, raw := range q["state"] {
		for s := range strings.SplitSeq(raw, ",") {
			s = strings.TrimSpace(s)
			if s == "" {
				continue
			}
			state, ok := domain.ParseTorrentState(s)
			if !ok {
				return filter, errors.Errorf("unknown state %q", s)
			}
			filter.States = append(filter.States, state)
		}
	}

	if q.Has("q") {
		query := q.Get("q")
		filter.Query = &query
	}

	if q.Has("category") {
		category := q.Get("category")
		filter.Category = &category
	}

	for _, tag := range q["tag"] {
		if tag = strings.TrimSpace(tag); tag != "" {
			filter.Tags = append(filter.Tags, tag)
		}
	}

	if s := q.Get("sort"); s != "" {
		filter.Sort = domain.SortKey(s)
		if !filter.Sort.Valid() {
			return filter, errors.Errorf("unknown sort %q", s)
		}
	}

	if rv := q.Get("reverse"); rv != "" {
		reverse, err := strconv.ParseBool(rv)
		if err != nil {
			return filter, errors.Errorf("invalid reverse %q", rv)
		}
		filter.Reverse = reverse
	}

	return filter, nil
}

func (h *TorrentsHandler) program(source string) (*vm.Program, error) {
	if program, ok := h.programs.Get(source); ok {
		return program, nil
	}

	program, err := expr.Compile(source, expr.Env(exprEnv{}), expr.AsBool())
	if err != nil {
		return nil, err
	}

	h.programs.Set(source, program, ttlcache.DefaultTTL)
	return program, nil
}

func matchExpr(program *vm.Program, torrents []domain.Torrent) ([]domain.Torrent, error) {
	out := make([]domain.Torrent, 0, len(torrents))
	for _, t := range torrents {
		res, err := expr.Run(program, newExprEnv(t))
		if err != nil {
			return nil, err
		}
		if ok, _ := res.(bool); ok {
			out = append(out, t)
		}
	}
	return out, nil
}

// ListTorrents serves the account's current snapshot for the requested filter.
func (h *TorrentsHandler) ListTorrents(w http.ResponseWriter, r *http.Request) {
	accountID, ok := accountIDParam(r)
	if !ok {
		RespondError(w, http.StatusBadRequest, "Invalid account ID")
		return
	}

	filter, err := parseFilter(r)
	if err != nil {
		RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	var program *vm.Program
	if source := strings.TrimSpace(r.URL.Query().Get("expr")); source != "" {
		if len(source) > maxExprLength {
			RespondError(w, http.StatusBadRequest, "Expression too long")
			return
		}
		program, err = h.program(source)
		if err != nil {
			RespondError(w, http.StatusBadRequest, "Invalid expression: "+err.Error())
			return
		}
	}

	pager, err := h.repo.Torrents(r.Context(), accountID, filter)
	if err != nil {
		RespondBackendError(w, err, "Failed to get torrents")
		return
	}

	snap := pager.Snapshot()

	items := snap.Items
	if program != nil {
		items, err = matchExpr(program, items)
		if err != nil {
			RespondError(w, http.StatusBadRequest, "Expression failed: "+err.Error())
			return
		}
	}
	if items == nil {
		items = []domain.Torrent{}
	}

	log.Debug().
		Int("accountID", accountID).
		Int("count", len(items)).
		Uint64("generation", snap.Generation).
		Msg("Torrent list served")

	RespondJSON(w, http.StatusOK, TorrentListResponse{
		Items:      items,
		Count:      len(items),
		Refresh:    newLoadStateResponse(snap.Refresh),
		Prepend:    newLoadStateResponse(snap.Prepend),
		Append:     newLoadStateResponse(snap.Append),
		Generation: snap.Generation,
	})
}

func (h *TorrentsHandler) RefreshTorrents(w http.ResponseWriter, r *http.Request) {
	accountID, ok := accountIDParam(r)
	if !ok {
		RespondError(w, http.StatusBadRequest, "Invalid account ID")
		return
	}

	if err := h.repo.Refresh(r.Context(), accountID); err != nil {
		RespondBackendError(w, err, "Failed to refresh torrents")
		return
	}

	RespondJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (h *TorrentsHandler) LoadMoreTorrents(w http.ResponseWriter, r *http.Request) {
	accountID, ok := accountIDParam(r)
	if !ok {
		RespondError(w, http.StatusBadRequest, "Invalid account ID")
		return
	}

	if err := h.repo.LoadMore(r.Context(), accountID); err != nil {
		RespondBackendError(w, err, "Failed to load more torrents")
		return
	}

	RespondJSON(w, http.StatusOK, map[string]bool{"success": true})
}

type BulkActionRequest struct {
	Hashes []string `json:"hashes"`
	Action string   `json:"action"`
}

func (h *TorrentsHandler) BulkAction(w http.ResponseWriter, r *http.Request) {
	accountID, ok := accountIDParam(r)
	if !ok {
		RespondError(w, http.StatusBadRequest, "Invalid account ID")
		return
	}

	var req BulkActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if len(req.Hashes) == 0 {
		RespondError(w, http.StatusBadRequest, "No torrents selected")
		return
	}

	ctx := r.Context()

	var (
		success bool
		err     error
	)
	switch req.Action {
	case "start":
		success, err = h.repo.StartTorrents(ctx, accountID, req.Hashes)
	case "stop":
		success, err = h.repo.StopTorrents(ctx, accountID, req.Hashes)
	case "pause":
		success, err = h.repo.PauseTorrents(ctx, accountID, req.Hashes)
	case "delete":
		success, err = h.repo.DeleteTorrents(ctx, accountID, req.Hashes, false)
	case "deleteWithFiles":
		success, err = h.repo.DeleteTorrents(ctx, accountID, req.Hashes, true)
	default:
		RespondError(w, http.StatusBadRequest, "Invalid action")
		return
	}

	if err != nil {
		log.Warn().Err(err).Int("accountID", accountID).Str("action", req.Action).Int("count", len(req.Hashes)).Msg("Bulk action failed")
		RespondBackendError(w, err, "Failed to perform bulk action")
		return
	}

	RespondJSON(w, http.StatusOK, map[string]bool{"success": success})
}

func (h *TorrentsHandler) GetTorrent(w http.ResponseWriter, r *http.Request) {
	accountID, ok := accountIDParam(r)
	if !ok {
		RespondError(w, http.StatusBadRequest, "Invalid account ID")
		return
	}

	hash := chi.URLParam(r, "hash")
	if hash == "" {
		RespondError(w, http.StatusBadRequest, "Torrent hash is required")
		return
	}

	torrent, err := h.repo.GetTorrentDetails(r.Context(), accountID, hash)
	if err != nil {
		RespondBackendError(w, err, "Failed to get torrent")
		return
	}

	RespondJSON(w, http.StatusOK, torrent)
}

func (h *TorrentsHandler) GetCategories(w http.ResponseWriter, r *http.Request) {
	accountID, ok := accountIDParam(r)
	if !ok {
		RespondError(w, http.StatusBadRequest, "Invalid account ID")
		return
	}

	categories, err := h.repo.GetCategories(r.Context(), accountID, r.URL.Query().Get("search"))
	if err != nil {
		RespondBackendError(w, err, "Failed to get categories")
		return
	}

	if categories == nil {
		categories = map[string]domain.Category{}
	}

	RespondJSON(w, http.StatusOK, categories)
}

func (h *TorrentsHandler) GetTags(w http.ResponseWriter, r *http.Request) {
	accountID, ok := accountIDParam(r)
	if !ok {
		RespondError(w, http.StatusBadRequest, "Invalid account ID")
		return
	}

	tags, err := h.repo.GetTags(r.Context(), accountID, r.URL.Query().Get("search"))
	if err != nil {
		RespondBackendError(w, err, "Failed to get tags")
		return
	}

	if tags == nil {
		tags = []string{}
	}

	RespondJSON(w, http.StatusOK, tags)
}

func (h *TorrentsHandler) GetVersion(w http.ResponseWriter, r *http.Request) {
	accountID, ok := accountIDParam(r)
	if !ok {
		RespondError(w, http.StatusBadRequest, "Invalid account ID")
		return
	}

	version, err := h.repo.GetAppVersion(r.Context(), accountID)
	if err != nil {
		RespondBackendError(w, err, "Failed to get version")
		return
	}

	RespondJSON(w, http.StatusOK, map[string]string{"version": version})
}

// Close stops the compiled program cache.
func (h *TorrentsHandler) Close() {
	h.programs.Close()
}
