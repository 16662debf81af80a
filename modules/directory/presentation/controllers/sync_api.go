package controllers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/jacksonlee411/dirsync/modules/directory/domain/types"
	"github.com/jacksonlee411/dirsync/modules/directory/services"
	"github.com/jacksonlee411/dirsync/pkg/httperr"
)

const maxRequestBytes = 1 << 20

type CompanyIDGetter func(ctx context.Context) (companyID string, ok bool)

type SyncRunner interface {
	Run(ctx context.Context, companyID string, opts types.SyncOptions) (types.SyncRun, error)
}

type DirectoryReader interface {
	ListRuns(ctx context.Context, companyID string, provider types.Provider, limit int) ([]types.SyncRun, error)
	Stats(ctx context.Context, companyID string) (types.DirectoryStats, error)
	TestConnection(ctx context.Context, companyID string, provider types.Provider, policy services.RetryPolicy) (int, error)
}

type SyncController struct {
	CompanyID CompanyIDGetter
	Runner    SyncRunner
	Queries   DirectoryReader
	Retry     services.RetryPolicy
	// Defaults returns the configured pass toggles for a provider; nil means
	// the engine defaults.
	Defaults func(companyID string, provider types.Provider) types.SyncOptions
	// Shutdown, when set, cancels in-flight runs. Runs are otherwise detached
	// from the client connection so a dropped request does not abort a sync.
	Shutdown context.Context
}

type syncAPIRequest struct {
	Provider        string `json:"provider"`
	SyncType        string `json:"sync_type"`
	ClearExisting   *bool  `json:"clear_existing"`
	SyncDepartments *bool  `json:"sync_departments"`
	SyncUsers       *bool  `json:"sync_users"`
	SyncManagers    *bool  `json:"sync_managers"`
}

type syncAPIResponse struct {
	Message     string           `json:"message"`
	RunID       string           `json:"run_id"`
	Status      types.SyncStatus `json:"status"`
	Departments int              `json:"departments"`
	Users       int              `json:"users"`
	Managers    int              `json:"managers"`
	Counts      types.SyncCounts `json:"counts"`
	ErrorDetail string           `json:"error_detail,omitempty"`
}

func (c SyncController) HandleSync(w http.ResponseWriter, r *http.Request) {
	companyID, ok := c.CompanyID(r.Context())
	if !ok {
		writeError(w, r, http.StatusInternalServerError, "company_missing", "company missing")
		return
	}

	var req syncAPIRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "bad_json", "bad json")
		return
	}
	opts, err := c.syncOptions(companyID, req)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, httperr.CodeOf(err, "invalid_request"), err.Error())
		return
	}

	ctx := context.WithoutCancel(r.Context())
	if c.Shutdown != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithCancel(ctx)
		defer cancel()
		stop := context.AfterFunc(c.Shutdown, cancel)
		defer stop()
	}

	run, err := c.Runner.Run(ctx, companyID, opts)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, newSyncAPIResponse("sync completed", run))
	case errors.Is(err, types.ErrProviderNotConfigured):
		writeError(w, r, http.StatusBadRequest, "provider_not_configured", err.Error())
	case errors.Is(err, types.ErrSyncAlreadyRunning):
		writeError(w, r, http.StatusConflict, "sync_already_running", err.Error())
	case run.ID == "":
		writeError(w, r, http.StatusInternalServerError, "sync_failed", err.Error())
	default:
		// The caller always learns how far a failed run got.
		resp := newSyncAPIResponse("sync failed", run)
		writeJSON(w, http.StatusInternalServerError, struct {
			Error string `json:"error"`
			Code  string `json:"code"`
			syncAPIResponse
		}{Error: err.Error(), Code: "sync_failed", syncAPIResponse: resp})
	}
}

func newSyncAPIResponse(message string, run types.SyncRun) syncAPIResponse {
	return syncAPIResponse{
		Message:     message,
		RunID:       run.ID,
		Status:      run.Status,
		Departments: run.Counts.Departments,
		Users:       run.Counts.Users,
		Managers:    run.Counts.Managers,
		Counts:      run.Counts,
		ErrorDetail: run.ErrorDetail,
	}
}

func (c SyncController) syncOptions(companyID string, req syncAPIRequest) (types.SyncOptions, error) {
	provider, ok := types.ParseProvider(req.Provider)
	if !ok {
		return types.SyncOptions{}, httperr.NewBadRequest("invalid_provider", "provider is required (wecom|dingtalk|feishu)")
	}
	opts := types.DefaultSyncOptions(provider)
	if c.Defaults != nil {
		opts = c.Defaults(companyID, provider)
		opts.Provider = provider
	}

	switch types.SyncType(strings.ToLower(strings.TrimSpace(req.SyncType))) {
	case "", types.SyncTypeFull:
		opts.SyncType = types.SyncTypeFull
	case types.SyncTypeIncremental:
		opts.SyncType = types.SyncTypeIncremental
	default:
		return types.SyncOptions{}, httperr.NewBadRequest("invalid_sync_type", "sync_type must be full or incremental")
	}

	override := func(dst *bool, v *bool) {
		if v != nil {
			*dst = *v
		}
	}
	override(&opts.ClearExisting, req.ClearExisting)
	override(&opts.SyncDepartments, req.SyncDepartments)
	override(&opts.SyncUsers, req.SyncUsers)
	override(&opts.SyncManagers, req.SyncManagers)
	return opts, nil
}

func (c SyncController) HandleSyncLogs(w http.ResponseWriter, r *http.Request) {
	companyID, ok := c.CompanyID(r.Context())
	if !ok {
		writeError(w, r, http.StatusInternalServerError, "company_missing", "company missing")
		return
	}

	q := r.URL.Query()
	var provider types.Provider
	if raw := strings.TrimSpace(q.Get("provider")); raw != "" {
		p, ok := types.ParseProvider(raw)
		if !ok {
			writeError(w, r, http.StatusBadRequest, "invalid_provider", "invalid provider")
			return
		}
		provider = p
	}
	limit := 0
	if raw := strings.TrimSpace(q.Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, r, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		limit = n
	}

	runs, err := c.Queries.ListRuns(r.Context(), companyID, provider, limit)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "list_failed", "list failed")
		return
	}
	if runs == nil {
		runs = []types.SyncRun{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (c SyncController) HandleSyncStats(w http.ResponseWriter, r *http.Request) {
	companyID, ok := c.CompanyID(r.Context())
	if !ok {
		writeError(w, r, http.StatusInternalServerError, "company_missing", "company missing")
		return
	}
	stats, err := c.Queries.Stats(r.Context(), companyID)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "stats_failed", "stats failed")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

type testConnectionAPIRequest struct {
	Provider string `json:"provider"`
}

// HandleTestConnection probes credentials and the department listing. An
// upstream failure is a probe result (ok=false), not a request error.
func (c SyncController) HandleTestConnection(w http.ResponseWriter, r *http.Request) {
	companyID, ok := c.CompanyID(r.Context())
	if !ok {
		writeError(w, r, http.StatusInternalServerError, "company_missing", "company missing")
		return
	}

	var req testConnectionAPIRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "bad_json", "bad json")
		return
	}
	provider, ok := types.ParseProvider(req.Provider)
	if !ok {
		writeError(w, r, http.StatusBadRequest, "invalid_provider", "provider is required (wecom|dingtalk|feishu)")
		return
	}

	n, err := c.Queries.TestConnection(r.Context(), companyID, provider, c.Retry)
	switch {
	case errors.Is(err, types.ErrProviderNotConfigured):
		writeError(w, r, http.StatusBadRequest, "provider_not_configured", err.Error())
	case err != nil:
		writeJSON(w, http.StatusOK, map[string]any{"ok": false, "provider": provider, "message": err.Error()})
	default:
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "provider": provider, "message": "connection ok", "departments": n})
	}
}

func decodeJSON(r *http.Request, v any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes))
	if err != nil {
		return err
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return errors.New("empty body")
	}
	return json.Unmarshal(body, v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
