package api

import (
	"encoding/json"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/kalambet/docketd/internal/config"
)

type configUpdateRequest struct {
	Settings map[string]string `json:"settings"`
}

func handleServiceStatus(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		counts, err := deps.Store.CountByStage()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to count cases: %v", err)
			return
		}
		cfg := deps.Config.Snapshot()
		status := map[string]any{
			"version":          deps.Version,
			"started_at":       deps.Started.UTC(),
			"uptime_seconds":   int64(time.Since(deps.Started).Seconds()),
			"pipeline":         deps.Queue.Health(),
			"stages":           counts,
			"restart_required": deps.Config.RestartRequired(),
			"data_dir":         cfg.Storage.DataDir,
			"model":            cfg.LLM.Model,
			"party_addresses":  cfg.Features.ExtractAssociatedPartyAddresses,
		}
		if deps.Session != nil {
			status["session"] = deps.Session.Status()
		}
		writeJSON(w, http.StatusOK, status)
	}
}

func handleGetConfig(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"settings":         config.ShowAll(deps.Config.Snapshot()),
			"restart_required": deps.Config.RestartRequired(),
		})
	}
}

// handlePutConfig persists every setting, then reloads once. Keys are
// validated up front so a bad request writes nothing.
func handlePutConfig(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req configUpdateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if len(req.Settings) == 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "settings is required")
			return
		}
		valid := config.ValidKeys()
		keys := make([]string, 0, len(req.Settings))
		for k := range req.Settings {
			if !slices.Contains(valid, k) {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "unknown or read-only key %q", k)
				return
			}
			keys = append(keys, k)
		}
		slices.Sort(keys)

		for _, k := range keys {
			if err := config.SetKey(k, req.Settings[k]); err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
				return
			}
		}
		if _, err := deps.Config.Reload(); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "reloading config: %v", err)
			return
		}
		if deps.Extractions != nil && slices.ContainsFunc(keys, shapesExtraction) {
			deps.Extractions.Forget()
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"updated":          keys,
			"restart_required": deps.Config.RestartRequired(),
		})
	}
}

// shapesExtraction reports whether key changes what an extraction returns.
func shapesExtraction(key string) bool {
	for _, prefix := range []string{"llm.", "features.", "documents."} {
		if strings.HasPrefix(key, prefix) {
			return true
		}
	}
	return false
}

func handleRestart(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Restart == nil {
			httpError(w, http.StatusNotImplemented, "api_error", "restart is not available")
			return
		}
		force, _ := strconv.ParseBool(r.URL.Query().Get("force"))
		if h := deps.Queue.Health(); deps.Queue.Busy() && !force {
			httpError(w, http.StatusConflict, "conflict_error",
				"cannot restart: %d case(s) queued, %d worker(s) active", h.QueueDepth, h.ActiveWorkers)
			return
		}
		deps.Restart()
		writeJSON(w, http.StatusAccepted, map[string]any{
			"message": "shutdown initiated; the process manager restarts the service",
		})
	}
}
