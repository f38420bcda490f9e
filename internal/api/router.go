// Package api exposes case submission, lookup and service control over
// HTTP, and the same operations as MCP tools.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/docketd/internal/blobstore"
	"github.com/kalambet/docketd/internal/config"
	"github.com/kalambet/docketd/internal/extract"
	"github.com/kalambet/docketd/internal/pipeline"
	"github.com/kalambet/docketd/internal/session"
	"github.com/kalambet/docketd/internal/storage"
)

// Queue accepts cases for processing and reports on the worker pool.
type Queue interface {
	Submit(in storage.CaseInput, reprocess bool) (string, error)
	Health() pipeline.Health
	Busy() bool
}

var _ Queue = (*pipeline.Pipeline)(nil)

// CaseStore is the read side of the case store.
type CaseStore interface {
	GetCase(caseNumber string) (storage.CaseAggregate, error)
	GetCases(numbers []string) ([]storage.CaseAggregate, error)
	ListCases(f storage.ListFilter) ([]storage.Case, error)
	GetDocument(caseNumber, id string) (storage.Document, error)
	CountByStage() (map[storage.Stage]int, error)
}

// SessionReporter describes the shared portal session.
type SessionReporter interface {
	Status() session.Status
}

// Exporter renders case results as a workbook.
type Exporter interface {
	CasesXLSX(stage storage.Stage) ([]byte, error)
}

// ResultCache holds extraction results that depend on the model settings.
type ResultCache interface {
	Forget()
}

var _ ResultCache = (*extract.Engine)(nil)

type AppDeps struct {
	Queue   Queue
	Store   CaseStore
	Session SessionReporter
	Blobs   *blobstore.Store
	Export  Exporter
	Config  *config.Provider
	// Extractions, when set, is cleared after a config update touches the
	// llm, features or documents settings.
	Extractions ResultCache
	Token       string
	Version     string
	Started     time.Time
	// Restart begins a graceful drain followed by process exit. It must not
	// block.
	Restart func()
}

func NewAppHandler(deps AppDeps) http.Handler {
	r := chi.NewRouter()
	r.Get("/health", handleHealth(deps))

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/cases", handleSubmit(deps))
		r.Get("/cases", handleListCases(deps))
		r.Get("/cases/export.xlsx", handleExport(deps))
		r.Post("/cases/batch-status", handleBatchStatus(deps))
		r.Post("/cases/batch-details", handleBatchDetails(deps))
		r.Get("/cases/{number}", handleGetCase(deps))
		r.Get("/cases/{number}/documents/{id}", handleGetDocument(deps))

		r.Get("/service/status", handleServiceStatus(deps))
		r.Get("/service/config", handleGetConfig(deps))
		r.Put("/service/config", handlePutConfig(deps))
		r.Post("/service/restart", handleRestart(deps))
	})

	return r
}

func handleHealth(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h := deps.Queue.Health()
		status := "ok"
		switch {
		case h.Draining:
			status = "draining"
		case !h.SessionValid && h.ActiveWorkers > 0:
			status = "degraded"
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"status":   status,
			"pipeline": h,
		})
	}
}
