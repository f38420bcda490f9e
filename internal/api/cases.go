package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/docketd/internal/blobstore"
	"github.com/kalambet/docketd/internal/storage"
)

const (
	maxBatchSize     = 500
	defaultListLimit = 50
	maxListLimit     = 500
)

// Per-entry submission status in addition to pipeline.StatusQueued and
// pipeline.StatusDuplicate.
const statusRejected = "rejected"

type caseRequest struct {
	storage.CaseInput
	Reprocess bool `json:"reprocess"`
}

// submitRequest is either a single case or a batch under "cases".
type submitRequest struct {
	caseRequest
	Cases []caseRequest `json:"cases"`
}

type submitResult struct {
	CaseNumber string `json:"case_number"`
	Status     string `json:"status"`
	Error      string `json:"error,omitempty"`
}

type batchRequest struct {
	CaseNumbers []string `json:"case_numbers"`
}

// caseSummary is the status view of a case without documents or findings.
type caseSummary struct {
	CaseNumber  string        `json:"case_number"`
	Stage       storage.Stage `json:"stage"`
	FailedStage storage.Stage `json:"failed_stage,omitempty"`
	ErrorKind   string        `json:"error_kind,omitempty"`
	LastError   string        `json:"last_error,omitempty"`
	Outcome     string        `json:"outcome,omitempty"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

func summarize(c storage.Case) caseSummary {
	return caseSummary{
		CaseNumber:  c.CaseNumber,
		Stage:       c.Stage,
		FailedStage: c.FailedStage,
		ErrorKind:   c.ErrorKind,
		LastError:   c.LastError,
		Outcome:     c.Outcome,
		UpdatedAt:   c.UpdatedAt,
	}
}

func handleSubmit(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req submitRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		entries := req.Cases
		if len(entries) == 0 {
			entries = []caseRequest{req.caseRequest}
		}
		if len(entries) > maxBatchSize {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "batch holds %d cases, limit is %d", len(entries), maxBatchSize)
			return
		}
		if deps.Queue.Health().Draining {
			httpError(w, http.StatusServiceUnavailable, "unavailable_error", "service is shutting down")
			return
		}

		results := make([]submitResult, len(entries))
		for i, e := range entries {
			results[i] = submitOne(deps.Queue, e)
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"results": results})
	}
}

func submitOne(q Queue, e caseRequest) submitResult {
	res := submitResult{CaseNumber: strings.TrimSpace(e.CaseNumber)}
	if res.CaseNumber != "" && strings.TrimSpace(e.SearchName) == "" {
		res.Status, res.Error = statusRejected, "case_name is required"
		return res
	}
	status, err := q.Submit(e.CaseInput, e.Reprocess)
	if err != nil {
		res.Status, res.Error = statusRejected, err.Error()
		return res
	}
	res.Status = status
	return res
}

func handleListCases(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stage := storage.Stage(strings.ToUpper(r.URL.Query().Get("stage")))
		if stage != "" && !stage.Valid() {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "unknown stage %q", stage)
			return
		}
		cases, err := deps.Store.ListCases(storage.ListFilter{
			Stage:  stage,
			Limit:  parseIntParam(r, "limit", defaultListLimit, maxListLimit),
			Offset: parseIntParam(r, "offset", 0, 0),
		})
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list cases: %v", err)
			return
		}
		if cases == nil {
			cases = []storage.Case{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"cases": cases})
	}
}

func handleGetCase(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		number := chi.URLParam(r, "number")
		agg, err := deps.Store.GetCase(number)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "case %s not found", number)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get case: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, agg)
	}
}

// decodeBatch reads a case number set, dropping blanks and repeats.
func decodeBatch(w http.ResponseWriter, r *http.Request) ([]string, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer r.Body.Close()

	var req batchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
		return nil, false
	}
	seen := make(map[string]bool, len(req.CaseNumbers))
	var numbers []string
	for _, n := range req.CaseNumbers {
		n = strings.TrimSpace(n)
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		numbers = append(numbers, n)
	}
	if len(numbers) == 0 {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "case_numbers is required")
		return nil, false
	}
	if len(numbers) > maxBatchSize {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "batch holds %d cases, limit is %d", len(numbers), maxBatchSize)
		return nil, false
	}
	return numbers, true
}

func notFound(numbers []string, found []storage.CaseAggregate) []string {
	have := make(map[string]bool, len(found))
	for _, a := range found {
		have[a.CaseNumber] = true
	}
	missing := []string{}
	for _, n := range numbers {
		if !have[n] {
			missing = append(missing, n)
		}
	}
	return missing
}

func handleBatchStatus(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		numbers, ok := decodeBatch(w, r)
		if !ok {
			return
		}
		aggs, err := deps.Store.GetCases(numbers)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get cases: %v", err)
			return
		}
		out := make([]caseSummary, len(aggs))
		for i, a := range aggs {
			out[i] = summarize(a.Case)
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"cases":     out,
			"not_found": notFound(numbers, aggs),
		})
	}
}

func handleBatchDetails(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		numbers, ok := decodeBatch(w, r)
		if !ok {
			return
		}
		aggs, err := deps.Store.GetCases(numbers)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get cases: %v", err)
			return
		}
		if aggs == nil {
			aggs = []storage.CaseAggregate{}
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"cases":     aggs,
			"not_found": notFound(numbers, aggs),
		})
	}
}

func handleGetDocument(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		number, id := chi.URLParam(r, "number"), chi.URLParam(r, "id")
		doc, err := deps.Store.GetDocument(number, id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "document %s not found for case %s", id, number)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get document: %v", err)
			return
		}
		if !doc.Downloaded() || doc.Checksum == "" {
			httpError(w, http.StatusNotFound, "not_found", "document %s has no content (%s)", id, doc.DownloadStatus)
			return
		}

		f, err := deps.Blobs.Open(doc.Checksum)
		if errors.Is(err, blobstore.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "document %s content is missing", id)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to open document: %v", err)
			return
		}
		defer f.Close()

		name := documentFilename(doc)
		w.Header().Set("Content-Type", doc.ContentType)
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
		http.ServeContent(w, r, name, doc.UpdatedAt, f)
	}
}

func handleExport(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stage := storage.Stage(strings.ToUpper(r.URL.Query().Get("stage")))
		if stage != "" && !stage.Valid() {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "unknown stage %q", stage)
			return
		}
		b, err := deps.Export.CasesXLSX(stage)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "export failed: %v", err)
			return
		}
		w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
		w.Header().Set("Content-Disposition", `attachment; filename="cases.xlsx"`)
		w.Write(b)
	}
}

var (
	reserved   = regexp.MustCompile(`[<>:"/\\|?*]`)
	unsafeRune = regexp.MustCompile(`[^\w\s.-]`)
	separators = regexp.MustCompile(`[-\s]+`)
)

const maxFilenameBase = 100

// sanitizeFilename reduces name to letters, digits, dots, hyphens and
// underscores, with runs of spaces and hyphens collapsed to one hyphen.
func sanitizeFilename(name, fallback string) string {
	name = reserved.ReplaceAllString(name, "_")
	name = unsafeRune.ReplaceAllString(name, "")
	name = strings.Trim(separators.ReplaceAllString(name, "-"), "-_")

	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)
	if r := []rune(base); len(r) > maxFilenameBase {
		base = string(r[:maxFilenameBase])
	}
	if base == "" {
		return fallback
	}
	return base + ext
}

func documentFilename(d storage.Document) string {
	ext := ".pdf"
	if d.ContentType == blobstore.ContentTypeTIFF {
		ext = ".tif"
	}
	name := sanitizeFilename(d.Title, "document")
	if !strings.EqualFold(filepath.Ext(name), ext) {
		name += ext
	}
	return sanitizeFilename(d.CaseNumber, "case") + "_" + name
}
