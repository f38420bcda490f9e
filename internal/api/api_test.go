package api

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kalambet/docketd/internal/blobstore"
	"github.com/kalambet/docketd/internal/config"
	"github.com/kalambet/docketd/internal/export"
	"github.com/kalambet/docketd/internal/pipeline"
	"github.com/kalambet/docketd/internal/storage"
)

const testToken = "test-token-12345"

// fakeQueue stores submitted cases directly so they can be read back.
type fakeQueue struct {
	store *storage.Store

	mu        sync.Mutex
	submitted []storage.CaseInput
	submitFn  func(in storage.CaseInput, reprocess bool) (string, error)
	health    pipeline.Health
	busy      bool
}

func (q *fakeQueue) Submit(in storage.CaseInput, reprocess bool) (string, error) {
	q.mu.Lock()
	q.submitted = append(q.submitted, in)
	fn := q.submitFn
	q.mu.Unlock()
	if fn != nil {
		return fn(in, reprocess)
	}
	if in.CaseNumber == "" {
		return "", pipeline.ErrNoCase
	}
	if _, err := q.store.UpsertCase(in); err != nil {
		return "", err
	}
	return pipeline.StatusQueued, nil
}

func (q *fakeQueue) Health() pipeline.Health {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.health
}

func (q *fakeQueue) Busy() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.busy
}

type cacheCounter struct{ atomic.Int32 }

func (c *cacheCounter) Forget() { c.Add(1) }

type testApp struct {
	handler  http.Handler
	store    *storage.Store
	blobs    *blobstore.Store
	queue    *fakeQueue
	config   *config.Provider
	restarts atomic.Int32
	forgets  cacheCounter
}

func setupApp(t *testing.T) *testApp {
	t.Helper()
	t.Setenv("DOCKETD_CONFIG", filepath.Join(t.TempDir(), "config.yaml"))

	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	blobs, err := blobstore.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	app := &testApp{
		store:  store,
		blobs:  blobs,
		queue:  &fakeQueue{store: store, health: pipeline.Health{SessionValid: true, MaxWorkers: 2}},
		config: config.NewProvider(config.Default(), nil),
	}
	app.handler = NewAppHandler(AppDeps{
		Queue:   app.queue,
		Store:   store,
		Blobs:   blobs,
		Export:  export.NewService(store),
		Config:  app.config,
		// Counts cache flushes after config updates.
		Extractions: &app.forgets,
		Token:       testToken,
		Version:     "test",
		Started:     time.Now(),
		Restart:     func() { app.restarts.Add(1) },
	})
	return app
}

func (a *testApp) do(t *testing.T, method, url, body string) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	a.handler.ServeHTTP(rr, authReq(method, url, body, testToken))
	return rr
}

func authReq(method, url, body, token string) *http.Request {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, url, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rr.Body.Bytes(), &v); err != nil {
		t.Fatalf("decoding %q: %v", rr.Body.String(), err)
	}
	return v
}

func (a *testApp) seed(t *testing.T, numbers ...string) {
	t.Helper()
	for _, n := range numbers {
		if _, err := a.store.UpsertCase(storage.CaseInput{CaseNumber: n, SearchName: "Doe vs " + n}); err != nil {
			t.Fatal(err)
		}
	}
}

func TestHealthNeedsNoToken(t *testing.T) {
	app := setupApp(t)
	rr := httptest.NewRecorder()
	app.handler.ServeHTTP(rr, authReq(http.MethodGet, "/health", "", ""))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	got := decode[struct {
		Status   string          `json:"status"`
		Pipeline pipeline.Health `json:"pipeline"`
	}](t, rr)
	if got.Status != "ok" || !got.Pipeline.SessionValid || got.Pipeline.MaxWorkers != 2 {
		t.Errorf("health = %+v", got)
	}
}

func TestRoutesRequireToken(t *testing.T) {
	app := setupApp(t)
	for _, path := range []string{"/cases", "/cases/CASE-1", "/service/status", "/cases/export.xlsx"} {
		rr := httptest.NewRecorder()
		app.handler.ServeHTTP(rr, authReq(http.MethodGet, path, "", "wrong"))
		if rr.Code != http.StatusUnauthorized {
			t.Errorf("GET %s status = %d, want 401", path, rr.Code)
		}
	}
}

func TestBearerAuth(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) })
	tests := []struct {
		name   string
		token  string
		header string
		want   int
	}{
		{"valid", "secret", "Bearer secret", http.StatusNoContent},
		{"scheme case", "secret", "bearer secret", http.StatusNoContent},
		{"wrong token", "secret", "Bearer nope", http.StatusUnauthorized},
		{"missing header", "secret", "", http.StatusUnauthorized},
		{"basic scheme", "secret", "Basic secret", http.StatusUnauthorized},
		{"empty configured token", "", "Bearer ", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rr := httptest.NewRecorder()
			BearerAuth(tt.token)(ok).ServeHTTP(rr, req)
			if rr.Code != tt.want {
				t.Errorf("status = %d, want %d", rr.Code, tt.want)
			}
			if tt.want == http.StatusUnauthorized && rr.Header().Get("WWW-Authenticate") == "" {
				t.Error("missing WWW-Authenticate header")
			}
		})
	}
}

func TestSubmitSingleCase(t *testing.T) {
	app := setupApp(t)
	rr := app.do(t, http.MethodPost, "/cases",
		`{"case_number":"CASE-1","case_name":"John Doe vs ABC Corp","creditor_name":"ABC Corp","is_business":true,"creditor_type":"plaintiff"}`)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}

	got := decode[struct {
		Results []submitResult `json:"results"`
	}](t, rr)
	if len(got.Results) != 1 || got.Results[0].Status != pipeline.StatusQueued {
		t.Fatalf("results = %+v", got.Results)
	}
	agg, err := app.store.GetCase("CASE-1")
	if err != nil {
		t.Fatal(err)
	}
	if agg.CreditorName != "ABC Corp" || !agg.IsBusiness || agg.CreditorType != "plaintiff" {
		t.Errorf("stored case = %+v", agg.Case)
	}
}

func TestSubmitBatchReportsEachEntry(t *testing.T) {
	app := setupApp(t)
	var reprocessed []string
	app.queue.submitFn = func(in storage.CaseInput, reprocess bool) (string, error) {
		switch in.CaseNumber {
		case "CASE-FULL":
			return "", pipeline.ErrQueueFull
		case "CASE-DUP":
			return pipeline.StatusDuplicate, nil
		}
		if reprocess {
			reprocessed = append(reprocessed, in.CaseNumber)
		}
		return pipeline.StatusQueued, nil
	}

	body := `{"cases":[
		{"case_number":"CASE-1","case_name":"A vs B","reprocess":true},
		{"case_number":"CASE-DUP","case_name":"A vs B"},
		{"case_number":"CASE-FULL","case_name":"A vs B"},
		{"case_number":"CASE-NONAME"}
	]}`
	rr := app.do(t, http.MethodPost, "/cases", body)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}
	got := decode[struct {
		Results []submitResult `json:"results"`
	}](t, rr)

	want := []string{pipeline.StatusQueued, pipeline.StatusDuplicate, statusRejected, statusRejected}
	if len(got.Results) != len(want) {
		t.Fatalf("results = %+v", got.Results)
	}
	for i, w := range want {
		if got.Results[i].Status != w {
			t.Errorf("results[%d] = %+v, want %s", i, got.Results[i], w)
		}
	}
	if got.Results[2].Error != pipeline.ErrQueueFull.Error() {
		t.Errorf("queue full error = %q", got.Results[2].Error)
	}
	if len(reprocessed) != 1 || reprocessed[0] != "CASE-1" {
		t.Errorf("reprocessed = %v, want [CASE-1]", reprocessed)
	}
	if len(app.queue.submitted) != 3 {
		t.Errorf("Submit called %d times, want 3 (nameless entry rejected before queueing)", len(app.queue.submitted))
	}
}

func TestSubmitWhileDraining(t *testing.T) {
	app := setupApp(t)
	app.queue.health.Draining = true

	rr := app.do(t, http.MethodPost, "/cases", `{"case_number":"CASE-1","case_name":"A vs B"}`)
	if rr.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rr.Code)
	}
	if len(app.queue.submitted) != 0 {
		t.Error("case submitted while draining")
	}
}

func TestSubmitInvalidBody(t *testing.T) {
	app := setupApp(t)
	rr := app.do(t, http.MethodPost, "/cases", `{not json`)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rr.Code)
	}
}

func TestGetCase(t *testing.T) {
	app := setupApp(t)
	app.seed(t, "CASE-1")

	rr := app.do(t, http.MethodGet, "/cases/CASE-1", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}
	agg := decode[storage.CaseAggregate](t, rr)
	if agg.CaseNumber != "CASE-1" || agg.Stage != storage.StageSubmitted || agg.Documents == nil {
		t.Errorf("case = %+v", agg)
	}

	rr = app.do(t, http.MethodGet, "/cases/CASE-404", "")
	if rr.Code != http.StatusNotFound {
		t.Errorf("unknown case status = %d, want 404", rr.Code)
	}
}

func TestListCases(t *testing.T) {
	app := setupApp(t)
	app.seed(t, "CASE-1", "CASE-2", "CASE-3")
	if err := app.store.FailCase("CASE-3", storage.StageSubmitted, "AuthError", "bad password"); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		url   string
		code  int
		count int
	}{
		{"/cases", http.StatusOK, 3},
		{"/cases?stage=submitted", http.StatusOK, 2},
		{"/cases?stage=FAILED", http.StatusOK, 1},
		{"/cases?limit=1", http.StatusOK, 1},
		{"/cases?limit=2&offset=2", http.StatusOK, 1},
		{"/cases?stage=PAUSED", http.StatusBadRequest, 0},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			rr := app.do(t, http.MethodGet, tt.url, "")
			if rr.Code != tt.code {
				t.Fatalf("status = %d, want %d", rr.Code, tt.code)
			}
			if tt.code != http.StatusOK {
				return
			}
			got := decode[struct {
				Cases []storage.Case `json:"cases"`
			}](t, rr)
			if len(got.Cases) != tt.count {
				t.Errorf("got %d cases, want %d", len(got.Cases), tt.count)
			}
		})
	}
}

func TestBatchStatus(t *testing.T) {
	app := setupApp(t)
	app.seed(t, "CASE-1", "CASE-2")

	rr := app.do(t, http.MethodPost, "/cases/batch-status", `{"case_numbers":["CASE-1"," ","CASE-X","CASE-1","CASE-2"]}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}
	got := decode[struct {
		Cases    []caseSummary `json:"cases"`
		NotFound []string      `json:"not_found"`
	}](t, rr)
	if len(got.Cases) != 2 || got.Cases[0].CaseNumber != "CASE-1" || got.Cases[1].CaseNumber != "CASE-2" {
		t.Errorf("cases = %+v", got.Cases)
	}
	if len(got.NotFound) != 1 || got.NotFound[0] != "CASE-X" {
		t.Errorf("not_found = %v, want [CASE-X]", got.NotFound)
	}

	rr = app.do(t, http.MethodPost, "/cases/batch-status", `{"case_numbers":[]}`)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("empty batch status = %d, want 400", rr.Code)
	}
}

func TestBatchDetailsIncludesDocuments(t *testing.T) {
	app := setupApp(t)
	app.seed(t, "CASE-1")
	if _, err := app.store.RecordDocument(storage.Document{CaseNumber: "CASE-1", SourceID: "k1", Title: "FINAL JUDGMENT"}); err != nil {
		t.Fatal(err)
	}

	rr := app.do(t, http.MethodPost, "/cases/batch-details", `{"case_numbers":["CASE-1","CASE-9"]}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}
	got := decode[struct {
		Cases    []storage.CaseAggregate `json:"cases"`
		NotFound []string                `json:"not_found"`
	}](t, rr)
	if len(got.Cases) != 1 || len(got.Cases[0].Documents) != 1 {
		t.Fatalf("cases = %+v", got.Cases)
	}
	if got.Cases[0].Documents[0].Title != "FINAL JUDGMENT" {
		t.Errorf("document = %+v", got.Cases[0].Documents[0])
	}
	if len(got.NotFound) != 1 || got.NotFound[0] != "CASE-9" {
		t.Errorf("not_found = %v", got.NotFound)
	}
}

func TestGetDocument(t *testing.T) {
	app := setupApp(t)
	app.seed(t, "CASE-1")

	body := "%PDF-1.4 judgment text"
	blob, err := app.blobs.Put(strings.NewReader(body), 0)
	if err != nil {
		t.Fatal(err)
	}
	done, err := app.store.RecordDocument(storage.Document{
		CaseNumber:     "CASE-1",
		SourceID:       "k1",
		Title:          "FINAL JUDGMENT: Smith/Doe",
		Checksum:       blob.Checksum,
		Size:           blob.Size,
		ContentType:    blob.ContentType,
		DownloadStatus: storage.DownloadDone,
	})
	if err != nil {
		t.Fatal(err)
	}
	paid, err := app.store.RecordDocument(storage.Document{
		CaseNumber:     "CASE-1",
		SourceID:       "k2",
		Title:          "COMPLAINT",
		DownloadStatus: storage.DownloadRequiresPayment,
	})
	if err != nil {
		t.Fatal(err)
	}

	rr := app.do(t, http.MethodGet, "/cases/CASE-1/documents/"+done.ID, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}
	if rr.Body.String() != body {
		t.Errorf("body = %q", rr.Body.String())
	}
	if ct := rr.Header().Get("Content-Type"); ct != blobstore.ContentTypePDF {
		t.Errorf("Content-Type = %q", ct)
	}
	want := `attachment; filename="CASE-1_FINAL-JUDGMENT_-Smith_Doe.pdf"`
	if cd := rr.Header().Get("Content-Disposition"); cd != want {
		t.Errorf("Content-Disposition = %q, want %q", cd, want)
	}

	for _, path := range []string{
		"/cases/CASE-1/documents/" + paid.ID,
		"/cases/CASE-1/documents/no-such-id",
		"/cases/CASE-2/documents/" + done.ID,
	} {
		if rr := app.do(t, http.MethodGet, path, ""); rr.Code != http.StatusNotFound {
			t.Errorf("GET %s status = %d, want 404", path, rr.Code)
		}
	}
}

func TestExportXLSX(t *testing.T) {
	app := setupApp(t)
	app.seed(t, "CASE-1")

	rr := app.do(t, http.MethodGet, "/cases/export.xlsx", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}
	if !strings.HasPrefix(rr.Body.String(), "PK") {
		t.Error("body is not a zip container")
	}
	if cd := rr.Header().Get("Content-Disposition"); !strings.Contains(cd, "cases.xlsx") {
		t.Errorf("Content-Disposition = %q", cd)
	}

	if rr := app.do(t, http.MethodGet, "/cases/export.xlsx?stage=nope", ""); rr.Code != http.StatusBadRequest {
		t.Errorf("bad stage status = %d, want 400", rr.Code)
	}
}

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"FINAL JUDGMENT", "FINAL-JUDGMENT"},
		{`a/b:c*d`, "a_b_c_d"},
		{"  --Order (amended).pdf", "Order-amended.pdf"},
		{"", "fallback"},
		{"???", "fallback"},
		{strings.Repeat("x", 150) + ".pdf", strings.Repeat("x", 100) + ".pdf"},
	}
	for _, tt := range tests {
		if got := sanitizeFilename(tt.in, "fallback"); got != tt.want {
			t.Errorf("sanitizeFilename(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestServiceStatus(t *testing.T) {
	app := setupApp(t)
	app.seed(t, "CASE-1", "CASE-2")

	rr := app.do(t, http.MethodGet, "/service/status", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}
	got := decode[struct {
		Version         string                `json:"version"`
		Stages          map[storage.Stage]int `json:"stages"`
		RestartRequired bool                  `json:"restart_required"`
	}](t, rr)
	if got.Version != "test" || got.Stages[storage.StageSubmitted] != 2 || got.RestartRequired {
		t.Errorf("status = %+v", got)
	}
}

func TestPutConfigReloads(t *testing.T) {
	app := setupApp(t)

	rr := app.do(t, http.MethodPut, "/service/config", `{"settings":{"llm.model":"openai/gpt-4o-mini","pipeline.max_workers":"6"}}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}
	got := decode[struct {
		Updated         []string `json:"updated"`
		RestartRequired bool     `json:"restart_required"`
	}](t, rr)
	if len(got.Updated) != 2 || !got.RestartRequired {
		t.Errorf("response = %+v, want two keys and restart required", got)
	}

	cfg := app.config.Snapshot()
	if cfg.LLM.Model != "openai/gpt-4o-mini" || cfg.Pipeline.MaxWorkers != 6 {
		t.Errorf("reloaded config: model %q, workers %d", cfg.LLM.Model, cfg.Pipeline.MaxWorkers)
	}

	rr = app.do(t, http.MethodGet, "/service/config", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("GET status = %d", rr.Code)
	}
	if strings.Contains(rr.Body.String(), "api_token") || strings.Contains(rr.Body.String(), "portal.password") {
		t.Error("config listing exposes a secret")
	}
}

func TestPutConfigClearsExtractionCache(t *testing.T) {
	tests := []struct {
		settings string
		want     int32
	}{
		{`{"settings":{"pipeline.max_attempts":"4"}}`, 0},
		{`{"settings":{"llm.model":"openai/gpt-4o"}}`, 1},
		{`{"settings":{"features.extract_associated_party_addresses":"true"}}`, 1},
	}
	for _, tt := range tests {
		app := setupApp(t)
		rr := app.do(t, http.MethodPut, "/service/config", tt.settings)
		if rr.Code != http.StatusOK {
			t.Fatalf("%s: status = %d; body = %s", tt.settings, rr.Code, rr.Body.String())
		}
		if got := app.forgets.Load(); got != tt.want {
			t.Errorf("%s: cache cleared %d times, want %d", tt.settings, got, tt.want)
		}
	}
}

func TestPutConfigRejects(t *testing.T) {
	app := setupApp(t)
	for _, body := range []string{
		`{"settings":{}}`,
		`{"settings":{"portal.password":"x"}}`,
		`{"settings":{"no.such":"1"}}`,
		`{"settings":{"pipeline.max_workers":"many"}}`,
	} {
		if rr := app.do(t, http.MethodPut, "/service/config", body); rr.Code != http.StatusBadRequest {
			t.Errorf("PUT %s status = %d, want 400", body, rr.Code)
		}
	}
}

func TestRestart(t *testing.T) {
	app := setupApp(t)
	app.queue.busy = true
	app.queue.health.QueueDepth = 3

	rr := app.do(t, http.MethodPost, "/service/restart", "")
	if rr.Code != http.StatusConflict {
		t.Fatalf("busy restart status = %d, want 409", rr.Code)
	}
	if app.restarts.Load() != 0 {
		t.Fatal("restart triggered while busy")
	}

	rr = app.do(t, http.MethodPost, "/service/restart?force=true", "")
	if rr.Code != http.StatusAccepted {
		t.Fatalf("forced restart status = %d, want 202", rr.Code)
	}

	app.queue.busy = false
	rr = app.do(t, http.MethodPost, "/service/restart", "")
	if rr.Code != http.StatusAccepted {
		t.Fatalf("idle restart status = %d, want 202", rr.Code)
	}
	if n := app.restarts.Load(); n != 2 {
		t.Errorf("restarts = %d, want 2", n)
	}
}

func TestHTTPErrorShape(t *testing.T) {
	rr := httptest.NewRecorder()
	httpError(rr, http.StatusTeapot, "test_error", "value %d", 7)
	got := decode[struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		} `json:"error"`
	}](t, rr)
	if rr.Code != http.StatusTeapot || got.Error.Message != "value 7" || got.Error.Type != "test_error" {
		t.Errorf("error = %+v (code %d)", got, rr.Code)
	}
}
