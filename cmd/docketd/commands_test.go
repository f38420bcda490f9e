package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kalambet/docketd/internal/config"
)

type recordedRequest struct {
	Method string
	Path   string
	Body   string
	Auth   string
}

type testServer struct {
	server   *httptest.Server
	requests []recordedRequest
}

func newTestServer(t *testing.T, responses map[string]string) *testServer {
	t.Helper()
	ts := &testServer{}

	ts.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body bytes.Buffer
		body.ReadFrom(r.Body)

		ts.requests = append(ts.requests, recordedRequest{
			Method: r.Method,
			Path:   r.URL.RequestURI(),
			Body:   body.String(),
			Auth:   r.Header.Get("Authorization"),
		})

		key := r.Method + " " + r.URL.Path
		if resp, ok := responses[key]; ok {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(resp))
			return
		}

		w.WriteHeader(404)
		w.Write([]byte(`{"error":{"message":"case CASE-404 not found","type":"not_found"}}`))
	}))

	t.Cleanup(ts.server.Close)

	prev := newAPIClient
	newAPIClient = func() (*apiClient, error) { return ts.client(), nil }
	t.Cleanup(func() { newAPIClient = prev })
	return ts
}

func (ts *testServer) client() *apiClient {
	return &apiClient{
		baseURL:    ts.server.URL,
		token:      "test-token",
		httpClient: ts.server.Client(),
	}
}

// execute runs the root command with args and returns what it printed.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
	})
	err := rootCmd.Execute()
	return out.String(), err
}

func resetSubmitFlags(t *testing.T) {
	t.Cleanup(func() {
		for name, def := range map[string]string{
			"name": "", "creditor": "", "business": "false", "creditor-type": "plaintiff", "reprocess": "false", "file": "",
		} {
			submitCmd.Flags().Set(name, def)
		}
	})
}

func TestSubmitCommand_Single(t *testing.T) {
	resetSubmitFlags(t)
	ts := newTestServer(t, map[string]string{
		"POST /cases": `{"results":[{"case_number":"CASE-1","status":"queued"}]}`,
	})

	if _, err := execute(t, "submit", "CASE-1", "--name", "John Doe vs ABC Corp", "--creditor", "ABC Corp", "--business"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(ts.requests) != 1 {
		t.Fatalf("expected 1 request, got %d", len(ts.requests))
	}
	r := ts.requests[0]
	if r.Method != "POST" || r.Path != "/cases" {
		t.Errorf("request = %s %s, want POST /cases", r.Method, r.Path)
	}
	if r.Auth != "Bearer test-token" {
		t.Errorf("auth = %q, want Bearer test-token", r.Auth)
	}

	var body struct {
		Cases []caseEntry `json:"cases"`
	}
	if err := json.Unmarshal([]byte(r.Body), &body); err != nil {
		t.Fatalf("body parse error: %v", err)
	}
	if len(body.Cases) != 1 {
		t.Fatalf("cases = %+v", body.Cases)
	}
	c := body.Cases[0]
	if c.CaseNumber != "CASE-1" || c.SearchName != "John Doe vs ABC Corp" || c.CreditorName != "ABC Corp" ||
		!c.IsBusiness || c.CreditorType != "plaintiff" || c.Reprocess {
		t.Errorf("case = %+v", c)
	}
}

func TestSubmitCommand_Rejected(t *testing.T) {
	resetSubmitFlags(t)
	newTestServer(t, map[string]string{
		"POST /cases": `{"results":[{"case_number":"CASE-1","status":"rejected","error":"queue is full"}]}`,
	})

	_, err := execute(t, "submit", "CASE-1", "--name", "A vs B")
	if err == nil || !strings.Contains(err.Error(), "1 of 1 cases rejected") {
		t.Errorf("error = %v", err)
	}
}

func TestSubmitCommand_MissingArgs(t *testing.T) {
	resetSubmitFlags(t)
	ts := newTestServer(t, nil)

	for _, args := range [][]string{
		{"submit"},
		{"submit", "CASE-1"},
	} {
		_, err := execute(t, args...)
		if err == nil || !strings.Contains(err.Error(), "required") {
			t.Errorf("%v: error = %v, want it to mention 'required'", args, err)
		}
	}
	if len(ts.requests) != 0 {
		t.Errorf("sent %d requests for invalid input", len(ts.requests))
	}
}

func TestSubmitCommand_File(t *testing.T) {
	resetSubmitFlags(t)
	ts := newTestServer(t, map[string]string{
		"POST /cases": `{"results":[{"case_number":"CASE-1","status":"queued"},{"case_number":"CASE-2","status":"duplicate"}]}`,
	})

	path := filepath.Join(t.TempDir(), "cases.json")
	data := `[{"case_number":"CASE-1","case_name":"A vs B"},{"case_number":"CASE-2","case_name":"C vs D","is_business":true}]`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := execute(t, "submit", "--file", path, "--reprocess"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var body struct {
		Cases []caseEntry `json:"cases"`
	}
	if err := json.Unmarshal([]byte(ts.requests[0].Body), &body); err != nil {
		t.Fatal(err)
	}
	if len(body.Cases) != 2 || !body.Cases[0].Reprocess || !body.Cases[1].Reprocess || !body.Cases[1].IsBusiness {
		t.Errorf("cases = %+v", body.Cases)
	}
}

func TestCasesCommand(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /cases": `{"cases":[
			{"case_number":"CASE-1","stage":"COMPLETED","outcome":"all_data","updated_at":"2026-01-02T10:00:00Z"},
			{"case_number":"CASE-2","stage":"FAILED","failed_stage":"SEARCHING","error_kind":"NotFoundError","last_error":"no match","updated_at":"2026-01-02T11:00:00Z"}
		]}`,
	})
	noColor = true
	t.Cleanup(func() { noColor = false })

	out, err := execute(t, "cases", "--stage", "failed", "--limit", "10")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	u, err := url.Parse(ts.requests[0].Path)
	if err != nil {
		t.Fatal(err)
	}
	if q := u.Query(); q.Get("stage") != "FAILED" || q.Get("limit") != "10" {
		t.Errorf("query = %s", u.RawQuery)
	}
	if !strings.Contains(out, "CASE-1") || !strings.Contains(out, "all_data") {
		t.Errorf("output missing completed case:\n%s", out)
	}
	if !strings.Contains(out, "NotFoundError at SEARCHING: no match") {
		t.Errorf("output missing failure detail:\n%s", out)
	}
}

func TestCaseCommand_NotFound(t *testing.T) {
	newTestServer(t, nil)

	_, err := execute(t, "case", "CASE-404")
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "404") || !strings.Contains(err.Error(), "not found") {
		t.Errorf("error = %q", err)
	}
}

func TestCaseCommand_PrintsJSON(t *testing.T) {
	newTestServer(t, map[string]string{
		"GET /cases/CASE-1": `{"case_number":"CASE-1","stage":"COMPLETED","documents":[]}`,
	})

	out, err := execute(t, "case", "CASE-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var got map[string]any
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, out)
	}
	if got["stage"] != "COMPLETED" {
		t.Errorf("stage = %v", got["stage"])
	}
}

func TestExportCommand(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /cases/export.xlsx": "PK\x03\x04workbook",
	})
	out := filepath.Join(t.TempDir(), "out.xlsx")
	t.Cleanup(func() {
		exportCmd.Flags().Set("output", "cases.xlsx")
		exportCmd.Flags().Set("stage", "")
	})

	if _, err := execute(t, "export", "-o", out, "--stage", "completed"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "PK\x03\x04workbook" {
		t.Errorf("file = %q", data)
	}
	if ts.requests[0].Path != "/cases/export.xlsx?stage=COMPLETED" {
		t.Errorf("path = %q", ts.requests[0].Path)
	}
}

func TestConfigShowYAML(t *testing.T) {
	t.Setenv("DOCKETD_CONFIG", filepath.Join(t.TempDir(), "config.yaml"))
	t.Setenv("DOCKETD_PORTAL_PASSWORD", "s3cret")
	t.Cleanup(func() { configShowCmd.Flags().Set("yaml", "false") })

	out, err := execute(t, "config", "show", "--yaml")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, "pipeline:") || !strings.Contains(out, "max_workers: 2") {
		t.Errorf("output:\n%s", out)
	}
	if strings.Contains(out, "s3cret") || strings.Contains(out, "password") {
		t.Error("config show printed a secret")
	}
}

func TestConfigSet(t *testing.T) {
	t.Setenv("DOCKETD_CONFIG", filepath.Join(t.TempDir(), "config.yaml"))

	if _, err := execute(t, "config", "set", "pipeline.max_workers", "4"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cfg, err := config.Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Pipeline.MaxWorkers != 4 {
		t.Errorf("MaxWorkers = %d, want 4", cfg.Pipeline.MaxWorkers)
	}

	_, err = execute(t, "config", "set", "pipeline.workers", "4")
	if err == nil || !strings.Contains(err.Error(), "valid keys") {
		t.Errorf("error = %v, want list of valid keys", err)
	}
}

func TestAPIToken(t *testing.T) {
	cfg := config.Default()
	cfg.Storage.DataDir = t.TempDir()

	if _, err := readAPIToken(cfg); err == nil {
		t.Fatal("expected error without env or token file")
	}

	tok, err := ensureAPIToken(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if len(tok) != 64 {
		t.Errorf("token = %q, want 64 hex chars", tok)
	}
	info, err := os.Stat(tokenFilePath(cfg.Storage.DataDir))
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("token file mode = %v, want 0600", info.Mode().Perm())
	}
	if again, _ := ensureAPIToken(cfg); again != tok {
		t.Error("ensureAPIToken replaced an existing token")
	}
	if got, _ := readAPIToken(cfg); got != tok {
		t.Errorf("readAPIToken = %q, want generated token", got)
	}

	cfg.Server.APIToken = "from-env"
	if got, _ := readAPIToken(cfg); got != "from-env" {
		t.Errorf("readAPIToken = %q, want env token", got)
	}
}
