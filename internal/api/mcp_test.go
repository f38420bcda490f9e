package api

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kalambet/docketd/internal/pipeline"
	"github.com/kalambet/docketd/internal/storage"
)

// --- helpers ---

func newTestMCPDeps(t *testing.T) (MCPDeps, *fakeQueue, *storage.Store) {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	q := &fakeQueue{store: store, health: pipeline.Health{SessionValid: true, QueueDepth: 1, ActiveWorkers: 2, MaxWorkers: 2}}
	return MCPDeps{Queue: q, Store: store, Version: "test"}, q, store
}

func toolText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if len(result.Content) == 0 {
		t.Fatal("no content in result")
	}
	tc, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("expected TextContent, got %T", result.Content[0])
	}
	return tc.Text
}

func makeCallToolRequest(name string, args map[string]interface{}) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

// --- tests ---

func TestMCPTool_SubmitCase(t *testing.T) {
	deps, q, store := newTestMCPDeps(t)
	handler := mcpSubmitCase(deps)

	result, err := handler(context.Background(), makeCallToolRequest("submit_case", map[string]interface{}{
		"case_number":   "CASE-1",
		"case_name":     "John Doe vs ABC Corp",
		"creditor_name": "ABC Corp",
		"is_business":   true,
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected tool error: %s", toolText(t, result))
	}
	if text := toolText(t, result); text != "case CASE-1 queued" {
		t.Errorf("text = %q", text)
	}

	c, err := store.GetCase("CASE-1")
	if err != nil {
		t.Fatal(err)
	}
	if !c.IsBusiness || c.CreditorName != "ABC Corp" {
		t.Errorf("stored case = %+v", c.Case)
	}
	if len(q.submitted) != 1 {
		t.Errorf("submitted %d cases, want 1", len(q.submitted))
	}
}

func TestMCPTool_SubmitCaseRequiresFields(t *testing.T) {
	deps, q, _ := newTestMCPDeps(t)
	handler := mcpSubmitCase(deps)

	for _, args := range []map[string]interface{}{
		{"case_name": "A vs B"},
		{"case_number": "CASE-1"},
	} {
		result, err := handler(context.Background(), makeCallToolRequest("submit_case", args))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !result.IsError {
			t.Errorf("args %v: expected tool error", args)
		}
	}
	if len(q.submitted) != 0 {
		t.Error("invalid request reached the queue")
	}
}

func TestMCPTool_SubmitCaseRejected(t *testing.T) {
	deps, q, _ := newTestMCPDeps(t)
	q.submitFn = func(storage.CaseInput, bool) (string, error) { return "", pipeline.ErrDraining }

	result, err := mcpSubmitCase(deps)(context.Background(), makeCallToolRequest("submit_case", map[string]interface{}{
		"case_number": "CASE-1",
		"case_name":   "A vs B",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError || !strings.Contains(toolText(t, result), "draining") {
		t.Errorf("result = %+v", result)
	}
}

func TestMCPTool_GetCase(t *testing.T) {
	deps, _, store := newTestMCPDeps(t)
	if _, err := store.UpsertCase(storage.CaseInput{CaseNumber: "CASE-1", SearchName: "A vs B"}); err != nil {
		t.Fatal(err)
	}
	handler := mcpGetCase(deps)

	result, err := handler(context.Background(), makeCallToolRequest("get_case", map[string]interface{}{"case_number": "CASE-1"}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var agg storage.CaseAggregate
	if err := json.Unmarshal([]byte(toolText(t, result)), &agg); err != nil {
		t.Fatalf("result is not a case: %v", err)
	}
	if agg.CaseNumber != "CASE-1" || agg.Stage != storage.StageSubmitted {
		t.Errorf("case = %+v", agg.Case)
	}

	result, err = handler(context.Background(), makeCallToolRequest("get_case", map[string]interface{}{"case_number": "CASE-404"}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError || !strings.Contains(toolText(t, result), "not found") {
		t.Errorf("unknown case result = %q", toolText(t, result))
	}
}

func TestMCPTool_ListCases(t *testing.T) {
	deps, _, store := newTestMCPDeps(t)
	for _, n := range []string{"CASE-1", "CASE-2"} {
		if _, err := store.UpsertCase(storage.CaseInput{CaseNumber: n, SearchName: "A vs B"}); err != nil {
			t.Fatal(err)
		}
	}
	if err := store.FailCase("CASE-2", storage.StageSubmitted, "AuthError", "login rejected"); err != nil {
		t.Fatal(err)
	}
	handler := mcpListCases(deps)

	result, err := handler(context.Background(), makeCallToolRequest("list_cases", map[string]interface{}{"stage": "failed"}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	text := toolText(t, result)
	if !strings.Contains(text, "CASE-2 [FAILED] AuthError at SUBMITTED: login rejected") || strings.Contains(text, "CASE-1") {
		t.Errorf("text = %q", text)
	}

	result, _ = handler(context.Background(), makeCallToolRequest("list_cases", map[string]interface{}{"stage": "COMPLETED"}))
	if text := toolText(t, result); text != "No cases found." {
		t.Errorf("empty listing = %q", text)
	}

	result, _ = handler(context.Background(), makeCallToolRequest("list_cases", map[string]interface{}{"stage": "DONE"}))
	if !result.IsError {
		t.Error("expected error for unknown stage")
	}
}

func TestMCPTool_ServiceHealth(t *testing.T) {
	deps, _, _ := newTestMCPDeps(t)

	result, err := mcpServiceHealth(deps)(context.Background(), makeCallToolRequest("service_health", nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var h pipeline.Health
	if err := json.Unmarshal([]byte(toolText(t, result)), &h); err != nil {
		t.Fatal(err)
	}
	if !h.SessionValid || h.QueueDepth != 1 || h.ActiveWorkers != 2 {
		t.Errorf("health = %+v", h)
	}
}

func TestMCPResource_Recent(t *testing.T) {
	deps, _, store := newTestMCPDeps(t)
	if _, err := store.UpsertCase(storage.CaseInput{CaseNumber: "CASE-1", SearchName: "A vs B"}); err != nil {
		t.Fatal(err)
	}

	contents, err := mcpResourceRecent(deps)(context.Background(), mcp.ReadResourceRequest{
		Params: mcp.ReadResourceParams{URI: "cases://recent"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(contents) != 1 {
		t.Fatalf("got %d contents, want 1", len(contents))
	}
	tc, ok := contents[0].(mcp.TextResourceContents)
	if !ok {
		t.Fatalf("expected TextResourceContents, got %T", contents[0])
	}
	var got []caseSummary
	if err := json.Unmarshal([]byte(tc.Text), &got); err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].CaseNumber != "CASE-1" {
		t.Errorf("recent = %+v", got)
	}
}

func TestNewMCPServerRegistersTools(t *testing.T) {
	deps, _, _ := newTestMCPDeps(t)
	s := NewMCPServer(deps)

	resp := s.HandleMessage(context.Background(), json.RawMessage(`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`))
	b, err := json.Marshal(resp)
	if err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"submit_case", "get_case", "list_cases", "service_health"} {
		if !strings.Contains(string(b), `"name":"`+name+`"`) {
			t.Errorf("tool %s not listed in %s", name, b)
		}
	}
}
