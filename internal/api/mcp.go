package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/docketd/internal/storage"
)

const recentCasesLimit = 20

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Queue   Queue
	Store   CaseStore
	Version string
}

// NewMCPServer creates an MCP server exposing case submission and lookup.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"docketd",
		deps.Version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("docketd looks up court cases on the records portal, downloads judgment documents and extracts creditor data."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("submit_case",
			mcp.WithDescription("Queue a case for processing. Resubmitting a finished case reuses its documents unless reprocess is set."),
			mcp.WithString("case_number", mcp.Description("Court case number"), mcp.Required()),
			mcp.WithString("case_name", mcp.Description("Case name to search the portal for, e.g. 'John Doe vs ABC Corp'"), mcp.Required()),
			mcp.WithString("creditor_name", mcp.Description("Declared creditor")),
			mcp.WithBoolean("is_business", mcp.Description("Whether the creditor is a business")),
			mcp.WithString("creditor_type", mcp.Description("Party role of the creditor, e.g. plaintiff")),
			mcp.WithBoolean("reprocess", mcp.Description("Download and extract again even if done before")),
		),
		mcpSubmitCase(deps),
	)

	s.AddTool(
		mcp.NewTool("get_case",
			mcp.WithDescription("Return a case with its documents, extracted fields and findings."),
			mcp.WithString("case_number", mcp.Description("Court case number"), mcp.Required()),
		),
		mcpGetCase(deps),
	)

	s.AddTool(
		mcp.NewTool("list_cases",
			mcp.WithDescription("List cases, most recently updated first."),
			mcp.WithString("stage", mcp.Description("Only cases in this stage (SUBMITTED, SEARCHING, COMPLETED, FAILED, ...)")),
			mcp.WithNumber("limit", mcp.Description("Maximum number of cases (default 50)")),
			mcp.WithNumber("offset", mcp.Description("Number of cases to skip")),
		),
		mcpListCases(deps),
	)

	s.AddTool(
		mcp.NewTool("service_health",
			mcp.WithDescription("Report portal session validity, queue depth and active workers."),
		),
		mcpServiceHealth(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"cases://recent",
			"Recent Cases",
			mcp.WithResourceDescription("Status of the most recently updated cases"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceRecent(deps),
	)

	return s
}

func mcpSubmitCase(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		number, err := req.RequireString("case_number")
		if err != nil {
			return mcpError("case_number is required"), nil
		}
		name, err := req.RequireString("case_name")
		if err != nil {
			return mcpError("case_name is required"), nil
		}

		res := submitOne(deps.Queue, caseRequest{
			CaseInput: storage.CaseInput{
				CaseNumber:   number,
				SearchName:   name,
				CreditorName: req.GetString("creditor_name", ""),
				IsBusiness:   req.GetBool("is_business", false),
				CreditorType: req.GetString("creditor_type", ""),
			},
			Reprocess: req.GetBool("reprocess", false),
		})
		if res.Status == statusRejected {
			return mcpError(fmt.Sprintf("case %s rejected: %s", res.CaseNumber, res.Error)), nil
		}
		return mcpText(fmt.Sprintf("case %s %s", res.CaseNumber, res.Status)), nil
	}
}

func mcpGetCase(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		number, err := req.RequireString("case_number")
		if err != nil {
			return mcpError("case_number is required"), nil
		}
		agg, err := deps.Store.GetCase(number)
		if errors.Is(err, storage.ErrNotFound) {
			return mcpError(fmt.Sprintf("case %s not found", number)), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("failed to get case: %v", err)), nil
		}
		b, err := json.Marshal(agg)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal case: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpListCases(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		stage := storage.Stage(strings.ToUpper(req.GetString("stage", "")))
		if stage != "" && !stage.Valid() {
			return mcpError(fmt.Sprintf("unknown stage %q", stage)), nil
		}
		limit := min(max(req.GetInt("limit", defaultListLimit), 1), maxListLimit)
		cases, err := deps.Store.ListCases(storage.ListFilter{
			Stage:  stage,
			Limit:  limit,
			Offset: max(req.GetInt("offset", 0), 0),
		})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to list cases: %v", err)), nil
		}
		if len(cases) == 0 {
			return mcpText("No cases found."), nil
		}

		var sb strings.Builder
		for i, c := range cases {
			fmt.Fprintf(&sb, "%d. %s [%s]", i+1, c.CaseNumber, c.Stage)
			switch {
			case c.Stage == storage.StageFailed:
				fmt.Fprintf(&sb, " %s at %s: %s", c.ErrorKind, c.FailedStage, c.LastError)
			case c.Outcome != "":
				fmt.Fprintf(&sb, " %s", c.Outcome)
			}
			sb.WriteString("\n")
		}
		return mcpText(sb.String()), nil
	}
}

func mcpServiceHealth(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		b, err := json.Marshal(deps.Queue.Health())
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal health: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpResourceRecent(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		cases, err := deps.Store.ListCases(storage.ListFilter{Limit: recentCasesLimit})
		if err != nil {
			return nil, fmt.Errorf("failed to list cases: %w", err)
		}
		out := make([]caseSummary, len(cases))
		for i, c := range cases {
			out[i] = summarize(c)
		}
		b, err := json.Marshal(out)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal cases: %w", err)
		}
		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
