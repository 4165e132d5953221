package api

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/evalq/internal/submission"
)

// MCPStore is the read side of the queue used by MCP tools and resources.
type MCPStore interface {
	GetSubmission(ctx context.Context, id string) (submission.Item, error)
	ListSubmissions(ctx context.Context, status submission.Status, limit int) ([]submission.Item, error)
	ListFeedback(ctx context.Context, submissionID string) ([]submission.FeedbackRecord, error)
}

// Decider commits a decision; *decision.Committer satisfies it.
type Decider interface {
	Decide(ctx context.Context, ev submission.Evaluator, itemID string, d submission.Status, feedback string) (submission.Item, error)
}

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Store   MCPStore
	Decider Decider
	// DefaultEvaluator decides when a tool call names no evaluator.
	DefaultEvaluator string
}

// NewMCPServer creates an MCP server with the queue tools and resources registered.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"evalq",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("evalq: shared review queue of pending applications. List, inspect and decide submissions."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("list_pending",
			mcp.WithDescription("List pending submissions in queue order (oldest first)."),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 20)")),
		),
		mcpListPending(deps),
	)

	s.AddTool(
		mcp.NewTool("get_submission",
			mcp.WithDescription("Fetch one submission with its feedback history."),
			mcp.WithString("id", mcp.Description("Submission id"), mcp.Required()),
		),
		mcpGetSubmission(deps),
	)

	s.AddTool(
		mcp.NewTool("decide_submission",
			mcp.WithDescription("Accept or reject a pending submission. Fails if someone else already decided it."),
			mcp.WithString("id", mcp.Description("Submission id"), mcp.Required()),
			mcp.WithString("decision", mcp.Description("accepted or rejected"), mcp.Required()),
			mcp.WithString("feedback", mcp.Description("Feedback sent to the applicant"), mcp.Required()),
			mcp.WithString("evaluator", mcp.Description("Evaluator id recorded on the decision")),
		),
		mcpDecide(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"queue://pending",
			"Pending Queue",
			mcp.WithResourceDescription("Pending submissions as JSON, oldest first"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourcePending(deps),
	)

	return s
}

type pendingSummary struct {
	ID        string `json:"id"`
	FullName  string `json:"full_name"`
	Email     string `json:"email"`
	CreatedAt string `json:"created_at"`
}

func summarize(items []submission.Item) []pendingSummary {
	out := make([]pendingSummary, len(items))
	for i, it := range items {
		out[i] = pendingSummary{
			ID:        it.ID,
			FullName:  it.FullName,
			Email:     it.Email,
			CreatedAt: it.CreatedAt.Format(time.RFC3339),
		}
	}
	return out
}

func mcpListPending(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		limit := req.GetInt("limit", 20)
		if limit <= 0 {
			limit = 20
		}
		if limit > 200 {
			limit = 200
		}

		items, err := deps.Store.ListSubmissions(ctx, submission.StatusPending, limit)
		if err != nil {
			return mcpError(fmt.Sprintf("listing pending submissions failed: %v", err)), nil
		}

		b, err := json.Marshal(summarize(items))
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpGetSubmission(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return mcpError("id is required"), nil
		}

		it, err := deps.Store.GetSubmission(ctx, id)
		if err != nil {
			if submission.KindOf(err) == submission.KindNotFound {
				return mcpError(submission.KindNotFound.Message()), nil
			}
			return mcpError(fmt.Sprintf("reading submission failed: %v", err)), nil
		}
		fb, err := deps.Store.ListFeedback(ctx, id)
		if err != nil {
			return mcpError(fmt.Sprintf("reading feedback failed: %v", err)), nil
		}

		b, err := json.Marshal(struct {
			submission.Item
			FeedbackHistory []submission.FeedbackRecord `json:"feedback_history"`
		}{it, fb})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal submission: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpDecide(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if deps.Decider == nil {
			return mcpError("deciding is not available on this server"), nil
		}
		id, err := req.RequireString("id")
		if err != nil {
			return mcpError("id is required"), nil
		}
		raw, err := req.RequireString("decision")
		if err != nil {
			return mcpError("decision is required"), nil
		}
		d, err := submission.ParseDecision(raw)
		if err != nil {
			return mcpError(err.Error()), nil
		}
		feedback := req.GetString("feedback", "")
		evaluator := req.GetString("evaluator", deps.DefaultEvaluator)

		it, err := deps.Decider.Decide(ctx, submission.Evaluator{ID: evaluator}, id, d, feedback)
		if err != nil {
			return mcpError(submission.KindOf(err).Message()), nil
		}
		return mcpText(fmt.Sprintf("Successfully %s the application %s", it.Status, it.ID)), nil
	}
}

func mcpResourcePending(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		items, err := deps.Store.ListSubmissions(ctx, submission.StatusPending, 0)
		if err != nil {
			return nil, fmt.Errorf("failed to list pending submissions: %w", err)
		}

		b, err := json.Marshal(summarize(items))
		if err != nil {
			return nil, fmt.Errorf("failed to marshal pending submissions: %w", err)
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
