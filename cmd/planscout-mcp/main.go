package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/use-agent/planscout/models"
)

func main() {
	apiURL := os.Getenv("PLANSCOUT_API_URL")
	if apiURL == "" {
		apiURL = "http://127.0.0.1:8080"
	}
	apiKey := os.Getenv("PLANSCOUT_API_KEY")
	if apiKey == "" {
		fmt.Fprintln(os.Stderr, "PLANSCOUT_API_KEY is required")
		os.Exit(1)
	}
	c := &client{
		base: strings.TrimRight(apiURL, "/"),
		key:  apiKey,
		http: &http.Client{Timeout: 30 * time.Second},
		poll: 2 * time.Second,
	}

	s := server.NewMCPServer(
		"planscout",
		"1.0.0",
		server.WithToolCapabilities(false),
	)

	startRunTool := mcp.NewTool("start_run",
		mcp.WithDescription("Search the configured planning portals for applications matching keywords. Waits for the run to finish and returns a per-site summary. Blocked portals are reported, never retried."),
		mcp.WithArray("keywords",
			mcp.Description("Keywords or phrases to match, e.g. [\"noise monitoring\"]. Defaults to the server's configured list."),
			mcp.WithStringItems(),
		),
		mcp.WithArray("sites",
			mcp.Description("Site names to search. Defaults to every configured site."),
			mcp.WithStringItems(),
		),
		mcp.WithString("date_from",
			mcp.Description("Earliest received date, YYYY-MM-DD"),
		),
		mcp.WithString("date_to",
			mcp.Description("Latest received date, YYYY-MM-DD"),
		),
		mcp.WithBoolean("wait",
			mcp.Description("Wait for completion (default: true). When false, returns the run id immediately."),
		),
	)
	s.AddTool(startRunTool, handleStartRun(c))

	getRunTool := mcp.NewTool("get_run",
		mcp.WithDescription("Get the status and summary of a run started with start_run."),
		mcp.WithString("id",
			mcp.Required(),
			mcp.Description("Run id returned by start_run"),
		),
	)
	s.AddTool(getRunTool, handleGetRun(c))

	listTool := mcp.NewTool("list_applications",
		mcp.WithDescription("List stored planning applications that matched a keyword, most recent first."),
		mcp.WithString("site",
			mcp.Description("Only applications from this site"),
		),
		mcp.WithString("keyword",
			mcp.Description("Only applications that matched this keyword"),
		),
		mcp.WithNumber("limit",
			mcp.Description("Maximum results (default: 50, max: 1000)"),
		),
	)
	s.AddTool(listTool, handleListApplications(c))

	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "server error: %v\n", err)
		os.Exit(1)
	}
}

// client talks to the planscout HTTP API.
type client struct {
	base string
	key  string
	http *http.Client
	poll time.Duration
}

// do sends a request and decodes a 2xx JSON body into out. Error bodies
// are turned into "[CODE] message" errors.
func (c *client) do(ctx context.Context, method, path string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-API-Key", c.key)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("API request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		var e models.ErrorResponse
		if json.Unmarshal(data, &e) == nil && e.Error != nil {
			return fmt.Errorf("[%s] %s", e.Error.Code, e.Error.Message)
		}
		return fmt.Errorf("API returned status %d", resp.StatusCode)
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("parse response: %w", err)
		}
	}
	return nil
}

// waitRun polls a run until it leaves "processing" or ctx is cancelled.
func (c *client) waitRun(ctx context.Context, id string) (*models.RunStatusResponse, error) {
	ticker := time.NewTicker(c.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
			var st models.RunStatusResponse
			if err := c.do(ctx, http.MethodGet, "/api/v1/runs/"+url.PathEscape(id), nil, &st); err != nil {
				return nil, err
			}
			if st.Status != "processing" {
				return &st, nil
			}
		}
	}
}

func handleStartRun(c *client) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		req := models.RunRequest{
			Keywords: request.GetStringSlice("keywords", nil),
			Sites:    request.GetStringSlice("sites", nil),
			DateFrom: request.GetString("date_from", ""),
			DateTo:   request.GetString("date_to", ""),
		}

		var acc models.RunAccepted
		if err := c.do(ctx, http.MethodPost, "/api/v1/runs", req, &acc); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("start run failed: %v", err)), nil
		}
		if !request.GetBool("wait", true) {
			return mcp.NewToolResultText(fmt.Sprintf("Run %s started (%d tasks). Use get_run to follow it.", acc.ID, acc.Total)), nil
		}

		st, err := c.waitRun(ctx, acc.ID)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("polling run %s failed: %v", acc.ID, err)), nil
		}
		return mcp.NewToolResultText(formatRun(st)), nil
	}
}

func handleGetRun(c *client) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := request.RequireString("id")
		if err != nil {
			return mcp.NewToolResultError("id is required"), nil
		}
		var st models.RunStatusResponse
		if err := c.do(ctx, http.MethodGet, "/api/v1/runs/"+url.PathEscape(id), nil, &st); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("get run failed: %v", err)), nil
		}
		return mcp.NewToolResultText(formatRun(&st)), nil
	}
}

func handleListApplications(c *client) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		q := url.Values{}
		if s := request.GetString("site", ""); s != "" {
			q.Set("site", s)
		}
		if k := request.GetString("keyword", ""); k != "" {
			q.Set("keyword", k)
		}
		limit := request.GetInt("limit", 50)
		q.Set("limit", strconv.Itoa(limit))

		var resp models.ApplicationsResponse
		if err := c.do(ctx, http.MethodGet, "/api/v1/applications?"+q.Encode(), nil, &resp); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("list applications failed: %v", err)), nil
		}
		return mcp.NewToolResultText(formatApplications(resp.Applications)), nil
	}
}

func formatRun(st *models.RunStatusResponse) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Run %s: %s (%d/%d tasks", st.ID, st.Status, st.Completed, st.Total)
	if st.Blocked > 0 {
		fmt.Fprintf(&sb, ", %d blocked", st.Blocked)
	}
	sb.WriteString(")\n")

	s := st.Summary
	if s == nil {
		return sb.String()
	}
	if s.Error != nil {
		fmt.Fprintf(&sb, "Error: [%s] %s\n", s.Error.Code, s.Error.Message)
	}
	fmt.Fprintf(&sb, "Sites succeeded: %d, blocked: %d. Records found: %d (new %d, already known %d)\n\n",
		s.Totals.SitesSucceeded, s.Totals.SitesBlocked, s.Totals.RecordsFound, s.Totals.RecordsNew, s.Totals.RecordsKnown)

	for _, site := range s.Sites {
		fmt.Fprintf(&sb, "## %s: %s\n", site.Site, site.Status)
		for _, o := range site.Outcomes {
			fmt.Fprintf(&sb, "- %q: %s, %d found, %d new, %d attempts", o.Keyword, o.Status, o.RecordsFound, o.RecordsNew, o.Attempts)
			if o.LastError != "" && o.Status != models.StatusSuccess {
				fmt.Fprintf(&sb, " (%s)", o.LastError)
			}
			sb.WriteString("\n")
		}
		if len(site.Skipped) > 0 {
			fmt.Fprintf(&sb, "- skipped: %s\n", strings.Join(site.Skipped, ", "))
		}
	}
	return sb.String()
}

func formatApplications(recs []models.CandidateRecord) string {
	if len(recs) == 0 {
		return "No stored applications match."
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d applications\n\n", len(recs))
	for i, r := range recs {
		fmt.Fprintf(&sb, "%d. [%s] %s: %s\n", i+1, r.Site, r.ExternalID, r.Title)
		if r.Address != "" {
			fmt.Fprintf(&sb, "   %s\n", r.Address)
		}
		if !r.SubmittedAt.IsZero() {
			fmt.Fprintf(&sb, "   Received %s", r.SubmittedAt.Format("2006-01-02"))
			if r.Status != "" {
				fmt.Fprintf(&sb, ", %s", r.Status)
			}
			sb.WriteString("\n")
		}
		if len(r.MatchedKeywords) > 0 {
			fmt.Fprintf(&sb, "   Matched: %s\n", strings.Join(r.MatchedKeywords, ", "))
		}
		if r.SourceURL != "" {
			fmt.Fprintf(&sb, "   %s\n", r.SourceURL)
		}
	}
	return sb.String()
}
