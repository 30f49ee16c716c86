package mcpserver

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/sirupsen/logrus"

	"github.com/b0ase/path402/apps/minesim/internal/accrual"
	"github.com/b0ase/path402/apps/minesim/internal/mining"
)

var log = logrus.WithField("component", "mcp")

// --- Input types ---

type emptyInput struct{}

type deviceInput struct {
	DeviceID string `json:"deviceId" jsonschema:"device identifier"`
}

// registerTools adds all minesim MCP tools to the server.
func (s *MCPServer) registerTools() {
	// Read-only tools

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "minesim_node",
		Description: "Daemon status: uptime, store backend and sweeper counters",
	}, s.handleNode)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "minesim_projection",
		Description: "Forecast a device's next accrual and pause time without recording activity",
	}, s.handleProjection)

	// Write tools

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "minesim_status",
		Description: "Device status. Creates the record if missing, credits elapsed periods and counts as activity",
	}, s.handleStatus)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "minesim_start",
		Description: "Start mining for a device, keeping its balance",
	}, s.handleStart)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "minesim_heartbeat",
		Description: "Record activity for an existing device",
	}, s.handleHeartbeat)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "minesim_reset",
		Description: "Zero a device's balance and stop mining",
	}, s.handleReset)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "minesim_sweep",
		Description: "Run the inactivity sweep over every mining device now",
	}, s.handleSweep)
}

// --- Handlers ---

func (s *MCPServer) handleNode(_ context.Context, _ *mcp.CallToolRequest, _ emptyInput) (*mcp.CallToolResult, any, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "# minesim\n\n")
	if s.daemon == nil {
		fmt.Fprintf(&b, "No daemon attached.\n")
		return textResult(b.String()), nil, nil
	}
	fmt.Fprintf(&b, "**Uptime:** %s\n", s.daemon.Uptime().Round(time.Second))
	fmt.Fprintf(&b, "**Store:** %s\n\n", s.daemon.StoreBackend())

	st := s.daemon.SweeperStats()
	fmt.Fprintf(&b, "## Sweeper\n")
	fmt.Fprintf(&b, "- Runs: %d\n", st.Runs)
	fmt.Fprintf(&b, "- Errors: %d\n", st.Errors)
	fmt.Fprintf(&b, "- Paused: %d\n", st.Paused)
	fmt.Fprintf(&b, "- Resumed: %d\n", st.Resumed)
	fmt.Fprintf(&b, "- Credited: %d\n", st.Credited)
	if !st.LastRunAt.IsZero() {
		fmt.Fprintf(&b, "- Last run: %s\n", st.LastRunAt.UTC().Format(time.RFC3339))
	}

	return textResult(b.String()), nil, nil
}

func (s *MCPServer) handleProjection(ctx context.Context, _ *mcp.CallToolRequest, input deviceInput) (*mcp.CallToolResult, any, error) {
	res, err := s.miner.Projection(ctx, input.DeviceID)
	if err != nil {
		return toolError("projection", err), nil, nil
	}
	p := res.Projection

	var b strings.Builder
	writeRecord(&b, "Projection", res.Record)
	fmt.Fprintf(&b, "\n## Forecast\n")
	fmt.Fprintf(&b, "- Accruing: %v\n", p.Accruing)
	fmt.Fprintf(&b, "- Pending periods: %d\n", p.PendingPeriods)
	fmt.Fprintf(&b, "- Pending reward: %s\n", p.PendingReward)
	if p.Accruing {
		fmt.Fprintf(&b, "- Next accrual: %s (in %s)\n", stamp(p.NextAccrualAt), p.TimeLeft.Round(time.Second))
		fmt.Fprintf(&b, "- Pauses at: %s\n", stamp(p.PausesAt))
	}
	fmt.Fprintf(&b, "- Inactive for: %s\n", p.InactiveFor.Round(time.Second))

	return textResult(b.String()), nil, nil
}

func (s *MCPServer) handleStatus(ctx context.Context, _ *mcp.CallToolRequest, input deviceInput) (*mcp.CallToolResult, any, error) {
	res, err := s.miner.Status(ctx, input.DeviceID)
	if err != nil {
		return toolError("status", err), nil, nil
	}

	var b strings.Builder
	writeRecord(&b, "Device Status", res.Record)
	if res.Created {
		fmt.Fprintf(&b, "\nRecord created.\n")
	}
	if res.PeriodsElapsed > 0 {
		fmt.Fprintf(&b, "\nCredited %d period(s), +%s.\n", res.PeriodsElapsed, res.IncrementApplied)
	}
	if res.Resumed {
		fmt.Fprintf(&b, "\nMining resumed.\n")
	}
	if res.Paused {
		fmt.Fprintf(&b, "\nMining paused for inactivity.\n")
	}

	return textResult(b.String()), nil, nil
}

func (s *MCPServer) handleStart(ctx context.Context, _ *mcp.CallToolRequest, input deviceInput) (*mcp.CallToolResult, any, error) {
	rec, err := s.miner.Start(ctx, input.DeviceID)
	if err != nil {
		return toolError("start", err), nil, nil
	}
	return textResult(fmt.Sprintf("Mining started for `%s`.\n\n- **Balance:** %s", rec.DeviceID, rec.Balance)), nil, nil
}

func (s *MCPServer) handleHeartbeat(ctx context.Context, _ *mcp.CallToolRequest, input deviceInput) (*mcp.CallToolResult, any, error) {
	if err := s.miner.Heartbeat(ctx, input.DeviceID); err != nil {
		return toolError("heartbeat", err), nil, nil
	}
	return textResult(fmt.Sprintf("Heartbeat recorded for `%s`.", input.DeviceID)), nil, nil
}

func (s *MCPServer) handleReset(ctx context.Context, _ *mcp.CallToolRequest, input deviceInput) (*mcp.CallToolResult, any, error) {
	rec, err := s.miner.Reset(ctx, input.DeviceID)
	if err != nil {
		return toolError("reset", err), nil, nil
	}
	return textResult(fmt.Sprintf("Device `%s` reset.\n\n- **Balance:** %s\n- **Mining:** %v",
		rec.DeviceID, rec.Balance, rec.IsMining)), nil, nil
}

func (s *MCPServer) handleSweep(ctx context.Context, _ *mcp.CallToolRequest, _ emptyInput) (*mcp.CallToolResult, any, error) {
	res, err := s.miner.Sweep(ctx)
	if err != nil {
		return toolError("sweep", err), nil, nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# Sweep\n\n")
	fmt.Fprintf(&b, "| Checked | Paused | Resumed | Credited | Failed |\n")
	fmt.Fprintf(&b, "|---------|--------|---------|----------|--------|\n")
	fmt.Fprintf(&b, "| %d | %d | %d | %d | %d |\n", res.Checked, res.Paused, res.Resumed, res.Credited, res.Failed)
	fmt.Fprintf(&b, "\nTook %s.\n", res.Duration.Round(time.Millisecond))

	return textResult(b.String()), nil, nil
}

// --- Helpers ---

func writeRecord(b *strings.Builder, title string, rec accrual.Record) {
	fmt.Fprintf(b, "# %s\n\n", title)
	fmt.Fprintf(b, "- **Device:** `%s`\n", rec.DeviceID)
	fmt.Fprintf(b, "- **Balance:** %s\n", rec.Balance)
	fmt.Fprintf(b, "- **Mining:** %v\n", rec.IsMining)
	fmt.Fprintf(b, "- **Paused:** %v\n", rec.IsMiningPaused)
	fmt.Fprintf(b, "- **Last update:** %s\n", stamp(rec.LastUpdateTime))
	fmt.Fprintf(b, "- **Last active:** %s\n", stamp(rec.LastActive))
}

func stamp(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

// toolError hides internal failure detail the same way the HTTP API does.
func toolError(op string, err error) *mcp.CallToolResult {
	switch {
	case errors.Is(err, mining.ErrInvalidInput), errors.Is(err, mining.ErrNotFound):
		return errResult(fmt.Sprintf("%s failed: %v", op, err))
	default:
		log.Errorf("Tool %s: %v", op, err)
		return errResult(fmt.Sprintf("%s failed: internal error", op))
	}
}

func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
	}
}

func errResult(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: msg}},
		IsError: true,
	}
}
