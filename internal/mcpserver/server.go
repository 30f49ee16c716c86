package mcpserver

import (
	"context"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/b0ase/path402/apps/minesim/internal/accrual"
	"github.com/b0ase/path402/apps/minesim/internal/mining"
)

// Miner is the mining service surface exposed as tools.
type Miner interface {
	Status(ctx context.Context, deviceID string) (mining.StatusResult, error)
	Heartbeat(ctx context.Context, deviceID string) error
	Start(ctx context.Context, deviceID string) (accrual.Record, error)
	Reset(ctx context.Context, deviceID string) (accrual.Record, error)
	Projection(ctx context.Context, deviceID string) (mining.ProjectionResult, error)
	Sweep(ctx context.Context) (mining.SweepResult, error)
}

// DaemonInfo provides read-only access to daemon state for MCP tools.
type DaemonInfo interface {
	Uptime() time.Duration
	StoreBackend() string
	SweeperStats() mining.SweeperStats
}

// MCPServer wraps the MCP protocol server with minesim tools.
type MCPServer struct {
	server *mcp.Server
	miner  Miner
	daemon DaemonInfo
}

// New creates an MCP server with all minesim tools registered.
func New(version string, miner Miner, daemon DaemonInfo) *MCPServer {
	s := &MCPServer{
		miner:  miner,
		daemon: daemon,
		server: mcp.NewServer(
			&mcp.Implementation{
				Name:    "minesim",
				Version: version,
			},
			&mcp.ServerOptions{
				Instructions: "Mining simulator backend. Provides tools to inspect and drive per-device mining balances and to run the inactivity sweep.",
			},
		),
	}
	s.registerTools()
	return s
}

// Run starts the MCP server on stdio, blocking until the client disconnects.
func (s *MCPServer) Run(ctx context.Context) error {
	return s.server.Run(ctx, &mcp.StdioTransport{})
}

// Connect serves a single session over t.
func (s *MCPServer) Connect(ctx context.Context, t mcp.Transport) (*mcp.ServerSession, error) {
	return s.server.Connect(ctx, t, nil)
}
