// Package mobile provides gomobile-bindable functions for the minesim daemon.
// All complex data is returned as JSON strings since gomobile cannot export
// maps, slices, or structs with unexported fields.
package mobile

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/b0ase/path402/apps/minesim/internal/config"
	"github.com/b0ase/path402/apps/minesim/internal/daemon"
	"github.com/b0ase/path402/apps/minesim/internal/feed"

	// Required by gomobile bind at build time
	_ "golang.org/x/mobile/bind"
)

var (
	mu      sync.Mutex
	d       *daemon.Daemon
	running bool
	version = "0.1.0"
)

const callTimeout = 10 * time.Second

// Start initialises and starts the minesim daemon.
// configYAML may be empty to use defaults. dataDir is the path to the app's
// private files directory (e.g. Context.getFilesDir() + "/minesim").
func Start(configYAML string, dataDir string) error {
	mu.Lock()
	defer mu.Unlock()

	if running {
		return fmt.Errorf("already running")
	}

	cfg, err := config.LoadFromBytes([]byte(configYAML))
	if err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	// cgo sqlite is not available to gomobile builds.
	if cfg.Store.Backend == "sqlite" {
		cfg.Store.Driver = "sqlite"
	}

	nd, err := daemon.New(cfg, "", version)
	if err != nil {
		return fmt.Errorf("create daemon: %w", err)
	}
	if err := nd.Start(); err != nil {
		nd.Stop()
		return fmt.Errorf("start daemon: %w", err)
	}

	d = nd
	running = true
	return nil
}

// Stop gracefully shuts down the daemon.
func Stop() {
	mu.Lock()
	defer mu.Unlock()

	if d != nil {
		d.Stop()
		d = nil
	}
	running = false
}

// IsRunning returns true if the daemon is currently running.
func IsRunning() bool {
	mu.Lock()
	defer mu.Unlock()
	return running
}

// GetStatus returns daemon status as a JSON string.
func GetStatus() string {
	mu.Lock()
	defer mu.Unlock()

	if d == nil {
		return `{"running":false}`
	}

	status := map[string]interface{}{
		"running":   true,
		"uptime_ms": d.Uptime().Milliseconds(),
		"store":     d.StoreBackend(),
		"api_port":  d.APIPort(),
		"sweeper":   d.SweeperStats(),
		"resources": d.Resources(),
	}

	data, _ := json.Marshal(status)
	return string(data)
}

// GetAPIPort returns the port the HTTP API is listening on.
func GetAPIPort() int {
	mu.Lock()
	defer mu.Unlock()
	if d == nil {
		return 0
	}
	return d.APIPort()
}

// GetVersion returns the minesim version string.
func GetVersion() string {
	return version
}

// DeviceStatus runs a status check for deviceID (creating the record and
// crediting elapsed periods) and returns the record.
// Returns JSON: {"deviceId":"...","balance":"...",...} or {"error":"..."}.
func DeviceStatus(deviceID string) string {
	mu.Lock()
	defer mu.Unlock()

	if d == nil {
		return `{"error":"daemon not running"}`
	}
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()
	res, err := d.Service().Status(ctx, deviceID)
	if err != nil {
		return errorJSON(err)
	}
	return snapshotJSON(feed.SnapshotOf(res.Record))
}

// StartMining turns mining on for deviceID.
// Returns JSON: the record snapshot or {"error":"..."}.
func StartMining(deviceID string) string {
	mu.Lock()
	defer mu.Unlock()

	if d == nil {
		return `{"error":"daemon not running"}`
	}
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()
	rec, err := d.Service().Start(ctx, deviceID)
	if err != nil {
		return errorJSON(err)
	}
	return snapshotJSON(feed.SnapshotOf(rec))
}

// Heartbeat records activity for deviceID. Returns an empty string on success.
func Heartbeat(deviceID string) string {
	mu.Lock()
	defer mu.Unlock()

	if d == nil {
		return "daemon not running"
	}
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()
	if err := d.Service().Heartbeat(ctx, deviceID); err != nil {
		return err.Error()
	}
	return ""
}

func snapshotJSON(s feed.Snapshot) string {
	data, err := json.Marshal(s)
	if err != nil {
		return errorJSON(err)
	}
	return string(data)
}

func errorJSON(err error) string {
	data, _ := json.Marshal(map[string]string{"error": err.Error()})
	return string(data)
}
