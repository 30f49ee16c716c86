// Package server is the HTTP JSON API for minesim.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"

	"github.com/b0ase/path402/apps/minesim/internal/accrual"
	"github.com/b0ase/path402/apps/minesim/internal/feed"
	"github.com/b0ase/path402/apps/minesim/internal/metrics"
	"github.com/b0ase/path402/apps/minesim/internal/mining"
)

var log = logrus.WithField("component", "api")

// Miner is the mining service as seen by the handlers.
type Miner interface {
	Status(ctx context.Context, deviceID string) (mining.StatusResult, error)
	Heartbeat(ctx context.Context, deviceID string) error
	Start(ctx context.Context, deviceID string) (accrual.Record, error)
	Reset(ctx context.Context, deviceID string) (accrual.Record, error)
	Projection(ctx context.Context, deviceID string) (mining.ProjectionResult, error)
	Sweep(ctx context.Context) (mining.SweepResult, error)
}

// DaemonInfo provides read-only access to daemon state for /health.
type DaemonInfo interface {
	Uptime() time.Duration
	StoreBackend() string
	SweeperStats() mining.SweeperStats
}

// Options configures the listener and middleware.
type Options struct {
	Bind        string
	Port        int
	CORSOrigins []string
	// RateLimit is requests per second per client IP. Zero disables limiting.
	RateLimit   float64
	RateBurst   int
	SweepSecret string
	Version     string
}

// Server is the HTTP API.
type Server struct {
	opts    Options
	miner   Miner
	broker  feed.Broker
	daemon  DaemonInfo
	metrics *metrics.Metrics

	secret  atomic.String
	sweepFn func(ctx context.Context) (mining.SweepResult, error)

	engine  *gin.Engine
	httpSrv *http.Server
	port    int
}

// New builds the router. broker, daemon and m may be nil.
func New(opts Options, miner Miner, broker feed.Broker, daemon DaemonInfo, m *metrics.Metrics) *Server {
	if opts.Version == "" {
		opts.Version = "dev"
	}
	s := &Server{
		opts:    opts,
		miner:   miner,
		broker:  broker,
		daemon:  daemon,
		metrics: m,
		sweepFn: miner.Sweep,
		port:    opts.Port,
	}
	s.secret.Store(opts.SweepSecret)

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.HandleMethodNotAllowed = true
	engine.Use(gin.Recovery(), s.requestLogger(), corsMiddleware(opts.CORSOrigins))
	if opts.RateLimit > 0 {
		engine.Use(newIPLimiter(opts.RateLimit, opts.RateBurst).middleware())
	}
	s.registerRoutes(engine)
	s.engine = engine

	s.httpSrv = &http.Server{
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// SetSweepSecret replaces the bearer secret for the cron and reset routes.
func (s *Server) SetSweepSecret(secret string) {
	s.secret.Store(secret)
}

// SetSweeper routes the cron endpoint through w so its runs show in the stats.
func (s *Server) SetSweeper(w *mining.Sweeper) {
	s.sweepFn = w.RunOnce
}

// Handler exposes the router for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start pre-acquires the port and begins serving HTTP requests.
// If the primary port is in use, it falls back to port+1.
// Returns the actual port bound.
func (s *Server) Start() (int, error) {
	addr := fmt.Sprintf("%s:%d", s.opts.Bind, s.port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		fallbackPort := s.port + 1
		fallbackAddr := fmt.Sprintf("%s:%d", s.opts.Bind, fallbackPort)
		ln, err = net.Listen("tcp", fallbackAddr)
		if err != nil {
			return 0, fmt.Errorf("listen on %s and fallback %s: %w", addr, fallbackAddr, err)
		}
		log.Warnf("Using fallback port %d (primary %d was in use)", fallbackPort, s.port)
		s.port = fallbackPort
	}

	log.Infof("HTTP API listening on %s:%d", s.opts.Bind, s.port)
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Errorf("HTTP server error: %v", err)
		}
	}()
	return s.port, nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.httpSrv.Shutdown(ctx)
	log.Info("HTTP server stopped")
}
