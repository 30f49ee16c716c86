package daemon

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/shirou/gopsutil/v3/process"
	"github.com/sirupsen/logrus"

	"github.com/b0ase/path402/apps/minesim/internal/config"
	"github.com/b0ase/path402/apps/minesim/internal/feed"
	"github.com/b0ase/path402/apps/minesim/internal/metrics"
	"github.com/b0ase/path402/apps/minesim/internal/mining"
	"github.com/b0ase/path402/apps/minesim/internal/server"
	"github.com/b0ase/path402/apps/minesim/internal/store"
	"github.com/b0ase/path402/apps/minesim/internal/store/boltstore"
	"github.com/b0ase/path402/apps/minesim/internal/store/levelstore"
	"github.com/b0ase/path402/apps/minesim/internal/store/redisstore"
	"github.com/b0ase/path402/apps/minesim/internal/store/sqlitestore"
)

var log = logrus.WithField("component", "daemon")

const statusInterval = 60 * time.Second

// Daemon orchestrates all minesim subsystems.
type Daemon struct {
	cfgPath string
	version string

	mu  sync.RWMutex
	cfg *config.Config

	startTime time.Time
	st        store.Store
	backend   string
	redis     *redisstore.Store
	broker    feed.Broker
	metrics   *metrics.Metrics
	svc       *mining.Service
	sweeper   *mining.Sweeper
	httpSrv   *server.Server
	apiPort   int

	procOnce sync.Once
	proc     *process.Process

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a daemon. cfgPath is watched for changes once started; it may
// be empty.
func New(cfg *config.Config, cfgPath, version string) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Daemon{
		cfg:     cfg,
		cfgPath: cfgPath,
		version: version,
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Open connects the store and builds the mining service without starting
// any background work. One-shot commands stop here.
func (d *Daemon) Open() error {
	if d.svc != nil {
		return nil
	}
	d.startTime = time.Now()
	cfg := d.config()

	// 1. Open store
	if err := d.openStore(cfg); err != nil {
		return err
	}

	// 2. Snapshot feed
	switch cfg.Feed.Backend {
	case "redis":
		d.broker = feed.NewRedisBroker(d.redis.Client(), d.redis.Prefix())
	default:
		d.broker = feed.NewHub()
	}

	// 3. Mining service
	params, err := cfg.Params()
	if err != nil {
		return err
	}
	d.metrics = metrics.New()
	d.svc = mining.NewService(d.st, mining.ServiceConfig{
		Params:     params,
		MaxRetries: cfg.Sweep.MaxRetries,
		Workers:    cfg.Sweep.Workers,
	}, mining.WithBroker(d.broker), mining.WithMetrics(d.metrics))

	log.Infof("Accrual: %s every %s, pause after %s inactive",
		params.Increment, params.PeriodDuration, params.InactivityLimit)
	return nil
}

func (d *Daemon) openStore(cfg *config.Config) error {
	d.backend = cfg.Store.Backend
	switch cfg.Store.Backend {
	case "redis":
		opts, err := redisOptions(cfg.Store.Redis)
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(d.ctx, 10*time.Second)
		defer cancel()
		rs, err := redisstore.Open(ctx, opts)
		if err != nil {
			return fmt.Errorf("redis open: %w", err)
		}
		d.st, d.redis = rs, rs
		log.Infof("Store: redis %s (prefix %q)", opts.Addr, rs.Prefix())
	case "bolt":
		if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
			return fmt.Errorf("data dir: %w", err)
		}
		bs, err := boltstore.Open(cfg.BoltPath())
		if err != nil {
			return fmt.Errorf("bolt open: %w", err)
		}
		d.st = bs
		log.Infof("Store: bolt %s", cfg.BoltPath())
	case "leveldb":
		if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
			return fmt.Errorf("data dir: %w", err)
		}
		ls, err := levelstore.Open(cfg.LevelPath())
		if err != nil {
			return fmt.Errorf("leveldb open: %w", err)
		}
		d.st = ls
		log.Infof("Store: leveldb %s", cfg.LevelPath())
	default:
		if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
			return fmt.Errorf("data dir: %w", err)
		}
		ss, err := sqlitestore.Open(cfg.Store.Driver, cfg.DBPath())
		if err != nil {
			return fmt.Errorf("db open: %w", err)
		}
		d.st = ss
		log.Infof("Store: sqlite (%s) %s", cfg.Store.Driver, cfg.DBPath())
	}
	return nil
}

// redisOptions accepts either host:port or a redis:// URL. Fields set in
// the URL win over the separate password and db settings.
func redisOptions(rc config.RedisConfig) (redisstore.Options, error) {
	opts := redisstore.Options{
		Addr:     rc.URL,
		Password: rc.Password,
		DB:       rc.DB,
		PoolSize: rc.PoolSize,
		Prefix:   rc.Prefix,
	}
	if strings.HasPrefix(rc.URL, "rediss://") {
		return opts, fmt.Errorf("store.redis.url: TLS connections are not supported")
	}
	if !strings.HasPrefix(rc.URL, "redis://") {
		return opts, nil
	}
	parsed, err := redis.ParseURL(rc.URL)
	if err != nil {
		return opts, fmt.Errorf("store.redis.url: %w", err)
	}
	opts.Addr = parsed.Addr
	if parsed.Password != "" {
		opts.Password = parsed.Password
	}
	if parsed.DB != 0 {
		opts.DB = parsed.DB
	}
	return opts, nil
}

// Start opens the store and brings up the background services. Call Stop
// even when Start fails part way.
func (d *Daemon) Start() error {
	if err := d.Open(); err != nil {
		return err
	}
	cfg := d.config()

	// 4. In-process sweeper
	d.sweeper = mining.NewSweeper(mining.SweeperConfig{
		Interval:    cfg.Sweep.Interval,
		SweepOnBoot: cfg.Sweep.OnBoot,
	}, d.svc)
	d.sweeper.Start()

	// 5. HTTP API
	d.httpSrv = server.New(server.Options{
		Bind:        cfg.API.Bind,
		Port:        cfg.API.Port,
		CORSOrigins: cfg.API.CORSOrigins,
		RateLimit:   cfg.API.RateLimit,
		RateBurst:   cfg.API.RateBurst,
		SweepSecret: cfg.Sweep.Secret,
		Version:     d.version,
	}, d.svc, d.broker, d, d.metrics)
	d.httpSrv.SetSweeper(d.sweeper)
	port, err := d.httpSrv.Start()
	if err != nil {
		return fmt.Errorf("http api: %w", err)
	}
	d.apiPort = port
	log.Infof("HTTP API on %s:%d", cfg.API.Bind, port)
	if cfg.Sweep.Secret == "" {
		log.Warn("No sweep secret configured; /mining/check-inactivity and /mining/reset reject every call")
	}

	// 6. Config hot reload
	if d.cfgPath != "" {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			if err := config.Watch(d.ctx, d.cfgPath, d.reload); err != nil {
				log.Warnf("Config watch disabled: %v", err)
			}
		}()
	}

	// 7. Periodic status logging
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.statusLoop()
	}()

	log.Info("All systems online")
	return nil
}

// reload applies the settings that can change without a restart.
func (d *Daemon) reload(next *config.Config) {
	d.mu.Lock()
	prev := d.cfg
	d.cfg = next
	d.mu.Unlock()

	if err := next.Log.Apply(); err != nil {
		log.Warnf("Log settings: %v", err)
	}
	if next.Sweep.Secret != prev.Sweep.Secret && d.httpSrv != nil {
		d.httpSrv.SetSweepSecret(next.Sweep.Secret)
		log.Info("Sweep secret rotated")
	}
	if next.Accrual != prev.Accrual || next.Store.Backend != prev.Store.Backend ||
		next.API.Port != prev.API.Port || next.API.Bind != prev.API.Bind {
		log.Warn("Accrual, store and listener changes take effect after a restart")
	}
}

func (d *Daemon) statusLoop() {
	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()
	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			st := d.SweeperStats()
			log.Infof("Uptime: %s | Sweeps: %d (%d errors) | Paused: %d | Resumed: %d | Credited: %d",
				d.Uptime().Round(time.Second), st.Runs, st.Errors, st.Paused, st.Resumed, st.Credited)
			log.Debug(d.Resources())
		}
	}
}

// Stop shuts down all subsystems.
func (d *Daemon) Stop() {
	log.Info("Shutting down...")
	d.cancel()

	if d.httpSrv != nil {
		d.httpSrv.Stop()
	}
	if d.sweeper != nil {
		d.sweeper.Stop()
	}
	d.wg.Wait()
	if d.broker != nil {
		d.broker.Close()
	}
	if d.st != nil {
		if err := d.st.Close(); err != nil {
			log.Warnf("Store close: %v", err)
		}
	}

	log.Info("Shutdown complete")
}

func (d *Daemon) config() *config.Config {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.cfg
}

// --- Accessors (used by the HTTP API, MCP tools and mobile bindings) ---

// Service returns the mining service; nil before Open.
func (d *Daemon) Service() *mining.Service { return d.svc }

// APIPort is the port the HTTP API bound to; 0 before Start.
func (d *Daemon) APIPort() int { return d.apiPort }

func (d *Daemon) Uptime() time.Duration {
	if d.startTime.IsZero() {
		return 0
	}
	return time.Since(d.startTime)
}

func (d *Daemon) StoreBackend() string { return d.backend }

func (d *Daemon) SweeperStats() mining.SweeperStats {
	if d.sweeper == nil {
		return mining.SweeperStats{}
	}
	return d.sweeper.Stats()
}
