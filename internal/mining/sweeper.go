package mining

import (
	"context"
	"sync"
	"time"

	"go.uber.org/atomic"
)

// SweeperConfig configures the background sweep.
type SweeperConfig struct {
	Interval    time.Duration
	SweepOnBoot bool
}

// SweeperStats is a snapshot of sweeper activity since start.
type SweeperStats struct {
	Runs       int64       `json:"runs"`
	Errors     int64       `json:"errors"`
	Paused     int64       `json:"paused"`
	Resumed    int64       `json:"resumed"`
	Credited   int64       `json:"credited"`
	LastRunAt  time.Time   `json:"last_run_at"`
	LastResult SweepResult `json:"last_result"`
}

// Sweeper runs Service.Sweep on a fixed cadence.
type Sweeper struct {
	cfg SweeperConfig
	svc *Service

	runs     atomic.Int64
	errors   atomic.Int64
	paused   atomic.Int64
	resumed  atomic.Int64
	credited atomic.Int64
	lastRun  atomic.Time

	mu   sync.RWMutex
	last SweepResult

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSweeper creates a sweeper for svc.
func NewSweeper(cfg SweeperConfig, svc *Service) *Sweeper {
	if cfg.Interval == 0 {
		cfg.Interval = 10 * time.Minute
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Sweeper{
		cfg:    cfg,
		svc:    svc,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// Start launches the loop. A negative interval disables it.
func (w *Sweeper) Start() {
	if w.cfg.Interval < 0 {
		log.Info("Sweeper disabled")
		close(w.done)
		return
	}
	log.Infof("Sweeper started (every %s)", w.cfg.Interval)
	go w.run()
}

// Stop cancels the loop and waits for an in-flight sweep to finish.
func (w *Sweeper) Stop() {
	w.cancel()
	<-w.done
	log.Info("Sweeper stopped")
}

// RunOnce sweeps immediately and folds the result into the stats.
func (w *Sweeper) RunOnce(ctx context.Context) (SweepResult, error) {
	res, err := w.svc.Sweep(ctx)
	w.runs.Inc()
	w.lastRun.Store(time.Now())
	if err != nil {
		w.errors.Inc()
		return res, err
	}
	w.paused.Add(int64(res.Paused))
	w.resumed.Add(int64(res.Resumed))
	w.credited.Add(int64(res.Credited))

	w.mu.Lock()
	w.last = res
	w.mu.Unlock()
	return res, nil
}

// Stats returns counters accumulated since start.
func (w *Sweeper) Stats() SweeperStats {
	w.mu.RLock()
	last := w.last
	w.mu.RUnlock()
	return SweeperStats{
		Runs:       w.runs.Load(),
		Errors:     w.errors.Load(),
		Paused:     w.paused.Load(),
		Resumed:    w.resumed.Load(),
		Credited:   w.credited.Load(),
		LastRunAt:  w.lastRun.Load(),
		LastResult: last,
	}
}

func (w *Sweeper) run() {
	defer close(w.done)

	if w.cfg.SweepOnBoot {
		w.tick()
	}

	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.tick()
		}
	}
}

func (w *Sweeper) tick() {
	if _, err := w.RunOnce(w.ctx); err != nil {
		log.Errorf("Sweep failed: %v", err)
	}
}
