package mining

import (
	"context"
	"errors"
	"time"

	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"github.com/b0ase/path402/apps/minesim/internal/accrual"
	"github.com/b0ase/path402/apps/minesim/internal/store"
)

// SweepResult summarises one sweep.
type SweepResult struct {
	Checked  int           `json:"checked"`
	Paused   int           `json:"paused"`
	Resumed  int           `json:"resumed"`
	Credited int           `json:"credited"`
	Failed   int           `json:"failed"`
	Duration time.Duration `json:"-"`
}

// Sweep reconciles every mining record without counting it as activity.
// A record that fails is logged and counted; the rest of the batch continues.
func (s *Service) Sweep(ctx context.Context) (SweepResult, error) {
	start := time.Now()
	recs, err := s.store.ListMining(ctx)
	if err != nil {
		s.metrics.Op("sweep", "error")
		return SweepResult{}, unavailable("sweep", "list", err)
	}

	var paused, resumed, credited, failed atomic.Int64

	var g errgroup.Group
	g.SetLimit(s.workers)
	for _, rec := range recs {
		rec := rec
		g.Go(func() error {
			out, err := s.sweepOne(ctx, rec)
			if err != nil {
				failed.Inc()
				log.Warnf("Sweep %s: %v", rec.DeviceID, err)
				return nil
			}
			if out.Paused {
				paused.Inc()
			}
			if out.Resumed {
				resumed.Inc()
			}
			if out.Periods > 0 {
				credited.Inc()
			}
			return nil
		})
	}
	g.Wait()

	res := SweepResult{
		Checked:  len(recs),
		Paused:   int(paused.Load()),
		Resumed:  int(resumed.Load()),
		Credited: int(credited.Load()),
		Failed:   int(failed.Load()),
		Duration: time.Since(start),
	}
	s.metrics.Sweep(res.Duration.Seconds(), res.Failed)
	s.metrics.Op("sweep", "ok")
	log.Infof("Sweep checked %d records: %d paused, %d resumed, %d credited, %d failed (%s)",
		res.Checked, res.Paused, res.Resumed, res.Credited, res.Failed, res.Duration.Round(time.Millisecond))
	return res, nil
}

// sweepOne settles a single record, re-reading it after a conflicting write.
func (s *Service) sweepOne(ctx context.Context, rec accrual.Record) (accrual.Outcome, error) {
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return accrual.Outcome{}, err
		}
		now := s.now()
		out := accrual.Reconcile(rec, now, s.params, accrual.TriggerSweep)
		if !out.Changed() {
			return out, nil
		}

		err := s.store.Apply(ctx, store.NewUpdate(rec, out))
		if err == nil {
			s.observe(out, accrual.TriggerSweep)
			if out.Paused {
				log.Infof("Device %s paused after %s inactive", rec.DeviceID, now.Sub(rec.LastActive).Round(time.Second))
			}
			s.publish(ctx, out.Apply(rec))
			return out, nil
		}
		if !errors.Is(err, store.ErrConflict) {
			return accrual.Outcome{}, err
		}

		s.metrics.Conflict()
		if attempt >= s.maxRetries {
			return accrual.Outcome{}, err
		}
		rec, err = s.store.Get(ctx, rec.DeviceID)
		if err != nil {
			return accrual.Outcome{}, err
		}
		if !rec.IsMining {
			// Reset while we were working on it.
			return accrual.Outcome{}, nil
		}
	}
}
