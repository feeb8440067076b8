package reqon

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Resumer periodically re-runs resumable executions of a fixed set of
// missions. It turns a durable Engine into a self-healing deployment: any
// execution left failed or paused is picked up on the next scan.
//
// Typical usage:
//
//	res := reqon.NewResumer(eng, time.Minute, m)
//	if err := res.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer res.Stop()
type Resumer struct {
	engine   *Engine
	missions []*Mission
	interval time.Duration

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewResumer constructs a Resumer that scans every interval for resumable
// executions of the given missions.
//
// interval <= 0 is treated as 30s.
func NewResumer(eng *Engine, interval time.Duration, missions ...*Mission) *Resumer {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Resumer{
		engine:   eng,
		missions: missions,
		interval: interval,
	}
}

// Start launches the scan loop. The first scan runs immediately, then one
// per interval until the context is cancelled via Stop.
//
// If Start is called more than once without Stop, it returns an error.
func (r *Resumer) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return errors.New("reqon: Resumer already started")
	}

	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.running = true

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()

		r.RunOnce(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.RunOnce(ctx)
			}
		}
	}()

	return nil
}

// Stop cancels the scan loop started by Start and waits for it to exit.
// An execution mid-resume finishes its current stage persistence before
// the loop returns.
func (r *Resumer) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	cancel := r.cancel
	r.running = false
	r.cancel = nil
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	r.wg.Wait()
}

// RunOnce scans each mission for resumable executions and resumes them
// serially, oldest state refreshed first. It returns how many executions
// completed successfully. A failed resume is logged and does not stop the
// scan; the execution stays resumable for the next pass.
func (r *Resumer) RunOnce(ctx context.Context) int {
	logger := r.engine.logger
	resumed := 0
	for _, m := range r.missions {
		states, err := r.engine.stores.Executions.FindResumable(ctx, m.Name)
		if err != nil {
			logger.Warn("resume scan failed",
				zap.String("mission", m.Name),
				zap.Error(err))
			continue
		}
		for _, st := range states {
			if ctx.Err() != nil {
				return resumed
			}
			res, err := r.engine.Resume(ctx, m, st.ID)
			if err != nil {
				// The state may have changed since the scan. Skip and
				// let the next pass decide.
				logger.Warn("resume failed",
					zap.String("mission", m.Name),
					zap.String("execution_id", st.ID),
					zap.Error(err))
				continue
			}
			if res.Success {
				resumed++
			}
		}
	}
	return resumed
}
