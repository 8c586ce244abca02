package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"hailgrid/internal/store"
)

// serviceJob is one pending ride completion.
type serviceJob struct {
	taxiID int
	userID int
	delay  time.Duration
}

// servicePool runs service timers on a bounded set of workers instead of a
// goroutine per ride. When a timer fires the taxi returns to the pool at
// its initial pose.
type servicePool struct {
	jobs     chan serviceJob
	store    *store.Store
	liveness *Liveness
}

func newServicePool(st *store.Store, liveness *Liveness) *servicePool {
	return &servicePool{
		jobs:     make(chan serviceJob, 128),
		store:    st,
		liveness: liveness,
	}
}

// schedule enqueues a completion. It blocks when every worker is busy and
// the queue is full; the log line makes that visible, since it delays the
// user-request handler.
func (p *servicePool) schedule(job serviceJob) {
	select {
	case p.jobs <- job:
	default:
		slog.Warn("service pool saturated, waiting for a worker", "taxi", job.taxiID)
		p.jobs <- job
	}
}

func (p *servicePool) run(ctx context.Context, workers int) {
	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.worker(ctx)
		}()
	}
	wg.Wait()
}

func (p *servicePool) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-p.jobs:
			timer := time.NewTimer(job.delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}

			if err := p.store.CompleteService(job.taxiID); err != nil {
				slog.Error("complete service", "taxi", job.taxiID, "user", job.userID, "err", err)
				continue
			}
			p.liveness.Seen(job.taxiID)
			slog.Info("service completed, taxi back in pool", "taxi", job.taxiID, "user", job.userID)
		}
	}
}
