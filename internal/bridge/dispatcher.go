package bridge

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DefaultLoaderGrace is how long a job may run before the loader appears.
const DefaultLoaderGrace = 500 * time.Millisecond

// Job is a unit of work run by a Dispatcher.
type Job func(ctx context.Context)

// Dispatcher runs jobs one at a time, in submission order, on a single worker
// goroutine. While a job runs longer than the grace period the loader is
// shown.
type Dispatcher struct {
	grace  time.Duration
	loader Loader
	log    zerolog.Logger

	mu    sync.Mutex
	queue []Job
	wake  chan struct{}
}

// NewDispatcher creates a Dispatcher. A nil loader disables the indicator.
func NewDispatcher(grace time.Duration, loader Loader, logger *zerolog.Logger) *Dispatcher {
	if grace <= 0 {
		grace = DefaultLoaderGrace
	}
	if loader == nil {
		loader = nopLoader{}
	}
	l := zerolog.Nop()
	if logger != nil {
		l = logger.With().Str("component", "dispatcher").Logger()
	}
	return &Dispatcher{
		grace:  grace,
		loader: loader,
		log:    l,
		wake:   make(chan struct{}, 1),
	}
}

// Submit queues job. It never blocks.
func (d *Dispatcher) Submit(job Job) {
	d.mu.Lock()
	d.queue = append(d.queue, job)
	n := len(d.queue)
	d.mu.Unlock()

	d.log.Debug().Int("queued", n).Msg("job submitted")
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Run serves the queue until ctx is done. Jobs still queued at that point are
// dropped.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		d.mu.Lock()
		if len(d.queue) == 0 {
			d.mu.Unlock()
			select {
			case <-ctx.Done():
				return
			case <-d.wake:
				continue
			}
		}
		job := d.queue[0]
		d.queue[0] = nil
		d.queue = d.queue[1:]
		d.mu.Unlock()

		if ctx.Err() != nil {
			return
		}
		d.run(ctx, job)
	}
}

func (d *Dispatcher) run(ctx context.Context, job Job) {
	var (
		mu       sync.Mutex
		shown    bool
		finished bool
	)
	timer := time.AfterFunc(d.grace, func() {
		mu.Lock()
		defer mu.Unlock()
		if finished {
			return
		}
		shown = true
		d.loader.ShowLoading()
	})

	defer func() {
		timer.Stop()
		mu.Lock()
		finished = true
		if shown {
			d.loader.HideLoading()
		}
		mu.Unlock()
	}()

	job(ctx)
}
