package cache

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Redeleter performs the second half of the delayed double delete. The
// first delete runs inline after a write commits; the Redeleter repeats it
// after a short delay to evict any stale value a concurrent reader
// repopulated in between.
type Redeleter struct {
	store Store
	delay time.Duration
	jobs  chan redeleteJob
	stop  chan struct{}
	done  chan struct{}

	logger *zap.Logger
}

type redeleteJob struct {
	keys      []string
	indexKeys []string
	due       time.Time
}

// NewRedeleter creates a worker that re-deletes keys delay after they were
// scheduled. Call Start before scheduling.
func NewRedeleter(store Store, delay time.Duration, logger *zap.Logger) *Redeleter {
	return &Redeleter{
		store:  store,
		delay:  delay,
		jobs:   make(chan redeleteJob, 1024),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		logger: logger,
	}
}

// Start launches the worker loop.
func (r *Redeleter) Start() {
	go r.run()
}

// Schedule queues keys (and index sets) for a second delete after the
// configured delay. Ordering follows call order: jobs share one constant
// delay, so the queue is due-ordered by construction. When the queue is
// full the second delete runs immediately instead of being dropped.
func (r *Redeleter) Schedule(keys []string, indexKeys []string) {
	job := redeleteJob{keys: keys, indexKeys: indexKeys, due: time.Now().Add(r.delay)}
	select {
	case r.jobs <- job:
	default:
		r.logger.Warn("redelete queue full, deleting immediately", zap.Int("keys", len(keys)))
		r.execute(job)
	}
}

// Stop shuts the worker down. Pending jobs are executed immediately so no
// scheduled second delete is lost.
func (r *Redeleter) Stop() {
	close(r.stop)
	<-r.done
}

func (r *Redeleter) run() {
	defer close(r.done)
	for {
		select {
		case job := <-r.jobs:
			if wait := time.Until(job.due); wait > 0 {
				select {
				case <-time.After(wait):
				case <-r.stop:
					r.execute(job)
					r.drain()
					return
				}
			}
			r.execute(job)
		case <-r.stop:
			r.drain()
			return
		}
	}
}

// drain flushes queued jobs without waiting out their delay.
func (r *Redeleter) drain() {
	for {
		select {
		case job := <-r.jobs:
			r.execute(job)
		default:
			return
		}
	}
}

func (r *Redeleter) execute(job redeleteJob) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if len(job.keys) > 0 {
		if err := r.store.Delete(ctx, job.keys...); err != nil {
			r.logger.Warn("delayed delete failed", zap.Error(err))
		}
	}
	for _, idx := range job.indexKeys {
		if _, err := r.store.DeleteIndexed(ctx, idx); err != nil {
			r.logger.Warn("delayed indexed delete failed", zap.String("index", idx), zap.Error(err))
		}
	}
}
