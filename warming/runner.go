package warming

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/textileops/go-readcache/logger"
)

var ErrQueueFull = errors.New("warm queue is full")

// Runner executes warm runs on background workers. Enqueue never blocks.
type Runner struct {
	warmer  *Warmer
	logger  logger.Logger
	queue   chan string
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	pending map[string]bool
	closed  bool
}

// NewRunner starts workers goroutines that drain a queue of queueSize
// domains. Runs use a context derived from parent, not from the request
// that scheduled them.
func NewRunner(parent context.Context, w *Warmer, log logger.Logger, workers, queueSize int) *Runner {
	workers = max(workers, 1)
	queueSize = max(queueSize, 1)
	ctx, cancel := context.WithCancel(parent)
	r := &Runner{
		warmer:  w,
		logger:  log.WithPrefix("[warm-runner]"),
		queue:   make(chan string, queueSize),
		ctx:     ctx,
		cancel:  cancel,
		pending: make(map[string]bool),
	}
	r.wg.Add(workers)
	for range workers {
		go r.work()
	}
	return r
}

// Enqueue schedules a warm run for domain. A domain already waiting in the
// queue is not queued twice.
func (r *Runner) Enqueue(domain string) error {
	if _, ok := r.warmer.Domain(domain); !ok {
		return errors.Wrapf(ErrUnknownDomain, "%q", domain)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return errors.New("warm runner is closed")
	}
	if r.pending[domain] {
		return nil
	}
	select {
	case r.queue <- domain:
		r.pending[domain] = true
		return nil
	default:
		return ErrQueueFull
	}
}

// Schedule enqueues a warm run and logs instead of returning an error.
func (r *Runner) Schedule(domain string) {
	if err := r.Enqueue(domain); err != nil {
		r.logger.Warn("not scheduling warm of %s: %s", domain, err)
	}
}

// Pending reports whether domain is queued and not yet started.
func (r *Runner) Pending(domain string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pending[domain]
}

func (r *Runner) work() {
	defer r.wg.Done()
	for {
		select {
		case <-r.ctx.Done():
			return
		case domain, ok := <-r.queue:
			if !ok {
				return
			}
			r.mu.Lock()
			delete(r.pending, domain)
			r.mu.Unlock()
			r.warmer.Warm(r.ctx, domain)
		}
	}
}

// Close stops accepting runs, lets queued runs finish and waits for the
// workers. Cancel the parent context to abandon queued runs instead.
func (r *Runner) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()
	r.wg.Wait()
	r.cancel()
}
