package service

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// refreshPool runs stale-entry refreshes on a bounded set of workers,
// throttled so background traffic never crowds out foreground fetches.
// Tasks carry their own deadline and are detached from the request that
// scheduled them.
type refreshPool struct {
	queue    chan refreshTask
	throttle *rate.Limiter
	timeout  time.Duration

	mu      sync.Mutex
	pending map[string]bool

	wg   sync.WaitGroup
	stop chan struct{}
}

type refreshTask struct {
	key string
	fn  func(ctx context.Context)
}

func newRefreshPool(workers, queueSize int, perSecond float64, timeout time.Duration) *refreshPool {
	p := &refreshPool{
		queue:    make(chan refreshTask, queueSize),
		throttle: rate.NewLimiter(rate.Limit(perSecond), workers),
		timeout:  timeout,
		pending:  make(map[string]bool),
		stop:     make(chan struct{}),
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

// schedule enqueues a refresh unless one for the same key is already
// queued or running. The foreground caller never blocks: a full queue
// drops the task and the entry stays stale until the next hit.
func (p *refreshPool) schedule(key string, fn func(ctx context.Context)) bool {
	p.mu.Lock()
	if p.pending[key] {
		p.mu.Unlock()
		return false
	}
	p.pending[key] = true
	p.mu.Unlock()

	select {
	case p.queue <- refreshTask{key: key, fn: fn}:
		return true
	default:
		p.clear(key)
		log.Warn().Str("key", key).Msg("refresh queue full, dropping stale refresh")
		return false
	}
}

func (p *refreshPool) clear(key string) {
	p.mu.Lock()
	delete(p.pending, key)
	p.mu.Unlock()
}

func (p *refreshPool) worker() {
	defer p.wg.Done()
	for {
		select {
		case <-p.stop:
			return
		case task := <-p.queue:
			ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
			if err := p.throttle.Wait(ctx); err == nil {
				task.fn(ctx)
			}
			cancel()
			p.clear(task.key)
		}
	}
}

// close stops the workers. Queued tasks that have not started are
// abandoned.
func (p *refreshPool) close() {
	close(p.stop)
	p.wg.Wait()
}
