package notification

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/clock"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

var (
	// ErrQueueFull is returned by Enqueue when the outbox buffer is full.
	ErrQueueFull = errors.New("notification: outbox queue full")
	// ErrOutboxStopped is returned by Enqueue after the outbox stopped.
	ErrOutboxStopped = errors.New("notification: outbox stopped")
)

// Intent is a toast waiting for delivery. Owner, when set, is the context of
// the component that produced it; the intent is dropped once Owner is done.
type Intent struct {
	Owner context.Context
	Sink  Toaster
	Toast Toast
}

// OutboxOptions configures an Outbox.
type OutboxOptions struct {
	Workers    int
	QueueSize  int
	RatePerSec int
	// RetryMax is how many times a failed delivery is retried.
	RetryMax    int
	BaseBackoff time.Duration
	// MaxBackoff caps the doubling retry delay.
	MaxBackoff time.Duration
}

// Outbox delivers toasts produced outside a request path with a worker pool,
// a global delivery rate limit and bounded retries.
type Outbox struct {
	queue      chan Intent
	workers    int
	limiter    *rate.Limiter
	retries    int
	backoff    time.Duration
	maxBackoff time.Duration
	clock      clock.Clock
	logger     zerolog.Logger

	mu      sync.RWMutex
	stopped bool

	delivered atomic.Int64
	failed    atomic.Int64
}

// NewOutbox creates an Outbox. Call Run to start delivering.
func NewOutbox(opts OutboxOptions, clk clock.Clock, logger zerolog.Logger) *Outbox {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	if opts.RetryMax < 0 {
		opts.RetryMax = 0
	}
	if opts.BaseBackoff <= 0 {
		opts.BaseBackoff = 200 * time.Millisecond
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 30 * time.Second
	}
	if opts.MaxBackoff < opts.BaseBackoff {
		opts.MaxBackoff = opts.BaseBackoff
	}
	limit := rate.Inf
	burst := opts.Workers
	if opts.RatePerSec > 0 {
		limit = rate.Limit(opts.RatePerSec)
		burst = opts.RatePerSec
	}
	return &Outbox{
		queue:      make(chan Intent, opts.QueueSize),
		workers:    opts.Workers,
		limiter:    rate.NewLimiter(limit, burst),
		retries:    opts.RetryMax,
		backoff:    opts.BaseBackoff,
		maxBackoff: opts.MaxBackoff,
		clock:      clk,
		logger:     logger.With().Str("component", "notification.outbox").Logger(),
	}
}

// Enqueue adds an intent without blocking.
func (o *Outbox) Enqueue(in Intent) error {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.stopped {
		return ErrOutboxStopped
	}
	select {
	case o.queue <- in:
		return nil
	default:
		return ErrQueueFull
	}
}

// Run delivers intents until ctx is cancelled, then waits for the workers to
// return. Intents still queued at that point are discarded.
func (o *Outbox) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < o.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			o.work(ctx)
		}()
	}
	<-ctx.Done()
	wg.Wait()

	o.mu.Lock()
	o.stopped = true
	o.mu.Unlock()
	if n := len(o.queue); n > 0 {
		o.logger.Info().Int("discarded", n).Msg("outbox stopped with pending intents")
	}
	return nil
}

// Delivered returns the number of toasts delivered.
func (o *Outbox) Delivered() int64 { return o.delivered.Load() }

// Failed returns the number of intents given up on.
func (o *Outbox) Failed() int64 { return o.failed.Load() }

func (o *Outbox) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case in := <-o.queue:
			o.deliver(ctx, in)
		}
	}
}

func (o *Outbox) deliver(ctx context.Context, in Intent) {
	for attempt := 0; ; attempt++ {
		if in.Owner != nil && in.Owner.Err() != nil {
			o.logger.Debug().Str("key", in.Toast.Key).Msg("owner gone, intent dropped")
			return
		}
		if err := o.limiter.Wait(ctx); err != nil {
			return
		}

		err := in.Sink.ShowToast(ctx, in.Toast)
		if err == nil {
			o.delivered.Add(1)
			return
		}
		if errors.Is(err, ErrClientClosed) {
			o.logger.Debug().Str("key", in.Toast.Key).Msg("client closed, intent dropped")
			return
		}
		if attempt >= o.retries {
			o.failed.Add(1)
			o.logger.Error().Err(err).Str("key", in.Toast.Key).Int("attempts", attempt+1).Msg("toast delivery failed")
			return
		}

		delay := o.retryDelay(attempt)
		o.logger.Warn().Err(err).Str("key", in.Toast.Key).Dur("retry_in", delay).Msg("toast delivery failed, retrying")
		select {
		case <-ctx.Done():
			return
		case <-o.clock.After(delay):
		}
	}
}

// retryDelay doubles the base backoff per attempt, capped at maxBackoff.
func (o *Outbox) retryDelay(attempt int) time.Duration {
	delay := o.backoff
	for i := 0; i < attempt; i++ {
		if delay >= o.maxBackoff/2 {
			return o.maxBackoff
		}
		delay *= 2
	}
	return delay
}
