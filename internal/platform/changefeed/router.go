package changefeed

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

const defaultBuffer = 256

// Router is an in-process Feed. Dispatch never blocks: each subscription has
// a bounded buffer and a change is dropped for a subscriber whose buffer is
// full.
type Router struct {
	logger zerolog.Logger
	buffer int

	mu   sync.RWMutex
	subs map[uint64]*subscriber
	seq  atomic.Uint64

	dropped atomic.Int64
}

type subscriber struct {
	id      uint64
	filter  Filter
	handler Handler
	ch      chan Change
	cancel  context.CancelFunc
	done    chan struct{}
	router  *Router
	once    sync.Once
}

// NewRouter creates a Router. buffer <= 0 selects the default size.
func NewRouter(logger zerolog.Logger, buffer int) *Router {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Router{
		logger: logger.With().Str("component", "changefeed.router").Logger(),
		buffer: buffer,
		subs:   make(map[uint64]*subscriber),
	}
}

// Subscribe registers h for changes matching f. The subscription ends when
// Unsubscribe is called or ctx is cancelled.
func (r *Router) Subscribe(ctx context.Context, f Filter, h Handler) (Subscription, error) {
	if err := f.validate(); err != nil {
		return nil, err
	}
	subCtx, cancel := context.WithCancel(ctx)
	s := &subscriber{
		id:      r.seq.Add(1),
		filter:  f,
		handler: h,
		ch:      make(chan Change, r.buffer),
		cancel:  cancel,
		done:    make(chan struct{}),
		router:  r,
	}

	r.mu.Lock()
	r.subs[s.id] = s
	r.mu.Unlock()

	go s.run(subCtx)
	return s, nil
}

// Dispatch hands c to every matching subscription and returns how many
// accepted it.
func (r *Router) Dispatch(c Change) int {
	r.mu.RLock()
	matched := make([]*subscriber, 0, 4)
	for _, s := range r.subs {
		if s.filter.Matches(c) {
			matched = append(matched, s)
		}
	}
	r.mu.RUnlock()

	accepted := 0
	for _, s := range matched {
		select {
		case s.ch <- c:
			accepted++
		default:
			r.dropped.Add(1)
			r.logger.Warn().
				Str("table", c.Table).
				Str("type", c.Type.String()).
				Str("structure_id", c.StructureID.String()).
				Msg("subscriber buffer full, change dropped")
		}
	}
	return accepted
}

// Count returns the number of live subscriptions.
func (r *Router) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}

// Dropped returns how many deliveries were dropped on full buffers.
func (r *Router) Dropped() int64 {
	return r.dropped.Load()
}

// Close releases every subscription.
func (r *Router) Close() {
	r.mu.RLock()
	all := make([]*subscriber, 0, len(r.subs))
	for _, s := range r.subs {
		all = append(all, s)
	}
	r.mu.RUnlock()

	for _, s := range all {
		s.Unsubscribe()
	}
}

func (s *subscriber) run(ctx context.Context) {
	defer close(s.done)
	defer s.remove()
	for {
		select {
		case <-ctx.Done():
			return
		case c := <-s.ch:
			if ctx.Err() != nil {
				return
			}
			s.invoke(ctx, c)
		}
	}
}

func (s *subscriber) invoke(ctx context.Context, c Change) {
	defer func() {
		if rec := recover(); rec != nil {
			s.router.logger.Error().
				Interface("panic", rec).
				Str("table", c.Table).
				Msg("change handler panicked")
		}
	}()
	s.handler(ctx, c)
}

func (s *subscriber) remove() {
	s.router.mu.Lock()
	delete(s.router.subs, s.id)
	s.router.mu.Unlock()
}

func (s *subscriber) Unsubscribe() {
	s.once.Do(func() {
		s.cancel()
		<-s.done
	})
}
