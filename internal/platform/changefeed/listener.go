package changefeed

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/juju/clock"
	"github.com/rs/zerolog"
)

// Dispatcher receives decoded changes. *Router implements it.
type Dispatcher interface {
	Dispatch(c Change) int
}

// Listener holds one dedicated connection in LISTEN mode and forwards every
// notification on its channel to a Dispatcher. It reconnects with capped
// exponential backoff when the connection is lost.
type Listener struct {
	pool    *pgxpool.Pool
	channel string
	out     Dispatcher
	logger  zerolog.Logger
	clock   clock.Clock

	listening atomic.Bool

	// MinBackoff and MaxBackoff bound the reconnect delay.
	MinBackoff time.Duration
	MaxBackoff time.Duration
}

// NewListener creates a Listener for channel.
func NewListener(pool *pgxpool.Pool, channel string, out Dispatcher, logger zerolog.Logger, clk clock.Clock) *Listener {
	return &Listener{
		pool:       pool,
		channel:    channel,
		out:        out,
		logger:     logger.With().Str("component", "changefeed.listener").Str("channel", channel).Logger(),
		clock:      clk,
		MinBackoff: 500 * time.Millisecond,
		MaxBackoff: 30 * time.Second,
	}
}

// Listening reports whether a LISTEN connection is currently established.
func (l *Listener) Listening() bool {
	return l.listening.Load()
}

// Run listens until ctx is cancelled. It only returns ctx.Err().
func (l *Listener) Run(ctx context.Context) error {
	attempt := 0
	for {
		err := l.listenOnce(ctx, func() { attempt = 0 })
		if ctx.Err() != nil {
			return ctx.Err()
		}
		attempt++
		delay := Backoff(attempt, l.MinBackoff, l.MaxBackoff)
		l.logger.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", delay).Msg("change feed connection lost")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.clock.After(delay):
		}
	}
}

func (l *Listener) listenOnce(ctx context.Context, connected func()) error {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listen connection: %w", err)
	}
	// LISTEN state is per-session; never hand this connection back to the pool.
	defer func() {
		l.listening.Store(false)
		conn.Hijack().Close(context.Background())
	}()

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{l.channel}.Sanitize()); err != nil {
		return fmt.Errorf("listen on %s: %w", l.channel, err)
	}
	l.listening.Store(true)
	connected()
	l.logger.Info().Msg("listening for row changes")

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			return fmt.Errorf("wait for notification: %w", err)
		}
		l.handle(n.Payload)
	}
}

func (l *Listener) handle(payload string) {
	c, err := DecodePayload(payload)
	if err != nil {
		l.logger.Error().Err(err).Int("payload_bytes", len(payload)).Msg("dropping undecodable change")
		return
	}
	accepted := l.out.Dispatch(c)
	l.logger.Debug().
		Str("table", c.Table).
		Str("type", c.Type.String()).
		Str("structure_id", c.StructureID.String()).
		Int("subscribers", accepted).
		Msg("change dispatched")
}

// Backoff returns min * 2^(attempt-1), capped at max.
func Backoff(attempt int, min, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := min
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}
