package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/medcab/realtime/internal/platform/notification"
)

// Phase is the state of one reorder operation.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseOptimisticallyApplied
	PhasePersisting
	PhaseConfirmed
	PhaseRolledBack
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseOptimisticallyApplied:
		return "optimistically_applied"
	case PhasePersisting:
		return "persisting"
	case PhaseConfirmed:
		return "confirmed"
	case PhaseRolledBack:
		return "rolled_back"
	}
	return "unknown"
}

// ErrBoardClosed is reported when the board's owner went away while a
// persist was in flight.
var ErrBoardClosed = errors.New("queue: board closed")

// Outcome is the result of a Reorder call.
type Outcome struct {
	// Phase is PhaseIdle for a no-op, otherwise the terminal phase reached.
	Phase Phase
	// Order is the board order once the operation settled.
	Order []Entry
	Err   error
	// Superseded is set on a failed persist that was not rolled back because
	// a newer reorder had already been applied. The newer order stays: the
	// last write wins, so the local list keeps matching what the newer
	// persist sends to the server.
	Superseded bool
}

// Enqueuer accepts toast intents for asynchronous delivery.
type Enqueuer interface {
	Enqueue(in notification.Intent) error
}

// BoardConfig wires a Board to its surroundings. Every field is optional.
type BoardConfig struct {
	// Toaster receives confirmation and error toasts.
	Toaster notification.Toaster
	// Outbox, when set, delivers toasts instead of calling Toaster inline.
	Outbox Enqueuer
	// OnOrder is called with the new order whenever the local order changes.
	OnOrder func(entries []Entry)
	// OnPhase observes phase transitions of reorder operations.
	OnPhase func(p Phase)
}

var (
	savedToast = notification.Toast{
		Key:        "queue-reorder-saved",
		Message:    "Queue order saved",
		Variant:    notification.VariantSuccess,
		DurationMS: (1500 * time.Millisecond).Milliseconds(),
		Position:   "bottom-right",
	}
	failedToast = notification.Toast{
		Key:         "queue-reorder-failed",
		Message:     "Could not save the queue order",
		Description: "The previous order has been restored.",
		Variant:     notification.VariantError,
		DurationMS:  (5 * time.Second).Milliseconds(),
		Position:    "top-right",
	}
)

// Board is the locally displayed queue of one tab. Reorders are applied
// immediately and persisted afterwards; a failed persist restores the exact
// pre-drag slice. Several reorders may be in flight at once.
type Board struct {
	ctx         context.Context
	repo        Repository
	structureID uuid.UUID
	cfg         BoardConfig
	logger      zerolog.Logger

	mu         sync.Mutex
	entries    []Entry
	generation uint64
	saving     int
}

// NewBoard creates an empty Board for structureID. ctx is the owner's
// lifetime: once it is done, results of in-flight persists are discarded.
func NewBoard(ctx context.Context, repo Repository, structureID uuid.UUID, cfg BoardConfig, logger zerolog.Logger) *Board {
	return &Board{
		ctx:         ctx,
		repo:        repo,
		structureID: structureID,
		cfg:         cfg,
		logger:      logger.With().Str("component", "queue.board").Str("structure_id", structureID.String()).Logger(),
	}
}

// StructureID returns the structure the board belongs to.
func (b *Board) StructureID() uuid.UUID { return b.structureID }

// Load replaces the local order with the persisted one.
func (b *Board) Load(ctx context.Context) error {
	entries, err := b.repo.ListWaiting(ctx, b.structureID)
	if err != nil {
		return err
	}
	b.Set(entries)
	return nil
}

// Set replaces the local order.
func (b *Board) Set(entries []Entry) {
	b.mu.Lock()
	b.entries = entries
	b.generation++
	b.mu.Unlock()
	b.publish(entries)
}

// Entries returns the current order. The slice is shared and must not be
// modified.
func (b *Board) Entries() []Entry {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.entries
}

// Saving reports whether a persist is in flight. OnOrder is called again
// once a persist settles, so observers reading Saving there see it clear.
func (b *Board) Saving() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.saving > 0
}

// Reorder moves sourceID to the position of targetID. Equal or unknown ids
// are a no-op and nothing is persisted. Otherwise the new order is applied
// and published before the full id list is persisted.
func (b *Board) Reorder(ctx context.Context, sourceID, targetID uuid.UUID) Outcome {
	b.mu.Lock()
	from, to := IndexOf(b.entries, sourceID), IndexOf(b.entries, targetID)
	if sourceID == targetID || from < 0 || to < 0 {
		current := b.entries
		b.mu.Unlock()
		return Outcome{Phase: PhaseIdle, Order: current}
	}
	prev := b.entries
	next := Move(prev, from, to)
	b.entries = next
	b.generation++
	gen := b.generation
	b.saving++
	b.mu.Unlock()

	b.phase(PhaseOptimisticallyApplied)
	b.publish(next)

	b.phase(PhasePersisting)
	_, err := b.repo.PersistOrder(ctx, b.structureID, IDs(next))

	b.mu.Lock()
	b.saving--
	if b.ctx.Err() != nil {
		b.mu.Unlock()
		b.logger.Debug().Msg("board closed during persist, result discarded")
		return Outcome{Phase: PhaseIdle, Order: next, Err: ErrBoardClosed}
	}
	if err == nil {
		current := b.entries
		b.mu.Unlock()
		// Republish so observers see the saving flag drop.
		b.publish(current)
		b.phase(PhaseConfirmed)
		b.toast(savedToast)
		return Outcome{Phase: PhaseConfirmed, Order: next}
	}

	superseded := b.generation != gen
	if !superseded {
		b.entries = prev
	}
	current := b.entries
	b.mu.Unlock()

	b.logger.Error().Err(err).Bool("superseded", superseded).Msg("persist queue order failed")
	b.publish(current)
	b.toast(failedToast)
	b.phase(PhaseRolledBack)
	return Outcome{Phase: PhaseRolledBack, Order: current, Err: err, Superseded: superseded}
}

func (b *Board) publish(entries []Entry) {
	if b.cfg.OnOrder != nil {
		b.cfg.OnOrder(entries)
	}
}

func (b *Board) phase(p Phase) {
	if b.cfg.OnPhase != nil {
		b.cfg.OnPhase(p)
	}
}

func (b *Board) toast(t notification.Toast) {
	if b.cfg.Toaster == nil {
		return
	}
	if b.cfg.Outbox != nil {
		err := b.cfg.Outbox.Enqueue(notification.Intent{Owner: b.ctx, Sink: b.cfg.Toaster, Toast: t})
		if err == nil {
			return
		}
		b.logger.Warn().Err(err).Str("key", t.Key).Msg("outbox rejected toast, delivering inline")
	}
	if err := b.cfg.Toaster.ShowToast(b.ctx, t); err != nil && !errors.Is(err, notification.ErrClientClosed) {
		b.logger.Warn().Err(err).Str("key", t.Key).Msg("show toast failed")
	}
}
