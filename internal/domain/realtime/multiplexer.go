package realtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/rs/zerolog"

	"github.com/medcab/realtime/internal/platform/changefeed"
	"github.com/medcab/realtime/internal/platform/notification"
)

const (
	genericPatient   = "A patient"
	genericColleague = "A colleague"
)

// Notifier is the throttle stage events are handed to.
type Notifier interface {
	Notify(ctx context.Context, req notification.Request) bool
}

// Scope identifies whose changes a session watches.
type Scope struct {
	StructureID uuid.UUID
	UserID      uuid.UUID
}

// Options configures a Multiplexer.
type Options struct {
	// Location decides what "today" means for new appointments.
	Location *time.Location
	// LongWait is the waiting time from which a waiting patient raises an alert.
	LongWait time.Duration
}

// Multiplexer opens the per-table subscriptions of a structure and translates
// row changes into events.
type Multiplexer struct {
	feed     changefeed.Feed
	dir      Directory
	clock    clock.Clock
	loc      *time.Location
	longWait time.Duration
	logger   zerolog.Logger
}

// NewMultiplexer creates a Multiplexer reading from feed.
func NewMultiplexer(feed changefeed.Feed, dir Directory, clk clock.Clock, opts Options, logger zerolog.Logger) *Multiplexer {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.LongWait <= 0 {
		opts.LongWait = 30 * time.Minute
	}
	return &Multiplexer{
		feed:     feed,
		dir:      dir,
		clock:    clk,
		loc:      opts.Location,
		longWait: opts.LongWait,
		logger:   logger.With().Str("component", "realtime").Logger(),
	}
}

type watch struct {
	table  string
	types  changefeed.ChangeType
	handle func(s *Session, ctx context.Context, c changefeed.Change)
}

var watches = []watch{
	{"queue_entries", changefeed.Insert | changefeed.Update, (*Session).onQueue},
	{"appointments", changefeed.Insert | changefeed.Update, (*Session).onAppointment},
	{"tasks", changefeed.Insert, (*Session).onTask},
	{"activity_log", changefeed.Insert, (*Session).onActivity},
	{"delegations", changefeed.All, (*Session).onDelegation},
}

// Session is the set of live subscriptions of one scope.
type Session struct {
	m        *Multiplexer
	scope    Scope
	notifier Notifier
	logger   zerolog.Logger

	cancel context.CancelFunc
	subs   []changefeed.Subscription
	once   sync.Once
}

// Start opens every subscription of scope. A scope without a structure opens
// nothing and returns an idle session.
func (m *Multiplexer) Start(ctx context.Context, scope Scope, notifier Notifier) (*Session, error) {
	s := &Session{
		m:        m,
		scope:    scope,
		notifier: notifier,
		logger: m.logger.With().
			Str("structure_id", scope.StructureID.String()).
			Str("user_id", scope.UserID.String()).
			Logger(),
	}
	if scope.StructureID == uuid.Nil {
		s.cancel = func() {}
		return s, nil
	}

	ctx, s.cancel = context.WithCancel(ctx)
	for _, w := range watches {
		w := w
		sub, err := m.feed.Subscribe(ctx, changefeed.Filter{
			Table:       w.table,
			StructureID: scope.StructureID,
			Types:       w.types,
		}, func(ctx context.Context, c changefeed.Change) {
			w.handle(s, ctx, c)
		})
		if err != nil {
			s.Stop()
			return nil, fmt.Errorf("subscribe to %s: %w", w.table, err)
		}
		s.subs = append(s.subs, sub)
	}
	s.logger.Debug().Int("subscriptions", len(s.subs)).Msg("session started")
	return s, nil
}

// Scope returns the scope the session watches.
func (s *Session) Scope() Scope { return s.scope }

// Stop releases every subscription and waits for in-flight handlers. Results
// of lookups still running are discarded.
func (s *Session) Stop() {
	s.once.Do(func() {
		s.cancel()
		for _, sub := range s.subs {
			sub.Unsubscribe()
		}
		if len(s.subs) > 0 {
			s.logger.Debug().Msg("session stopped")
		}
	})
}

// ---------------------------------------------------------------------------
// Translation
// ---------------------------------------------------------------------------

func (s *Session) onQueue(ctx context.Context, c changefeed.Change) {
	var row queueRow
	if err := c.DecodeNew(&row); err != nil {
		s.logger.Warn().Err(err).Msg("undecodable queue row")
		return
	}
	at := s.occurredAt(c)
	id := row.ID.String()

	if c.Type == changefeed.Insert {
		name := s.patientName(ctx, row.PatientID)
		s.emit(ctx, Event{
			Key:         "queue-new-" + id,
			Kind:        KindQueue,
			Message:     "New patient waiting",
			Description: name + " joined the waiting room",
			Severity:    SeverityInfo,
			OccurredAt:  at,
		})
		return
	}

	var events []Event
	var old queueRow
	if err := c.DecodeOld(&old); err == nil && old.Status != row.Status {
		if ev, ok := statusEvent(row, at); ok {
			events = append(events, ev)
		}
	}

	wait := s.m.clock.Now().Sub(row.ArrivalTime)
	longWait := row.Status == StatusWaiting && !row.ArrivalTime.IsZero() && wait >= s.m.longWait

	if len(events) == 0 && !longWait {
		return
	}
	name := s.patientName(ctx, row.PatientID)
	for i := range events {
		events[i].Description = fmt.Sprintf(events[i].Description, name)
	}
	if longWait {
		events = append(events, Event{
			Key:         "queue-longwait-" + id,
			Kind:        KindAlert,
			Message:     "Long wait",
			Description: fmt.Sprintf("%s has been waiting %s", name, FormatWait(wait)),
			Severity:    SeverityWarning,
			OccurredAt:  at,
		})
	}
	for _, ev := range events {
		s.emit(ctx, ev)
	}
}

// statusEvent returns the event of a queue status transition. Its description
// is a format string taking the patient name.
func statusEvent(row queueRow, at time.Time) (Event, bool) {
	id := row.ID.String()
	switch row.Status {
	case StatusCalled:
		return Event{Key: "queue-called-" + id, Kind: KindQueue, Message: "Patient called",
			Description: "%s has been called", Severity: SeverityInfo, OccurredAt: at}, true
	case StatusInConsultation:
		return Event{Key: "queue-consult-" + id, Kind: KindQueue, Message: "Consultation started",
			Description: "%s is in consultation", Severity: SeverityInfo, OccurredAt: at}, true
	case StatusNoShow:
		return Event{Key: "queue-noshow-" + id, Kind: KindQueue, Message: "Patient did not show up",
			Description: "%s was marked as no-show", Severity: SeverityWarning, OccurredAt: at}, true
	}
	return Event{}, false
}

func (s *Session) onAppointment(ctx context.Context, c changefeed.Change) {
	var row appointmentRow
	if err := c.DecodeNew(&row); err != nil {
		s.logger.Warn().Err(err).Msg("undecodable appointment row")
		return
	}
	id := row.ID.String()
	start := row.StartTime.In(s.m.loc)

	switch c.Type {
	case changefeed.Update:
		var old appointmentRow
		if row.Status != StatusCancelled {
			return
		}
		if err := c.DecodeOld(&old); err == nil && old.Status == StatusCancelled {
			return
		}
		name := s.patientName(ctx, row.PatientID)
		s.emit(ctx, Event{
			Key:         "apt-cancelled-" + id,
			Kind:        KindAppointment,
			Message:     "Appointment cancelled",
			Description: fmt.Sprintf("%s on %s", name, start.Format("Jan 2 at 15:04")),
			Severity:    SeverityWarning,
			OccurredAt:  s.occurredAt(c),
		})
	case changefeed.Insert:
		if !sameDay(start, s.m.clock.Now().In(s.m.loc)) {
			return
		}
		name := s.patientName(ctx, row.PatientID)
		s.emit(ctx, Event{
			Key:         "apt-new-" + id,
			Kind:        KindAppointment,
			Message:     "New appointment today",
			Description: fmt.Sprintf("%s at %s", name, start.Format("15:04")),
			Severity:    SeverityInfo,
			OccurredAt:  s.occurredAt(c),
		})
	}
}

func (s *Session) onTask(ctx context.Context, c changefeed.Change) {
	var row taskRow
	if err := c.DecodeNew(&row); err != nil {
		s.logger.Warn().Err(err).Msg("undecodable task row")
		return
	}
	if row.Priority > 2 {
		return
	}
	severity := SeverityWarning
	if row.Priority <= 1 {
		severity = SeverityError
	}
	s.emit(ctx, Event{
		Key:         "task-urgent-" + row.ID.String(),
		Kind:        KindTask,
		Message:     "Urgent task",
		Description: row.Title,
		Severity:    severity,
		OccurredAt:  s.occurredAt(c),
	})
}

func (s *Session) onActivity(ctx context.Context, c changefeed.Change) {
	var row activityRow
	if err := c.DecodeNew(&row); err != nil {
		s.logger.Warn().Err(err).Msg("undecodable activity row")
		return
	}
	if row.ActorID == nil || *row.ActorID == s.scope.UserID {
		return
	}
	action := ParseAction(row.Action)
	if action == ActionUnknown {
		s.logger.Debug().Str("action", row.Action).Msg("unmapped activity action")
		return
	}

	name, err := s.m.dir.ProfileName(ctx, *row.ActorID)
	if err != nil {
		s.logger.Warn().Err(err).Str("profile_id", row.ActorID.String()).Msg("actor lookup failed")
	}
	if name == "" {
		name = genericColleague
	}
	s.emit(ctx, Event{
		Key:        "activity-" + row.ID.String(),
		Kind:       KindActivity,
		Message:    name + " " + action.Label(),
		Severity:   SeverityInfo,
		OccurredAt: s.occurredAt(c),
	})
}

var delegationText = map[changefeed.ChangeType]string{
	changefeed.Insert: "New delegation",
	changefeed.Update: "Delegation updated",
	changefeed.Delete: "Delegation removed",
}

func (s *Session) onDelegation(ctx context.Context, c changefeed.Change) {
	var row delegationRow
	var err error
	if c.Type == changefeed.Delete {
		err = c.DecodeOld(&row)
	} else {
		err = c.DecodeNew(&row)
	}
	if err != nil {
		s.logger.Warn().Err(err).Msg("undecodable delegation row")
		return
	}
	s.emit(ctx, Event{
		Key:        "delegation-" + c.Type.String() + "-" + row.ID.String(),
		Kind:       KindActivity,
		Message:    delegationText[c.Type],
		Severity:   SeverityInfo,
		OccurredAt: s.occurredAt(c),
	})
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// patientName is a best-effort lookup. Misses and failures yield the generic
// label.
func (s *Session) patientName(ctx context.Context, patientID *uuid.UUID) string {
	if patientID == nil || *patientID == uuid.Nil {
		return genericPatient
	}
	name, err := s.m.dir.PatientName(ctx, s.scope.StructureID, *patientID)
	if err != nil {
		s.logger.Warn().Err(err).Str("patient_id", patientID.String()).Msg("patient lookup failed")
	}
	if name == "" {
		return genericPatient
	}
	return name
}

// emit drops the event when the session was stopped while it was built.
func (s *Session) emit(ctx context.Context, ev Event) {
	if ctx.Err() != nil {
		return
	}
	shown := s.notifier.Notify(ctx, ev.Request())
	s.logger.Debug().
		Str("key", ev.Key).
		Str("kind", ev.Kind.String()).
		Bool("shown", shown).
		Msg("event")
}

func (s *Session) occurredAt(c changefeed.Change) time.Time {
	if !c.CommitTime.IsZero() {
		return c.CommitTime
	}
	return s.m.clock.Now()
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

// ---------------------------------------------------------------------------
// Binding
// ---------------------------------------------------------------------------

// Binding keeps exactly one session alive for a tab and replaces it when the
// tab switches structure.
type Binding struct {
	m        *Multiplexer
	notifier Notifier

	mu      sync.Mutex
	current *Session
}

// NewBinding creates a Binding delivering to notifier.
func NewBinding(m *Multiplexer, notifier Notifier) *Binding {
	return &Binding{m: m, notifier: notifier}
}

// Bind stops the current session, if any, and starts one for scope.
func (b *Binding) Bind(ctx context.Context, scope Scope) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.current != nil {
		b.current.Stop()
		b.current = nil
	}
	s, err := b.m.Start(ctx, scope, b.notifier)
	if err != nil {
		return err
	}
	b.current = s
	return nil
}

// Scope returns the scope of the current session.
func (b *Binding) Scope() Scope {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.current == nil {
		return Scope{}
	}
	return b.current.scope
}

// Close stops the current session.
func (b *Binding) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.current != nil {
		b.current.Stop()
		b.current = nil
	}
}
