package notification

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/rs/zerolog"
)

// Options configures a Notifier.
type Options struct {
	// Window is the minimum interval between two toasts with the same key.
	Window time.Duration
	// DismissAfter closes desktop notifications automatically.
	DismissAfter  time.Duration
	ToastDuration time.Duration
	Position      string
	Icon          string
}

// DefaultOptions returns the stock throttle and presentation settings.
func DefaultOptions() Options {
	return Options{
		Window:        2 * time.Second,
		DismissAfter:  5 * time.Second,
		ToastDuration: 4 * time.Second,
		Position:      "top-right",
		Icon:          "/favicon.ico",
	}
}

// Request is one candidate notification.
type Request struct {
	Key         string
	Message     string
	Description string
	Variant     Variant
	// Escalate asks for an OS notification as well when the tab allows it.
	Escalate bool
}

// Notifier is the throttle and dedup stage in front of a tab.
type Notifier struct {
	state  *State
	sink   Sink
	clock  clock.Clock
	opts   Options
	logger zerolog.Logger

	mu      sync.Mutex
	dismiss map[string]clock.Timer
	closed  bool
}

// NewNotifier creates a Notifier presenting to sink. Zero option fields take
// their DefaultOptions value.
func NewNotifier(state *State, sink Sink, clk clock.Clock, opts Options, logger zerolog.Logger) *Notifier {
	def := DefaultOptions()
	if opts.Window <= 0 {
		opts.Window = def.Window
	}
	if opts.DismissAfter <= 0 {
		opts.DismissAfter = def.DismissAfter
	}
	if opts.ToastDuration <= 0 {
		opts.ToastDuration = def.ToastDuration
	}
	if opts.Position == "" {
		opts.Position = def.Position
	}
	if opts.Icon == "" {
		opts.Icon = def.Icon
	}
	return &Notifier{
		state:   state,
		sink:    sink,
		clock:   clk,
		opts:    opts,
		logger:  logger.With().Str("component", "notification").Logger(),
		dismiss: make(map[string]clock.Timer),
	}
}

// Notify shows req unless a toast with the same key was shown within the
// throttle window, in which case it is dropped. It reports whether the
// request was shown.
func (n *Notifier) Notify(ctx context.Context, req Request) bool {
	if !n.state.allow(req.Key, n.clock.Now(), n.opts.Window) {
		n.logger.Debug().Str("key", req.Key).Msg("throttled")
		return false
	}

	variant := req.Variant
	if variant == "" {
		variant = VariantInfo
	}
	err := n.sink.ShowToast(ctx, Toast{
		Key:         req.Key,
		Message:     req.Message,
		Description: req.Description,
		Variant:     variant,
		DurationMS:  n.opts.ToastDuration.Milliseconds(),
		Position:    n.opts.Position,
	})
	n.logSinkError(err, req.Key, "show toast")

	if req.Escalate {
		n.escalate(ctx, req)
	}
	return true
}

func (n *Notifier) escalate(ctx context.Context, req Request) {
	perm, resolved := n.state.Permission()
	if !resolved || perm != PermissionGranted {
		return
	}
	if !n.sink.Hidden() {
		return
	}

	tag := req.Key
	err := n.sink.ShowDesktop(ctx, DesktopNotification{
		Tag:   tag,
		Title: req.Message,
		Body:  req.Description,
		Icon:  n.opts.Icon,
	})
	if err != nil {
		n.logSinkError(err, req.Key, "show desktop notification")
		return
	}
	n.scheduleDismiss(tag)
}

func (n *Notifier) scheduleDismiss(tag string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	if prev, ok := n.dismiss[tag]; ok {
		prev.Stop()
	}
	var timer clock.Timer
	timer = n.clock.AfterFunc(n.opts.DismissAfter, func() {
		n.mu.Lock()
		if n.dismiss[tag] == timer {
			delete(n.dismiss, tag)
		}
		n.mu.Unlock()
		n.logSinkError(n.sink.CloseDesktop(tag), tag, "close desktop notification")
	})
	n.dismiss[tag] = timer
}

// Activate resolves the OS notification permission once per State. When the
// tab has never been asked, exactly one request is issued. The outcome is
// cached and later calls return immediately.
func (n *Notifier) Activate(ctx context.Context) Permission {
	if !n.state.beginActivation() {
		p, _ := n.state.Permission()
		return p
	}

	perm, err := n.sink.Permission(ctx)
	if err != nil {
		n.logSinkError(err, "", "read notification permission")
		perm = PermissionDefault
	} else if perm == PermissionDefault {
		perm, err = n.sink.RequestPermission(ctx)
		if err != nil {
			n.logSinkError(err, "", "request notification permission")
			perm = PermissionDefault
		}
	}
	n.state.resolve(perm)
	n.logger.Debug().Str("permission", string(perm)).Msg("notification permission resolved")
	return perm
}

// State returns the per-tab state backing n.
func (n *Notifier) State() *State {
	return n.state
}

// Close cancels pending auto-dismiss timers.
func (n *Notifier) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.closed = true
	for tag, t := range n.dismiss {
		t.Stop()
		delete(n.dismiss, tag)
	}
}

func (n *Notifier) logSinkError(err error, key, op string) {
	if err == nil {
		return
	}
	if errors.Is(err, ErrClientClosed) || errors.Is(err, context.Canceled) {
		n.logger.Debug().Err(err).Str("key", key).Msg(op + " skipped")
		return
	}
	n.logger.Warn().Err(err).Str("key", key).Msg(op + " failed")
}
