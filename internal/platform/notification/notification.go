// Package notification gates user-facing notifications for one browser tab:
// per-key throttling of toasts, escalation to OS-level desktop notifications
// and a delivery outbox for toasts produced by background work.
package notification

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrClientClosed is returned by sinks whose tab connection is gone.
var ErrClientClosed = errors.New("notification: client closed")

// ---------------------------------------------------------------------------
// Presentation types
// ---------------------------------------------------------------------------

// Variant is the visual emphasis of a toast.
type Variant string

const (
	VariantInfo    Variant = "info"
	VariantWarning Variant = "warning"
	VariantError   Variant = "error"
	VariantSuccess Variant = "success"
)

// Toast is an in-app notification.
type Toast struct {
	Key         string  `json:"key"`
	Message     string  `json:"message"`
	Description string  `json:"description,omitempty"`
	Variant     Variant `json:"variant"`
	DurationMS  int64   `json:"duration_ms"`
	Position    string  `json:"position"`
}

// Permission is the OS notification permission reported by a tab.
type Permission string

const (
	PermissionDefault Permission = "default"
	PermissionGranted Permission = "granted"
	PermissionDenied  Permission = "denied"
)

// ParsePermission maps a reported value to a Permission. Anything unknown is
// treated as never asked.
func ParsePermission(s string) Permission {
	switch Permission(s) {
	case PermissionGranted:
		return PermissionGranted
	case PermissionDenied:
		return PermissionDenied
	}
	return PermissionDefault
}

// DesktopNotification is an OS-level notification. Tag identifies it for a
// later close and makes the OS replace an earlier one with the same tag.
type DesktopNotification struct {
	Tag   string `json:"tag"`
	Title string `json:"title"`
	Body  string `json:"body,omitempty"`
	Icon  string `json:"icon,omitempty"`
}

// ---------------------------------------------------------------------------
// Sinks
// ---------------------------------------------------------------------------

// Toaster displays toasts.
type Toaster interface {
	ShowToast(ctx context.Context, t Toast) error
}

// Desktop is the tab's OS notification surface.
type Desktop interface {
	// Permission returns the permission currently reported by the tab.
	Permission(ctx context.Context) (Permission, error)
	// RequestPermission prompts the user and returns the outcome.
	RequestPermission(ctx context.Context) (Permission, error)
	// Hidden reports whether the tab is in the background.
	Hidden() bool
	ShowDesktop(ctx context.Context, n DesktopNotification) error
	CloseDesktop(tag string) error
}

// Sink is everything a Notifier presents to.
type Sink interface {
	Toaster
	Desktop
}

// ---------------------------------------------------------------------------
// State
// ---------------------------------------------------------------------------

// State is the per-tab throttle map and permission cache. It is shared by all
// event producers of one tab and must not be shared between tabs.
type State struct {
	mu         sync.Mutex
	lastShown  map[string]time.Time
	permission Permission
	resolved   bool
	activating bool
}

// NewState returns an empty State.
func NewState() *State {
	return &State{
		lastShown:  make(map[string]time.Time),
		permission: PermissionDefault,
	}
}

// allow records now for key and returns true when key was never shown or was
// last shown at least window ago.
func (s *State) allow(key string, now time.Time, window time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if last, ok := s.lastShown[key]; ok && now.Sub(last) < window {
		return false
	}
	s.lastShown[key] = now
	return true
}

// LastShown returns when key was last shown.
func (s *State) LastShown(key string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.lastShown[key]
	return t, ok
}

// Permission returns the cached permission and whether it has been resolved.
func (s *State) Permission() (Permission, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.permission, s.resolved
}

// beginActivation returns true for exactly one caller per State.
func (s *State) beginActivation() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activating || s.resolved {
		return false
	}
	s.activating = true
	return true
}

func (s *State) resolve(p Permission) {
	s.mu.Lock()
	s.permission = p
	s.resolved = true
	s.mu.Unlock()
}
