// Package realtime turns row changes of a structure into domain events and
// hands them to a tab's notification stage.
package realtime

import (
	"time"

	"github.com/medcab/realtime/internal/platform/notification"
)

// Kind classifies a domain event.
type Kind int

const (
	KindQueue Kind = iota
	KindAlert
	KindAppointment
	KindTask
	KindActivity
)

func (k Kind) String() string {
	switch k {
	case KindQueue:
		return "queue"
	case KindAlert:
		return "alert"
	case KindAppointment:
		return "appointment"
	case KindTask:
		return "task"
	case KindActivity:
		return "activity"
	}
	return "unknown"
}

// Escalates reports whether events of this kind may raise an OS notification.
func (k Kind) Escalates() bool {
	return k == KindQueue || k == KindAlert
}

// Severity maps one to one onto a toast variant.
type Severity = notification.Variant

const (
	SeverityInfo    = notification.VariantInfo
	SeverityWarning = notification.VariantWarning
	SeverityError   = notification.VariantError
	SeveritySuccess = notification.VariantSuccess
)

// Event is an application-level interpretation of a row change.
type Event struct {
	Key         string
	Kind        Kind
	Message     string
	Description string
	Severity    Severity
	OccurredAt  time.Time
}

// Request converts e into a notification request.
func (e Event) Request() notification.Request {
	return notification.Request{
		Key:         e.Key,
		Message:     e.Message,
		Description: e.Description,
		Variant:     e.Severity,
		Escalate:    e.Kind.Escalates(),
	}
}
