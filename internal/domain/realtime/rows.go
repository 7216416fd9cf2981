package realtime

import (
	"time"

	"github.com/google/uuid"
)

// Row images as written by the change-feed trigger. Only the columns the
// multiplexer reads are declared.

type queueRow struct {
	ID          uuid.UUID  `json:"id"`
	PatientID   *uuid.UUID `json:"patient_id"`
	Status      string     `json:"status"`
	ArrivalTime time.Time  `json:"arrival_time"`
}

type appointmentRow struct {
	ID        uuid.UUID  `json:"id"`
	PatientID *uuid.UUID `json:"patient_id"`
	StartTime time.Time  `json:"start_time"`
	Status    string     `json:"status"`
}

type taskRow struct {
	ID       uuid.UUID `json:"id"`
	Title    string    `json:"title"`
	Priority int       `json:"priority"`
}

type activityRow struct {
	ID         uuid.UUID  `json:"id"`
	ActorID    *uuid.UUID `json:"actor_id"`
	Action     string     `json:"action"`
	EntityType string     `json:"entity_type"`
}

type delegationRow struct {
	ID uuid.UUID `json:"id"`
}

// Queue and appointment statuses.
const (
	StatusWaiting        = "waiting"
	StatusCalled         = "called"
	StatusInConsultation = "in_consultation"
	StatusNoShow         = "no_show"
	StatusCancelled      = "cancelled"
)
