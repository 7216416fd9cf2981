// Package queue holds the waiting-room queue of a structure and the
// optimistic reorder coordinator behind drag-and-drop.
package queue

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Entry is one patient in the waiting queue. Order is given by slice index;
// Position is the persisted value the slice was loaded with.
type Entry struct {
	ID          uuid.UUID  `json:"id"`
	PatientID   *uuid.UUID `json:"patient_id,omitempty"`
	PatientName string     `json:"patient_name"`
	Status      string     `json:"status"`
	Position    int        `json:"position"`
	ArrivalTime time.Time  `json:"arrival_time"`
}

// Repository reads and persists queue ordering.
type Repository interface {
	ListWaiting(ctx context.Context, structureID uuid.UUID) ([]Entry, error)
	// PersistOrder atomically replaces the ordering of the structure's queue
	// with ids and returns how many entries were updated.
	PersistOrder(ctx context.Context, structureID uuid.UUID, ids []uuid.UUID) (int, error)
}

// IDs returns the ids of entries in order.
func IDs(entries []Entry) []uuid.UUID {
	ids := make([]uuid.UUID, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}
	return ids
}
