package realtime

import (
	"context"

	"github.com/google/uuid"
)

// Directory resolves display names for enrichment. A missing row is not an
// error: the lookup returns "" and a nil error.
type Directory interface {
	PatientName(ctx context.Context, structureID, patientID uuid.UUID) (string, error)
	ProfileName(ctx context.Context, profileID uuid.UUID) (string, error)
}
