package realtime

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type queryable interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

// -- Directory --

// PGDirectory is a Directory backed by the patients, profiles and
// structure_members tables. It also implements db.MembershipChecker.
type PGDirectory struct {
	db queryable
}

// NewDirectory creates a PGDirectory.
func NewDirectory(db queryable) *PGDirectory {
	return &PGDirectory{db: db}
}

func (d *PGDirectory) PatientName(ctx context.Context, structureID, patientID uuid.UUID) (string, error) {
	var name string
	err := d.db.QueryRow(ctx,
		`SELECT display_name FROM patients WHERE id = $1 AND structure_id = $2`,
		patientID, structureID,
	).Scan(&name)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("lookup patient %s: %w", patientID, err)
	}
	return name, nil
}

func (d *PGDirectory) ProfileName(ctx context.Context, profileID uuid.UUID) (string, error) {
	var name string
	err := d.db.QueryRow(ctx, `SELECT full_name FROM profiles WHERE id = $1`, profileID).Scan(&name)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("lookup profile %s: %w", profileID, err)
	}
	return name, nil
}

func (d *PGDirectory) IsMember(ctx context.Context, userID, structureID uuid.UUID) (bool, error) {
	var ok bool
	err := d.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM structure_members WHERE user_id = $1 AND structure_id = $2)`,
		userID, structureID,
	).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("check membership: %w", err)
	}
	return ok, nil
}
