package queue

import (
	"context"
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

type repoPG struct {
	db queryable
}

// NewRepo returns a Repository backed by PostgreSQL.
func NewRepo(db queryable) Repository {
	return &repoPG{db: db}
}

const entryColumns = `q.id, q.patient_id, COALESCE(p.display_name, ''), q.status, q.position, q.arrival_time`

func (r *repoPG) ListWaiting(ctx context.Context, structureID uuid.UUID) ([]Entry, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+entryColumns+`
		  FROM queue_entries q
		  LEFT JOIN patients p ON p.id = q.patient_id
		 WHERE q.structure_id = $1 AND q.status = 'waiting'
		 ORDER BY q.position, q.arrival_time`, structureID)
	if err != nil {
		return nil, fmt.Errorf("list waiting queue: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.PatientID, &e.PatientName, &e.Status, &e.Position, &e.ArrivalTime); err != nil {
			return nil, fmt.Errorf("scan queue entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (r *repoPG) PersistOrder(ctx context.Context, structureID uuid.UUID, ids []uuid.UUID) (int, error) {
	var updated int
	if err := r.db.QueryRow(ctx, `SELECT reorder_queue($1::uuid, $2::uuid[])`, structureID, ids).Scan(&updated); err != nil {
		return 0, fmt.Errorf("persist queue order: %w", err)
	}
	return updated, nil
}
