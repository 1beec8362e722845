package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/sengac/fspec-sub012/internal/domain"
)

// Repo reads the sqlite event journal.
type Repo struct {
	DB *sql.DB
}

// EventFilters narrows LatestEvents; zero values match everything.
type EventFilters struct {
	Type       string
	WorkUnitID string
	Invocation string
	Before     int64
}

func (r Repo) LatestEvents(ctx context.Context, limit int, f EventFilters) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 20
	}
	clauses := []string{"1=1"}
	var args []any
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.WorkUnitID != "" {
		clauses = append(clauses, "work_unit_id=?")
		args = append(args, f.WorkUnitID)
	}
	if f.Invocation != "" {
		clauses = append(clauses, "invocation_id=?")
		args = append(args, f.Invocation)
	}
	if f.Before > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, f.Before)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,COALESCE(work_unit_id,''),COALESCE(invocation_id,''),actor_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.WorkUnitID, &e.Invocation, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// CountEventsByType returns how many journal entries exist per type for a unit (or all units).
func (r Repo) CountEventsByType(ctx context.Context, workUnitID string) (map[string]int, error) {
	query := `SELECT type, COUNT(*) FROM events`
	var args []any
	if workUnitID != "" {
		query += ` WHERE work_unit_id=?`
		args = append(args, workUnitID)
	}
	query += ` GROUP BY type`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]int{}
	for rows.Next() {
		var t string
		var n int
		if err := rows.Scan(&t, &n); err != nil {
			return nil, err
		}
		out[t] = n
	}
	return out, rows.Err()
}

// EventsAfter returns up to limit events with id greater than after, oldest first.
func (r Repo) EventsAfter(ctx context.Context, limit int, after int64) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,ts,type,COALESCE(work_unit_id,''),COALESCE(invocation_id,''),actor_id,payload_json FROM events WHERE id>? ORDER BY id ASC LIMIT ?`, after, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.WorkUnitID, &e.Invocation, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestEventID returns the highest event id, or 0 for an empty journal.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	if err := r.DB.QueryRowContext(ctx, `SELECT MAX(id) FROM events`).Scan(&id); err != nil {
		return 0, err
	}
	return id.Int64, nil
}
