package repo

import (
	"context"
	"database/sql"
	"errors"

	"traceline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const eventColumns = `id,session_id,parent_id,pending_parent_id,kind,COALESCE(context_json,''),status,started_at,ended_at,duration_secs,needs_session,counted,descendant_count,total_duration_secs,success_count,error_count`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (domain.Event, error) {
	var e domain.Event
	var parentID, pendingParentID, endedAt sql.NullString
	var duration sql.NullFloat64
	var contextJSON string
	var needsSession, counted int
	err := row.Scan(&e.ID, &e.SessionID, &parentID, &pendingParentID, &e.Kind, &contextJSON, &e.Status,
		&e.StartedAt, &endedAt, &duration, &needsSession, &counted,
		&e.Counters.DescendantCount, &e.Counters.TotalDurationSecs, &e.Counters.SuccessCount, &e.Counters.ErrorCount)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	if err != nil {
		return e, err
	}
	if parentID.Valid {
		e.ParentID = &parentID.String
	}
	if pendingParentID.Valid {
		e.PendingParentID = &pendingParentID.String
	}
	if endedAt.Valid {
		e.EndedAt = &endedAt.String
	}
	if duration.Valid {
		e.DurationSecs = &duration.Float64
	}
	e.NeedsSession = needsSession == 1
	e.Counted = counted == 1
	e.Context, err = domain.DecodeContext(contextJSON)
	return e, err
}

func (r Repo) InsertEvent(ctx context.Context, tx *sql.Tx, e domain.Event) error {
	contextJSON, err := domain.EncodeContext(e.Context)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(id,session_id,parent_id,pending_parent_id,kind,context_json,status,started_at,ended_at,duration_secs,needs_session,counted,descendant_count,total_duration_secs,success_count,error_count)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		e.ID, e.SessionID, nullableStringPtr(e.ParentID), nullableStringPtr(e.PendingParentID), e.Kind, nullable(contextJSON),
		e.Status, e.StartedAt, nullableStringPtr(e.EndedAt), nullableFloatPtr(e.DurationSecs), boolInt(e.NeedsSession), boolInt(e.Counted),
		e.Counters.DescendantCount, e.Counters.TotalDurationSecs, e.Counters.SuccessCount, e.Counters.ErrorCount)
	return err
}

func (r Repo) UpdateEvent(ctx context.Context, tx *sql.Tx, e domain.Event) error {
	contextJSON, err := domain.EncodeContext(e.Context)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE events SET session_id=?, parent_id=?, pending_parent_id=?, kind=?, context_json=?, status=?, started_at=?, ended_at=?, duration_secs=?, needs_session=?, counted=? WHERE id=?`,
		e.SessionID, nullableStringPtr(e.ParentID), nullableStringPtr(e.PendingParentID), e.Kind, nullable(contextJSON),
		e.Status, e.StartedAt, nullableStringPtr(e.EndedAt), nullableFloatPtr(e.DurationSecs), boolInt(e.NeedsSession), boolInt(e.Counted), e.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetEvent(ctx context.Context, id string) (domain.Event, error) {
	return scanEvent(r.DB.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM events WHERE id=?`, id))
}

func (r Repo) GetEventTx(ctx context.Context, tx *sql.Tx, id string) (domain.Event, error) {
	return scanEvent(tx.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM events WHERE id=?`, id))
}

func collectEvents(rows *sql.Rows) ([]domain.Event, error) {
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// Children returns direct children of an event ordered by start time.
func (r Repo) Children(ctx context.Context, parentID string) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+eventColumns+` FROM events WHERE parent_id=? ORDER BY started_at ASC, id ASC`, parentID)
	if err != nil {
		return nil, err
	}
	return collectEvents(rows)
}

func (r Repo) ChildrenTx(ctx context.Context, tx *sql.Tx, parentID string) ([]domain.Event, error) {
	rows, err := tx.QueryContext(ctx, `SELECT `+eventColumns+` FROM events WHERE parent_id=? ORDER BY started_at ASC, id ASC`, parentID)
	if err != nil {
		return nil, err
	}
	return collectEvents(rows)
}

// Descendants returns the subtree below root depth-first, every parent before
// any of its children.
func (r Repo) Descendants(ctx context.Context, rootID string) ([]domain.Event, error) {
	var res []domain.Event
	var walk func(id string) error
	walk = func(id string) error {
		children, err := r.Children(ctx, id)
		if err != nil {
			return err
		}
		for _, c := range children {
			res = append(res, c)
			if err := walk(c.ID); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(rootID); err != nil {
		return nil, err
	}
	return res, nil
}

// PendingChildren returns events waiting on parentID to appear.
func (r Repo) PendingChildren(ctx context.Context, tx *sql.Tx, parentID string) ([]domain.Event, error) {
	rows, err := tx.QueryContext(ctx, `SELECT `+eventColumns+` FROM events WHERE pending_parent_id=? ORDER BY started_at ASC, id ASC`, parentID)
	if err != nil {
		return nil, err
	}
	return collectEvents(rows)
}

// OrphanEvents returns events stored under the unknown-session sentinel.
func (r Repo) OrphanEvents(ctx context.Context, tx *sql.Tx, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := tx.QueryContext(ctx, `SELECT `+eventColumns+` FROM events WHERE needs_session=1 ORDER BY started_at ASC, id ASC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	return collectEvents(rows)
}

// SessionEvents returns every event in a session ordered by start time.
func (r Repo) SessionEvents(ctx context.Context, sessionID string) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+eventColumns+` FROM events WHERE session_id=? ORDER BY started_at ASC, id ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	return collectEvents(rows)
}

// AddCounters applies a counter delta to one event row.
func (r Repo) AddCounters(ctx context.Context, tx *sql.Tx, id string, delta domain.Counters) error {
	res, err := tx.ExecContext(ctx, `UPDATE events SET descendant_count=descendant_count+?, total_duration_secs=total_duration_secs+?, success_count=success_count+?, error_count=error_count+? WHERE id=?`,
		delta.DescendantCount, delta.TotalDurationSecs, delta.SuccessCount, delta.ErrorCount, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func nullableFloatPtr(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
