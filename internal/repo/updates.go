package repo

import (
	"context"
	"strings"

	"traceline/internal/domain"
)

// UpdatesAfter returns tree updates with IDs greater than the cursor in
// ascending order. Revision numbers are these row IDs.
func (r Repo) UpdatesAfter(ctx context.Context, limit int, cursor int64, sessionID string) ([]domain.TreeUpdate, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"1=1"}
	var args []any
	if sessionID != "" {
		clauses = append(clauses, "session_id=?")
		args = append(args, sessionID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := `SELECT id,ts,session_id,event_id,change FROM tree_updates ` + where + ` ORDER BY id ASC LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TreeUpdate
	for rows.Next() {
		var u domain.TreeUpdate
		if err := rows.Scan(&u.ID, &u.TS, &u.SessionID, &u.EventID, &u.Change); err != nil {
			return nil, err
		}
		res = append(res, u)
	}
	return res, rows.Err()
}

// LatestUpdateID returns the current global revision.
func (r Repo) LatestUpdateID(ctx context.Context) (int64, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM tree_updates`)
	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}
