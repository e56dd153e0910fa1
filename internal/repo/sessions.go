package repo

import (
	"context"
	"database/sql"

	"traceline/internal/domain"
)

func scanSession(row rowScanner) (domain.Session, error) {
	var s domain.Session
	err := row.Scan(&s.ID, &s.Agent, &s.Status, &s.CreatedAt, &s.LastActiveAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	return s, err
}

func (r Repo) InsertSession(ctx context.Context, tx *sql.Tx, s domain.Session) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO sessions(id,agent,status,created_at,last_active_at) VALUES (?,?,?,?,?)`,
		s.ID, s.Agent, s.Status, s.CreatedAt, s.LastActiveAt)
	return err
}

func (r Repo) GetSession(ctx context.Context, id string) (domain.Session, error) {
	return scanSession(r.DB.QueryRowContext(ctx, `SELECT id,agent,status,created_at,last_active_at FROM sessions WHERE id=?`, id))
}

func (r Repo) GetSessionTx(ctx context.Context, tx *sql.Tx, id string) (domain.Session, error) {
	return scanSession(tx.QueryRowContext(ctx, `SELECT id,agent,status,created_at,last_active_at FROM sessions WHERE id=?`, id))
}

func (r Repo) ListSessions(ctx context.Context, status string) ([]domain.Session, error) {
	query := `SELECT id,agent,status,created_at,last_active_at FROM sessions WHERE id != ? ORDER BY last_active_at DESC, id DESC`
	args := []any{domain.SessionUnknown}
	if status != "" {
		query = `SELECT id,agent,status,created_at,last_active_at FROM sessions WHERE id != ? AND status=? ORDER BY last_active_at DESC, id DESC`
		args = append(args, status)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// TouchSession bumps last_active_at; most-recent-write-wins for the fallback
// resolution heuristic.
func (r Repo) TouchSession(ctx context.Context, tx *sql.Tx, id, ts string) error {
	_, err := tx.ExecContext(ctx, `UPDATE sessions SET last_active_at=? WHERE id=?`, ts, id)
	return err
}

// EndSession marks a session ended. Ended is monotonic; ending twice is a no-op.
func (r Repo) EndSession(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `UPDATE sessions SET status=? WHERE id=?`, domain.SessionEnded, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// MostRecentlyActive returns the active session with the newest activity.
func (r Repo) MostRecentlyActive(ctx context.Context, tx *sql.Tx) (domain.Session, error) {
	return scanSession(tx.QueryRowContext(ctx,
		`SELECT id,agent,status,created_at,last_active_at FROM sessions WHERE status=? AND id != ? ORDER BY last_active_at DESC, id DESC LIMIT 1`,
		domain.SessionActive, domain.SessionUnknown))
}

// IdleActiveSessions returns active sessions with no activity since the cutoff.
func (r Repo) IdleActiveSessions(ctx context.Context, cutoff string) ([]domain.Session, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id,agent,status,created_at,last_active_at FROM sessions WHERE status=? AND id != ? AND last_active_at < ?`,
		domain.SessionActive, domain.SessionUnknown, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}
