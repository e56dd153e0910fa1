package repo

import (
	"context"
	"database/sql"

	"traceline/internal/domain"
)

func scanCorrelation(row rowScanner) (domain.Correlation, error) {
	var c domain.Correlation
	err := row.Scan(&c.ExternalID, &c.EventID, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	return c, err
}

func (r Repo) InsertCorrelation(ctx context.Context, tx *sql.Tx, c domain.Correlation) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO correlations(external_id,event_id,created_at) VALUES (?,?,?)`,
		c.ExternalID, c.EventID, c.CreatedAt)
	return err
}

func (r Repo) CorrelationByExternal(ctx context.Context, externalID string) (domain.Correlation, error) {
	return scanCorrelation(r.DB.QueryRowContext(ctx, `SELECT external_id,event_id,created_at FROM correlations WHERE external_id=?`, externalID))
}

func (r Repo) CorrelationByEvent(ctx context.Context, eventID string) (domain.Correlation, error) {
	return scanCorrelation(r.DB.QueryRowContext(ctx, `SELECT external_id,event_id,created_at FROM correlations WHERE event_id=?`, eventID))
}

func (r Repo) CorrelationByEventTx(ctx context.Context, tx *sql.Tx, eventID string) (domain.Correlation, error) {
	return scanCorrelation(tx.QueryRowContext(ctx, `SELECT external_id,event_id,created_at FROM correlations WHERE event_id=?`, eventID))
}

func (r Repo) CorrelationByExternalTx(ctx context.Context, tx *sql.Tx, externalID string) (domain.Correlation, error) {
	return scanCorrelation(tx.QueryRowContext(ctx, `SELECT external_id,event_id,created_at FROM correlations WHERE external_id=?`, externalID))
}
