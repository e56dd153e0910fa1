package changelog

import (
	"context"
	"database/sql"
	"time"
)

// Writer appends tree-update rows inside the caller's transaction so the
// change feed commits atomically with the mutation it describes.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

func (w Writer) Append(ctx context.Context, tx *sql.Tx, sessionID, eventID, change string) error {
	now := w.Now
	if now == nil {
		now = time.Now
	}
	ts := now().UTC().Format(time.RFC3339Nano)
	_, err := tx.ExecContext(ctx, `INSERT INTO tree_updates(ts,session_id,event_id,change) VALUES (?,?,?,?)`,
		ts, sessionID, eventID, change)
	return err
}
