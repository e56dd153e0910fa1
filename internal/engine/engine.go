package engine

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"traceline/internal/changelog"
	"traceline/internal/config"
	"traceline/internal/domain"
	"traceline/internal/repo"
)

// Engine correlates the incoming activity stream into per-session trees:
// session attribution, parent resolution, counter aggregation and the
// change feed all commit in one transaction per accepted mutation.
type Engine struct {
	DB        *sql.DB
	Repo      repo.Repo
	Changelog changelog.Writer
	Config    *config.Config
	Now       func() time.Time
	Logger    *log.Logger
	// Notify wakes the live projector after a commit. Optional.
	Notify func()
}

func New(db *sql.DB, cfg *config.Config) *Engine {
	return &Engine{
		DB:        db,
		Repo:      repo.Repo{DB: db},
		Changelog: changelog.Writer{DB: db},
		Config:    cfg,
		Now:       time.Now,
	}
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Engine) logger() *log.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return log.Default()
}

func (e *Engine) notify() {
	if e.Notify != nil {
		e.Notify()
	}
}

// ValidationError rejects a malformed submission synchronously. Producers
// should not retry verbatim.
type ValidationError struct {
	Reason string
}

func (v ValidationError) Error() string { return v.Reason }

func validationf(format string, args ...any) ValidationError {
	return ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// ConflictError marks a correlation conflict. Non-fatal; the event's primary
// tree is unaffected.
type ConflictError struct {
	Reason string
}

func (c ConflictError) Error() string { return c.Reason }

// EndSession marks a session ended. Ending an already-ended session is a
// no-op; status never reverts to active. In-flight events for the session
// keep being accepted.
func (e *Engine) EndSession(ctx context.Context, id string) (domain.Session, error) {
	s, err := e.Repo.GetSession(ctx, id)
	if err != nil {
		return s, err
	}
	if s.Status == domain.SessionEnded {
		return s, nil
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return s, err
	}
	defer tx.Rollback()
	if err := e.Repo.EndSession(ctx, tx, id); err != nil {
		return s, err
	}
	if err := tx.Commit(); err != nil {
		return s, err
	}
	s.Status = domain.SessionEnded
	return s, nil
}

// ReapIdleSessions ends active sessions idle longer than the configured
// timeout. Returns the ids that were ended.
func (e *Engine) ReapIdleSessions(ctx context.Context) ([]string, error) {
	if e.Config == nil || e.Config.Resolution.ReapIdleAfter <= 0 {
		return nil, nil
	}
	cutoff := e.now().UTC().Add(-e.Config.Resolution.ReapIdleAfter).Format(time.RFC3339Nano)
	idle, err := e.Repo.IdleActiveSessions(ctx, cutoff)
	if err != nil {
		return nil, err
	}
	var ended []string
	for _, s := range idle {
		if _, err := e.EndSession(ctx, s.ID); err != nil {
			return ended, err
		}
		ended = append(ended, s.ID)
	}
	return ended, nil
}
