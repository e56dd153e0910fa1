package engine

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"traceline/internal/domain"
	"traceline/internal/repo"
)

// resolveSession attributes an event to a session. Strategies in priority
// order: explicit candidate id, propagated hint, most recently active
// session, then the unknown sentinel with a re-attribution flag.
func (e *Engine) resolveSession(ctx context.Context, tx *sql.Tx, opts PutOptions) (string, bool, error) {
	if opts.SessionID != "" {
		if err := e.ensureSession(ctx, tx, opts.SessionID, opts.Agent); err != nil {
			return "", false, err
		}
		return opts.SessionID, false, nil
	}
	if opts.SessionHint != "" {
		if err := e.ensureSession(ctx, tx, opts.SessionHint, opts.Agent); err != nil {
			return "", false, err
		}
		return opts.SessionHint, false, nil
	}
	if e.Config == nil || e.Config.Resolution.FallbackRecent {
		s, err := e.Repo.MostRecentlyActive(ctx, tx)
		if err == nil {
			return s.ID, false, nil
		}
		if !errors.Is(err, repo.ErrNotFound) {
			return "", false, err
		}
	}
	// No strategy matched: park under the sentinel rather than drop.
	if err := e.ensureUnknownSession(ctx, tx); err != nil {
		return "", false, err
	}
	return domain.SessionUnknown, true, nil
}

// ensureSession creates the session row on first sight of an id.
func (e *Engine) ensureSession(ctx context.Context, tx *sql.Tx, id, agent string) error {
	_, err := e.Repo.GetSessionTx(ctx, tx, id)
	if err == nil {
		return nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return err
	}
	now := e.now().UTC().Format(time.RFC3339Nano)
	return e.Repo.InsertSession(ctx, tx, domain.Session{
		ID:           id,
		Agent:        agent,
		Status:       domain.SessionActive,
		CreatedAt:    now,
		LastActiveAt: now,
	})
}

func (e *Engine) ensureUnknownSession(ctx context.Context, tx *sql.Tx) error {
	return e.ensureSession(ctx, tx, domain.SessionUnknown, "")
}

// reattributeSubtree moves an event and all of its descendants to a session
// and clears their re-attribution flags.
func (e *Engine) reattributeSubtree(ctx context.Context, tx *sql.Tx, root domain.Event, sessionID string) error {
	var walk func(evt domain.Event) error
	walk = func(evt domain.Event) error {
		evt.SessionID = sessionID
		evt.NeedsSession = false
		if err := e.Repo.UpdateEvent(ctx, tx, evt); err != nil {
			return err
		}
		if err := e.Changelog.Append(ctx, tx, sessionID, evt.ID, domain.ChangeUpdated); err != nil {
			return err
		}
		children, err := e.Repo.ChildrenTx(ctx, tx, evt.ID)
		if err != nil {
			return err
		}
		for _, c := range children {
			if err := walk(c); err != nil {
				return err
			}
		}
		return nil
	}
	return walk(root)
}

// AdoptOrphans re-attributes events parked under the unknown sentinel to the
// given session. Returns how many roots moved.
func (e *Engine) AdoptOrphans(ctx context.Context, sessionID string) (int, error) {
	if _, err := e.Repo.GetSession(ctx, sessionID); err != nil {
		return 0, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	// Re-attribution clears the flag the query filters on, so fetching in
	// batches drains an arbitrarily large backlog. Descendants of a moved
	// root are cleared by the subtree walk and drop out of later batches.
	const batch = 100
	moved := 0
	for {
		orphans, err := e.Repo.OrphanEvents(ctx, tx, batch)
		if err != nil {
			return 0, err
		}
		progressed := false
		for _, o := range orphans {
			if o.ParentID != nil {
				continue
			}
			if err := e.reattributeSubtree(ctx, tx, o, sessionID); err != nil {
				return 0, err
			}
			moved++
			progressed = true
		}
		if len(orphans) < batch || !progressed {
			break
		}
	}
	if moved == 0 {
		return 0, tx.Rollback()
	}
	if err := e.Repo.TouchSession(ctx, tx, sessionID, e.now().UTC().Format(time.RFC3339Nano)); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	e.notify()
	return moved, nil
}
