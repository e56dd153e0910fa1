package engine

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"traceline/internal/domain"
	"traceline/internal/repo"
)

// PutOptions are parameters for ingesting one activity event. Re-submitting
// the same id merges more advanced fields into the stored event.
type PutOptions struct {
	ID           string
	SessionID    string
	SessionHint  string
	ParentID     string
	Kind         string
	Context      *domain.EventContext
	Status       string
	StartedAt    string
	EndedAt      string
	DurationSecs *float64
	Agent        string
}

// Put ingests an event: session attribution, parent resolution, counter
// aggregation and the change-feed row commit atomically or not at all.
func (e *Engine) Put(ctx context.Context, opts PutOptions) (domain.Event, error) {
	if opts.Status != "" && domain.StatusRank(opts.Status) < 0 {
		return domain.Event{}, validationf("unknown status %q", opts.Status)
	}
	if opts.ID != "" && opts.ParentID != "" && opts.ParentID == opts.ID {
		return domain.Event{}, validationf("event %s cannot be its own parent", opts.ID)
	}
	if opts.Context != nil {
		if err := opts.Context.Validate(); err != nil {
			return domain.Event{}, ValidationError{Reason: err.Error()}
		}
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Event{}, err
	}
	defer tx.Rollback()

	var evt domain.Event
	var changed bool
	if opts.ID != "" {
		existing, err := e.Repo.GetEventTx(ctx, tx, opts.ID)
		switch {
		case err == nil:
			evt, changed, err = e.mergeEvent(ctx, tx, existing, opts)
			if err != nil {
				return domain.Event{}, err
			}
		case errors.Is(err, repo.ErrNotFound):
			evt, err = e.createEvent(ctx, tx, opts)
			if err != nil {
				return domain.Event{}, err
			}
			changed = true
		default:
			return domain.Event{}, err
		}
	} else {
		evt, err = e.createEvent(ctx, tx, opts)
		if err != nil {
			return domain.Event{}, err
		}
		changed = true
	}

	if !changed {
		// Identical re-delivery: nothing to persist, nothing to announce.
		return evt, tx.Rollback()
	}
	if err := e.Repo.TouchSession(ctx, tx, evt.SessionID, e.now().UTC().Format(time.RFC3339Nano)); err != nil {
		return domain.Event{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Event{}, err
	}
	e.notify()
	return evt, nil
}

func (e *Engine) createEvent(ctx context.Context, tx *sql.Tx, opts PutOptions) (domain.Event, error) {
	if opts.Kind == "" {
		return domain.Event{}, validationf("kind is required")
	}
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	status := opts.Status
	if status == "" {
		status = domain.StatusRecorded
	}
	startedAt := opts.StartedAt
	if startedAt == "" {
		startedAt = e.now().UTC().Format(time.RFC3339Nano)
	}

	sessionID, needsSession, err := e.resolveSession(ctx, tx, opts)
	if err != nil {
		return domain.Event{}, err
	}

	evt := domain.Event{
		ID:           id,
		SessionID:    sessionID,
		Kind:         opts.Kind,
		Context:      opts.Context,
		Status:       status,
		StartedAt:    startedAt,
		NeedsSession: needsSession,
	}
	if opts.EndedAt != "" {
		evt.EndedAt = &opts.EndedAt
	}
	evt.DurationSecs = eventDuration(evt, opts.DurationSecs)

	if opts.ParentID != "" {
		parent, err := e.Repo.GetEventTx(ctx, tx, opts.ParentID)
		switch {
		case err == nil:
			// Parent linkage is stronger evidence than any fallback guess, but
			// an explicitly declared session must agree with the parent's.
			if opts.SessionID != "" && opts.SessionID != parent.SessionID {
				return domain.Event{}, validationf("parent %s belongs to session %s, not %s", parent.ID, parent.SessionID, opts.SessionID)
			}
			evt.SessionID = parent.SessionID
			evt.NeedsSession = false
			evt.ParentID = &parent.ID
		case errors.Is(err, repo.ErrNotFound):
			// Child before parent: store with a pending marker, attach when
			// the parent shows up.
			pending := opts.ParentID
			evt.PendingParentID = &pending
		default:
			return domain.Event{}, err
		}
	}

	evt.Counted = domain.Terminal(evt.Status) && evt.ParentID != nil
	if err := e.Repo.InsertEvent(ctx, tx, evt); err != nil {
		return domain.Event{}, err
	}
	if err := e.Changelog.Append(ctx, tx, evt.SessionID, evt.ID, domain.ChangeNew); err != nil {
		return domain.Event{}, err
	}
	if evt.Counted {
		if err := e.creditAncestors(ctx, tx, *evt.ParentID, ownContribution(evt)); err != nil {
			return domain.Event{}, err
		}
	}
	if err := e.attachPendingChildren(ctx, tx, evt); err != nil {
		return domain.Event{}, err
	}
	// Re-read: adopted children may have credited this event's counters.
	return e.Repo.GetEventTx(ctx, tx, evt.ID)
}

func (e *Engine) mergeEvent(ctx context.Context, tx *sql.Tx, evt domain.Event, opts PutOptions) (domain.Event, bool, error) {
	changed := false
	wasTerminal := domain.Terminal(evt.Status)

	if opts.Kind != "" && opts.Kind != evt.Kind {
		return evt, false, validationf("event %s kind is %q, cannot change to %q", evt.ID, evt.Kind, opts.Kind)
	}
	if opts.Status != "" && opts.Status != evt.Status {
		newRank, curRank := domain.StatusRank(opts.Status), domain.StatusRank(evt.Status)
		if newRank < curRank {
			return evt, false, validationf("status downgrade %s -> %s rejected", evt.Status, opts.Status)
		}
		if wasTerminal {
			return evt, false, validationf("terminal status %s cannot change to %s", evt.Status, opts.Status)
		}
		evt.Status = opts.Status
		changed = true
	}
	if wasTerminal {
		// The terminal contribution may already be credited up the chain;
		// ended_at and duration are frozen, only identical re-delivery passes.
		if opts.EndedAt != "" && (evt.EndedAt == nil || *evt.EndedAt != opts.EndedAt) {
			return evt, false, validationf("event %s is terminal, ended_at cannot change", evt.ID)
		}
		if opts.DurationSecs != nil && (evt.DurationSecs == nil || *evt.DurationSecs != *opts.DurationSecs) {
			return evt, false, validationf("event %s is terminal, duration cannot change", evt.ID)
		}
	}
	if opts.EndedAt != "" && (evt.EndedAt == nil || *evt.EndedAt != opts.EndedAt) {
		ended := opts.EndedAt
		evt.EndedAt = &ended
		changed = true
	}
	if opts.DurationSecs != nil && (evt.DurationSecs == nil || *evt.DurationSecs != *opts.DurationSecs) {
		evt.DurationSecs = opts.DurationSecs
		changed = true
	}
	if !wasTerminal && evt.DurationSecs == nil {
		if d := eventDuration(evt, nil); d != nil {
			evt.DurationSecs = d
			changed = true
		}
	}
	if opts.Context != nil {
		evt.Context = opts.Context
		changed = true
	}

	// Late session attribution for events stored under the sentinel.
	if evt.NeedsSession && (opts.SessionID != "" || opts.SessionHint != "") {
		sessionID, needsSession, err := e.resolveSession(ctx, tx, opts)
		if err != nil {
			return evt, false, err
		}
		if !needsSession && sessionID != evt.SessionID {
			if err := e.reattributeSubtree(ctx, tx, evt, sessionID); err != nil {
				return evt, false, err
			}
			evt.SessionID = sessionID
			evt.NeedsSession = false
			changed = true
		}
	}

	if opts.ParentID != "" {
		attached, err := e.attachDeclaredParent(ctx, tx, &evt, opts)
		if err != nil {
			return evt, false, err
		}
		changed = changed || attached
	}

	// Terminal transition: one upward pass credits every ancestor.
	if !wasTerminal && domain.Terminal(evt.Status) && evt.ParentID != nil && !evt.Counted {
		if err := e.creditAncestors(ctx, tx, *evt.ParentID, ownContribution(evt)); err != nil {
			return evt, false, err
		}
		evt.Counted = true
		changed = true
	}

	if !changed {
		return evt, false, nil
	}
	if err := e.Repo.UpdateEvent(ctx, tx, evt); err != nil {
		return evt, false, err
	}
	if err := e.Changelog.Append(ctx, tx, evt.SessionID, evt.ID, domain.ChangeUpdated); err != nil {
		return evt, false, err
	}
	return evt, true, nil
}

// eventDuration prefers an explicit duration and falls back to the span
// between start and end timestamps.
func eventDuration(evt domain.Event, explicit *float64) *float64 {
	if explicit != nil {
		return explicit
	}
	if evt.DurationSecs != nil {
		return evt.DurationSecs
	}
	if evt.EndedAt == nil {
		return nil
	}
	start, err := time.Parse(time.RFC3339Nano, evt.StartedAt)
	if err != nil {
		return nil
	}
	end, err := time.Parse(time.RFC3339Nano, *evt.EndedAt)
	if err != nil {
		return nil
	}
	d := end.Sub(start).Seconds()
	if d < 0 {
		return nil
	}
	return &d
}
