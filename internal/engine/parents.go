package engine

import (
	"context"
	"database/sql"
	"errors"

	"traceline/internal/domain"
	"traceline/internal/repo"
)

// attachDeclaredParent resolves a declared parent for an already-stored
// event. The explicit declaration always wins over inferred linkage; a
// resolved parent is never silently replaced.
func (e *Engine) attachDeclaredParent(ctx context.Context, tx *sql.Tx, evt *domain.Event, opts PutOptions) (bool, error) {
	if evt.ParentID != nil {
		if *evt.ParentID == opts.ParentID {
			return false, nil
		}
		return false, validationf("event %s parent already resolved to %s", evt.ID, *evt.ParentID)
	}
	parent, err := e.Repo.GetEventTx(ctx, tx, opts.ParentID)
	if errors.Is(err, repo.ErrNotFound) {
		if evt.PendingParentID != nil && *evt.PendingParentID == opts.ParentID {
			return false, nil
		}
		pending := opts.ParentID
		evt.PendingParentID = &pending
		return true, nil
	}
	if err != nil {
		return false, err
	}
	if opts.SessionID != "" && opts.SessionID != parent.SessionID {
		return false, validationf("parent %s belongs to session %s, not %s", parent.ID, parent.SessionID, opts.SessionID)
	}
	// Adoption into the parent's session is only for events still awaiting
	// attribution; an event already fixed in another session stays there.
	if evt.SessionID != parent.SessionID && !evt.NeedsSession {
		return false, validationf("parent %s belongs to session %s, event %s to %s", parent.ID, parent.SessionID, evt.ID, evt.SessionID)
	}
	if err := e.ensureNoCycle(ctx, tx, parent.ID, evt.ID); err != nil {
		return false, err
	}
	return true, e.linkChild(ctx, tx, evt, parent)
}

// linkChild attaches evt under parent, adopting the parent's session for the
// whole child subtree and crediting the subtree's counters to the new chain
// exactly once.
func (e *Engine) linkChild(ctx context.Context, tx *sql.Tx, evt *domain.Event, parent domain.Event) error {
	evt.ParentID = &parent.ID
	evt.PendingParentID = nil

	delta := evt.Counters
	if domain.Terminal(evt.Status) && !evt.Counted {
		delta.Add(ownContribution(*evt))
		evt.Counted = true
	}

	if evt.SessionID != parent.SessionID {
		// Reparent into the parent's session; cross-session trees are never
		// materialized.
		if err := e.reattributeSubtree(ctx, tx, *evt, parent.SessionID); err != nil {
			return err
		}
		evt.SessionID = parent.SessionID
		evt.NeedsSession = false
	}
	if err := e.Repo.UpdateEvent(ctx, tx, *evt); err != nil {
		return err
	}
	if err := e.Changelog.Append(ctx, tx, evt.SessionID, evt.ID, domain.ChangeUpdated); err != nil {
		return err
	}
	if !delta.IsZero() {
		if err := e.creditAncestors(ctx, tx, parent.ID, delta); err != nil {
			return err
		}
	}
	return nil
}

// attachPendingChildren adopts children that arrived before evt existed.
func (e *Engine) attachPendingChildren(ctx context.Context, tx *sql.Tx, evt domain.Event) error {
	children, err := e.Repo.PendingChildren(ctx, tx, evt.ID)
	if err != nil {
		return err
	}
	for _, child := range children {
		if child.SessionID != evt.SessionID && !child.NeedsSession {
			e.logger().Printf("parent resolution: leaving %s pending, it belongs to session %s and %s to %s", child.ID, child.SessionID, evt.ID, evt.SessionID)
			continue
		}
		if err := e.ensureNoCycle(ctx, tx, evt.ID, child.ID); err != nil {
			e.logger().Printf("parent resolution: refusing cyclic attachment of %s under %s: %v", child.ID, evt.ID, err)
			continue
		}
		child := child
		if err := e.linkChild(ctx, tx, &child, evt); err != nil {
			return err
		}
	}
	return nil
}

// ensureNoCycle walks the parent chain from parentID; reaching childID means
// the attachment would close a loop.
func (e *Engine) ensureNoCycle(ctx context.Context, tx *sql.Tx, parentID, childID string) error {
	cur := parentID
	for cur != "" {
		if cur == childID {
			return validationf("event %s cannot become an ancestor of itself", childID)
		}
		p, err := e.Repo.GetEventTx(ctx, tx, cur)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return nil
			}
			return err
		}
		if p.ParentID == nil {
			return nil
		}
		cur = *p.ParentID
	}
	return nil
}
