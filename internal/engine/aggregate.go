package engine

import (
	"context"
	"database/sql"

	"traceline/internal/domain"
)

// ownContribution is what one terminal event adds to each of its ancestors.
func ownContribution(evt domain.Event) domain.Counters {
	c := domain.Counters{DescendantCount: 1}
	if evt.DurationSecs != nil {
		c.TotalDurationSecs = *evt.DurationSecs
	}
	if evt.Status == domain.StatusCompleted {
		c.SuccessCount = 1
	} else {
		c.ErrorCount = 1
	}
	return c
}

// creditAncestors applies a counter delta to startID and every ancestor
// above it, one row update per level. Cost is O(depth), never a subtree
// re-scan. Each touched ancestor gets a change-feed row so live consumers
// see the counter movement.
func (e *Engine) creditAncestors(ctx context.Context, tx *sql.Tx, startID string, delta domain.Counters) error {
	cur := startID
	for cur != "" {
		if err := e.Repo.AddCounters(ctx, tx, cur, delta); err != nil {
			return err
		}
		node, err := e.Repo.GetEventTx(ctx, tx, cur)
		if err != nil {
			return err
		}
		if err := e.Changelog.Append(ctx, tx, node.SessionID, node.ID, domain.ChangeUpdated); err != nil {
			return err
		}
		if node.ParentID == nil {
			return nil
		}
		cur = *node.ParentID
	}
	return nil
}

// Recount computes an event's counters from scratch by a full bottom-up
// traversal. The materialized counters must always agree with this; it is
// the verification path, not the hot path.
func (e *Engine) Recount(ctx context.Context, rootID string) (domain.Counters, error) {
	var total domain.Counters
	descendants, err := e.Repo.Descendants(ctx, rootID)
	if err != nil {
		return total, err
	}
	for _, d := range descendants {
		if !domain.Terminal(d.Status) {
			continue
		}
		total.Add(ownContribution(d))
	}
	return total, nil
}
