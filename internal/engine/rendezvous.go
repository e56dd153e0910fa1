package engine

import (
	"context"
	"errors"
	"time"

	"traceline/internal/domain"
	"traceline/internal/repo"
)

// RecordExternal joins an externally generated task identifier to an event
// id. The two sides of the mapping may arrive in either order and arbitrarily
// far apart; once both are known the mapping is fixed. A second external id
// for an already-mapped event is a conflict: logged, rejected, first writer
// wins.
func (e *Engine) RecordExternal(ctx context.Context, externalID, eventID string) (domain.Correlation, error) {
	if externalID == "" {
		return domain.Correlation{}, validationf("external id is required")
	}
	if eventID == "" {
		return domain.Correlation{}, validationf("event id hint is required to rendezvous")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Correlation{}, err
	}
	defer tx.Rollback()

	if existing, err := e.Repo.CorrelationByExternalTx(ctx, tx, externalID); err == nil {
		if existing.EventID == eventID {
			return existing, nil
		}
		return domain.Correlation{}, ConflictError{Reason: "external id " + externalID + " already mapped to event " + existing.EventID}
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Correlation{}, err
	}
	if existing, err := e.Repo.CorrelationByEventTx(ctx, tx, eventID); err == nil {
		e.logger().Printf("correlation conflict: event %s already mapped to external %s, rejecting %s", eventID, existing.ExternalID, externalID)
		return domain.Correlation{}, ConflictError{Reason: "event " + eventID + " already mapped to external id " + existing.ExternalID}
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Correlation{}, err
	}

	c := domain.Correlation{
		ExternalID: externalID,
		EventID:    eventID,
		CreatedAt:  e.now().UTC().Format(time.RFC3339Nano),
	}
	if err := e.Repo.InsertCorrelation(ctx, tx, c); err != nil {
		return domain.Correlation{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Correlation{}, err
	}
	return c, nil
}

// RecordInternal registers an engine-side event id with the rendezvous and
// returns the mapping when the external side already arrived. A nil
// correlation with nil error means the mapping is still open; it may never
// complete, and nothing waits on it.
func (e *Engine) RecordInternal(ctx context.Context, eventID string) (*domain.Correlation, error) {
	if eventID == "" {
		return nil, validationf("event id is required")
	}
	if _, err := e.Repo.GetEvent(ctx, eventID); err != nil {
		return nil, err
	}
	c, err := e.Repo.CorrelationByEvent(ctx, eventID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// LookupByExternal resolves an external task identifier to its event id.
func (e *Engine) LookupByExternal(ctx context.Context, externalID string) (domain.Correlation, error) {
	return e.Repo.CorrelationByExternal(ctx, externalID)
}

// LookupByInternal resolves an event id to its external task identifier.
func (e *Engine) LookupByInternal(ctx context.Context, eventID string) (domain.Correlation, error) {
	return e.Repo.CorrelationByEvent(ctx, eventID)
}
