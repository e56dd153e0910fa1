// Package projector turns store mutations into a revision-tagged stream of
// tree updates and serves full-tree snapshots for late-joining consumers.
package projector

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"traceline/internal/domain"
	"traceline/internal/repo"
)

const (
	defaultInterval = 250 * time.Millisecond
	defaultBuffer   = 256
	defaultBatch    = 200
)

// Notification is one live-feed item. Revision numbers are the change-feed
// row ids; a consumer holding a snapshot at revision R applies every
// notification with Revision > R and skips the rest.
type Notification struct {
	Revision       int64            `json:"revision"`
	EventID        string           `json:"event_id"`
	Kind           string           `json:"kind" enum:"new,updated"`
	Event          domain.Event     `json:"event"`
	ParentCounters *domain.Counters `json:"parent_counters,omitempty"`
}

// Snapshot is a full session tree at a specific logical revision.
type Snapshot struct {
	SessionID string             `json:"session_id"`
	Revision  int64              `json:"revision"`
	Roots     []*domain.TreeNode `json:"roots"`
}

// Subscription is one consumer's bounded delivery queue. A slow consumer
// loses the oldest notifications rather than stalling ingestion; Dropped
// reports how many, and the consumer resynchronizes via snapshot.
type Subscription struct {
	ID        string
	SessionID string
	C         chan Notification

	cursor  int64
	dropped int
}

// Dropped returns how many notifications were discarded for this subscriber.
func (s *Subscription) Dropped() int { return s.dropped }

type Projector struct {
	Repo     repo.Repo
	Logger   *log.Logger
	Interval time.Duration
	Buffer   int

	mu   sync.Mutex
	subs map[string]*Subscription
	wake chan struct{}
}

func New(r repo.Repo) *Projector {
	return &Projector{
		Repo:     r,
		Interval: defaultInterval,
		Buffer:   defaultBuffer,
		subs:     make(map[string]*Subscription),
		wake:     make(chan struct{}, 1),
	}
}

func (p *Projector) logger() *log.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return log.Default()
}

// Wake nudges the pump after a commit. Never blocks the caller.
func (p *Projector) Wake() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Run pumps the change feed to subscribers until ctx is done.
func (p *Projector) Run(ctx context.Context) {
	interval := p.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		p.deliverAll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-p.wake:
		}
	}
}

// Subscribe registers a consumer for one session's updates (empty session id
// follows every session) starting after fromRevision. Calling snapshot first
// and subscribing from its revision yields a gap-free continuation.
func (p *Projector) Subscribe(sessionID string, fromRevision int64) *Subscription {
	buffer := p.Buffer
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	sub := &Subscription{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		C:         make(chan Notification, buffer),
		cursor:    fromRevision,
	}
	p.mu.Lock()
	p.subs[sub.ID] = sub
	p.mu.Unlock()
	p.Wake()
	return sub
}

// Unsubscribe removes a consumer and closes its queue.
func (p *Projector) Unsubscribe(sub *Subscription) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.subs[sub.ID]; !ok {
		return
	}
	delete(p.subs, sub.ID)
	close(sub.C)
}

func (p *Projector) deliverAll(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, sub := range p.subs {
		if err := p.deliver(ctx, sub); err != nil {
			p.logger().Printf("projector: deliver to %s failed: %v", sub.ID, err)
		}
	}
}

// deliver advances one subscriber's cursor through the change feed. Each
// subscriber keeps its own cursor so replays after a snapshot stay gap-free.
func (p *Projector) deliver(ctx context.Context, sub *Subscription) error {
	for {
		updates, err := p.Repo.UpdatesAfter(ctx, defaultBatch, sub.cursor, sub.SessionID)
		if err != nil {
			return err
		}
		if len(updates) == 0 {
			return nil
		}
		for _, u := range updates {
			n, err := p.notification(ctx, u)
			if err != nil {
				return err
			}
			select {
			case sub.C <- n:
			default:
				// Full queue: drop the oldest and keep going.
				select {
				case <-sub.C:
					sub.dropped++
				default:
				}
				select {
				case sub.C <- n:
				default:
					sub.dropped++
				}
			}
			sub.cursor = u.ID
		}
		if len(updates) < defaultBatch {
			return nil
		}
	}
}

func (p *Projector) notification(ctx context.Context, u domain.TreeUpdate) (Notification, error) {
	evt, err := p.Repo.GetEvent(ctx, u.EventID)
	if err != nil {
		return Notification{}, err
	}
	n := Notification{
		Revision: u.ID,
		EventID:  u.EventID,
		Kind:     u.Change,
		Event:    evt,
	}
	if evt.ParentID != nil {
		parent, err := p.Repo.GetEvent(ctx, *evt.ParentID)
		if err == nil {
			counters := parent.Counters
			n.ParentCounters = &counters
		}
	}
	return n, nil
}

// TakeSnapshot builds the full current tree for a session, tagged with the
// global revision it was taken at.
func (p *Projector) TakeSnapshot(ctx context.Context, sessionID string) (Snapshot, error) {
	rev, err := p.Repo.LatestUpdateID(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	events, err := p.Repo.SessionEvents(ctx, sessionID)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{SessionID: sessionID, Revision: rev, Roots: BuildTree(events)}, nil
}

// BuildTree assembles parent/child links from a flat event list. Events with
// an unresolved or out-of-list parent surface as roots.
func BuildTree(events []domain.Event) []*domain.TreeNode {
	nodes := make(map[string]*domain.TreeNode, len(events))
	for _, e := range events {
		nodes[e.ID] = &domain.TreeNode{Event: e}
	}
	var roots []*domain.TreeNode
	for _, e := range events {
		node := nodes[e.ID]
		if e.ParentID != nil {
			if parent, ok := nodes[*e.ParentID]; ok {
				parent.Children = append(parent.Children, node)
				continue
			}
		}
		roots = append(roots, node)
	}
	return roots
}
