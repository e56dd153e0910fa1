package engine_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"traceline/internal/config"
	"traceline/internal/db"
	"traceline/internal/domain"
	"traceline/internal/engine"
	"traceline/internal/migrate"
	"traceline/internal/repo"
)

type testEnv struct {
	Engine *engine.Engine
	Ctx    context.Context
}

// newTestEnv opens a fresh workspace database with a deterministic clock
// that advances one second per reading, so recency ordering is stable.
func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, config.Default())
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	eng.Now = func() time.Time {
		now = now.Add(time.Second)
		return now
	}
	return testEnv{Engine: eng, Ctx: context.Background()}
}

func put(t *testing.T, env testEnv, opts engine.PutOptions) domain.Event {
	t.Helper()
	evt, err := env.Engine.Put(env.Ctx, opts)
	if err != nil {
		t.Fatalf("put %s: %v", opts.ID, err)
	}
	return evt
}

func get(t *testing.T, env testEnv, id string) domain.Event {
	t.Helper()
	evt, err := env.Engine.Repo.GetEvent(env.Ctx, id)
	if err != nil {
		t.Fatalf("get %s: %v", id, err)
	}
	return evt
}

func f(v float64) *float64 { return &v }

func TestDelegateSubtreeCounters(t *testing.T) {
	env := newTestEnv(t)
	put(t, env, engine.PutOptions{ID: "e1", SessionID: "s1", Kind: "delegate"})
	put(t, env, engine.PutOptions{ID: "e2", ParentID: "e1", Kind: "subprocess"})
	put(t, env, engine.PutOptions{ID: "e2", Status: domain.StatusCompleted, DurationSecs: f(0.40)})

	e1 := get(t, env, "e1")
	want := domain.Counters{DescendantCount: 1, TotalDurationSecs: 0.40, SuccessCount: 1}
	if e1.Counters != want {
		t.Fatalf("e1 counters = %+v, want %+v", e1.Counters, want)
	}
	e2 := get(t, env, "e2")
	if e2.SessionID != "s1" {
		t.Fatalf("e2 adopted session %q, want s1", e2.SessionID)
	}
}

func TestChildBeforeParent(t *testing.T) {
	env := newTestEnv(t)
	e3 := put(t, env, engine.PutOptions{ID: "e3", SessionID: "s1", ParentID: "e9", Kind: "tool_call", Status: domain.StatusCompleted, DurationSecs: f(1.5)})
	if e3.ParentID != nil {
		t.Fatalf("e3 should not have a resolved parent yet")
	}
	if e3.PendingParentID == nil || *e3.PendingParentID != "e9" {
		t.Fatalf("e3 pending parent = %v, want e9", e3.PendingParentID)
	}

	e9 := put(t, env, engine.PutOptions{ID: "e9", SessionID: "s1", Kind: "delegate"})
	want := domain.Counters{DescendantCount: 1, TotalDurationSecs: 1.5, SuccessCount: 1}
	if e9.Counters != want {
		t.Fatalf("e9 counters = %+v, want %+v", e9.Counters, want)
	}

	descendants, err := env.Engine.Repo.Descendants(env.Ctx, "e9")
	if err != nil {
		t.Fatal(err)
	}
	if len(descendants) != 1 || descendants[0].ID != "e3" {
		t.Fatalf("descendants(e9) = %v, want [e3]", ids(descendants))
	}
	e3 = get(t, env, "e3")
	if e3.ParentID == nil || *e3.ParentID != "e9" {
		t.Fatalf("e3 parent = %v, want e9", e3.ParentID)
	}
	if e3.PendingParentID != nil {
		t.Fatalf("e3 pending marker should be cleared")
	}
}

func TestNoDoubleCountingOnLateParent(t *testing.T) {
	env := newTestEnv(t)
	// Child completes while pending, then gains a grandchild, then the
	// parent arrives. The parent must be credited the subtree exactly once.
	put(t, env, engine.PutOptions{ID: "c", SessionID: "s1", ParentID: "p", Kind: "tool_call", Status: domain.StatusCompleted, DurationSecs: f(1)})
	put(t, env, engine.PutOptions{ID: "g", ParentID: "c", Kind: "tool_call", Status: domain.StatusFailed, DurationSecs: f(2)})
	put(t, env, engine.PutOptions{ID: "p", SessionID: "s1", Kind: "delegate"})

	p := get(t, env, "p")
	want := domain.Counters{DescendantCount: 2, TotalDurationSecs: 3, SuccessCount: 1, ErrorCount: 1}
	if p.Counters != want {
		t.Fatalf("p counters = %+v, want %+v", p.Counters, want)
	}
	fresh, err := env.Engine.Recount(env.Ctx, "p")
	if err != nil {
		t.Fatal(err)
	}
	if fresh != want {
		t.Fatalf("recount = %+v, want %+v", fresh, want)
	}
}

func TestIngestionIdempotence(t *testing.T) {
	env := newTestEnv(t)
	opts := engine.PutOptions{ID: "e1", SessionID: "s1", Kind: "tool_call", Status: domain.StatusRunning, StartedAt: "2026-03-01T12:00:00Z"}
	first := put(t, env, opts)
	before, err := env.Engine.Repo.LatestUpdateID(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	second := put(t, env, opts)
	if first.Status != second.Status || first.StartedAt != second.StartedAt {
		t.Fatalf("redelivery changed the event: %+v vs %+v", first, second)
	}
	after, err := env.Engine.Repo.LatestUpdateID(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if after != before {
		t.Fatalf("identical redelivery emitted change rows: %d -> %d", before, after)
	}
}

func TestStatusMonotonicity(t *testing.T) {
	env := newTestEnv(t)
	put(t, env, engine.PutOptions{ID: "e1", SessionID: "s1", Kind: "tool_call", Status: domain.StatusCompleted})

	var ve engine.ValidationError
	_, err := env.Engine.Put(env.Ctx, engine.PutOptions{ID: "e1", Status: domain.StatusRunning})
	if !errors.As(err, &ve) {
		t.Fatalf("downgrade: want ValidationError, got %v", err)
	}
	_, err = env.Engine.Put(env.Ctx, engine.PutOptions{ID: "e1", Status: domain.StatusFailed})
	if !errors.As(err, &ve) {
		t.Fatalf("terminal overwrite: want ValidationError, got %v", err)
	}
	if got := get(t, env, "e1").Status; got != domain.StatusCompleted {
		t.Fatalf("status = %q after rejected updates, want completed", got)
	}
}

func TestMalformedEventsRejected(t *testing.T) {
	env := newTestEnv(t)
	var ve engine.ValidationError
	if _, err := env.Engine.Put(env.Ctx, engine.PutOptions{ID: "x", SessionID: "s1"}); !errors.As(err, &ve) {
		t.Fatalf("missing kind: want ValidationError, got %v", err)
	}
	if _, err := env.Engine.Put(env.Ctx, engine.PutOptions{ID: "x", ParentID: "x", Kind: "tool_call"}); !errors.As(err, &ve) {
		t.Fatalf("self parent: want ValidationError, got %v", err)
	}
	if _, err := env.Engine.Put(env.Ctx, engine.PutOptions{ID: "x", Kind: "tool_call", Status: "paused"}); !errors.As(err, &ve) {
		t.Fatalf("unknown status: want ValidationError, got %v", err)
	}
	put(t, env, engine.PutOptions{ID: "x", SessionID: "s1", Kind: "tool_call"})
	if _, err := env.Engine.Put(env.Ctx, engine.PutOptions{ID: "x", Kind: "delegate"}); !errors.As(err, &ve) {
		t.Fatalf("kind change: want ValidationError, got %v", err)
	}
}

func TestCycleRejected(t *testing.T) {
	env := newTestEnv(t)
	put(t, env, engine.PutOptions{ID: "a", SessionID: "s1", Kind: "delegate"})
	put(t, env, engine.PutOptions{ID: "b", ParentID: "a", Kind: "delegate"})
	put(t, env, engine.PutOptions{ID: "c", ParentID: "b", Kind: "tool_call"})

	var ve engine.ValidationError
	if _, err := env.Engine.Put(env.Ctx, engine.PutOptions{ID: "a", ParentID: "c"}); !errors.As(err, &ve) {
		t.Fatalf("cycle: want ValidationError, got %v", err)
	}
	if a := get(t, env, "a"); a.ParentID != nil {
		t.Fatalf("a gained a parent despite rejection")
	}
}

func TestDescendantsParentBeforeChild(t *testing.T) {
	env := newTestEnv(t)
	put(t, env, engine.PutOptions{ID: "root", SessionID: "s1", Kind: "delegate", StartedAt: "2026-03-01T12:00:01Z"})
	put(t, env, engine.PutOptions{ID: "a", ParentID: "root", Kind: "delegate", StartedAt: "2026-03-01T12:00:02Z"})
	put(t, env, engine.PutOptions{ID: "a1", ParentID: "a", Kind: "tool_call", StartedAt: "2026-03-01T12:00:03Z"})
	put(t, env, engine.PutOptions{ID: "b", ParentID: "root", Kind: "tool_call", StartedAt: "2026-03-01T12:00:04Z"})

	descendants, err := env.Engine.Repo.Descendants(env.Ctx, "root")
	if err != nil {
		t.Fatal(err)
	}
	pos := map[string]int{}
	for i, d := range descendants {
		pos[d.ID] = i
	}
	if len(pos) != 3 {
		t.Fatalf("descendants = %v", ids(descendants))
	}
	if pos["a"] > pos["a1"] {
		t.Fatalf("child a1 before parent a: %v", ids(descendants))
	}
}

func TestCounterRecountLaw(t *testing.T) {
	env := newTestEnv(t)
	put(t, env, engine.PutOptions{ID: "root", SessionID: "s1", Kind: "delegate"})
	put(t, env, engine.PutOptions{ID: "a", ParentID: "root", Kind: "delegate"})
	put(t, env, engine.PutOptions{ID: "a1", ParentID: "a", Kind: "tool_call", Status: domain.StatusCompleted, DurationSecs: f(0.25)})
	put(t, env, engine.PutOptions{ID: "a2", ParentID: "a", Kind: "tool_call", Status: domain.StatusFailed, DurationSecs: f(0.75)})
	put(t, env, engine.PutOptions{ID: "b", ParentID: "root", Kind: "tool_call", Status: domain.StatusRunning})
	put(t, env, engine.PutOptions{ID: "a", Status: domain.StatusCompleted, DurationSecs: f(3)})
	put(t, env, engine.PutOptions{ID: "b", Status: domain.StatusCompleted, DurationSecs: f(1)})

	for _, id := range []string{"root", "a"} {
		stored := get(t, env, id).Counters
		fresh, err := env.Engine.Recount(env.Ctx, id)
		if err != nil {
			t.Fatal(err)
		}
		if stored != fresh {
			t.Fatalf("%s: stored %+v != recount %+v", id, stored, fresh)
		}
	}
	root := get(t, env, "root")
	want := domain.Counters{DescendantCount: 4, TotalDurationSecs: 5, SuccessCount: 3, ErrorCount: 1}
	if root.Counters != want {
		t.Fatalf("root counters = %+v, want %+v", root.Counters, want)
	}
}

func TestSessionFallbackToMostRecentlyActive(t *testing.T) {
	env := newTestEnv(t)
	put(t, env, engine.PutOptions{ID: "e1", SessionID: "s1", Kind: "tool_call"})
	put(t, env, engine.PutOptions{ID: "e2", SessionID: "s2", Kind: "tool_call"})
	// s2 touched last, so a hint-less event lands there.
	evt := put(t, env, engine.PutOptions{ID: "e3", Kind: "tool_call"})
	if evt.SessionID != "s2" {
		t.Fatalf("fallback session = %q, want s2", evt.SessionID)
	}
	if evt.NeedsSession {
		t.Fatalf("fallback attribution should not flag the event")
	}
}

func TestSessionHintBeatsFallback(t *testing.T) {
	env := newTestEnv(t)
	put(t, env, engine.PutOptions{ID: "e1", SessionID: "s1", Kind: "tool_call"})
	evt := put(t, env, engine.PutOptions{ID: "e2", SessionHint: "s9", Kind: "tool_call"})
	if evt.SessionID != "s9" {
		t.Fatalf("hinted session = %q, want s9", evt.SessionID)
	}
	if _, err := env.Engine.Repo.GetSession(env.Ctx, "s9"); err != nil {
		t.Fatalf("hinted session not registered: %v", err)
	}
}

func TestUnknownSessionParking(t *testing.T) {
	env := newTestEnv(t)
	cfg := config.Default()
	cfg.Resolution.FallbackRecent = false
	env.Engine.Config = cfg

	evt := put(t, env, engine.PutOptions{ID: "e1", Kind: "tool_call"})
	if evt.SessionID != domain.SessionUnknown {
		t.Fatalf("session = %q, want sentinel", evt.SessionID)
	}
	if !evt.NeedsSession {
		t.Fatalf("parked event should be flagged for re-attribution")
	}

	// Late attribution moves the event out of the sentinel.
	evt = put(t, env, engine.PutOptions{ID: "e1", SessionID: "s1"})
	if evt.SessionID != "s1" || evt.NeedsSession {
		t.Fatalf("late attribution: got session %q needs=%v", evt.SessionID, evt.NeedsSession)
	}
}

func TestAdoptOrphans(t *testing.T) {
	env := newTestEnv(t)
	cfg := config.Default()
	cfg.Resolution.FallbackRecent = false
	env.Engine.Config = cfg

	put(t, env, engine.PutOptions{ID: "o1", Kind: "tool_call"})
	put(t, env, engine.PutOptions{ID: "o2", ParentID: "o1", Kind: "tool_call"})
	put(t, env, engine.PutOptions{ID: "home", SessionID: "s1", Kind: "delegate"})

	moved, err := env.Engine.AdoptOrphans(env.Ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if moved != 1 {
		t.Fatalf("adopted %d roots, want 1", moved)
	}
	for _, id := range []string{"o1", "o2"} {
		evt := get(t, env, id)
		if evt.SessionID != "s1" || evt.NeedsSession {
			t.Fatalf("%s: session %q needs=%v after adoption", id, evt.SessionID, evt.NeedsSession)
		}
	}
}

func TestEndSession(t *testing.T) {
	env := newTestEnv(t)
	put(t, env, engine.PutOptions{ID: "e1", SessionID: "s1", Kind: "tool_call"})

	s, err := env.Engine.EndSession(env.Ctx, "s1")
	if err != nil || s.Status != domain.SessionEnded {
		t.Fatalf("end: %v status=%q", err, s.Status)
	}
	// Ending twice is a no-op, and late events are still accepted.
	if _, err := env.Engine.EndSession(env.Ctx, "s1"); err != nil {
		t.Fatalf("second end: %v", err)
	}
	late := put(t, env, engine.PutOptions{ID: "e2", SessionID: "s1", Kind: "tool_call"})
	if late.SessionID != "s1" {
		t.Fatalf("late event session = %q", late.SessionID)
	}
}

func TestRendezvousOrderIndependence(t *testing.T) {
	env := newTestEnv(t)
	put(t, env, engine.PutOptions{ID: "e1", SessionID: "s1", Kind: "delegate"})
	put(t, env, engine.PutOptions{ID: "e2", SessionID: "s1", Kind: "delegate"})

	// external first
	if _, err := env.Engine.RecordExternal(env.Ctx, "x1", "e1"); err != nil {
		t.Fatal(err)
	}
	c, err := env.Engine.RecordInternal(env.Ctx, "e1")
	if err != nil || c == nil || c.ExternalID != "x1" {
		t.Fatalf("internal after external: %v %+v", err, c)
	}

	// internal first: the mapping stays open until the external side arrives
	c, err = env.Engine.RecordInternal(env.Ctx, "e2")
	if err != nil || c != nil {
		t.Fatalf("open rendezvous should yield nil, nil; got %+v %v", c, err)
	}
	if _, err := env.Engine.RecordExternal(env.Ctx, "x2", "e2"); err != nil {
		t.Fatal(err)
	}

	for _, tc := range []struct{ external, event string }{{"x1", "e1"}, {"x2", "e2"}} {
		byExt, err := env.Engine.LookupByExternal(env.Ctx, tc.external)
		if err != nil || byExt.EventID != tc.event {
			t.Fatalf("lookup %s: %v %+v", tc.external, err, byExt)
		}
		byEvt, err := env.Engine.LookupByInternal(env.Ctx, tc.event)
		if err != nil || byEvt.ExternalID != tc.external {
			t.Fatalf("lookup %s: %v %+v", tc.event, err, byEvt)
		}
	}
}

func TestRendezvousFirstWriterWins(t *testing.T) {
	env := newTestEnv(t)
	put(t, env, engine.PutOptions{ID: "e1", SessionID: "s1", Kind: "delegate"})
	if _, err := env.Engine.RecordExternal(env.Ctx, "x2", "e1"); err != nil {
		t.Fatal(err)
	}

	var ce engine.ConflictError
	_, err := env.Engine.RecordExternal(env.Ctx, "x1", "e1")
	if !errors.As(err, &ce) {
		t.Fatalf("second external id: want ConflictError, got %v", err)
	}
	c, err := env.Engine.LookupByInternal(env.Ctx, "e1")
	if err != nil || c.ExternalID != "x2" {
		t.Fatalf("first writer lost: %+v %v", c, err)
	}

	// Re-recording the winning pair stays idempotent.
	if _, err := env.Engine.RecordExternal(env.Ctx, "x2", "e1"); err != nil {
		t.Fatalf("same-pair redelivery: %v", err)
	}
}

func TestRendezvousRequiresBothSides(t *testing.T) {
	env := newTestEnv(t)
	var ve engine.ValidationError
	if _, err := env.Engine.RecordExternal(env.Ctx, "", "e1"); !errors.As(err, &ve) {
		t.Fatalf("missing external id: %v", err)
	}
	if _, err := env.Engine.RecordExternal(env.Ctx, "x1", ""); !errors.As(err, &ve) {
		t.Fatalf("missing event hint: %v", err)
	}
	if _, err := env.Engine.RecordInternal(env.Ctx, "ghost"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("unknown event: %v", err)
	}
}

func TestDurationFromTimestamps(t *testing.T) {
	env := newTestEnv(t)
	evt := put(t, env, engine.PutOptions{
		ID: "e1", SessionID: "s1", Kind: "tool_call",
		Status:    domain.StatusCompleted,
		StartedAt: "2026-03-01T12:00:00Z",
		EndedAt:   "2026-03-01T12:00:02.5Z",
	})
	if evt.DurationSecs == nil || *evt.DurationSecs != 2.5 {
		t.Fatalf("derived duration = %v, want 2.5", evt.DurationSecs)
	}
}

func TestReapIdleSessions(t *testing.T) {
	env := newTestEnv(t)
	cfg := config.Default()
	cfg.Resolution.ReapIdleAfter = time.Minute
	env.Engine.Config = cfg

	put(t, env, engine.PutOptions{ID: "e1", SessionID: "s1", Kind: "tool_call"})
	// Advance well past the idle cutoff.
	for i := 0; i < 120; i++ {
		env.Engine.Now()
	}
	reaped, err := env.Engine.ReapIdleSessions(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(reaped) != 1 || reaped[0] != "s1" {
		t.Fatalf("reaped %v, want [s1]", reaped)
	}
	s, err := env.Engine.Repo.GetSession(env.Ctx, "s1")
	if err != nil || s.Status != domain.SessionEnded {
		t.Fatalf("s1 status = %q %v", s.Status, err)
	}
}

func TestTerminalDurationFrozen(t *testing.T) {
	env := newTestEnv(t)
	put(t, env, engine.PutOptions{ID: "p", SessionID: "s1", Kind: "delegate"})
	put(t, env, engine.PutOptions{ID: "c", ParentID: "p", Kind: "tool_call", Status: domain.StatusCompleted, DurationSecs: f(0.4)})

	var ve engine.ValidationError
	if _, err := env.Engine.Put(env.Ctx, engine.PutOptions{ID: "c", Status: domain.StatusCompleted, DurationSecs: f(9)}); !errors.As(err, &ve) {
		t.Fatalf("duration change on a terminal event: want ValidationError, got %v", err)
	}
	if _, err := env.Engine.Put(env.Ctx, engine.PutOptions{ID: "c", EndedAt: "2026-03-01T13:00:00Z"}); !errors.As(err, &ve) {
		t.Fatalf("ended_at change on a terminal event: want ValidationError, got %v", err)
	}
	// Identical re-delivery is still a no-op, not a conflict.
	put(t, env, engine.PutOptions{ID: "c", Status: domain.StatusCompleted, DurationSecs: f(0.4)})

	p := get(t, env, "p")
	want := domain.Counters{DescendantCount: 1, TotalDurationSecs: 0.4, SuccessCount: 1}
	if p.Counters != want {
		t.Fatalf("p counters = %+v, want %+v", p.Counters, want)
	}
	fresh, err := env.Engine.Recount(env.Ctx, "p")
	if err != nil {
		t.Fatal(err)
	}
	if fresh != p.Counters {
		t.Fatalf("stored %+v != recount %+v", p.Counters, fresh)
	}
}

func TestCrossSessionParentRejected(t *testing.T) {
	env := newTestEnv(t)
	put(t, env, engine.PutOptions{ID: "e1", SessionID: "s1", Kind: "delegate"})
	put(t, env, engine.PutOptions{ID: "e2", SessionID: "s2", Kind: "tool_call"})

	var ve engine.ValidationError
	if _, err := env.Engine.Put(env.Ctx, engine.PutOptions{ID: "e2", ParentID: "e1"}); !errors.As(err, &ve) {
		t.Fatalf("cross-session attachment: want ValidationError, got %v", err)
	}
	e2 := get(t, env, "e2")
	if e2.SessionID != "s2" || e2.ParentID != nil {
		t.Fatalf("e2 = session %q parent %v after rejection", e2.SessionID, e2.ParentID)
	}
}

func TestPendingChildCrossSessionStaysPending(t *testing.T) {
	env := newTestEnv(t)
	put(t, env, engine.PutOptions{ID: "c", SessionID: "s2", ParentID: "p", Kind: "tool_call", Status: domain.StatusCompleted, DurationSecs: f(1)})
	p := put(t, env, engine.PutOptions{ID: "p", SessionID: "s1", Kind: "delegate"})

	if !p.Counters.IsZero() {
		t.Fatalf("p credited a child from another session: %+v", p.Counters)
	}
	c := get(t, env, "c")
	if c.ParentID != nil || c.PendingParentID == nil || *c.PendingParentID != "p" {
		t.Fatalf("c = parent %v pending %v, want still pending on p", c.ParentID, c.PendingParentID)
	}
	if c.SessionID != "s2" {
		t.Fatalf("c session = %q, want s2", c.SessionID)
	}
}

func TestSentinelChildAdoptedByParent(t *testing.T) {
	env := newTestEnv(t)
	cfg := config.Default()
	cfg.Resolution.FallbackRecent = false
	env.Engine.Config = cfg

	put(t, env, engine.PutOptions{ID: "c", ParentID: "p", Kind: "tool_call", Status: domain.StatusCompleted, DurationSecs: f(2)})
	p := put(t, env, engine.PutOptions{ID: "p", SessionID: "s1", Kind: "delegate"})

	want := domain.Counters{DescendantCount: 1, TotalDurationSecs: 2, SuccessCount: 1}
	if p.Counters != want {
		t.Fatalf("p counters = %+v, want %+v", p.Counters, want)
	}
	c := get(t, env, "c")
	if c.SessionID != "s1" || c.NeedsSession {
		t.Fatalf("c = session %q needs=%v after adoption", c.SessionID, c.NeedsSession)
	}
}

func TestAdoptOrphansDrainsBacklog(t *testing.T) {
	env := newTestEnv(t)
	cfg := config.Default()
	cfg.Resolution.FallbackRecent = false
	env.Engine.Config = cfg

	const backlog = 120
	for i := 0; i < backlog; i++ {
		put(t, env, engine.PutOptions{ID: fmt.Sprintf("o%03d", i), Kind: "tool_call"})
	}
	put(t, env, engine.PutOptions{ID: "home", SessionID: "s1", Kind: "delegate"})

	moved, err := env.Engine.AdoptOrphans(env.Ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if moved != backlog {
		t.Fatalf("adopted %d roots, want %d", moved, backlog)
	}
	remaining, err := env.Engine.Repo.SessionEvents(env.Ctx, domain.SessionUnknown)
	if err != nil {
		t.Fatal(err)
	}
	if len(remaining) != 0 {
		t.Fatalf("%d events still parked after adoption", len(remaining))
	}
}

func ids(events []domain.Event) []string {
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = e.ID
	}
	return out
}
