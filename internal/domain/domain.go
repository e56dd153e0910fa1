package domain

type Session struct {
	ID           string `json:"id"`
	Agent        string `json:"agent,omitempty"`
	Status       string `json:"status" enum:"active,ended"`
	CreatedAt    string `json:"created_at" format:"date-time"`
	LastActiveAt string `json:"last_active_at" format:"date-time"`
}

// SessionUnknown is the sentinel session for events no strategy could attribute.
const SessionUnknown = "unknown"

const (
	SessionActive = "active"
	SessionEnded  = "ended"
)

const (
	StatusRecorded  = "recorded"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

var statusRank = map[string]int{
	StatusRecorded:  0,
	StatusRunning:   1,
	StatusCompleted: 2,
	StatusFailed:    2,
}

// StatusRank orders statuses along recorded -> running -> completed|failed.
// Unknown statuses rank -1.
func StatusRank(status string) int {
	r, ok := statusRank[status]
	if !ok {
		return -1
	}
	return r
}

// Terminal reports whether a status is completed or failed.
func Terminal(status string) bool {
	return status == StatusCompleted || status == StatusFailed
}

type Event struct {
	ID              string        `json:"id"`
	SessionID       string        `json:"session_id"`
	ParentID        *string       `json:"parent_id,omitempty"`
	PendingParentID *string       `json:"pending_parent_id,omitempty"`
	Kind            string        `json:"kind"`
	Context         *EventContext `json:"context,omitempty"`
	Status          string        `json:"status" enum:"recorded,running,completed,failed"`
	StartedAt       string        `json:"started_at" format:"date-time"`
	EndedAt         *string       `json:"ended_at,omitempty" format:"date-time"`
	DurationSecs    *float64      `json:"duration_secs,omitempty"`
	NeedsSession    bool          `json:"needs_session,omitempty"`
	// Counted marks that this event's own terminal contribution has been
	// credited to its ancestor chain.
	Counted  bool     `json:"-"`
	Counters Counters `json:"counters"`
}

// Counters are the materialized per-ancestor aggregates. They always equal
// what a full bottom-up recount of terminal descendants would produce.
type Counters struct {
	DescendantCount   int     `json:"descendant_count"`
	TotalDurationSecs float64 `json:"total_duration_secs"`
	SuccessCount      int     `json:"success_count"`
	ErrorCount        int     `json:"error_count"`
}

// Add merges another counter set into c.
func (c *Counters) Add(o Counters) {
	c.DescendantCount += o.DescendantCount
	c.TotalDurationSecs += o.TotalDurationSecs
	c.SuccessCount += o.SuccessCount
	c.ErrorCount += o.ErrorCount
}

// IsZero reports whether all counters are zero.
func (c Counters) IsZero() bool {
	return c.DescendantCount == 0 && c.TotalDurationSecs == 0 && c.SuccessCount == 0 && c.ErrorCount == 0
}

type Correlation struct {
	ExternalID string `json:"external_id"`
	EventID    string `json:"event_id"`
	CreatedAt  string `json:"created_at" format:"date-time"`
}

// TreeUpdate is one row of the change feed. Its id doubles as the revision
// number the live projection is tagged with.
type TreeUpdate struct {
	ID        int64  `json:"id"`
	TS        string `json:"ts" format:"date-time"`
	SessionID string `json:"session_id"`
	EventID   string `json:"event_id"`
	Change    string `json:"change" enum:"new,updated"`
}

const (
	ChangeNew     = "new"
	ChangeUpdated = "updated"
)

// TreeNode is an event plus its resolved children, as served by snapshots.
type TreeNode struct {
	Event    Event       `json:"event"`
	Children []*TreeNode `json:"children,omitempty"`
}
