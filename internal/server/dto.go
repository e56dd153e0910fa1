package server

import (
	"traceline/internal/domain"
	"traceline/internal/engine"
)

type putRequest struct {
	ID           string               `json:"id,omitempty" example:"evt-7f3a"`
	SessionID    string               `json:"session_id,omitempty" example:"sess-1"`
	SessionHint  string               `json:"session_hint,omitempty"`
	ParentID     string               `json:"parent_id,omitempty"`
	Kind         string               `json:"kind,omitempty" example:"tool_call"`
	Context      *domain.EventContext `json:"context,omitempty"`
	Status       string               `json:"status,omitempty" enum:"recorded,running,completed,failed"`
	StartedAt    string               `json:"started_at,omitempty" example:"2026-08-29T10:15:04.211Z"`
	EndedAt      string               `json:"ended_at,omitempty"`
	DurationSecs *float64             `json:"duration_secs,omitempty"`
	Agent        string               `json:"agent,omitempty"`
}

func (r putRequest) options() engine.PutOptions {
	return engine.PutOptions{
		ID:           r.ID,
		SessionID:    r.SessionID,
		SessionHint:  r.SessionHint,
		ParentID:     r.ParentID,
		Kind:         r.Kind,
		Context:      r.Context,
		Status:       r.Status,
		StartedAt:    r.StartedAt,
		EndedAt:      r.EndedAt,
		DurationSecs: r.DurationSecs,
		Agent:        r.Agent,
	}
}

type eventList struct {
	Items []domain.Event `json:"items"`
}

type sessionList struct {
	Items []domain.Session `json:"items"`
}

type adoptResponse struct {
	Adopted int `json:"adopted"`
}

type correlationRequest struct {
	ExternalID string `json:"external_id" example:"task-9021"`
	EventID    string `json:"event_id" example:"evt-7f3a"`
}

type statusResponse struct {
	Sessions       int   `json:"sessions"`
	ActiveSessions int   `json:"active_sessions"`
	Revision       int64 `json:"revision"`
}
