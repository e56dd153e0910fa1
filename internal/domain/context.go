package domain

import (
	"encoding/json"
	"fmt"
)

// Context shape discriminators.
const (
	ContextDelegation = "delegation"
	ContextSpawn      = "spawn"
	ContextGeneric    = "generic"
)

// EventContext is the structured payload attached to an event. Known shapes
// carry typed fields; everything else lands in the generic key/value variant
// so unrecognized producers still round-trip.
type EventContext struct {
	Type       string             `json:"type" enum:"delegation,spawn,generic"`
	Delegation *DelegationContext `json:"delegation,omitempty"`
	Spawn      *SpawnContext      `json:"spawn,omitempty"`
	Values     map[string]string  `json:"values,omitempty"`
}

// DelegationContext describes work handed to another agent.
type DelegationContext struct {
	Agent  string `json:"agent"`
	Prompt string `json:"prompt,omitempty"`
	Model  string `json:"model,omitempty"`
}

// SpawnContext describes a sub-process launch.
type SpawnContext struct {
	Command string `json:"command"`
	Cwd     string `json:"cwd,omitempty"`
	PID     int    `json:"pid,omitempty"`
}

// Validate checks the discriminator matches the populated variant.
func (c *EventContext) Validate() error {
	if c == nil {
		return nil
	}
	switch c.Type {
	case ContextDelegation:
		if c.Delegation == nil {
			return fmt.Errorf("context type %s requires delegation payload", c.Type)
		}
	case ContextSpawn:
		if c.Spawn == nil {
			return fmt.Errorf("context type %s requires spawn payload", c.Type)
		}
	case ContextGeneric, "":
	default:
		return fmt.Errorf("unknown context type %s", c.Type)
	}
	return nil
}

// EncodeContext serializes a context for storage; nil encodes to empty.
func EncodeContext(c *EventContext) (string, error) {
	if c == nil {
		return "", nil
	}
	if err := c.Validate(); err != nil {
		return "", err
	}
	b, err := json.Marshal(c)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// DecodeContext parses a stored context; empty decodes to nil.
func DecodeContext(raw string) (*EventContext, error) {
	if raw == "" {
		return nil, nil
	}
	var c EventContext
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		return nil, fmt.Errorf("decode event context: %w", err)
	}
	return &c, nil
}
