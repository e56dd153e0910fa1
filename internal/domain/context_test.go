package domain

import "testing"

func TestContextValidate(t *testing.T) {
	cases := []struct {
		name    string
		ctx     *EventContext
		wantErr bool
	}{
		{"nil", nil, false},
		{"delegation", &EventContext{Type: ContextDelegation, Delegation: &DelegationContext{Agent: "planner"}}, false},
		{"delegation missing payload", &EventContext{Type: ContextDelegation}, true},
		{"spawn", &EventContext{Type: ContextSpawn, Spawn: &SpawnContext{Command: "make test"}}, false},
		{"spawn missing payload", &EventContext{Type: ContextSpawn}, true},
		{"generic", &EventContext{Type: ContextGeneric, Values: map[string]string{"k": "v"}}, false},
		{"unknown type", &EventContext{Type: "mystery"}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.ctx.Validate()
			if (err != nil) != tc.wantErr {
				t.Fatalf("Validate() = %v, wantErr=%v", err, tc.wantErr)
			}
		})
	}
}

func TestContextRoundTrip(t *testing.T) {
	in := &EventContext{Type: ContextSpawn, Spawn: &SpawnContext{Command: "go run .", PID: 42}}
	raw, err := EncodeContext(in)
	if err != nil {
		t.Fatal(err)
	}
	out, err := DecodeContext(raw)
	if err != nil {
		t.Fatal(err)
	}
	if out.Type != ContextSpawn || out.Spawn == nil || out.Spawn.PID != 42 {
		t.Fatalf("round trip lost data: %+v", out)
	}

	if raw, err := EncodeContext(nil); err != nil || raw != "" {
		t.Fatalf("nil should encode empty, got %q %v", raw, err)
	}
	if out, err := DecodeContext(""); err != nil || out != nil {
		t.Fatalf("empty should decode nil, got %+v %v", out, err)
	}
}

func TestStatusRank(t *testing.T) {
	order := []string{StatusRecorded, StatusRunning, StatusCompleted}
	for i := 1; i < len(order); i++ {
		if StatusRank(order[i-1]) >= StatusRank(order[i]) {
			t.Fatalf("%s should rank below %s", order[i-1], order[i])
		}
	}
	if StatusRank(StatusCompleted) != StatusRank(StatusFailed) {
		t.Fatal("terminal statuses should rank equally")
	}
	if StatusRank("bogus") >= 0 {
		t.Fatal("unknown status should rank negative")
	}
	if Terminal(StatusRunning) || !Terminal(StatusFailed) {
		t.Fatal("terminal classification wrong")
	}
}
