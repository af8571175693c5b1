package domain

import (
	"testing"
	"time"
)

func TestProposalExecutable(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	readyAt := base.Add(time.Hour)
	cases := []struct {
		name string
		p    Proposal
		now  time.Time
		want bool
	}{
		{"pending", Proposal{State: StatePending}, base, false},
		{"ready before eta", Proposal{State: StateReady, ReadyAt: &readyAt}, base, false},
		{"ready at eta", Proposal{State: StateReady, ReadyAt: &readyAt}, readyAt, true},
		{"ready after eta", Proposal{State: StateReady, ReadyAt: &readyAt}, readyAt.Add(time.Second), true},
		{"ready without eta", Proposal{State: StateReady}, readyAt, false},
		{"executed", Proposal{State: StateExecuted, ReadyAt: &readyAt}, readyAt, false},
		{"cancelled", Proposal{State: StateCancelled, ReadyAt: &readyAt}, readyAt, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.p.Executable(tc.now); got != tc.want {
				t.Fatalf("Executable() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestStateTerminal(t *testing.T) {
	for _, s := range []State{StateExecuted, StateFailed, StateCancelled} {
		if !s.Terminal() {
			t.Fatalf("%s should be terminal", s)
		}
	}
	for _, s := range []State{StatePending, StateReady} {
		if s.Terminal() {
			t.Fatalf("%s should not be terminal", s)
		}
	}
	if State("bogus").Valid() {
		t.Fatalf("unexpected valid state")
	}
}

func TestParseAddress(t *testing.T) {
	if _, ok := ParseAddress("   "); ok {
		t.Fatalf("blank address accepted")
	}
	a, ok := ParseAddress(" 0xabc ")
	if !ok || a != "0xabc" {
		t.Fatalf("got %q %v", a, ok)
	}
}
