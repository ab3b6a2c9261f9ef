package session

import (
	"context"
	"errors"
	"testing"
)

func TestStateTransitions(t *testing.T) {
	t.Parallel()

	cases := []struct {
		from State
		to   State
		want bool
	}{
		{StateInitializing, StateAwaitingScan, true},
		{StateInitializing, StateActive, true},
		{StateInitializing, StateAuthFailed, true},
		{StateInitializing, StateTimedOut, true},
		{StateAwaitingScan, StateActive, true},
		{StateAwaitingScan, StateAuthFailed, true},
		{StateAwaitingScan, StateTimedOut, true},
		{StateActive, StateDisconnected, true},
		{StateActive, StateAuthFailed, true},

		{StateActive, StateAwaitingScan, false},
		{StateActive, StateActive, false},
		{StateDisconnected, StateActive, false},
		{StateTimedOut, StateActive, false},
		{StateAuthFailed, StateAwaitingScan, false},
		{StateAwaitingScan, StateInitializing, false},
	}

	for _, tc := range cases {
		if got := tc.from.CanTransition(tc.to); got != tc.want {
			t.Errorf("%s -> %s: want %v got %v", tc.from, tc.to, tc.want, got)
		}
	}
}

func TestSessionTransitionGuards(t *testing.T) {
	t.Parallel()

	sess := newSession("tenant-1")
	if sess.State() != StateInitializing {
		t.Fatalf("unexpected initial state: %s", sess.State())
	}
	if !sess.transition(StateAwaitingScan) {
		t.Fatal("expected initializing -> awaiting_scan to succeed")
	}
	if sess.transition(StateInitializing) {
		t.Fatal("expected awaiting_scan -> initializing to fail")
	}
	if !sess.transition(StateActive) {
		t.Fatal("expected awaiting_scan -> active to succeed")
	}
	if sess.State() != StateActive {
		t.Fatalf("unexpected state: %s", sess.State())
	}
}

func TestSessionSendRequiresActive(t *testing.T) {
	t.Parallel()

	sess := newSession("tenant-1")
	err := sess.Send(context.Background(), "123@s.whatsapp.net", "hi")
	if !errors.Is(err, ErrNotActive) {
		t.Fatalf("expected ErrNotActive, got %v", err)
	}
}

func TestTerminalStates(t *testing.T) {
	t.Parallel()

	for _, s := range []State{StateDisconnected, StateAuthFailed, StateTimedOut} {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []State{StateInitializing, StateAwaitingScan, StateActive} {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}
