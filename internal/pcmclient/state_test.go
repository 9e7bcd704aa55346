package pcmclient

import "testing"

func TestPlaybackLifecycleHappyPath(t *testing.T) {
	s := Init
	steps := []struct {
		ev   event
		want State
	}{
		{evReady, Idle},
		{evThresholdReached, Running},
		{evPause, Paused},
		{evResume, Running},
		{evDrainRequested, Draining1},
		{evDrainComplete, Draining2},
		{evDrainTimerFired, Idle},
	}
	for _, step := range steps {
		got, err := next(s, step.ev, Playback)
		if err != nil {
			t.Fatalf("next(%v, %v): unexpected error %v", s, step.ev, err)
		}
		if got != step.want {
			t.Fatalf("next(%v, %v) = %v, want %v", s, step.ev, got, step.want)
		}
		s = got
	}
}

func TestPlaybackHangupFromAnyState(t *testing.T) {
	for _, s := range []State{Init, Idle, Running, Paused, Draining1, Draining2} {
		got, err := next(s, evHangup, Playback)
		if err != nil {
			t.Fatalf("hangup from %v: unexpected error %v", s, err)
		}
		if got != Finished {
			t.Fatalf("hangup from %v = %v, want Finished", s, got)
		}
	}
}

func TestPlaybackIllegalTransitions(t *testing.T) {
	cases := []struct {
		s  State
		ev event
	}{
		{Init, evThresholdReached},
		{Idle, evDrainRequested},
		{Idle, evPause},
		{Running, evDrainTimerFired},
		{Paused, evDrainRequested},
		{Draining2, evDrainRequested},
		{Finished, evReady},
		{Finished, evHangup},
	}
	for _, c := range cases {
		if _, err := next(c.s, c.ev, Playback); err != ErrIllegalTransition {
			t.Errorf("next(%v, %v): expected ErrIllegalTransition, got %v", c.s, c.ev, err)
		}
	}
}

func TestCaptureLifecycle(t *testing.T) {
	s, err := next(Init, evReady, Capture)
	if err != nil || s != Running {
		t.Fatalf("Init->Running: got %v, %v", s, err)
	}
	s, err = next(s, evPause, Capture)
	if err != nil || s != Paused {
		t.Fatalf("Running->Paused: got %v, %v", s, err)
	}
	s, err = next(s, evResume, Capture)
	if err != nil || s != Running {
		t.Fatalf("Paused->Running: got %v, %v", s, err)
	}
	s, err = next(s, evDrainRequested, Capture)
	if err != nil || s != Running {
		t.Fatalf("Drain on capture should stay Running, got %v, %v", s, err)
	}
	s, err = next(s, evDrop, Capture)
	if err != nil || s != Running {
		t.Fatalf("Drop on capture should stay Running, got %v, %v", s, err)
	}
}

func TestIsActive(t *testing.T) {
	cases := []struct {
		s    State
		dir  Direction
		want bool
	}{
		{Running, Playback, true},
		{Draining1, Playback, true},
		{Draining2, Playback, false},
		{Idle, Playback, false},
		{Running, Capture, true},
		{Paused, Capture, false},
	}
	for _, c := range cases {
		if got := IsActive(c.s, c.dir); got != c.want {
			t.Errorf("IsActive(%v, %v) = %v, want %v", c.s, c.dir, got, c.want)
		}
	}
}

// TestTransitionCoverage exercises every (State, event) pair for both
// directions so every combination is accounted for: next never panics,
// and it returns either a specific next State or ErrIllegalTransition —
// never a silent no-op disguised as success.
func TestTransitionCoverage(t *testing.T) {
	allStates := []State{Init, Idle, Running, Paused, Draining1, Draining2, Finished}
	allEvents := []event{evReady, evThresholdReached, evPause, evResume, evDrainRequested, evDrainComplete, evDrainTimerFired, evDrop, evHangup}

	for _, dir := range []Direction{Playback, Capture} {
		for _, s := range allStates {
			for _, ev := range allEvents {
				got, err := next(s, ev, dir)
				if err != nil && err != ErrIllegalTransition {
					t.Errorf("next(%v, %v, %v): unexpected error %v", s, ev, dir, err)
				}
				if err != nil && got != s {
					t.Errorf("next(%v, %v, %v): illegal transition changed state to %v", s, ev, dir, got)
				}
			}
		}
	}
}
