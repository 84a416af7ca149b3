package chipcopy

import (
	"context"
	"time"
)

// State is the coarse state of the clone loop.
type State int

const (
	// StateSearching polls for a chip on the probed interface.
	StateSearching State = iota
	// StateDetected has a known chip on the probed interface and waits for
	// the copy trigger. The detection goes stale and is retried periodically.
	StateDetected
	// StateCopying runs the copy routines. Entered and left within a single
	// Step call: nothing else runs while a copy is in progress.
	StateCopying
	// StateError holds after a failed detection or copy, then resets.
	StateError
)

func (s State) String() string {
	switch s {
	case StateSearching:
		return "searching"
	case StateDetected:
		return "detected"
	case StateCopying:
		return "copying"
	case StateError:
		return "error"
	default:
		return "invalid state"
	}
}

// StateFunc receives state transitions, typically to drive indicator LEDs.
type StateFunc func(State)

// Sequencer is the cooperative clone loop: it searches for a chip on the
// probed interface, waits for the trigger, runs a full copy and reports the
// outcome through state transitions. All work happens inside Step, so state
// transitions can never interleave with an in-progress copy.
type Sequencer struct {
	// RecheckInterval is how long a detection stays valid before the probe
	// runs again. Defaults to one second.
	RecheckInterval time.Duration
	// ErrorHold is how long the error state is held before resetting.
	// Defaults to five seconds.
	ErrorHold time.Duration

	copier    *Copier
	probe     *Device
	trigger   func() bool
	stateFunc StateFunc

	state     State
	stateAt   time.Time
	lastError error
}

// NewSequencer returns a sequencer that probes the given device (normally
// the copier's target, the socket) and starts a copy whenever trigger reports
// true while a chip is detected. A nil trigger fires as soon as a chip is
// detected.
func NewSequencer(copier *Copier, probe *Device, trigger func() bool) *Sequencer {
	if trigger == nil {
		trigger = func() bool { return true }
	}
	return &Sequencer{
		RecheckInterval: time.Second,
		ErrorHold:       5 * time.Second,
		copier:          copier,
		probe:           probe,
		trigger:         trigger,
		stateAt:         time.Now(),
	}
}

// SetStateFunc installs a state transition callback.
func (s *Sequencer) SetStateFunc(f StateFunc) {
	s.stateFunc = f
}

// State returns the current state.
func (s *Sequencer) State() State { return s.state }

// LastError returns the error that drove the most recent transition into
// StateError.
func (s *Sequencer) LastError() error { return s.lastError }

func (s *Sequencer) setState(st State) {
	s.state = st
	s.stateAt = time.Now()
	if s.stateFunc != nil {
		s.stateFunc(st)
	}
}

// Step advances the loop by one poll. A triggered copy runs to completion
// inside the call.
func (s *Sequencer) Step() {
	switch s.state {
	case StateSearching:
		if err := s.probe.Identify(); err == nil {
			s.setState(StateDetected)
		}

	case StateDetected:
		if s.trigger() {
			s.setState(StateCopying)
			if err := s.copy(); err != nil {
				pkgLog.Infof("copy failed: %v", err)
				s.lastError = err
				s.setState(StateError)
			} else {
				s.lastError = nil
				s.setState(StateSearching)
			}
			return
		}
		// The chip may have been pulled; re-probe after a while.
		if time.Since(s.stateAt) > s.RecheckInterval {
			s.setState(StateSearching)
		}

	case StateError:
		if time.Since(s.stateAt) > s.ErrorHold {
			s.setState(StateSearching)
		}
	}
}

// copy identifies both role bindings and runs the three copy routines.
func (s *Sequencer) copy() error {
	if err := s.copier.Target().Identify(); err != nil {
		return err
	}
	if err := s.copier.Source().Identify(); err != nil {
		return err
	}
	return s.copier.CopyAll()
}

// Run polls Step at the given interval until the context is cancelled.
// Cancellation is only observed between steps, never mid-copy.
func (s *Sequencer) Run(ctx context.Context, poll time.Duration) error {
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.Step()
		}
	}
}
