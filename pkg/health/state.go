package health

import (
	"fmt"
	"strings"
	"time"
)

// State is a backend's availability as last observed by its probe.
type State int

const (
	// Healthy backends answered the last probe within the latency bound.
	Healthy State = iota
	// Degraded backends answer slowly or have started failing probes.
	Degraded
	// Unreachable backends failed enough consecutive probes that new
	// sessions are refused without touching the transport.
	Unreachable
)

func (s State) String() string {
	switch s {
	case Healthy:
		return "healthy"
	case Degraded:
		return "degraded"
	case Unreachable:
		return "unreachable"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *State) UnmarshalText(b []byte) error {
	switch strings.ToLower(string(b)) {
	case "healthy":
		*s = Healthy
	case "degraded":
		*s = Degraded
	case "unreachable":
		*s = Unreachable
	default:
		return fmt.Errorf("unknown health state %q", b)
	}
	return nil
}

// Status is the probe history the monitor keeps for one backend.
type Status struct {
	Backend             string        `json:"backend"`
	State               State         `json:"state"`
	LastProbe           time.Time     `json:"last_probe,omitempty"`
	Latency             time.Duration `json:"latency_ns"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	LastError           string        `json:"last_error,omitempty"`
}

// Change reports a state transition.
type Change struct {
	Backend string
	From    State
	To      State
}

// AvailabilityChanged reports whether the transition moves the backend
// into or out of Unreachable.
func (c Change) AvailabilityChanged() bool {
	return (c.From == Unreachable) != (c.To == Unreachable)
}

// next derives the state after a probe. Failures below the threshold
// degrade a backend; reaching it makes the backend unreachable.
func next(current State, failures, unreachableAfter int, latency, degradedLatency time.Duration, probeErr error) State {
	if probeErr != nil {
		if failures >= unreachableAfter {
			return Unreachable
		}
		if current == Unreachable {
			return Unreachable
		}
		return Degraded
	}
	if latency > degradedLatency {
		return Degraded
	}
	return Healthy
}
