package slave

import (
	"fmt"

	"github.com/juju/errors"
)

type State uint8

const (
	StateUnknown    State = iota // configured, never answered
	StateDiscovered              // probe success
	StateHealthy                 // answers polls
	StateDegraded                // some consecutive failures, still polled
	StateOffline                 // failures reached threshold, only probed by discovery
)

var ErrOffline = errors.New("offline")

func (s State) String() string {
	switch s {
	case StateUnknown:
		return "unknown"
	case StateDiscovered:
		return "discovered"
	case StateHealthy:
		return "healthy"
	case StateDegraded:
		return "degraded"
	case StateOffline:
		return "offline"
	}
	return fmt.Sprintf("State(%d)", uint8(s))
}

// Polled reports whether regular poll cycle visits device in this state.
func (s State) Polled() bool { return s != StateOffline }
