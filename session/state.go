package session

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/user/nearby-blue/transport"
)

// State is the bootstrap state of the one session a controller runs
type State int

const (
	StateIdle State = iota
	StateLinked
	StateTokenExchanged
	StateRanging
	StateFailed
)

var stateNames = map[State]string{
	StateIdle:           "idle",
	StateLinked:         "linked",
	StateTokenExchanged: "token_exchanged",
	StateRanging:        "ranging",
	StateFailed:         "failed",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Reason says why a session is Failed
type Reason int

const (
	ReasonNone Reason = iota
	ReasonUnsupported
	ReasonLinkLost
	ReasonMalformedToken
	ReasonEngineRejectedPeer
	ReasonEngineInvalidated
)

var reasonNames = map[Reason]string{
	ReasonNone:               "none",
	ReasonUnsupported:        "unsupported",
	ReasonLinkLost:           "link_lost",
	ReasonMalformedToken:     "malformed_token",
	ReasonEngineRejectedPeer: "engine_rejected_peer",
	ReasonEngineInvalidated:  "engine_invalidated",
}

func (r Reason) String() string {
	if name, ok := reasonNames[r]; ok {
		return name
	}
	return fmt.Sprintf("reason(%d)", int(r))
}

func (r Reason) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// Status is a snapshot of the controller
type Status struct {
	Role   transport.Role
	State  State
	Reason Reason
	// Peer is the linked device id, empty while Idle
	Peer  string
	Power transport.PowerState
	Since time.Time
}

// MarshalJSON renders enums by name
func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Role   string    `json:"role"`
		State  State     `json:"state"`
		Reason Reason    `json:"reason"`
		Peer   string    `json:"peer,omitempty"`
		Power  string    `json:"power"`
		Since  time.Time `json:"since"`
	}{s.Role.String(), s.State, s.Reason, s.Peer, s.Power.String(), s.Since})
}
