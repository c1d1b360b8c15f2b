package commchannel

import "time"

// State is the connection state of a Channel. States are ordered: every state
// at or after Connected has a live broker session.
type State int

const (
	StateDisconnected State = iota
	StateUnknown
	StateConnecting
	StateConnected
	StateSubscribing
	StateSubscribed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateUnknown:
		return "unknown"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateSubscribing:
		return "subscribing"
	case StateSubscribed:
		return "subscribed"
	}
	return "invalid"
}

// ConnectionState is the channel's state with the timestamps that drive its
// transitions.
type ConnectionState struct {
	State                State
	StateUpdatedAt       time.Time
	LastConnectAttemptAt time.Time
	LastConnectedAt      time.Time
	// NextRetryAt is the earliest time a connect may be attempted from
	// StateUnknown.
	NextRetryAt time.Time
}

// Connected reports whether the state has a live session.
func (cs ConnectionState) Connected() bool {
	return cs.State >= StateConnected
}

// deferRetry moves NextRetryAt to t unless it is already later.
func (cs *ConnectionState) deferRetry(t time.Time) {
	if t.After(cs.NextRetryAt) {
		cs.NextRetryAt = t
	}
}
