package session

import "fmt"

// State is the connection and acquisition state of a Session.
type State int32

const (
	StateDisconnected State = iota
	StateScanning
	StateConnecting
	StateConnected
	StateConfiguring
	StateAcquiring
	StateDisconnecting
	// StateFailed follows an unrecoverable transport error. It behaves like
	// StateDisconnected for retry purposes.
	StateFailed
)

var stateNames = [...]string{
	StateDisconnected:  "disconnected",
	StateScanning:      "scanning",
	StateConnecting:    "connecting",
	StateConnected:     "connected",
	StateConfiguring:   "configuring",
	StateAcquiring:     "acquiring",
	StateDisconnecting: "disconnecting",
	StateFailed:        "failed",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// connected reports whether a GATT link is held in state s.
func (s State) connected() bool {
	switch s {
	case StateConnected, StateConfiguring, StateAcquiring:
		return true
	default:
		return false
	}
}
