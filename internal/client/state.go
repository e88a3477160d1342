package client

import (
	"github.com/samber/lo"

	"github.com/omochice/chatroom-client/pkg/protocol"
)

// State is the connection state of a Manager.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

// String returns the string representation of State
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// Snapshot is an immutable view of the session. Log shares its backing
// array with later snapshots but is capacity-clipped, so appending to it
// never affects the Manager.
type Snapshot struct {
	State            State
	Identity         string
	OnlineCount      int
	Log              []protocol.Entry
	ReconnectPending bool
	LastError        error
}

// Connected reports whether the session can send.
func (s Snapshot) Connected() bool {
	return s.State == StateConnected
}

// Entries returns the log entries of one category, in arrival order.
func (s Snapshot) Entries(category protocol.Category) []protocol.Entry {
	return lo.Filter(s.Log, func(e protocol.Entry, _ int) bool {
		return e.Category == category
	})
}
