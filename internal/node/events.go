package node

import "fmt"

// Event is a message delivered to the controller mailbox.
type Event uint16

// EventWake is the only event that starts a cycle.
const EventWake Event = 0x6414

func (e Event) String() string {
	if e == EventWake {
		return "wake"
	}
	return fmt.Sprintf("event(0x%04X)", uint16(e))
}

// JoinState tracks network membership.
type JoinState int

const (
	AwaitingFirstJoin JoinState = iota
	Joined
)

func (s JoinState) String() string {
	switch s {
	case AwaitingFirstJoin:
		return "awaiting_first_join"
	case Joined:
		return "joined"
	default:
		return fmt.Sprintf("join_state(%d)", int(s))
	}
}

// MarshalText lets the state appear by name in JSON.
func (s JoinState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// MailboxSize bounds the number of undelivered events. Deliveries beyond it are dropped by
// the sender rather than blocking it.
const MailboxSize = 4

// NewMailbox returns the channel the controller receives events from.
func NewMailbox() chan Event {
	return make(chan Event, MailboxSize)
}
