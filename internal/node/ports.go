package node

import (
	"context"
	"time"

	"lorawan-node/internal/frame"
	"lorawan-node/internal/reading"
)

// JoinMode selects how the node becomes a network member.
type JoinMode string

const (
	// JoinModeABP joins once, synchronously, before the event loop starts.
	JoinModeABP JoinMode = "abp"
	// JoinModeOTAA joins lazily on the first wake-up and retries with backoff.
	JoinModeOTAA JoinMode = "otaa"
)

// ParseJoinMode validates a configured join mode.
func ParseJoinMode(s string) (JoinMode, bool) {
	switch m := JoinMode(s); m {
	case JoinModeABP, JoinModeOTAA:
		return m, true
	default:
		return "", false
	}
}

// Sensor delivers raw samples from the weather sensor.
type Sensor interface {
	// Read fills exactly count samples or fails.
	Read(ctx context.Context, count int) ([]reading.Raw, error)
}

// Uplink manages network membership and transmits frames.
type Uplink interface {
	Join(ctx context.Context, mode JoinMode) error
	Send(ctx context.Context, f frame.Frame) error
	// SaveSession persists the session and sequence state after a transmission.
	SaveSession(ctx context.Context) error
	// UplinkCounter is for diagnostics only.
	UplinkCounter() uint32
}

// Alarm schedules one-shot wake-ups.
type Alarm interface {
	// Arm delivers ev once after d. Arming again replaces a pending alarm.
	Arm(d time.Duration, ev Event)
	// ArmReset (re)arms the supervisory reset deadline.
	ArmReset(d time.Duration)
}
