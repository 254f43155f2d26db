// Package alarm provides the one-shot wake-up and supervisory reset timers of the node.
package alarm

import (
	"log/slog"
	"sync"
	"time"

	"lorawan-node/internal/node"
)

// RTC arms one-shot timers that deliver events into a mailbox. Timer callbacks only enqueue;
// they never block and never run node logic.
type RTC struct {
	events  chan<- node.Event
	onReset func()
	logger  *slog.Logger

	mu      sync.Mutex
	wake    *time.Timer
	reset   *time.Timer
	stopped bool
}

// New returns an RTC delivering into events. onReset runs when the supervisory deadline
// expires; it may be nil.
func New(events chan<- node.Event, onReset func(), logger *slog.Logger) *RTC {
	if logger == nil {
		logger = slog.Default()
	}
	return &RTC{
		events:  events,
		onReset: onReset,
		logger:  logger.With("component", "alarm"),
	}
}

// Arm delivers ev once after d, replacing any pending wake-up.
func (r *RTC) Arm(d time.Duration, ev node.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return
	}
	if r.wake != nil {
		r.wake.Stop()
	}
	r.wake = time.AfterFunc(d, func() { r.deliver(ev) })
}

// ArmReset re-arms the supervisory deadline.
func (r *RTC) ArmReset(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return
	}
	if r.reset != nil {
		r.reset.Stop()
	}
	r.reset = time.AfterFunc(d, r.fireReset)
}

// Stop cancels pending timers. Arm and ArmReset are no-ops afterwards.
func (r *RTC) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = true
	if r.wake != nil {
		r.wake.Stop()
	}
	if r.reset != nil {
		r.reset.Stop()
	}
}

func (r *RTC) deliver(ev node.Event) {
	select {
	case r.events <- ev:
	default:
		r.logger.Warn("mailbox full, event dropped", "event", ev)
	}
}

func (r *RTC) fireReset() {
	r.logger.Warn("supervisory reset deadline expired")
	if r.onReset != nil {
		r.onReset()
	}
}
