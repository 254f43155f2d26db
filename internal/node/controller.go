// Package node runs the wake/read/validate/encode/transmit/reschedule cycle of the sensor node.
package node

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"lorawan-node/internal/frame"
	"lorawan-node/internal/reading"
	"lorawan-node/internal/utils"
)

// Config holds the scheduling policy. All values are fixed at startup.
type Config struct {
	JoinMode JoinMode

	// FirstWake is the delay before the first cycle after Start.
	FirstWake time.Duration
	// SleepInterval is the duty-cycle compliant pause between cycles once joined.
	SleepInterval time.Duration
	// JoinBackoff is the pause after a failed join.
	JoinBackoff time.Duration
	// ResetInterval is the supervisory deadline re-armed on every event; it must exceed
	// SleepInterval.
	ResetInterval time.Duration
}

// Stats is a point-in-time view of the controller for diagnostics.
type Stats struct {
	JoinState       JoinState `json:"join_state"`
	Cycles          uint64    `json:"cycles"`
	JoinFailures    uint64    `json:"join_failures"`
	SensorFailures  uint64    `json:"sensor_failures"`
	RejectedPairs   uint64    `json:"rejected_pairs"`
	Sent            uint64    `json:"sent"`
	SendFailures    uint64    `json:"send_failures"`
	IgnoredEvents   uint64    `json:"ignored_events"`
	UplinkCounter   uint32    `json:"uplink_counter"`
	NextWakeSeconds float64   `json:"next_wake_seconds"`
	LastCycleAt     time.Time `json:"last_cycle_at,omitzero"`
}

// Controller owns the join state and drives the ports. It is meant to be used from a single
// goroutine; only Stats may be called concurrently.
type Controller struct {
	cfg    Config
	sensor Sensor
	uplink Uplink
	alarm  Alarm
	logger *slog.Logger

	state JoinState

	mu    sync.RWMutex
	stats Stats
}

func New(cfg Config, sensor Sensor, uplink Uplink, alarm Alarm, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		cfg:    cfg,
		sensor: sensor,
		uplink: uplink,
		alarm:  alarm,
		logger: logger.With("component", "node"),
		state:  AwaitingFirstJoin,
	}
}

// Start performs the up-front ABP join, if configured, and arms the first wake-up.
func (c *Controller) Start(ctx context.Context) {
	if c.cfg.JoinMode == JoinModeABP {
		c.join(context.WithoutCancel(ctx))
	}
	c.alarm.Arm(c.cfg.FirstWake, EventWake)
	c.logger.Info("node started",
		"join_mode", c.cfg.JoinMode,
		"join_state", c.State(),
		"first_wake", c.cfg.FirstWake,
	)
}

// Run starts the node and processes events until ctx is done. Events are handled strictly
// one at a time; a cycle that has begun always runs to completion.
func (c *Controller) Run(ctx context.Context, events <-chan Event) error {
	c.Start(ctx)
	for {
		c.logger.Debug("wait for event")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-events:
			c.Handle(ctx, ev)
		}
	}
}

// Handle processes a single mailbox event.
func (c *Controller) Handle(ctx context.Context, ev Event) {
	c.alarm.ArmReset(c.cfg.ResetInterval)

	if ev != EventWake {
		c.logger.Error("unexpected event, ignoring", "event", ev)
		c.count(func(s *Stats) { s.IgnoredEvents++ })
		return
	}
	c.Cycle(ctx)
}

// Cycle runs one wake cycle, arms the next wake-up and returns its delay.
func (c *Controller) Cycle(ctx context.Context) time.Duration {
	ctx = context.WithoutCancel(ctx)
	c.logger.Info("running cycle", "join_state", c.State())

	next := c.cycle(ctx)
	c.alarm.Arm(next, EventWake)

	c.mu.Lock()
	c.stats.Cycles++
	c.stats.NextWakeSeconds = next.Seconds()
	c.stats.LastCycleAt = time.Now()
	c.mu.Unlock()

	c.logger.Debug("next wake armed", "in", next)
	return next
}

func (c *Controller) cycle(ctx context.Context) time.Duration {
	if c.State() != Joined && !c.join(ctx) {
		return c.cfg.JoinBackoff
	}

	c.logger.Debug("read data")
	samples, err := c.sensor.Read(ctx, reading.PairSize)
	if err != nil {
		c.logger.Debug("sensor read failed, skipping cycle", "error", err)
		c.count(func(s *Stats) { s.SensorFailures++ })
		return c.cfg.SleepInterval
	}
	pair, err := reading.PairFrom(samples)
	if err != nil {
		c.logger.Debug("sensor returned short read, skipping cycle", "error", err)
		c.count(func(s *Stats) { s.SensorFailures++ })
		return c.cfg.SleepInterval
	}

	fused, err := reading.Fuse(pair)
	if err != nil {
		c.logger.Debug("reading pair rejected", "error", err)
		c.count(func(s *Stats) { s.RejectedPairs++ })
		return c.cfg.SleepInterval
	}

	f := frame.FromFused(fused)
	c.logger.Debug("frame built",
		"device_id", fused.DeviceID,
		"temperature", fused.Temperature,
		"humidity", fused.Humidity,
		"windspeed", fused.WindSpeed,
		"payload", utils.BytesToHex(f[:]),
	)

	if err := c.uplink.Send(ctx, f); err != nil {
		c.logger.Warn("cannot send data", "error", err)
		c.count(func(s *Stats) { s.SendFailures++ })
		return c.cfg.SleepInterval
	}

	if err := c.uplink.SaveSession(ctx); err != nil {
		c.logger.Warn("cannot save session", "error", err)
	}
	counter := c.uplink.UplinkCounter()
	c.count(func(s *Stats) {
		s.Sent++
		s.UplinkCounter = counter
	})
	c.logger.Info("data sent", "device_id", fused.DeviceID, "uplink_counter", counter)

	return c.cfg.SleepInterval
}

func (c *Controller) join(ctx context.Context) bool {
	c.logger.Debug("joining network", "mode", c.cfg.JoinMode)
	if err := c.uplink.Join(ctx, c.cfg.JoinMode); err != nil {
		c.logger.Warn("join failed", "mode", c.cfg.JoinMode, "error", err, "retry_in", c.cfg.JoinBackoff)
		c.count(func(s *Stats) { s.JoinFailures++ })
		return false
	}

	c.mu.Lock()
	c.state = Joined
	c.stats.JoinState = Joined
	c.mu.Unlock()
	c.logger.Info("joined network", "mode", c.cfg.JoinMode, "uplink_counter", c.uplink.UplinkCounter())
	return true
}

// State returns the current join state.
func (c *Controller) State() JoinState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Stats returns a copy of the controller counters.
func (c *Controller) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stats
}

func (c *Controller) count(update func(*Stats)) {
	c.mu.Lock()
	update(&c.stats)
	c.mu.Unlock()
}
