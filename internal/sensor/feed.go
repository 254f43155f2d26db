// Package sensor adapts raw 433 MHz weather-station samples published on MQTT (rtl_433 style
// JSON) to the node's sensor port.
package sensor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"lorawan-node/internal/mqtt"
	"lorawan-node/internal/reading"
)

// ErrDriver reports that the receiver could not deliver the requested samples.
var ErrDriver = errors.New("sensor driver error")

// Sample is the JSON message published by the receiver for each decoded transmission.
type Sample struct {
	ID       uint32 `json:"id"`
	Kind     uint8  `json:"kind"`
	TempWind uint16 `json:"tempwind"`
	Humidity uint8  `json:"humidity"`
	// OK is false when the receiver failed to decode a transmission. Absent means true.
	OK *bool `json:"ok,omitempty"`
}

// Subscriber is the part of the MQTT client the feed needs.
type Subscriber interface {
	Subscribe(ctx context.Context, filter string, qos byte, handler mqtt.Handler) error
}

type Options struct {
	Topic string
	// ReadTimeout bounds a single Read.
	ReadTimeout time.Duration
	// MaxAge discards buffered samples older than this; zero keeps them forever.
	MaxAge time.Duration
	// Capacity bounds the buffer; the oldest sample is dropped when full.
	Capacity int
	// DedupWindow drops a repeated identical transmission seen within the window.
	DedupWindow time.Duration
}

const (
	defaultCapacity    = 16
	defaultDedupWindow = 2 * time.Second
	dedupMaxEntries    = 64
)

// Stats counts what the feed did with incoming messages.
type Stats struct {
	Received   uint64 `json:"received"`
	Duplicates uint64 `json:"duplicates"`
	Malformed  uint64 `json:"malformed"`
	Overflowed uint64 `json:"overflowed"`
	Expired    uint64 `json:"expired"`
	Buffered   int    `json:"buffered"`
}

type entry struct {
	raw reading.Raw
	err error
	at  time.Time
}

type Feed struct {
	sub    Subscriber
	opts   Options
	logger *slog.Logger
	now    func() time.Time

	mu     sync.Mutex
	buf    []entry
	seen   map[reading.Raw]time.Time
	stats  Stats
	notify chan struct{}
}

func NewFeed(sub Subscriber, opts Options, logger *slog.Logger) *Feed {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Capacity <= 0 {
		opts.Capacity = defaultCapacity
	}
	if opts.DedupWindow == 0 {
		opts.DedupWindow = defaultDedupWindow
	}
	return &Feed{
		sub:    sub,
		opts:   opts,
		logger: logger.With("component", "sensor", "topic", opts.Topic),
		now:    time.Now,
		seen:   make(map[reading.Raw]time.Time),
		notify: make(chan struct{}, 1),
	}
}

// Start subscribes to the sample topic.
func (f *Feed) Start(ctx context.Context) error {
	if err := f.sub.Subscribe(ctx, f.opts.Topic, 0, f.handle); err != nil {
		return fmt.Errorf("sensor feed: %w", err)
	}
	return nil
}

// Read returns exactly count samples in arrival order, waiting up to ReadTimeout for them.
// A failure sample from the receiver or a timeout yields an error wrapping ErrDriver.
func (f *Feed) Read(ctx context.Context, count int) ([]reading.Raw, error) {
	if f.opts.ReadTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.opts.ReadTimeout)
		defer cancel()
	}

	out := make([]reading.Raw, 0, count)
	for len(out) < count {
		if e, ok := f.pop(); ok {
			if e.err != nil {
				return nil, e.err
			}
			out = append(out, e.raw)
			continue
		}

		select {
		case <-f.notify:
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: got %d of %d samples: %v", ErrDriver, len(out), count, ctx.Err())
		}
	}
	return out, nil
}

// Stats returns a snapshot of the feed counters.
func (f *Feed) Stats() Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.stats
	s.Buffered = len(f.buf)
	return s
}

func (f *Feed) handle(topic string, payload []byte) {
	var s Sample
	if err := json.Unmarshal(payload, &s); err != nil {
		f.count(func(st *Stats) { st.Malformed++ })
		f.logger.Warn("failed to parse sensor sample", "topic", topic, "error", err, "payload", string(payload))
		return
	}

	now := f.now()
	e := entry{at: now}
	if s.OK != nil && !*s.OK {
		e.err = fmt.Errorf("%w: receiver reported failure for device %d", ErrDriver, s.ID)
	} else {
		e.raw = reading.Raw{DeviceID: s.ID, Kind: reading.Kind(s.Kind), TempWind: s.TempWind, Humidity: s.Humidity}
	}

	f.mu.Lock()
	f.stats.Received++
	if e.err == nil && f.duplicate(e.raw, now) {
		f.stats.Duplicates++
		f.mu.Unlock()
		return
	}
	if len(f.buf) >= f.opts.Capacity {
		f.buf = f.buf[1:]
		f.stats.Overflowed++
	}
	f.buf = append(f.buf, e)
	f.mu.Unlock()

	select {
	case f.notify <- struct{}{}:
	default:
	}
}

// duplicate reports whether r repeats a transmission seen within the dedup window. The
// caller holds f.mu.
func (f *Feed) duplicate(r reading.Raw, now time.Time) bool {
	if f.opts.DedupWindow < 0 {
		return false
	}
	if at, ok := f.seen[r]; ok && now.Sub(at) < f.opts.DedupWindow {
		return true
	}
	if len(f.seen) >= dedupMaxEntries {
		for k, at := range f.seen {
			if now.Sub(at) >= f.opts.DedupWindow {
				delete(f.seen, k)
			}
		}
		if len(f.seen) >= dedupMaxEntries {
			f.seen = make(map[reading.Raw]time.Time)
		}
	}
	f.seen[r] = now
	return false
}

// pop removes the oldest sample that has not expired.
func (f *Feed) pop() (entry, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	now := f.now()
	for len(f.buf) > 0 {
		e := f.buf[0]
		f.buf = f.buf[1:]
		if f.opts.MaxAge > 0 && now.Sub(e.at) > f.opts.MaxAge {
			f.stats.Expired++
			continue
		}
		return e, true
	}
	return entry{}, false
}

func (f *Feed) count(fn func(*Stats)) {
	f.mu.Lock()
	fn(&f.stats)
	f.mu.Unlock()
}
