// Package decoder is the receiving side of the uplink wire format: it unpacks frames from
// the network bridge, converts them to physical units and republishes them as station
// telemetry.
package decoder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"lorawan-node/internal/frame"
	"lorawan-node/internal/mqtt"
	"lorawan-node/internal/types"
	"lorawan-node/internal/utils"
)

// ErrUnknownDevice is returned for uplinks from devices without a configured station.
var ErrUnknownDevice = errors.New("unknown device")

type Publisher interface {
	Publish(ctx context.Context, topic string, qos byte, retained bool, payload []byte) error
}

type Subscriber interface {
	Subscribe(ctx context.Context, filter string, qos byte, handler mqtt.Handler) error
}

type Options struct {
	UplinkTopicPrefix    string
	TelemetryTopicPrefix string
	// WindMaxMs drops windspeeds above it from the telemetry.
	WindMaxMs float64
	// Stations maps device addresses to station ids. When empty every device is accepted
	// and its address is used as the station id.
	Stations       map[uint32]string
	PublishTimeout time.Duration
}

type Stats struct {
	Received        uint64 `json:"received"`
	Published       uint64 `json:"published"`
	Malformed       uint64 `json:"malformed"`
	UnknownDevices  uint64 `json:"unknown_devices"`
	ImplausibleWind uint64 `json:"implausible_wind"`
	PublishFailures uint64 `json:"publish_failures"`
}

type Decoder struct {
	pub    Publisher
	opts   Options
	logger *slog.Logger

	mu    sync.Mutex
	stats Stats
}

func New(pub Publisher, opts Options, logger *slog.Logger) *Decoder {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = 5 * time.Second
	}
	return &Decoder{pub: pub, opts: opts, logger: logger.With("component", "decoder")}
}

// Start subscribes to the uplinks of all devices.
func (d *Decoder) Start(ctx context.Context, sub Subscriber) error {
	filter := d.opts.UplinkTopicPrefix + "/+/up"
	if err := sub.Subscribe(ctx, filter, 1, d.handle); err != nil {
		return fmt.Errorf("decoder: %w", err)
	}
	return nil
}

// Stats returns a snapshot of the decoder counters.
func (d *Decoder) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}

// Telemetry converts an uplink to station telemetry. implausibleWind reports that the
// windspeed was dropped.
func (d *Decoder) Telemetry(up types.Uplink) (t types.Telemetry, implausibleWind bool, err error) {
	devAddr, err := utils.ParseHex8(up.DevAddr)
	if err != nil {
		return types.Telemetry{}, false, err
	}

	stationID := up.DevAddr
	if len(d.opts.Stations) > 0 {
		id, ok := d.opts.Stations[devAddr]
		if !ok {
			return types.Telemetry{}, false, fmt.Errorf("%w: %s", ErrUnknownDevice, up.DevAddr)
		}
		stationID = id
	}

	fields, err := frame.Decode(up.Payload)
	if err != nil {
		return types.Telemetry{}, false, err
	}
	m := fields.Measurement()

	ts := up.SentAt
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	seq := int(up.FCnt)
	t = types.Telemetry{
		StationID:   stationID,
		DeviceID:    utils.Hex8(m.DeviceID),
		Timestamp:   ts,
		Temperature: &m.TemperatureC,
		Humidity:    &m.HumidityPct,
		Sequence:    &seq,
	}
	if m.WindSpeedMs > d.opts.WindMaxMs {
		return t, true, nil
	}
	t.WindSpeed = &m.WindSpeedMs
	return t, false, nil
}

func (d *Decoder) handle(topic string, payload []byte) {
	d.count(func(s *Stats) { s.Received++ })

	var up types.Uplink
	if err := json.Unmarshal(payload, &up); err != nil {
		d.count(func(s *Stats) { s.Malformed++ })
		d.logger.Warn("failed to parse uplink message", "topic", topic, "error", err)
		return
	}
	d.logger.Debug("uplink message",
		"topic", topic,
		"dev_addr", up.DevAddr,
		"f_cnt", up.FCnt,
		"payload", utils.BytesToHex(up.Payload),
	)

	t, implausible, err := d.Telemetry(up)
	if errors.Is(err, ErrUnknownDevice) {
		d.count(func(s *Stats) { s.UnknownDevices++ })
		d.logger.Warn("invalid device", "dev_addr", up.DevAddr)
		return
	}
	if err != nil {
		d.count(func(s *Stats) { s.Malformed++ })
		d.logger.Warn("invalid uplink", "topic", topic, "dev_addr", up.DevAddr, "error", err)
		return
	}
	if implausible {
		d.count(func(s *Stats) { s.ImplausibleWind++ })
		d.logger.Debug("implausible windspeed, skipping", "dev_addr", up.DevAddr, "max_ms", d.opts.WindMaxMs)
	}

	attrs := []any{
		"station_id", t.StationID,
		"device_id", t.DeviceID,
		"temperature_c", *t.Temperature,
		"humidity_pct", *t.Humidity,
	}
	if t.WindSpeed != nil {
		attrs = append(attrs, "wind_speed_ms", *t.WindSpeed)
	}
	d.logger.Info("frame decoded", attrs...)

	if err := d.publish(t); err != nil {
		d.count(func(s *Stats) { s.PublishFailures++ })
		d.logger.Error("failed to publish telemetry", "station_id", t.StationID, "error", err)
		return
	}
	d.count(func(s *Stats) { s.Published++ })
}

func (d *Decoder) publish(t types.Telemetry) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal telemetry: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), d.opts.PublishTimeout)
	defer cancel()

	topic := fmt.Sprintf("%s/%s/telemetry", d.opts.TelemetryTopicPrefix, t.StationID)
	return d.pub.Publish(ctx, topic, 1, false, data)
}

func (d *Decoder) count(fn func(*Stats)) {
	d.mu.Lock()
	fn(&d.stats)
	d.mu.Unlock()
}
