package types

import "time"

// Telemetry is published by the decoder for each received weather frame. Pointer fields are
// omitted when a value was rejected as implausible.
type Telemetry struct {
	StationID   string    `json:"station_id"`
	DeviceID    string    `json:"device_id"`
	Timestamp   time.Time `json:"timestamp"`
	Temperature *float64  `json:"temperature_c,omitempty"`
	Humidity    *float64  `json:"humidity_pct,omitempty"`
	WindSpeed   *float64  `json:"wind_speed_ms,omitempty"`
	Sequence    *int      `json:"sequence,omitempty"`
}
