// Package frame packs fused weather readings into the 8-byte uplink payload and unpacks it
// again on the receiving side.
//
// Payload layout (64 bits, little-endian, lowest bits first):
//
//	bits  0..7   humidity     %
//	bits  8..19  temperature  (°C x 10) + 500
//	bits 20..31  windspeed    kph x 10
//	bits 32..63  device id
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"lorawan-node/internal/reading"
)

const (
	Size = 8

	TempWindMask = 0xFFF
	HumidityMask = 0xFF

	temperatureShift = 8
	windSpeedShift   = 20
	deviceIDShift    = 32

	// TemperatureOffset is added by the sensor to keep temperatures unsigned.
	TemperatureOffset = 500
	scale             = 10.0
	kphPerMs          = 3.6
)

var ErrLength = errors.New("frame: invalid length")

// Frame is the encoded uplink payload.
type Frame [Size]byte

// Fields are the raw values carried by a frame.
type Fields struct {
	DeviceID    uint32
	WindSpeed   uint16
	Temperature uint16
	Humidity    uint8
}

// Measurement holds the values of a frame converted to physical units.
type Measurement struct {
	DeviceID     uint32
	TemperatureC float64
	HumidityPct  float64
	WindSpeedMs  float64
}

// Encode packs the readings into a frame. Windspeed and temperature are truncated to their
// low 12 bits; values out of range are silently cut, not rejected. The sensor's fixed-point
// scaling and temperature offset are left as is.
func Encode(deviceID uint32, windSpeed, temperature uint16, humidity uint8) Frame {
	v := uint64(humidity&HumidityMask) |
		uint64(temperature&TempWindMask)<<temperatureShift |
		uint64(windSpeed&TempWindMask)<<windSpeedShift |
		uint64(deviceID)<<deviceIDShift

	var f Frame
	binary.LittleEndian.PutUint64(f[:], v)
	return f
}

// FromFused encodes a validated reading pair.
func FromFused(r reading.Fused) Frame {
	return Encode(r.DeviceID, r.WindSpeed, r.Temperature, r.Humidity)
}

// Fields unpacks the frame.
func (f Frame) Fields() Fields {
	v := binary.LittleEndian.Uint64(f[:])
	return Fields{
		Humidity:    uint8(v & HumidityMask),
		Temperature: uint16((v >> temperatureShift) & TempWindMask),
		WindSpeed:   uint16((v >> windSpeedShift) & TempWindMask),
		DeviceID:    uint32(v >> deviceIDShift),
	}
}

// Bytes returns a copy of the payload.
func (f Frame) Bytes() []byte {
	b := make([]byte, Size)
	copy(b, f[:])
	return b
}

// Decode unpacks a received payload.
func Decode(data []byte) (Fields, error) {
	if len(data) != Size {
		return Fields{}, fmt.Errorf("%w: %d", ErrLength, len(data))
	}
	var f Frame
	copy(f[:], data)
	return f.Fields(), nil
}

// Measurement converts the raw fields to °C, % and m/s, rounded to two decimals.
func (fl Fields) Measurement() Measurement {
	return Measurement{
		DeviceID:     fl.DeviceID,
		TemperatureC: round2((float64(fl.Temperature) - TemperatureOffset) / scale),
		HumidityPct:  float64(fl.Humidity),
		WindSpeedMs:  round2(float64(fl.WindSpeed) / kphPerMs / scale),
	}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
