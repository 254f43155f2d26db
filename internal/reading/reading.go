// Package reading validates and fuses the two raw samples a TFA thermo/hygro/wind sensor
// reports per poll.
package reading

import (
	"errors"
	"fmt"
)

// Kind is the sample subtype reported by the sensor. It says which channel a sample was
// taken from, not yet which physical quantity it carries.
type Kind uint8

const (
	KindA Kind = 1 // temperature + humidity
	KindB Kind = 2 // windspeed

	// kindSum is what the kinds of a complete pair add up to.
	kindSum = int(KindA) + int(KindB)
)

// PairSize is the number of samples the sensor reports per poll.
const PairSize = 2

var (
	ErrValidation     = errors.New("invalid reading pair")
	ErrDeviceMismatch = fmt.Errorf("%w: device id mismatch", ErrValidation)
	ErrDuplicateKind  = fmt.Errorf("%w: duplicate kind", ErrValidation)
	ErrKindSum        = fmt.Errorf("%w: kinds are not complementary", ErrValidation)
)

// Raw is a single sample as delivered by the sensor driver.
type Raw struct {
	DeviceID uint32
	Kind     Kind
	TempWind uint16 // 12-bit magnitude; temperature or windspeed depending on Kind
	Humidity uint8  // only meaningful on KindA
}

// Pair holds the two samples captured in one poll.
type Pair [PairSize]Raw

// Fused is a validated pair with the roles resolved.
type Fused struct {
	DeviceID    uint32
	WindSpeed   uint16 // kph x 10
	Temperature uint16 // (°C x 10) + 500
	Humidity    uint8  // %
}

// Fuse cross-checks p and returns the physical quantities it carries. Validation is purely
// structural; magnitudes are passed through untouched. A rejected pair is never partially used.
func Fuse(p Pair) (Fused, error) {
	a, b := p[0], p[1]

	if a.DeviceID != b.DeviceID {
		return Fused{}, fmt.Errorf("%w (%d != %d)", ErrDeviceMismatch, a.DeviceID, b.DeviceID)
	}
	if a.Kind == b.Kind {
		return Fused{}, fmt.Errorf("%w (%d)", ErrDuplicateKind, a.Kind)
	}
	if int(a.Kind)+int(b.Kind) != kindSum {
		return Fused{}, fmt.Errorf("%w (%d + %d)", ErrKindSum, a.Kind, b.Kind)
	}

	// The first sample carries temperature only when it says so; otherwise the second does.
	th, wind := b, a
	if a.Kind == KindA {
		th, wind = a, b
	}

	return Fused{
		DeviceID:    a.DeviceID,
		WindSpeed:   wind.TempWind,
		Temperature: th.TempWind,
		Humidity:    th.Humidity,
	}, nil
}

// PairFrom copies exactly PairSize samples into a Pair.
func PairFrom(samples []Raw) (Pair, error) {
	if len(samples) != PairSize {
		return Pair{}, fmt.Errorf("want %d samples, got %d", PairSize, len(samples))
	}
	return Pair{samples[0], samples[1]}, nil
}
