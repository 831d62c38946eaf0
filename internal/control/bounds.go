package control

import (
	"fmt"
	"math"

	"github.com/signalsfoundry/simorchestrator/model"
)

// Range is an inclusive interval.
type Range struct {
	Min float64 `json:"min" yaml:"min"`
	Max float64 `json:"max" yaml:"max"`
}

func (r Range) contains(v float64) bool {
	return v >= r.Min && v <= r.Max
}

// Bounds are the accepted AvCommand ranges. Steer is normalised to full
// lock with negative values steering left and positive values right.
type Bounds struct {
	Accelerate Range `json:"accelerate" yaml:"accelerate"`
	Steer      Range `json:"steer" yaml:"steer"`
	Brake      Range `json:"brake" yaml:"brake"`
}

// DefaultBounds returns pedal fractions in [0,1] and steer in [-1,1].
func DefaultBounds() Bounds {
	return Bounds{
		Accelerate: Range{Min: 0, Max: 1},
		Steer:      Range{Min: -1, Max: 1},
		Brake:      Range{Min: 0, Max: 1},
	}
}

// Validate checks that each range is finite and non-empty.
func (b Bounds) Validate() error {
	for _, f := range []struct {
		name string
		r    Range
	}{
		{"accelerate", b.Accelerate},
		{"steer", b.Steer},
		{"brake", b.Brake},
	} {
		if !finite(f.r.Min) || !finite(f.r.Max) {
			return fmt.Errorf("%w: %s bound is not finite", ErrValidation, f.name)
		}
		if f.r.Min > f.r.Max {
			return fmt.Errorf("%w: %s bound min %g exceeds max %g", ErrValidation, f.name, f.r.Min, f.r.Max)
		}
	}
	return nil
}

// Check rejects commands with non-finite or out-of-range fields.
func (b Bounds) Check(cmd model.AvCommand) error {
	fields := []struct {
		name string
		v    float64
		r    Range
	}{
		{"accelerate", cmd.Accelerate, b.Accelerate},
		{"steer", cmd.Steer, b.Steer},
		{"brake", cmd.Brake, b.Brake},
	}
	for _, f := range fields {
		if !finite(f.v) {
			return fmt.Errorf("%w: %s is not finite", ErrValidation, f.name)
		}
		if !f.r.contains(f.v) {
			return fmt.Errorf("%w: %s %g outside [%g, %g]", ErrValidation, f.name, f.v, f.r.Min, f.r.Max)
		}
	}
	return nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
