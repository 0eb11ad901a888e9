// Package dualiir is the dual channel IIR controller application: its
// settings, their registration in a settings tree and the batch processor
// run by the real-time pipeline.
package dualiir

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/itohio/stabilizer/pkg/iir"
	"github.com/itohio/stabilizer/pkg/sample"
	"github.com/itohio/stabilizer/pkg/settings"
)

// Stages is the number of cascaded IIR sections per channel.
const Stages = 2

// Afe is the analog front end setting of one input channel.
type Afe struct {
	Gain sample.AfeGain `json:"gain" yaml:"gain"`
}

// Settings is the complete runtime configuration. It is a plain value type:
// copying it copies everything.
type Settings struct {
	Afe   [sample.Channels]Afe             `json:"afe" yaml:"afe"`
	IIRCh [sample.Channels][Stages]iir.IIR `json:"iir_ch" yaml:"iir_ch"`
	// AllowHold lets digital input 0 hold the filter outputs.
	AllowHold bool `json:"allow_hold" yaml:"allow_hold"`
	// ForceHold holds the filter outputs unconditionally.
	ForceHold bool `json:"force_hold" yaml:"force_hold"`
	// TelemetryPeriod is the telemetry reporting interval in seconds.
	TelemetryPeriod uint16 `json:"telemetry_period" yaml:"telemetry_period"`
}

// Default returns unity gain inputs and pass-through filters.
func Default() Settings {
	s := Settings{TelemetryPeriod: 10}
	for ch := range s.IIRCh {
		for st := range s.IIRCh[ch] {
			s.IIRCh[ch][st] = iir.PassThrough()
		}
	}
	return s
}

// Gains returns the AFE gain of every channel.
func (s *Settings) Gains() [sample.Channels]sample.AfeGain {
	var g [sample.Channels]sample.AfeGain
	for ch := range s.Afe {
		g[ch] = s.Afe[ch].Gain
	}
	return g
}

// Validate checks every filter section.
func (s *Settings) Validate() error {
	var errs []error
	for ch := range s.IIRCh {
		for st := range s.IIRCh[ch] {
			if err := s.IIRCh[ch][st].Validate(); err != nil {
				errs = append(errs, fmt.Errorf("iir_ch/%d/%d: %w", ch, st, err))
			}
		}
	}
	if s.TelemetryPeriod == 0 {
		errs = append(errs, errors.New("telemetry_period must be at least 1"))
	}
	return errors.Join(errs...)
}

// NewTree registers every leaf of Settings:
//
//	afe/<ch>/gain                       enum G1, G2, G5, G10
//	iir_ch/<ch>/<stage>/ba              [5]float32
//	iir_ch/<ch>/<stage>/y_offset        float32
//	iir_ch/<ch>/<stage>/y_min           float32
//	iir_ch/<ch>/<stage>/y_max           float32
//	allow_hold                          bool
//	force_hold                          bool
//	telemetry_period                    uint16, at least 1
//
// y_min and y_max of a section are checked against each other on every
// update; set the section as a group to change both in one step.
func NewTree(initial Settings) (*settings.Tree[Settings], error) {
	b := settings.NewBuilder[Settings]()

	for ch := range sample.Channels {
		b.Leaf(settings.Join("afe", strconv.Itoa(ch), "gain"),
			settings.Enum(func(s *Settings) *sample.AfeGain { return &s.Afe[ch].Gain }, sample.AfeGainNames()))
	}

	for ch := range sample.Channels {
		for st := range Stages {
			prefix := settings.Join("iir_ch", strconv.Itoa(ch), strconv.Itoa(st))
			section := func(s *Settings) *iir.IIR { return &s.IIRCh[ch][st] }

			b.Leaf(settings.Join(prefix, "ba"), settings.Array(len(iir.IIR{}.BA),
				func(s *Settings) []float32 { return section(s).BA[:] },
				func(p func(*Settings) *float32) settings.Field[Settings] {
					return settings.Float(p, finite)
				}))
			b.Leaf(settings.Join(prefix, "y_offset"),
				settings.Float(func(s *Settings) *float32 { return &section(s).YOffset }, finite))
			b.Leaf(settings.Join(prefix, "y_min"),
				settings.Float(func(s *Settings) *float32 { return &section(s).YMin }, finite))
			b.Leaf(settings.Join(prefix, "y_max"),
				settings.Float(func(s *Settings) *float32 { return &section(s).YMax }, finite))
		}
	}

	b.Leaf("allow_hold", settings.Bool(func(s *Settings) *bool { return &s.AllowHold }))
	b.Leaf("force_hold", settings.Bool(func(s *Settings) *bool { return &s.ForceHold }))
	b.Leaf("telemetry_period", settings.Uint(func(s *Settings) *uint16 { return &s.TelemetryPeriod },
		func(v uint16) error {
			if v == 0 {
				return errors.New("must be at least 1")
			}
			return nil
		}))

	b.Validate("iir", (*Settings).Validate)

	return b.Build(initial)
}

func finite(v float32) error {
	if !iir.Finite(v) {
		return fmt.Errorf("%v is not finite", v)
	}
	return nil
}
