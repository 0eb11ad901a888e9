// Package iir implements the per-channel filter chain: second order IIR
// sections with output offset and saturation, cascaded with registered
// stage outputs.
package iir

import (
	"fmt"
	"math"

	"github.com/chewxy/math32"
)

// IIR holds the coefficients of one biquad section.
//
// BA is [b0, b1, b2, a1, a2] with the feedback coefficients stored with their
// sign applied:
//
//	y0 = b0*x0 + b1*x1 + b2*x2 + a1*y1 + a2*y2 + YOffset
//
// The result is clamped to [YMin, YMax].
type IIR struct {
	BA      [5]float32 `json:"ba" yaml:"ba"`
	YOffset float32    `json:"y_offset" yaml:"y_offset"`
	YMin    float32    `json:"y_min" yaml:"y_min"`
	YMax    float32    `json:"y_max" yaml:"y_max"`
}

// History is the delay line of one section.
type History struct {
	X1, X2 float32
	Y1, Y2 float32
}

// PassThrough returns a unity gain section spanning the full 16-bit output range.
func PassThrough() IIR {
	return IIR{
		BA:   [5]float32{1, 0, 0, 0, 0},
		YMin: math.MinInt16,
		YMax: math.MaxInt16,
	}
}

// NewPID designs a section implementing a discrete PID controller
// (backward Euler integral, first difference derivative) for the given
// sample period in seconds. The output range is the full 16-bit range.
func NewPID(kp, ki, kd, period float32) (IIR, error) {
	if period <= 0 || math32.IsInf(period, 0) || math32.IsNaN(period) {
		return IIR{}, fmt.Errorf("invalid sample period %v", period)
	}
	kdt := kd / period
	f := IIR{
		BA: [5]float32{
			kp + ki*period + kdt,
			-kp - 2*kdt,
			kdt,
			1,
			0,
		},
		YMin: math.MinInt16,
		YMax: math.MaxInt16,
	}
	if err := f.Validate(); err != nil {
		return IIR{}, err
	}
	return f, nil
}

// Validate checks that all coefficients are finite and the output range is ordered.
func (f *IIR) Validate() error {
	for i, c := range f.BA {
		if !Finite(c) {
			return fmt.Errorf("ba[%d] is not finite", i)
		}
	}
	if !Finite(f.YOffset) || !Finite(f.YMin) || !Finite(f.YMax) {
		return fmt.Errorf("output offset and limits must be finite")
	}
	if f.YMin > f.YMax {
		return fmt.Errorf("y_min %v exceeds y_max %v", f.YMin, f.YMax)
	}
	return nil
}

// Apply computes one output sample. It is a pure function of the section,
// the history and the input; the returned history replaces the old one.
// When hold is set the previous output is repeated and the history is left
// unchanged.
func (f *IIR) Apply(h History, x float32, hold bool) (float32, History) {
	if hold {
		return h.Y1, h
	}
	y := f.BA[0]*x + f.BA[1]*h.X1 + f.BA[2]*h.X2 + f.BA[3]*h.Y1 + f.BA[4]*h.Y2 + f.YOffset
	y = f.clamp(y)
	return y, History{
		X1: x,
		X2: h.X1,
		Y1: y,
		Y2: h.Y1,
	}
}

func (f *IIR) clamp(y float32) float32 {
	if math32.IsNaN(y) {
		y = f.YOffset
	}
	return math32.Max(f.YMin, math32.Min(y, f.YMax))
}

// Finite reports whether v is neither NaN nor infinite.
func Finite(v float32) bool {
	return !math32.IsNaN(v) && !math32.IsInf(v, 0)
}
