package sample

import "fmt"

const (
	// Channels is the number of analog input/output channel pairs.
	Channels = 2
	// BatchSize is the number of samples per channel in one DMA batch. Power of two.
	BatchSize = 8

	// adcVoltsPerLSB is the ADC input scale at unity AFE gain: +/- 4.096 V * 2.5 over 16 bits.
	adcVoltsPerLSB = 4.096 * 2.5 / float32(1<<15)
	// dacVoltsPerLSB is the DAC output scale after the 2.5x output stage (+/- 10.24 V).
	dacVoltsPerLSB = 4.096 * 2.5 / float32(1<<15)
)

// AdcSample is a raw two's complement ADC code.
type AdcSample int16

// Volts converts the code to the voltage at the analog front end input.
func (s AdcSample) Volts(gain AfeGain) float32 {
	return float32(s) * adcVoltsPerLSB / gain.Multiplier()
}

// DacCode is the raw 16-bit offset binary code written to a DAC.
// 0x8000 is zero volts.
type DacCode uint16

// DacCodeFromInt16 converts a two's complement value to offset binary.
func DacCodeFromInt16(v int16) DacCode {
	return DacCode(uint16(v) ^ 0x8000)
}

// Int16 returns the two's complement interpretation of the code.
func (c DacCode) Int16() int16 {
	return int16(uint16(c) ^ 0x8000)
}

// Volts converts the code to the DAC output voltage.
func (c DacCode) Volts() float32 {
	return float32(c.Int16()) * dacVoltsPerLSB
}

// InputBatch is one software-owned batch of ADC samples.
type InputBatch struct {
	Adc [Channels][BatchSize]AdcSample
	// Digital holds the digital input levels latched at the start of the batch.
	Digital [2]bool
}

// OutputBatch is one batch of DAC codes, one per input sample.
type OutputBatch struct {
	Dac [Channels][BatchSize]DacCode
}

// AfeGain is the programmable gain of an analog front end channel.
type AfeGain uint8

const (
	G1 AfeGain = iota
	G2
	G5
	G10
)

var afeGainNames = [...]string{"G1", "G2", "G5", "G10"}

// AfeGainNames lists the gains in declaration order.
func AfeGainNames() []string {
	return afeGainNames[:]
}

// Multiplier returns the linear gain factor.
func (g AfeGain) Multiplier() float32 {
	switch g {
	case G2:
		return 2
	case G5:
		return 5
	case G10:
		return 10
	default:
		return 1
	}
}

func (g AfeGain) String() string {
	if int(g) < len(afeGainNames) {
		return afeGainNames[g]
	}
	return fmt.Sprintf("AfeGain(%d)", uint8(g))
}

// ParseAfeGain parses one of "G1", "G2", "G5", "G10".
func ParseAfeGain(s string) (AfeGain, error) {
	for i, name := range afeGainNames {
		if name == s {
			return AfeGain(i), nil
		}
	}
	return 0, fmt.Errorf("unknown AFE gain %q", s)
}

func (g AfeGain) MarshalText() ([]byte, error) {
	if int(g) >= len(afeGainNames) {
		return nil, fmt.Errorf("invalid AFE gain %d", uint8(g))
	}
	return []byte(afeGainNames[g]), nil
}

func (g *AfeGain) UnmarshalText(text []byte) error {
	v, err := ParseAfeGain(string(text))
	if err != nil {
		return err
	}
	*g = v
	return nil
}
