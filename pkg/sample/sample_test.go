package sample

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdcSampleVolts(t *testing.T) {
	tests := []struct {
		name string
		code AdcSample
		gain AfeGain
		want float32
	}{
		{
			name: "zero",
			code: 0,
			gain: G1,
			want: 0.0,
		},
		{
			name: "positive full scale",
			code: 32767,
			gain: G1,
			want: 10.24, // Approximately
		},
		{
			name: "negative full scale",
			code: -32768,
			gain: G1,
			want: -10.24,
		},
		{
			name: "gain 10",
			code: 32767,
			gain: G10,
			want: 1.024, // Approximately
		},
		{
			name: "gain 2 half scale",
			code: 16384,
			gain: G2,
			want: 2.56,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.code.Volts(tt.gain)
			assert.InDelta(t, tt.want, got, 0.001, "AdcSample(%d).Volts(%s) = %f, want %f", tt.code, tt.gain, got, tt.want)
		})
	}
}

func TestDacCode(t *testing.T) {
	tests := []struct {
		name  string
		value int16
		code  DacCode
		volts float32
	}{
		{
			name:  "zero is mid scale",
			value: 0,
			code:  0x8000,
			volts: 0.0,
		},
		{
			name:  "most negative",
			value: -32768,
			code:  0x0000,
			volts: -10.24,
		},
		{
			name:  "most positive",
			value: 32767,
			code:  0xFFFF,
			volts: 10.24, // Slightly less
		},
		{
			name:  "minus one",
			value: -1,
			code:  0x7FFF,
			volts: -0.0003125,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code := DacCodeFromInt16(tt.value)
			assert.Equal(t, tt.code, code)
			assert.Equal(t, tt.value, code.Int16())
			assert.InDelta(t, tt.volts, code.Volts(), 0.001)
		})
	}
}

func TestAfeGain_Multiplier(t *testing.T) {
	assert.Equal(t, float32(1), G1.Multiplier())
	assert.Equal(t, float32(2), G2.Multiplier())
	assert.Equal(t, float32(5), G5.Multiplier())
	assert.Equal(t, float32(10), G10.Multiplier())
	assert.Equal(t, float32(1), AfeGain(42).Multiplier())
}

func TestAfeGain_Text(t *testing.T) {
	for _, name := range AfeGainNames() {
		t.Run(name, func(t *testing.T) {
			g, err := ParseAfeGain(name)
			require.NoError(t, err)
			assert.Equal(t, name, g.String())

			text, err := g.MarshalText()
			require.NoError(t, err)
			assert.Equal(t, name, string(text))

			var back AfeGain
			require.NoError(t, back.UnmarshalText(text))
			assert.Equal(t, g, back)
		})
	}
}

func TestAfeGain_Invalid(t *testing.T) {
	_, err := ParseAfeGain("G3")
	assert.Error(t, err)

	_, err = ParseAfeGain("g2")
	assert.Error(t, err, "names are case sensitive")

	var g AfeGain = G5
	assert.Error(t, g.UnmarshalText([]byte("bogus")))
	assert.Equal(t, G5, g, "failed unmarshal must not modify the value")

	_, err = AfeGain(9).MarshalText()
	assert.Error(t, err)
	assert.Equal(t, "AfeGain(9)", AfeGain(9).String())
}
