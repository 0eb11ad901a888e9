package dualiir

import (
	"slices"
	"strings"
	"testing"

	"github.com/chewxy/math32"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itohio/stabilizer/pkg/iir"
	"github.com/itohio/stabilizer/pkg/sample"
	"github.com/itohio/stabilizer/pkg/settings"
	"github.com/itohio/stabilizer/pkg/telemetry"
)

func newTree(t *testing.T) *settings.Tree[Settings] {
	t.Helper()
	tree, err := NewTree(Default())
	require.NoError(t, err)
	return tree
}

func constantBatch(v int16) *sample.InputBatch {
	var in sample.InputBatch
	for ch := range in.Adc {
		for i := range in.Adc[ch] {
			in.Adc[ch][i] = sample.AdcSample(v)
		}
	}
	return &in
}

func TestTreeLeaves(t *testing.T) {
	tree := newTree(t)

	var paths []string
	for p := range tree.Enumerate() {
		paths = append(paths, p)
	}
	assert.Equal(t, 2+2*Stages*4+3, len(paths))
	assert.Equal(t, "afe/0/gain", paths[0])
	assert.Contains(t, paths, "iir_ch/1/1/ba")
	assert.Contains(t, paths, "telemetry_period")

	h, err := tree.Resolve("iir_ch/0/1/ba")
	require.NoError(t, err)
	assert.Equal(t, "[5]float32", h.Descriptor().String())

	h, err = tree.Resolve("afe/1/gain")
	require.NoError(t, err)
	assert.Equal(t, "enum{G1,G2,G5,G10}", h.Descriptor().String())
}

func TestAfeGainScenario(t *testing.T) {
	tree := newTree(t)

	require.NoError(t, tree.Set("afe/0/gain", []byte(`"G2"`)))
	got, err := tree.Get("afe/0/gain")
	require.NoError(t, err)
	assert.JSONEq(t, `"G2"`, string(got))

	err = tree.Set("afe/0/gain", []byte(`"G3"`))
	assert.ErrorIs(t, err, settings.ErrValidationFailed)

	got, err = tree.Get("afe/0/gain")
	require.NoError(t, err)
	assert.JSONEq(t, `"G2"`, string(got))
	assert.Equal(t, sample.G2, tree.Load().Gains()[0])
}

func TestTreeRejects(t *testing.T) {
	tests := []struct {
		name    string
		path    string
		payload string
		want    error
	}{
		{"unknown channel", "afe/2/gain", `"G1"`, settings.ErrPathNotFound},
		{"ba index out of range", "iir_ch/0/0/ba/5", `1`, settings.ErrPathNotFound},
		{"ba too short", "iir_ch/0/0/ba", `[1,0,0]`, settings.ErrTypeMismatch},
		{"y_min above y_max", "iir_ch/0/0/y_min", `40000`, settings.ErrValidationFailed},
		{"zero telemetry period", "telemetry_period", `0`, settings.ErrValidationFailed},
		{"hold not bool", "force_hold", `1`, settings.ErrTypeMismatch},
		{"inverted section", "iir_ch/1/0", `{"y_min":10,"y_max":-10}`, settings.ErrValidationFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tree := newTree(t)
			before := tree.Snapshot()
			err := tree.Set(tt.path, []byte(tt.payload))
			assert.ErrorIs(t, err, tt.want)
			assert.Equal(t, before, tree.Snapshot())
		})
	}
}

func TestSectionGroupSet(t *testing.T) {
	tree := newTree(t)

	// Moving both limits past each other is only possible in one step.
	require.NoError(t, tree.Set("iir_ch/0/1", []byte(`{"y_min":40000,"y_max":50000,"ba":[0.5,0,0,0,0]}`)))
	s := tree.Snapshot()
	assert.Equal(t, float32(40000), s.IIRCh[0][1].YMin)
	assert.Equal(t, float32(50000), s.IIRCh[0][1].YMax)
	assert.Equal(t, [5]float32{0.5, 0, 0, 0, 0}, s.IIRCh[0][1].BA)
}

func TestApplyPreset(t *testing.T) {
	tree := newTree(t)

	preset := `
afe/1/gain: G10
iir_ch/0/0:
  ba: [2, 0, 0, 0, 0]
  y_offset: 5
force_hold: true
iir_ch/1/0/ba/0: 0.25
`
	require.NoError(t, ApplyPreset(tree, strings.NewReader(preset)))
	s := tree.Snapshot()
	assert.Equal(t, sample.G10, s.Afe[1].Gain)
	assert.Equal(t, float32(2), s.IIRCh[0][0].BA[0])
	assert.Equal(t, float32(5), s.IIRCh[0][0].YOffset)
	assert.True(t, s.ForceHold)
	assert.Equal(t, float32(0.25), s.IIRCh[1][0].BA[0])
}

func TestApplyPresetErrors(t *testing.T) {
	tree := newTree(t)

	err := ApplyPreset(tree, strings.NewReader("afe/0/gain: G3\n"))
	assert.ErrorIs(t, err, settings.ErrValidationFailed)

	err = ApplyPreset(tree, strings.NewReader("- a\n- b\n"))
	assert.Error(t, err)

	assert.NoError(t, ApplyPreset(tree, strings.NewReader("")))
	assert.NoError(t, LoadPreset(tree, "does-not-exist.yaml"))
}

func TestProcessZeroPassThrough(t *testing.T) {
	tree := newTree(t)
	p := NewProcessor(tree.Cell())

	var out sample.OutputBatch
	p.ProcessBatch(constantBatch(0), &out)

	for ch := range out.Dac {
		require.Len(t, out.Dac[ch], 8)
		for _, code := range out.Dac[ch] {
			assert.Equal(t, int16(0), code.Int16())
		}
	}
}

func TestProcessLatency(t *testing.T) {
	tree := newTree(t)
	p := NewProcessor(tree.Cell())

	var out sample.OutputBatch
	p.ProcessBatch(constantBatch(1000), &out)

	latency := iir.Latency(Stages)
	for i, code := range out.Dac[0] {
		if i < latency {
			assert.Equal(t, int16(0), code.Int16(), "sample %d", i)
		} else {
			assert.Equal(t, int16(1000), code.Int16(), "sample %d", i)
		}
	}
}

func TestProcessSaturates(t *testing.T) {
	tree := newTree(t)
	require.NoError(t, tree.Set("iir_ch/0", []byte(`{"0":{"ba":[100,0,0,0,0],"y_min":-1e9,"y_max":1e9},"1":{"y_min":-1e9,"y_max":1e9}}`)))
	p := NewProcessor(tree.Cell())

	var out sample.OutputBatch
	p.ProcessBatch(constantBatch(30000), &out)
	assert.Equal(t, int16(32767), out.Dac[0][sample.BatchSize-1].Int16())

	p.Reset()
	p.ProcessBatch(constantBatch(-30000), &out)
	assert.Equal(t, int16(-32768), out.Dac[0][sample.BatchSize-1].Int16())
	assert.Equal(t, int16(-30000), out.Dac[1][sample.BatchSize-1].Int16())
}

func TestProcessDeterministic(t *testing.T) {
	tree := newTree(t)
	require.NoError(t, tree.Set("iir_ch/0/0/ba", []byte(`[0.1,0.1,0,0.8,0]`)))

	run := func() (sample.OutputBatch, [sample.Channels][Stages]iir.StageState) {
		p := NewProcessor(tree.Cell())
		var out sample.OutputBatch
		in := constantBatch(0)
		for i := range in.Adc[0] {
			in.Adc[0][i] = sample.AdcSample(i * 100)
		}
		p.ProcessBatch(in, &out)
		return out, p.state
	}

	out1, state1 := run()
	out2, state2 := run()
	assert.Equal(t, out1, out2)
	assert.Equal(t, state1, state2)
}

func TestProcessHold(t *testing.T) {
	tests := []struct {
		name     string
		allow    bool
		force    bool
		digital  bool
		wantHeld bool
	}{
		{"no hold", false, false, true, false},
		{"allowed but input low", true, false, false, false},
		{"allowed and input high", true, false, true, true},
		{"forced", false, true, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tree := newTree(t)
			p := NewProcessor(tree.Cell())

			var out sample.OutputBatch
			p.ProcessBatch(constantBatch(500), &out)

			require.NoError(t, tree.Update(func(s *Settings) error {
				s.AllowHold = tt.allow
				s.ForceHold = tt.force
				return nil
			}))
			in := constantBatch(-500)
			in.Digital[0] = tt.digital
			p.ProcessBatch(in, &out)

			want := int16(-500)
			if tt.wantHeld {
				want = 500
			}
			assert.Equal(t, want, out.Dac[0][sample.BatchSize-1].Int16())
		})
	}
}

func TestSwapVisibleAtNextBatch(t *testing.T) {
	tree := newTree(t)

	var (
		seen    [2][]*Settings
		batch   int
		swapped bool
	)
	p := NewProcessor(tree.Cell(), WithSampleHook(func(i int, s *Settings) {
		seen[batch] = append(seen[batch], s)
		if batch == 0 && i == 3 && !swapped {
			swapped = true
			require.NoError(t, tree.Set("iir_ch/0/0/ba/0", []byte(`2`)))
		}
	}))

	var out sample.OutputBatch
	p.ProcessBatch(constantBatch(100), &out)
	batch = 1
	p.ProcessBatch(constantBatch(100), &out)

	require.Len(t, seen[0], sample.BatchSize)
	require.Len(t, seen[1], sample.BatchSize)
	for _, s := range seen[0] {
		assert.Same(t, seen[0][0], s)
		assert.Equal(t, float32(1), s.IIRCh[0][0].BA[0])
	}
	for _, s := range seen[1] {
		assert.Same(t, seen[1][0], s)
		assert.Equal(t, float32(2), s.IIRCh[0][0].BA[0])
	}
	assert.False(t, slices.Contains(seen[1], seen[0][0]))
	assert.Equal(t, int16(100), out.Dac[1][sample.BatchSize-1].Int16())
	assert.Equal(t, int16(200), out.Dac[0][sample.BatchSize-1].Int16())
}

func TestProcessCapturesTelemetry(t *testing.T) {
	tree := newTree(t)
	buf := &telemetry.Buffer{}
	p := NewProcessor(tree.Cell(), WithTelemetry(buf))

	in := constantBatch(0)
	in.Adc[0][sample.BatchSize-1] = 1234
	in.Adc[1][sample.BatchSize-1] = -42
	in.Digital[1] = true

	var out sample.OutputBatch
	p.ProcessBatch(in, &out)

	raw := buf.Snapshot()
	assert.Equal(t, sample.AdcSample(1234), raw.Adcs[0])
	assert.Equal(t, sample.AdcSample(-42), raw.Adcs[1])
	assert.Equal(t, out.Dac[0][sample.BatchSize-1], raw.Dacs[0])
	assert.Equal(t, [2]bool{false, true}, raw.Digital)
}

func TestFiniteLeafCheck(t *testing.T) {
	assert.NoError(t, finite(1))
	assert.Error(t, finite(math32.NaN()))
	assert.Error(t, finite(math32.Inf(-1)))
}
