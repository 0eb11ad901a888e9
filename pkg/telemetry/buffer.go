// Package telemetry captures the latest converter codes from the real-time
// path and turns them into periodic records for publishing and recording.
package telemetry

import (
	"sync/atomic"

	"github.com/itohio/stabilizer/pkg/sample"
)

// Buffer holds the most recent raw sample of every channel.
//
// The real-time path writes it with Capture once per batch: two atomic
// stores, no allocation, no locking. Conversion to physical units happens in
// the background when a record is built.
type Buffer struct {
	// codes packs adc0, adc1, dac0, dac1 as 16-bit fields.
	codes   atomic.Uint64
	digital atomic.Uint32
}

// Raw is a snapshot of a Buffer in converter codes.
type Raw struct {
	Adcs    [sample.Channels]sample.AdcSample
	Dacs    [sample.Channels]sample.DacCode
	Digital [2]bool
}

// Capture stores the last sample of a processed batch.
func (b *Buffer) Capture(in *sample.InputBatch, out *sample.OutputBatch) {
	const last = sample.BatchSize - 1
	codes := uint64(uint16(in.Adc[0][last])) |
		uint64(uint16(in.Adc[1][last]))<<16 |
		uint64(out.Dac[0][last])<<32 |
		uint64(out.Dac[1][last])<<48
	b.codes.Store(codes)

	var di uint32
	for i, v := range in.Digital {
		if v {
			di |= 1 << i
		}
	}
	b.digital.Store(di)
}

// Snapshot returns the latest captured codes. The codes are consistent with
// each other; the digital inputs may belong to an adjacent batch.
func (b *Buffer) Snapshot() Raw {
	codes := b.codes.Load()
	di := b.digital.Load()
	return Raw{
		Adcs: [sample.Channels]sample.AdcSample{
			sample.AdcSample(int16(uint16(codes))),
			sample.AdcSample(int16(uint16(codes >> 16))),
		},
		Dacs: [sample.Channels]sample.DacCode{
			sample.DacCode(uint16(codes >> 32)),
			sample.DacCode(uint16(codes >> 48)),
		},
		Digital: [2]bool{di&1 != 0, di&2 != 0},
	}
}
