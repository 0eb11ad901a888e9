package pipeline

import (
	"sync/atomic"

	"github.com/itohio/stabilizer/pkg/sample"
)

// Slot is one half of the ping-pong buffer pair: the input batch drained from
// the ADCs and the output batch fed to the DACs.
type Slot struct {
	In  sample.InputBatch
	Out sample.OutputBatch
}

// DoubleBuffer alternates two slots between hardware and software.
//
// At any instant one slot is owned by hardware (being filled with ADC samples
// while its output codes are shifted out) and the other by software. When
// hardware finishes a batch it calls Complete, which hands the filled slot to
// software and takes the other one back. If software has not released that
// slot yet the hand-over is refused: the batch is dropped and hardware keeps
// its slot, repeating the previous output.
type DoubleBuffer struct {
	slots [2]Slot
	hw    atomic.Uint32
	busy  [2]atomic.Bool

	dropped atomic.Uint64
}

// NewDoubleBuffer returns a buffer pair with hardware owning slot 0 and both
// outputs at mid scale (zero volts).
func NewDoubleBuffer() *DoubleBuffer {
	d := &DoubleBuffer{}
	for i := range d.slots {
		for ch := range d.slots[i].Out.Dac {
			for j := range d.slots[i].Out.Dac[ch] {
				d.slots[i].Out.Dac[ch][j] = sample.DacCodeFromInt16(0)
			}
		}
	}
	return d
}

// HardwareSlot returns the slot currently owned by hardware. Only the
// hardware side may touch it.
func (d *DoubleBuffer) HardwareSlot() *Slot {
	return &d.slots[d.hw.Load()]
}

// Slot returns slot i. Software may only touch the slot it was handed.
func (d *DoubleBuffer) Slot(i int) *Slot {
	return &d.slots[i]
}

// Complete hands the hardware slot to software. It returns the handed slot
// index and true, or false if software still owns the other slot.
func (d *DoubleBuffer) Complete() (int, bool) {
	cur := d.hw.Load()
	next := cur ^ 1
	if d.busy[next].Load() {
		d.dropped.Add(1)
		return 0, false
	}
	d.busy[cur].Store(true)
	d.hw.Store(next)
	return int(cur), true
}

// Release returns slot i to the pool hardware may wrap back to.
func (d *DoubleBuffer) Release(i int) {
	d.busy[i].Store(false)
}

// Dropped returns the number of refused hand-overs.
func (d *DoubleBuffer) Dropped() uint64 {
	return d.dropped.Load()
}
