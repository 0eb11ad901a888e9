package telemetry

import (
	"time"

	"github.com/itohio/stabilizer/pkg/pipeline"
	"github.com/itohio/stabilizer/pkg/sample"
)

// Telemetry is one published record. Voltages are in SI units.
type Telemetry struct {
	Timestamp     time.Time                 `json:"timestamp"`
	Adcs          [sample.Channels]float32 `json:"adcs"`
	Dacs          [sample.Channels]float32 `json:"dacs"`
	DigitalInputs [2]bool                   `json:"digital_inputs"`

	// AdcMean and AdcStd summarize the inputs over the publisher window.
	AdcMean [sample.Channels]float32 `json:"adc_mean"`
	AdcStd  [sample.Channels]float32 `json:"adc_std"`

	Batches     uint64 `json:"batches"`
	Overruns    uint64 `json:"overruns"`
	Dropped     uint64 `json:"dropped"`
	DeviceFault bool   `json:"device_fault"`
}

// Finalize converts raw codes to volts with the AFE gains in effect and
// attaches the pipeline counters.
func Finalize(raw Raw, gains [sample.Channels]sample.AfeGain, stats pipeline.Stats, at time.Time) Telemetry {
	t := Telemetry{
		Timestamp:     at,
		DigitalInputs: raw.Digital,
		Batches:       stats.Batches,
		Overruns:      stats.Overruns,
		Dropped:       stats.Dropped,
		DeviceFault:   stats.Fault,
	}
	for ch := range sample.Channels {
		t.Adcs[ch] = raw.Adcs[ch].Volts(gains[ch])
		t.Dacs[ch] = raw.Dacs[ch].Volts()
		t.AdcMean[ch] = t.Adcs[ch]
	}
	return t
}
