// Package frontend provides the acquisition drivers feeding the pipeline's
// double buffer: a simulated DMA engine and a serial attached converter board.
package frontend

import (
	"github.com/itohio/stabilizer/pkg/pipeline"
	"github.com/itohio/stabilizer/pkg/sample"
)

// Device is an acquisition driver that can also report what it last drove
// onto its outputs.
type Device interface {
	pipeline.Driver
	Outputs() sample.OutputBatch
}

// Ensure Serial implements Device.
var _ Device = (*Serial)(nil)

// Ensure Mock implements Device.
var _ Device = (*Mock)(nil)
