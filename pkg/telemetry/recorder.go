package telemetry

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/segmentio/parquet-go"
)

// Row is the flat parquet schema of a recorded Telemetry.
type Row struct {
	TimestampNs int64   `parquet:"timestamp_ns"`
	Adc0        float32 `parquet:"adc0"`
	Adc1        float32 `parquet:"adc1"`
	Dac0        float32 `parquet:"dac0"`
	Dac1        float32 `parquet:"dac1"`
	Di0         bool    `parquet:"di0"`
	Di1         bool    `parquet:"di1"`
	Batches     int64   `parquet:"batches"`
	Overruns    int64   `parquet:"overruns"`
	Dropped     int64   `parquet:"dropped"`
	DeviceFault bool    `parquet:"device_fault"`
}

// NewRow flattens t.
func NewRow(t Telemetry) Row {
	return Row{
		TimestampNs: t.Timestamp.UnixNano(),
		Adc0:        t.Adcs[0],
		Adc1:        t.Adcs[1],
		Dac0:        t.Dacs[0],
		Dac1:        t.Dacs[1],
		Di0:         t.DigitalInputs[0],
		Di1:         t.DigitalInputs[1],
		Batches:     int64(t.Batches),
		Overruns:    int64(t.Overruns),
		Dropped:     int64(t.Dropped),
		DeviceFault: t.DeviceFault,
	}
}

// Recorder appends telemetry records to a parquet file.
type Recorder struct {
	mu     sync.Mutex
	file   io.Closer
	writer *parquet.GenericWriter[Row]
	rows   []Row
	closed bool
}

// NewRecorder records to w, tagging the file with the device prefix.
func NewRecorder(w io.WriteCloser, prefix string) *Recorder {
	return &Recorder{
		file: w,
		writer: parquet.NewGenericWriter[Row](w,
			parquet.KeyValueMetadata("prefix", prefix),
		),
		rows: make([]Row, 1),
	}
}

// CreateRecorder creates filename and records to it.
func CreateRecorder(filename, prefix string) (*Recorder, error) {
	f, err := os.Create(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to create recording: %w", err)
	}
	return NewRecorder(f, prefix), nil
}

// Record appends one record.
func (r *Recorder) Record(t Telemetry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return os.ErrClosed
	}
	r.rows[0] = NewRow(t)
	if _, err := r.writer.Write(r.rows); err != nil {
		return fmt.Errorf("failed to record telemetry: %w", err)
	}
	return nil
}

// Close flushes the footer and closes the underlying file.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true
	if err := r.writer.Close(); err != nil {
		r.file.Close()
		return err
	}
	return r.file.Close()
}
