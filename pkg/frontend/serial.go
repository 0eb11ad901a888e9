package frontend

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"go.bug.st/serial"

	"github.com/itohio/stabilizer/pkg/pipeline"
	"github.com/itohio/stabilizer/pkg/sample"
)

// DefaultBaudRate is the default serial link speed.
const DefaultBaudRate = 921600

// Port represents a serial port.
type Port struct {
	Name        string
	Description string
}

// Ports returns a list of available serial ports.
func Ports() ([]Port, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("failed to list serial ports: %w", err)
	}

	result := make([]Port, 0, len(ports))
	for _, name := range ports {
		result = append(result, Port{Name: name, Description: name})
	}
	return result, nil
}

// Serial drives a converter board over a serial line.
//
// The board streams one line per sample period:
//
//	adc0,adc1,di
//
// with signed 16-bit ADC codes and di two digits for the digital inputs
// ("10" means input 0 high). For every batch of sample.BatchSize input lines
// the driver writes sample.BatchSize output lines
//
//	dac0,dac1
//
// with signed 16-bit DAC values, taken from the slot being handed over.
type Serial struct {
	port     string
	baudRate int
	log      *log.Logger

	mu        sync.RWMutex
	conn      io.ReadWriteCloser
	connected bool
	last      sample.OutputBatch
}

// NewSerial creates a serial front end for the named port.
func NewSerial(port string, baudRate int, logger *log.Logger) *Serial {
	if baudRate == 0 {
		baudRate = DefaultBaudRate
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Serial{
		port:     port,
		baudRate: baudRate,
		log:      logger.WithPrefix("serial"),
	}
}

// Connect opens the serial port.
func (d *Serial) Connect() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.connected {
		return fmt.Errorf("already connected")
	}

	port, err := serial.Open(d.port, &serial.Mode{BaudRate: d.baudRate})
	if err != nil {
		return fmt.Errorf("failed to open serial port %s: %w", d.port, err)
	}

	d.conn = port
	d.connected = true
	return nil
}

// Close closes the port. It also unblocks a running Run.
func (d *Serial) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.connected {
		return nil
	}
	d.connected = false
	if err := d.conn.Close(); err != nil {
		return fmt.Errorf("failed to close serial port: %w", err)
	}
	return nil
}

// IsConnected returns whether the port is open.
func (d *Serial) IsConnected() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.connected
}

// Outputs returns the last output batch written to the board.
func (d *Serial) Outputs() sample.OutputBatch {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.last
}

// Run reads samples into the hardware slot until ctx is done or the port
// fails. Malformed lines are logged and skipped.
func (d *Serial) Run(ctx context.Context, buf *pipeline.DoubleBuffer, events chan<- pipeline.Event) error {
	d.mu.RLock()
	conn := d.conn
	connected := d.connected
	d.mu.RUnlock()
	if !connected {
		return fmt.Errorf("serial port %s is not connected", d.port)
	}

	stop := context.AfterFunc(ctx, func() { _ = d.Close() })
	defer stop()

	scanner := bufio.NewScanner(conn)
	w := bufio.NewWriter(conn)
	n := 0
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		adc, di, err := parseLine(line)
		if err != nil {
			d.log.Warn("Failed to parse line", "line", line, "err", err)
			continue
		}

		slot := buf.HardwareSlot()
		if n == 0 {
			slot.In.Digital = di
		}
		for ch := range adc {
			slot.In.Adc[ch][n] = adc[ch]
		}
		n++
		if n < sample.BatchSize {
			continue
		}
		n = 0

		if err := d.shiftOut(w, &slot.Out); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		idx, ok := buf.Complete()
		if !ok {
			continue
		}
		select {
		case events <- pipeline.Event{Slot: idx, At: time.Now()}:
		case <-ctx.Done():
			return nil
		}
	}

	if ctx.Err() != nil {
		return nil
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read from serial port: %w", err)
	}
	return io.ErrUnexpectedEOF
}

func (d *Serial) shiftOut(w *bufio.Writer, out *sample.OutputBatch) error {
	for i := range sample.BatchSize {
		w.WriteString(strconv.Itoa(int(out.Dac[0][i].Int16())))
		w.WriteByte(',')
		w.WriteString(strconv.Itoa(int(out.Dac[1][i].Int16())))
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("failed to write outputs: %w", err)
	}

	d.mu.Lock()
	d.last = *out
	d.mu.Unlock()
	return nil
}

// parseLine parses one sample line.
// Format: adc0,adc1,di
// Example: -1200,345,10
func parseLine(line string) (adc [sample.Channels]sample.AdcSample, di [2]bool, err error) {
	parts := strings.Split(line, ",")
	if len(parts) != sample.Channels+1 {
		return adc, di, fmt.Errorf("invalid line format: expected %d comma-separated values, got %d", sample.Channels+1, len(parts))
	}

	for ch := range sample.Channels {
		v, err := strconv.ParseInt(parts[ch], 10, 16)
		if err != nil {
			return adc, di, fmt.Errorf("invalid adc%d: %w", ch, err)
		}
		adc[ch] = sample.AdcSample(v)
	}

	digits := parts[sample.Channels]
	if len(digits) != len(di) {
		return adc, di, fmt.Errorf("invalid digital inputs: expected %d digits, got %d", len(di), len(digits))
	}
	for i := range di {
		switch digits[i] {
		case '0':
		case '1':
			di[i] = true
		default:
			return adc, di, fmt.Errorf("invalid digital input %d: %q", i, digits[i])
		}
	}
	return adc, di, nil
}
