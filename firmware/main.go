//go:build tinygo

//go:generate tinygo flash -target=xiao

// Command firmware streams converter samples to the stabilizer serial front
// end and applies the output codes it sends back.
package main

import (
	"machine"
	"time"
)

var (
	adc0 machine.ADC
	adc1 machine.ADC
	dac  = machine.DAC0
	uart = machine.UART0

	// Timing
	lastSample time.Time

	// Serial buffer for reading output lines
	serialBuffer [LINE_MAX]byte
	serialPos    int
)

func main() {
	PIN_DI0.Configure(machine.PinConfig{Mode: machine.PinInputPulldown})
	PIN_DI1.Configure(machine.PinConfig{Mode: machine.PinInputPulldown})

	PIN_ADC0.Configure(machine.PinConfig{Mode: machine.PinInput})
	PIN_ADC1.Configure(machine.PinConfig{Mode: machine.PinInput})

	adc0 = machine.ADC{Pin: PIN_ADC0}
	adc1 = machine.ADC{Pin: PIN_ADC1}

	adcConfig := machine.ADCConfig{
		Reference:  ADC_REFERENCE_MV,
		Resolution: ADC_RESOLUTION,
	}
	adc0.Configure(adcConfig)
	adc1.Configure(adcConfig)

	// This board has a single DAC; channel 1 outputs are accepted and dropped.
	dac.Configure(machine.DACConfig{})
	dac.Set(0x8000)

	uart.Configure(machine.UARTConfig{
		BaudRate: UART_BAUD_RATE,
	})

	lastSample = time.Now()

	for {
		processSerial()

		now := time.Now()
		if now.Sub(lastSample) >= SAMPLE_INTERVAL_US*time.Microsecond {
			outputSample()
			lastSample = now
		}
	}
}

// toCode maps the unsigned 16-bit reading around mid-scale to a signed code.
func toCode(v uint16) int16 {
	return int16(int32(v) - 0x8000)
}

func outputSample() {
	// Output format: "adc0,adc1,di\n"
	// Example: "-1200,345,10\n"
	print(toCode(adc0.Get()))
	print(",")
	print(toCode(adc1.Get()))
	print(",")
	if PIN_DI0.Get() {
		print("1")
	} else {
		print("0")
	}
	if PIN_DI1.Get() {
		print("1")
	} else {
		print("0")
	}
	print("\n")
}

func processSerial() {
	for uart.Buffered() > 0 {
		data, err := uart.ReadByte()
		if err != nil {
			break
		}

		if data == '\n' || data == '\r' {
			if serialPos > 0 {
				applyOutputs(serialBuffer[:serialPos])
			}
			serialPos = 0
			continue
		}

		if serialPos < len(serialBuffer) {
			serialBuffer[serialPos] = data
			serialPos++
		} else {
			// Line too long; drop it.
			serialPos = 0
		}
	}
}

// applyOutputs parses "dac0,dac1" and writes channel 0 to the DAC.
func applyOutputs(line []byte) {
	v, ok := parseInt16(line)
	if !ok {
		return
	}
	dac.Set(uint16(int32(v) + 0x8000))
}

// parseInt16 parses the leading decimal field of line up to the first comma.
func parseInt16(line []byte) (int16, bool) {
	neg := false
	i := 0
	if i < len(line) && line[i] == '-' {
		neg = true
		i++
	}
	start := i
	var v int32
	for ; i < len(line) && line[i] != ','; i++ {
		c := line[i]
		if c < '0' || c > '9' {
			return 0, false
		}
		v = v*10 + int32(c-'0')
		if v > 0x8000 {
			return 0, false
		}
	}
	if i == start {
		return 0, false
	}
	if neg {
		v = -v
	}
	if v > 0x7fff {
		return 0, false
	}
	return int16(v), true
}
