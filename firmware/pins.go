//go:build tinygo

package main

import "machine"

const (
	// Sampling configuration
	SAMPLE_INTERVAL_US = 1000 // Interval between samples of both ADCs in microseconds

	// ADC configuration
	ADC_REFERENCE_MV = 3300 // Reference voltage in millivolts (3.3V)
	ADC_RESOLUTION   = 12   // ADC resolution in bits, scaled to 16 bits by Get

	// ADC pins, one per channel
	PIN_ADC0 = machine.A1
	PIN_ADC1 = machine.A2

	// Digital inputs. Input 0 requests the hold when allowed.
	PIN_DI0 = machine.D7
	PIN_DI1 = machine.D8

	// Serial configuration
	// Format out: "adc0,adc1,di\n", e.g. "-12345,23456,10\n" = 16 bytes max per line.
	// Format in: "dac0,dac1\n", one line per sample, also 16 bytes max.
	// 1000 samples/sec * 16 bytes = 16,000 bytes/sec each way; 8N1 needs 160,000 baud.
	UART_BAUD_RATE = 921600

	// Longest accepted output line
	LINE_MAX = 16
)
