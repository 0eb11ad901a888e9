//go:build !linux

package scheduler

import "errors"

var errUnsupported = errors.New("realtime scheduling is only supported on linux")

func lockMemory() error { return errUnsupported }

func setRealtime(int) error { return errUnsupported }
