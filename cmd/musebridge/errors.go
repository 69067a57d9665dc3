package main

import (
	"errors"
	"fmt"

	"github.com/srg/musebridge/internal/device"
	"github.com/srg/musebridge/manager"
)

// FormatUserError turns known failures into actionable messages.
func FormatUserError(err error) string {
	var nf *device.NotFoundError
	switch {
	case errors.Is(err, device.ErrBluetoothOff):
		return "Bluetooth is turned off; enable it and try again"
	case errors.Is(err, device.ErrUnsupported):
		return "Bluetooth LE is not supported on this platform; use --simulate to try musebridge without hardware"
	case errors.Is(err, manager.ErrDeviceNotFound):
		return fmt.Sprintf("%v; is the headband switched on and in range?", err)
	case errors.As(err, &nf):
		return fmt.Sprintf("%v; the firmware may not be a supported Muse variant", err)
	case errors.Is(err, device.ErrTimeout):
		return fmt.Sprintf("%v; move closer to the headband and retry", err)
	}
	return err.Error()
}
