package goble

import (
	"fmt"
	"strings"

	"github.com/srg/musebridge/internal/device"
)

// errorRules maps lowercase fragments of go-ble error text to device
// sentinels. Earlier rules win.
var errorRules = []struct {
	fragments []string
	sentinel  error
}{
	{[]string{"have=4 want=5", "bluetooth is turned off"}, device.ErrBluetoothOff},
	{[]string{"already connected"}, device.ErrAlreadyConnected},
	{[]string{"device not connected", "disconnected"}, device.ErrNotConnected},
	{[]string{"timeout", "timed out"}, device.ErrTimeout},
	{[]string{"connection is not initialized"}, device.ErrNotInitialized},
}

// NormalizeError wraps a go-ble error with the matching device sentinel so
// callers can use errors.Is. Unknown errors are returned unchanged.
func NormalizeError(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	for _, rule := range errorRules {
		for _, fragment := range rule.fragments {
			if strings.Contains(msg, fragment) {
				return fmt.Errorf("%w: %v", rule.sentinel, err)
			}
		}
	}
	return err
}
