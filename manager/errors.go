package manager

import "errors"

var (
	// ErrDeviceNotFound is returned when an id or address matches no registered device.
	ErrDeviceNotFound = errors.New("device not found")

	// ErrDeviceOffline is returned when a toggle needs a live link.
	ErrDeviceOffline = errors.New("device is offline")

	// ErrManagerClosed is returned by operations after Close.
	ErrManagerClosed = errors.New("manager is closed")
)
