package goble

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/musebridge/internal/device"
)

// DefaultConnectTimeout bounds a single dial plus profile discovery.
const DefaultConnectTimeout = 10 * time.Second

// ----------------------------
// Device Factory
// ----------------------------

// DeviceFactory creates ble.Device instances (can be overridden in tests)
//
//nolint:revive // DeviceFactory name is intentional for test mocking
var DeviceFactory = newPlatformDevice

// ----------------------------
// Central
// ----------------------------

// Central implements device.Central on top of a go-ble HCI/CoreBluetooth device.
type Central struct {
	dev            ble.Device
	connectTimeout time.Duration
	logger         *logrus.Logger
}

// NewCentral opens the platform BLE device. A zero connectTimeout means DefaultConnectTimeout.
func NewCentral(connectTimeout time.Duration, logger *logrus.Logger) (*Central, error) {
	if logger == nil {
		logger = logrus.New()
	}
	if connectTimeout <= 0 {
		connectTimeout = DefaultConnectTimeout
	}

	dev, err := DeviceFactory()
	if err != nil {
		logger.WithError(err).Error("Failed to create BLE device")
		return nil, fmt.Errorf("failed to create BLE device: %w", NormalizeError(err))
	}
	ble.SetDefaultDevice(dev)

	return &Central{dev: dev, connectTimeout: connectTimeout, logger: logger}, nil
}

// Scan reports every advertisement (duplicates included, so RSSI and names stay fresh)
// until ctx is done.
func (c *Central) Scan(ctx context.Context, handler func(device.Advertisement)) error {
	err := c.dev.Scan(ctx, true, func(adv ble.Advertisement) {
		handler(NewBLEAdvertisement(adv))
	})
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return NormalizeError(err)
}

// Connect dials address and discovers its profile.
func (c *Central) Connect(ctx context.Context, address string) (device.Link, error) {
	if strings.TrimSpace(address) == "" {
		return nil, fmt.Errorf("device address is empty")
	}

	l := newLink(c.dev, address, c.connectTimeout, c.logger)
	if err := l.dial(ctx); err != nil {
		return nil, err
	}
	return l, nil
}

// Stop releases the platform device.
func (c *Central) Stop() error {
	return NormalizeError(c.dev.Stop())
}
