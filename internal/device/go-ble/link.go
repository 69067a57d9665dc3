package goble

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/musebridge/internal/device"
	"github.com/srg/musebridge/internal/groutine"
)

// link implements device.Link. Characteristic handles are resolved by UUID on
// every call so they stay valid across a re-dial.
type link struct {
	dev            ble.Device
	address        string
	connectTimeout time.Duration
	logger         *logrus.Logger

	writeMutex sync.Mutex

	mu       sync.RWMutex
	client   ble.Client
	profile  map[string]map[string]*ble.Characteristic // service -> characteristic -> handle
	onStatus func(device.ConnectionStatus)
	closed   bool
	done     chan struct{}
}

func newLink(dev ble.Device, address string, connectTimeout time.Duration, logger *logrus.Logger) *link {
	return &link{
		dev:            dev,
		address:        address,
		connectTimeout: connectTimeout,
		logger:         logger,
		profile:        make(map[string]map[string]*ble.Characteristic),
		done:           make(chan struct{}),
	}
}

func (l *link) Address() string { return l.address }

func (l *link) IsConnected() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.client != nil
}

func (l *link) SetStatusHandler(fn func(device.ConnectionStatus)) {
	l.mu.Lock()
	l.onStatus = fn
	l.mu.Unlock()
}

// dial connects and replaces the discovered profile.
func (l *link) dial(ctx context.Context) error {
	connCtx, cancel := context.WithTimeout(ctx, l.connectTimeout)
	defer cancel()

	l.logger.WithField("address", l.address).Debug("Dialing BLE device...")
	client, err := l.dev.Dial(connCtx, ble.NewAddr(l.address))
	if err != nil {
		l.logger.WithFields(logrus.Fields{
			"address": l.address,
			"error":   err,
		}).Debug("Failed to dial BLE device")
		return fmt.Errorf("failed to connect to device with address %q: %w", l.address, NormalizeError(err))
	}

	bleProfile, err := client.DiscoverProfile(true)
	if err != nil {
		if cancelErr := client.CancelConnection(); cancelErr != nil {
			l.logger.WithField("cancel_error", cancelErr).Warn("Failed to cancel connection during profile discovery failure")
		}
		return fmt.Errorf("failed to discover profile: %w", NormalizeError(err))
	}

	profile := make(map[string]map[string]*ble.Characteristic, len(bleProfile.Services))
	totalChars := 0
	for _, svc := range bleProfile.Services {
		chars := make(map[string]*ble.Characteristic, len(svc.Characteristics))
		for _, c := range svc.Characteristics {
			chars[device.NormalizeUUID(c.UUID.String())] = c
		}
		profile[device.NormalizeUUID(svc.UUID.String())] = chars
		totalChars += len(chars)
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		_ = client.CancelConnection()
		return device.ErrNotConnected
	}
	l.client = client
	l.profile = profile
	l.mu.Unlock()

	groutine.Go(context.Background(), "ble-connection-monitor", func(context.Context) {
		l.monitor(client)
	})

	l.logger.WithFields(logrus.Fields{
		"address":         l.address,
		"services":        len(profile),
		"characteristics": totalChars,
	}).Info("BLE device connected successfully")
	return nil
}

// monitor waits for the platform to report that client went away.
func (l *link) monitor(client ble.Client) {
	select {
	case <-client.Disconnected():
	case <-l.done:
		return
	}

	l.mu.Lock()
	if l.client != client {
		l.mu.Unlock()
		return
	}
	l.client = nil
	handler := l.onStatus
	l.mu.Unlock()

	l.logger.WithField("address", l.address).Warn("BLE link reported disconnection")
	if handler != nil {
		handler(device.Offline)
	}
}

// Probe queries services on a live link, or re-dials a dropped one.
func (l *link) Probe(ctx context.Context) error {
	l.mu.RLock()
	client, closed := l.client, l.closed
	l.mu.RUnlock()

	if closed {
		return device.ErrNotConnected
	}
	if client != nil {
		_, err := client.DiscoverServices(nil)
		return NormalizeError(err)
	}

	if err := l.dial(ctx); err != nil {
		return err
	}

	l.mu.RLock()
	handler := l.onStatus
	l.mu.RUnlock()
	if handler != nil {
		groutine.Go(context.Background(), "ble-link-online", func(context.Context) {
			handler(device.Online)
		})
	}
	return nil
}

func (l *link) Characteristic(service, uuid string) (device.Characteristic, error) {
	svcUUID := device.NormalizeUUID(service)
	charUUID := device.NormalizeUUID(uuid)

	l.mu.RLock()
	defer l.mu.RUnlock()

	chars, ok := l.profile[svcUUID]
	if !ok {
		return nil, &device.NotFoundError{Resource: "service", UUIDs: []string{service}}
	}
	if _, ok := chars[charUUID]; !ok {
		return nil, &device.NotFoundError{Resource: "characteristic", UUIDs: []string{service, uuid}}
	}
	return &characteristic{link: l, service: svcUUID, uuid: charUUID}, nil
}

// handle snapshots the live client and characteristic handle.
func (l *link) handle(service, uuid string) (ble.Client, *ble.Characteristic, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.client == nil {
		return nil, nil, device.ErrNotConnected
	}
	c, ok := l.profile[service][uuid]
	if !ok {
		return nil, nil, &device.NotFoundError{Resource: "characteristic", UUIDs: []string{service, uuid}}
	}
	return l.client, c, nil
}

func (l *link) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	client := l.client
	l.client = nil
	close(l.done)
	l.mu.Unlock()

	if client == nil {
		return nil
	}
	if err := client.ClearSubscriptions(); err != nil {
		l.logger.WithError(err).Debug("Failed to clear subscriptions on close")
	}
	return NormalizeError(client.CancelConnection())
}

// ----------------------------
// Characteristic
// ----------------------------

type characteristic struct {
	link    *link
	service string
	uuid    string
}

func (c *characteristic) UUID() string { return c.uuid }

func (c *characteristic) Write(data []byte, withResponse bool) error {
	client, char, err := c.link.handle(c.service, c.uuid)
	if err != nil {
		return err
	}

	c.link.writeMutex.Lock()
	defer c.link.writeMutex.Unlock()

	if err := client.WriteCharacteristic(char, data, !withResponse); err != nil {
		return fmt.Errorf("failed to write to characteristic %s in service %s: %w", c.uuid, c.service, NormalizeError(err))
	}
	return nil
}

func (c *characteristic) Subscribe(handler func([]byte)) (device.Subscription, error) {
	client, char, err := c.link.handle(c.service, c.uuid)
	if err != nil {
		return nil, err
	}

	if err := client.Subscribe(char, false, handler); err != nil {
		return nil, fmt.Errorf("failed to subscribe to characteristic %s: %w", c.uuid, NormalizeError(err))
	}

	var once sync.Once
	return device.ReleaseFunc(func() error {
		var releaseErr error
		once.Do(func() {
			// A re-dialed link carries no subscriptions from the previous client.
			c.link.mu.RLock()
			current := c.link.client
			c.link.mu.RUnlock()
			if current != client {
				return
			}
			releaseErr = NormalizeError(client.Unsubscribe(char, false))
		})
		return releaseErr
	}), nil
}
