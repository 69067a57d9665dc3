package goble

import (
	"context"
	"errors"
	"sync"

	"github.com/go-ble/ble"
)

// fakeClient implements the subset of ble.Client the adapter calls.
type fakeClient struct {
	ble.Client

	profile      *ble.Profile
	disconnected chan struct{}

	mu           sync.Mutex
	writes       [][]byte
	noRsp        []bool
	handlers     map[string]ble.NotificationHandler
	unsubscribed []string
	discoveries  int
	cancelled    bool
	subscribeErr error
}

func newFakeClient(profile *ble.Profile) *fakeClient {
	return &fakeClient{
		profile:      profile,
		disconnected: make(chan struct{}),
		handlers:     make(map[string]ble.NotificationHandler),
	}
}

func (c *fakeClient) DiscoverProfile(bool) (*ble.Profile, error) { return c.profile, nil }

func (c *fakeClient) DiscoverServices([]ble.UUID) ([]*ble.Service, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.discoveries++
	return c.profile.Services, nil
}

func (c *fakeClient) WriteCharacteristic(char *ble.Characteristic, v []byte, noRsp bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes = append(c.writes, append([]byte(nil), v...))
	c.noRsp = append(c.noRsp, noRsp)
	return nil
}

func (c *fakeClient) Subscribe(char *ble.Characteristic, _ bool, h ble.NotificationHandler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.subscribeErr != nil {
		return c.subscribeErr
	}
	c.handlers[char.UUID.String()] = h
	return nil
}

func (c *fakeClient) Unsubscribe(char *ble.Characteristic, _ bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unsubscribed = append(c.unsubscribed, char.UUID.String())
	delete(c.handlers, char.UUID.String())
	return nil
}

func (c *fakeClient) ClearSubscriptions() error { return nil }

func (c *fakeClient) CancelConnection() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelled = true
	return nil
}

func (c *fakeClient) Disconnected() <-chan struct{} { return c.disconnected }

func (c *fakeClient) notify(char ble.UUID, data []byte) bool {
	c.mu.Lock()
	h := c.handlers[char.String()]
	c.mu.Unlock()
	if h == nil {
		return false
	}
	h(data)
	return true
}

// fakeDevice hands out queued clients on Dial.
type fakeDevice struct {
	ble.Device

	mu      sync.Mutex
	clients []*fakeClient
	dials   int
	adverts []ble.Advertisement
}

func (d *fakeDevice) Dial(ctx context.Context, _ ble.Addr) (ble.Client, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if len(d.clients) == 0 {
		return nil, errors.New("device not connected")
	}
	c := d.clients[0]
	d.clients = d.clients[1:]
	return c, nil
}

func (d *fakeDevice) Scan(ctx context.Context, _ bool, h ble.AdvHandler) error {
	for _, a := range d.adverts {
		h(a)
	}
	<-ctx.Done()
	return ctx.Err()
}

func (d *fakeDevice) Stop() error { return nil }

// fakeAdvertisement implements the subset of ble.Advertisement the adapter reads.
type fakeAdvertisement struct {
	ble.Advertisement

	name     string
	addr     string
	rssi     int
	services []ble.UUID
}

func (a *fakeAdvertisement) LocalName() string    { return a.name }
func (a *fakeAdvertisement) Addr() ble.Addr       { return ble.NewAddr(a.addr) }
func (a *fakeAdvertisement) RSSI() int            { return a.rssi }
func (a *fakeAdvertisement) Connectable() bool    { return true }
func (a *fakeAdvertisement) Services() []ble.UUID { return a.services }
