package manager

import (
	"strings"
	"sync"
	"sync/atomic"

	"github.com/srg/musebridge/internal/assembler"
	"github.com/srg/musebridge/internal/device"
	"github.com/srg/musebridge/internal/muse"
)

// managedDevice is one registry entry. mu guards the connection status, the
// streaming flag and the per-stream resources. Notification handlers never
// take mu; they only read live and the assembler, which has its own lock.
type managedDevice struct {
	id      string
	address string
	variant muse.Variant

	mu         sync.Mutex
	name       string
	rssi       int
	link       device.Link
	status     device.ConnectionStatus
	streaming  bool
	streamName string
	subs       []device.Subscription
	asm        *assembler.Assembler

	live       atomic.Bool // notifications are accepted
	connecting atomic.Bool
}

func newManagedDevice(adv device.Advertisement, variant muse.Variant) *managedDevice {
	return &managedDevice{
		id:      deviceID(adv.Addr()),
		address: adv.Addr(),
		variant: variant,
		name:    adv.LocalName(),
		rssi:    adv.RSSI(),
		status:  device.Offline,
	}
}

func deviceID(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}

// matches reports whether key names this device by id, address or name.
func (d *managedDevice) matches(key string) bool {
	key = strings.TrimSpace(key)
	if key == "" {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return strings.EqualFold(key, d.id) || strings.EqualFold(key, d.address) || strings.EqualFold(key, d.name)
}

// infoLocked snapshots the device. Callers hold d.mu.
func (d *managedDevice) infoLocked() DeviceInfo {
	return DeviceInfo{
		ID:        d.id,
		Address:   d.address,
		Name:      d.name,
		Variant:   d.variant.Name,
		RSSI:      d.rssi,
		Status:    d.status,
		Streaming: d.streaming,
		Labels:    d.variant.Labels(),
	}
}

func (d *managedDevice) info() DeviceInfo {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.infoLocked()
}

func (d *managedDevice) isStreaming() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.streaming
}

func (d *managedDevice) isOnline() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status == device.Online
}
