package manager

import (
	"github.com/srg/musebridge/internal/device"
)

// EventType classifies a registry change.
type EventType int

const (
	EventAdded EventType = iota
	EventUpdated
	EventOnline
	EventOffline
	EventStreamingStarted
	EventStreamingStopped
	EventRemoved
)

func (t EventType) String() string {
	switch t {
	case EventAdded:
		return "added"
	case EventUpdated:
		return "updated"
	case EventOnline:
		return "online"
	case EventOffline:
		return "offline"
	case EventStreamingStarted:
		return "streaming started"
	case EventStreamingStopped:
		return "streaming stopped"
	case EventRemoved:
		return "removed"
	}
	return "unknown"
}

// DeviceEvent carries a snapshot of the device taken right after the change.
type DeviceEvent struct {
	Type   EventType
	Device DeviceInfo
}

// DeviceInfo is a read-only view of a registered device.
type DeviceInfo struct {
	ID        string
	Address   string
	Name      string
	Variant   string
	RSSI      int
	Status    device.ConnectionStatus
	Streaming bool
	Labels    []string
}
