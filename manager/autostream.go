package manager

import (
	"sort"
	"strings"
	"sync"
)

// autoStream decides which devices start streaming on their own once they
// come online.
type autoStream struct {
	mu          sync.Mutex
	streamFirst bool
	pending     map[string]struct{} // lower-cased address or name
}

func newAutoStream() *autoStream {
	return &autoStream{pending: make(map[string]struct{})}
}

func (a *autoStream) setStreamFirst(v bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.streamFirst = v
}

func (a *autoStream) add(keys ...string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, k := range keys {
		if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
			a.pending[k] = struct{}{}
		}
	}
}

func (a *autoStream) snapshot() (streamFirst bool, pending []string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for k := range a.pending {
		pending = append(pending, k)
	}
	sort.Strings(pending)
	return a.streamFirst, pending
}

// claim consumes the policy entry that selects a device, if any. first is
// whether the device heads the registry.
func (a *autoStream) claim(address, name string, first bool) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.streamFirst && first {
		a.streamFirst = false
		return true
	}
	for _, k := range []string{address, name} {
		k = strings.ToLower(strings.TrimSpace(k))
		if _, ok := a.pending[k]; ok && k != "" {
			delete(a.pending, k)
			return true
		}
	}
	return false
}
