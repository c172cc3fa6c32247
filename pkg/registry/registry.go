package registry

import (
	"sync"
	"time"

	"github.com/0xphantomotr/snakelink/pkg/types"
)

type entry struct {
	device types.PeerDevice
}

// Registry is the deduplicated, expiring set of discovered peers.
// Entries are keyed by device id and listed in order of first sighting.
type Registry struct {
	mu      sync.RWMutex
	devices map[string]*entry
	order   []string
	now     func() time.Time
}

func New() *Registry {
	return NewWithClock(time.Now)
}

func NewWithClock(now func() time.Time) *Registry {
	return &Registry{
		devices: make(map[string]*entry),
		now:     now,
	}
}

// OnDiscovered inserts the device or refreshes its last-seen time and display name.
// It reports whether the id was new.
func (r *Registry) OnDiscovered(device types.PeerDevice) bool {
	if device.ID == "" {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if device.LastSeenAt.IsZero() {
		device.LastSeenAt = r.now()
	}
	if e, exists := r.devices[device.ID]; exists {
		if device.LastSeenAt.After(e.device.LastSeenAt) {
			e.device.LastSeenAt = device.LastSeenAt
		}
		if device.DisplayName != "" {
			e.device.DisplayName = device.DisplayName
		}
		return false
	}

	r.devices[device.ID] = &entry{device: device}
	r.order = append(r.order, device.ID)
	return true
}

func (r *Registry) List() []types.PeerDevice {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]types.PeerDevice, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.devices[id].device)
	}
	return out
}

func (r *Registry) Get(id string) (types.PeerDevice, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.devices[id]
	if !ok {
		return types.PeerDevice{}, false
	}
	return e.device, true
}

// ExpireOlderThan drops every device not seen within window and returns how many were removed.
func (r *Registry) ExpireOlderThan(window time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-window)
	kept := r.order[:0]
	removed := 0
	for _, id := range r.order {
		if r.devices[id].device.LastSeenAt.Before(cutoff) {
			delete(r.devices, id)
			removed++
			continue
		}
		kept = append(kept, id)
	}
	r.order = kept
	return removed
}

func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.devices = make(map[string]*entry)
	r.order = nil
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.devices)
}
