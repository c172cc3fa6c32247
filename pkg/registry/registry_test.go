package registry

import (
	"fmt"
	"testing"
	"testing/quick"
	"time"

	"github.com/0xphantomotr/snakelink/pkg/types"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestRegistry() (*Registry, *fakeClock) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	return NewWithClock(clock.Now), clock
}

func TestOnDiscoveredDeduplicates(t *testing.T) {
	reg, clock := newTestRegistry()

	if !reg.OnDiscovered(types.PeerDevice{ID: "a", DisplayName: "Alpha"}) {
		t.Fatal("expected first sighting to be new")
	}
	clock.Advance(time.Second)
	if reg.OnDiscovered(types.PeerDevice{ID: "a", DisplayName: "Alpha"}) {
		t.Fatal("expected second sighting to refresh")
	}

	devices := reg.List()
	if len(devices) != 1 {
		t.Fatalf("expected 1 device, got %d", len(devices))
	}
	if !devices[0].LastSeenAt.Equal(clock.now) {
		t.Fatalf("expected last seen refreshed to %v, got %v", clock.now, devices[0].LastSeenAt)
	}
}

func TestListKeepsFirstSightingOrder(t *testing.T) {
	reg, _ := newTestRegistry()
	for _, id := range []string{"c", "a", "b", "a", "c"} {
		reg.OnDiscovered(types.PeerDevice{ID: id})
	}

	devices := reg.List()
	want := []string{"c", "a", "b"}
	if len(devices) != len(want) {
		t.Fatalf("expected %d devices, got %d", len(want), len(devices))
	}
	for i, id := range want {
		if devices[i].ID != id {
			t.Fatalf("position %d: expected %q, got %q", i, id, devices[i].ID)
		}
	}
}

func TestOnDiscoveredIgnoresEmptyID(t *testing.T) {
	reg, _ := newTestRegistry()
	if reg.OnDiscovered(types.PeerDevice{DisplayName: "ghost"}) {
		t.Fatal("expected empty id to be rejected")
	}
	if reg.Len() != 0 {
		t.Fatalf("expected empty registry, got %d", reg.Len())
	}
}

func TestNoDuplicateIDsProperty(t *testing.T) {
	check := func(ids []uint8) bool {
		reg, _ := newTestRegistry()
		for _, id := range ids {
			reg.OnDiscovered(types.PeerDevice{ID: fmt.Sprintf("dev-%d", id%8)})
		}
		seen := make(map[string]bool)
		for _, dev := range reg.List() {
			if seen[dev.ID] {
				return false
			}
			seen[dev.ID] = true
		}
		return len(seen) == reg.Len()
	}
	if err := quick.Check(check, nil); err != nil {
		t.Fatal(err)
	}
}

func TestExpireOlderThan(t *testing.T) {
	reg, clock := newTestRegistry()
	reg.OnDiscovered(types.PeerDevice{ID: "old"})
	clock.Advance(10 * time.Second)
	reg.OnDiscovered(types.PeerDevice{ID: "fresh"})
	clock.Advance(2 * time.Second)

	removed := reg.ExpireOlderThan(5 * time.Second)
	if removed != 1 {
		t.Fatalf("expected 1 removal, got %d", removed)
	}
	if _, ok := reg.Get("old"); ok {
		t.Fatal("expected stale device removed")
	}
	devices := reg.List()
	if len(devices) != 1 || devices[0].ID != "fresh" {
		t.Fatalf("unexpected devices %#v", devices)
	}

	// Expired ids count as new again.
	if !reg.OnDiscovered(types.PeerDevice{ID: "old"}) {
		t.Fatal("expected re-sighting after expiry to be new")
	}
}

func TestClear(t *testing.T) {
	reg, _ := newTestRegistry()
	reg.OnDiscovered(types.PeerDevice{ID: "a"})
	reg.OnDiscovered(types.PeerDevice{ID: "b"})
	reg.Clear()
	if reg.Len() != 0 || len(reg.List()) != 0 {
		t.Fatal("expected empty registry after clear")
	}
}
