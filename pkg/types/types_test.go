package types

import (
	"encoding/json"
	"testing"
)

func TestStatusStrings(t *testing.T) {
	cases := map[ConnectionStatus]string{
		StatusDisconnected: "disconnected",
		StatusScanning:     "scanning",
		StatusConnecting:   "connecting",
		StatusConnected:    "connected",
		StatusError:        "error",
	}
	for status, want := range cases {
		if got := status.String(); got != want {
			t.Fatalf("expected %q, got %q", want, got)
		}
	}
	if got := ConnectionStatus(42).String(); got != "status(42)" {
		t.Fatalf("unexpected fallback %q", got)
	}
}

func TestRoleMarshalsAsText(t *testing.T) {
	payload, err := json.Marshal(map[string]Role{"role": RoleHost})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(payload) != `{"role":"host"}` {
		t.Fatalf("unexpected payload %s", payload)
	}
}

func TestSnapshotCloneIsDeep(t *testing.T) {
	snap := OpponentSnapshot{
		SequenceNumber: 3,
		SnakeBody:      []Point{{1, 1}, {1, 2}},
		Apple:          &Point{4, 4},
	}
	clone := snap.Clone()
	clone.SnakeBody[0] = Point{9, 9}
	clone.Apple.X = 0

	if snap.SnakeBody[0] != (Point{1, 1}) {
		t.Fatalf("clone shares body storage")
	}
	if snap.Apple.X != 4 {
		t.Fatalf("clone shares apple")
	}
}
