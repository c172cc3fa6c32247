package p2p

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/0xphantomotr/snakelink/pkg/types"
)

func joinMemory(t *testing.T, n *MemoryNetwork, id string) *MemoryTransport {
	t.Helper()
	tr := n.Join(id, "name-"+id)
	if err := tr.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize %s: %v", id, err)
	}
	t.Cleanup(func() { tr.Close() })
	return tr
}

func TestMemoryDiscoveryReportsOthers(t *testing.T) {
	n := NewMemoryNetwork()
	a := joinMemory(t, n, "a")
	joinMemory(t, n, "b")

	found := make(chan types.PeerDevice, 16)
	if err := a.StartDiscovery(func(d types.PeerDevice) {
		select {
		case found <- d:
		default:
		}
	}); err != nil {
		t.Fatalf("start discovery: %v", err)
	}
	defer a.StopDiscovery()

	seen := 0
	deadline := time.After(time.Second)
	for seen < 2 {
		select {
		case d := <-found:
			if d.ID != "b" || d.DisplayName != "name-b" {
				t.Fatalf("unexpected device %+v", d)
			}
			seen++
		case <-deadline:
			t.Fatalf("expected repeated sightings, got %d", seen)
		}
	}
}

func TestMemoryConnectAndSend(t *testing.T) {
	n := NewMemoryNetwork()
	a := joinMemory(t, n, "a")
	b := joinMemory(t, n, "b")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	out, err := a.Connect(ctx, "b")
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	in, err := b.Accept(ctx, "a")
	if err != nil {
		t.Fatalf("accept: %v", err)
	}

	if err := a.Send("b", []byte("hi")); err != nil {
		t.Fatalf("send: %v", err)
	}
	if got := receive(t, in); string(got) != "hi" {
		t.Fatalf("unexpected frame %q", got)
	}
	if err := b.Send("a", []byte("yo")); err != nil {
		t.Fatalf("send back: %v", err)
	}
	if got := receive(t, out); string(got) != "yo" {
		t.Fatalf("unexpected frame %q", got)
	}
}

func TestMemoryAcceptWaitsForDial(t *testing.T) {
	n := NewMemoryNetwork()
	a := joinMemory(t, n, "a")
	b := joinMemory(t, n, "b")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	accepted := make(chan error, 1)
	go func() {
		_, err := b.Accept(ctx, "a")
		accepted <- err
	}()
	time.Sleep(10 * time.Millisecond)
	if _, err := a.Connect(ctx, "b"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := <-accepted; err != nil {
		t.Fatalf("accept: %v", err)
	}
	if !b.Connected("a") {
		t.Fatal("expected accepted link to be live")
	}
}

func TestMemoryFaults(t *testing.T) {
	n := NewMemoryNetwork()
	a := joinMemory(t, n, "a")
	b := joinMemory(t, n, "b")
	ctx := context.Background()

	if _, err := a.Connect(ctx, "ghost"); !errors.Is(err, ErrUnreachable) {
		t.Fatalf("expected unreachable, got %v", err)
	}

	a.FailConnect(ErrTimeout)
	if _, err := a.Connect(ctx, "b"); !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected injected timeout, got %v", err)
	}
	a.FailConnect(nil)

	a.SetHangConnect(true)
	hangCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if _, err := a.Connect(hangCtx, "b"); !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected hang to time out, got %v", err)
	}
	a.SetHangConnect(false)

	b.SetUnavailable(true)
	if _, err := a.Connect(ctx, "b"); !errors.Is(err, ErrUnreachable) {
		t.Fatalf("expected hidden peer to be unreachable, got %v", err)
	}
	b.SetUnavailable(false)

	c := n.Join("c", "c")
	c.SetPermissionDenied(true)
	if err := c.Initialize(ctx); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("expected permission denied, got %v", err)
	}
}

func TestMemoryDropLinkReportsKind(t *testing.T) {
	n := NewMemoryNetwork()
	a := joinMemory(t, n, "a")
	b := joinMemory(t, n, "b")

	out, err := a.Connect(context.Background(), "b")
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	b.DropLink("a", ErrUnreachable)

	select {
	case <-out.Done():
	case <-time.After(time.Second):
		t.Fatal("drop not observed")
	}
	if !errors.Is(out.Err(), ErrUnreachable) {
		t.Fatalf("expected unreachable link error, got %v", out.Err())
	}
	if a.Connected("b") {
		t.Fatal("expected dropped link to be forgotten")
	}
}

func TestMemorySendBufferFull(t *testing.T) {
	n := NewMemoryNetwork()
	a := joinMemory(t, n, "a")
	joinMemory(t, n, "b")

	if _, err := a.Connect(context.Background(), "b"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	var err error
	for i := 0; i < 64 && err == nil; i++ {
		err = a.Send("b", []byte{byte(i)})
	}
	if !errors.Is(err, ErrBufferFull) {
		t.Fatalf("expected buffer full, got %v", err)
	}
}

func TestMemoryStopAndDisconnectAreIdempotent(t *testing.T) {
	noop := func(types.PeerDevice) {}
	cases := []struct {
		name  string
		setup func(t *testing.T, n *MemoryNetwork) *MemoryTransport
	}{
		{"before initialize", func(t *testing.T, n *MemoryNetwork) *MemoryTransport {
			tr := n.Join("a", "name-a")
			t.Cleanup(func() { tr.Close() })
			return tr
		}},
		{"mid scan", func(t *testing.T, n *MemoryNetwork) *MemoryTransport {
			tr := joinMemory(t, n, "a")
			if err := tr.StartDiscovery(noop); err != nil {
				t.Fatalf("start discovery: %v", err)
			}
			return tr
		}},
		{"connected", func(t *testing.T, n *MemoryNetwork) *MemoryTransport {
			tr := joinMemory(t, n, "a")
			joinMemory(t, n, "b")
			if _, err := tr.Connect(context.Background(), "b"); err != nil {
				t.Fatalf("connect: %v", err)
			}
			if err := tr.StartDiscovery(noop); err != nil {
				t.Fatalf("start discovery: %v", err)
			}
			return tr
		}},
		{"after close", func(t *testing.T, n *MemoryNetwork) *MemoryTransport {
			tr := joinMemory(t, n, "a")
			if err := tr.StartDiscovery(noop); err != nil {
				t.Fatalf("start discovery: %v", err)
			}
			tr.Close()
			return tr
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tr := tc.setup(t, NewMemoryNetwork())
			for round := 0; round < 2; round++ {
				tr.StopDiscovery()
				tr.StopDiscovery()
				tr.Disconnect("b")
				tr.Disconnect("b")
				if tr.Discovering() {
					t.Fatalf("round %d: discovery still running", round)
				}
				if tr.Connected("b") {
					t.Fatalf("round %d: link to b still open", round)
				}
				if err := tr.Send("b", []byte("x")); !errors.Is(err, ErrUnreachable) {
					t.Fatalf("round %d: expected unreachable, got %v", round, err)
				}
			}
		})
	}
}

func TestMemoryStopBeforeInitializeLeavesTransportUsable(t *testing.T) {
	n := NewMemoryNetwork()
	tr := n.Join("a", "name-a")
	defer tr.Close()

	tr.StopDiscovery()
	tr.Disconnect("b")
	if err := tr.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize after stop: %v", err)
	}
	if err := tr.StartDiscovery(func(types.PeerDevice) {}); err != nil {
		t.Fatalf("start discovery: %v", err)
	}
	if !tr.Discovering() {
		t.Fatal("expected discovery running")
	}
}
