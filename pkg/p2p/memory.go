package p2p

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/0xphantomotr/snakelink/pkg/types"
)

// MemoryNetwork is an in-process medium shared by MemoryTransports. Every
// initialized member is visible to every other member's discovery.
type MemoryNetwork struct {
	mu       sync.Mutex
	nodes    map[string]*MemoryTransport
	interval time.Duration
}

func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{
		nodes:    make(map[string]*MemoryTransport),
		interval: 20 * time.Millisecond,
	}
}

// SetDiscoveryInterval changes how often scanning members re-report what they see.
func (n *MemoryNetwork) SetDiscoveryInterval(d time.Duration) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.interval = d
}

func (n *MemoryNetwork) Join(id, name string) *MemoryTransport {
	t := &MemoryTransport{
		network:   n,
		id:        id,
		name:      name,
		inboxSize: 32,
		links:     make(map[string]*memConn),
		inbound:   make(map[string]*memConn),
		waiters:   make(map[string]chan *memConn),
	}
	n.mu.Lock()
	n.nodes[id] = t
	n.mu.Unlock()
	return t
}

func (n *MemoryNetwork) lookup(id string) *MemoryTransport {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.nodes[id]
}

func (n *MemoryNetwork) visible(except string) []types.PeerDevice {
	n.mu.Lock()
	nodes := make([]*MemoryTransport, 0, len(n.nodes))
	for id, t := range n.nodes {
		if id != except {
			nodes = append(nodes, t)
		}
	}
	n.mu.Unlock()

	now := time.Now()
	out := make([]types.PeerDevice, 0, len(nodes))
	for _, t := range nodes {
		if t.reachable() {
			out = append(out, types.PeerDevice{ID: t.id, DisplayName: t.name, LastSeenAt: now})
		}
	}
	return out
}

func (n *MemoryNetwork) leave(id string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.nodes, id)
}

func (n *MemoryNetwork) discoveryInterval() time.Duration {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.interval
}

// MemoryTransport implements Transport and Acceptor in process, with switches
// for the failures a real radio produces.
type MemoryTransport struct {
	network   *MemoryNetwork
	id        string
	name      string
	inboxSize int

	mu               sync.Mutex
	initialized      bool
	closed           bool
	unavailable      bool
	permissionDenied bool
	hangConnect      bool
	failConnect      error
	onFound          DiscoveryFunc
	stopScan         chan struct{}
	links            map[string]*memConn
	inbound          map[string]*memConn
	waiters          map[string]chan *memConn
}

func (t *MemoryTransport) ID() string { return t.id }

// SetUnavailable makes Initialize and Connect fail with ErrUnavailable and hides the node.
func (t *MemoryTransport) SetUnavailable(v bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.unavailable = v
}

func (t *MemoryTransport) SetPermissionDenied(v bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.permissionDenied = v
}

// SetHangConnect makes Connect block until its context ends.
func (t *MemoryTransport) SetHangConnect(v bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.hangConnect = v
}

// FailConnect makes Connect fail with the given taxonomy kind. Nil restores normal behavior.
func (t *MemoryTransport) FailConnect(kind error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failConnect = kind
}

// DropLink breaks the link to peerID as if the radio lost it. A nil kind simulates a clean remote close.
func (t *MemoryTransport) DropLink(peerID string, kind error) {
	t.mu.Lock()
	c := t.links[peerID]
	if c == nil {
		c = t.inbound[peerID]
	}
	t.mu.Unlock()
	if c == nil {
		return
	}
	var err error
	if kind != nil {
		err = newError("link", peerID, kind, nil)
	}
	c.pipe.close(err)
}

// Connected reports whether a live link to peerID exists.
func (t *MemoryTransport) Connected(peerID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.links[peerID]
	return ok
}

// Discovering reports whether a scan is running.
func (t *MemoryTransport) Discovering() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopScan != nil
}

func (t *MemoryTransport) reachable() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.initialized && !t.closed && !t.unavailable
}

func (t *MemoryTransport) Initialize(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch {
	case t.closed:
		return newError("initialize", "", ErrUnavailable, errTransportClosed)
	case t.permissionDenied:
		return newError("initialize", "", ErrPermissionDenied, nil)
	case t.unavailable:
		return newError("initialize", "", ErrUnavailable, nil)
	}
	t.initialized = true
	return nil
}

func (t *MemoryTransport) StartDiscovery(onFound DiscoveryFunc) error {
	t.mu.Lock()
	if !t.initialized || t.closed || t.unavailable {
		t.mu.Unlock()
		return newError("discover", "", ErrUnavailable, nil)
	}
	t.onFound = onFound
	if t.stopScan != nil {
		t.mu.Unlock()
		return nil
	}
	stop := make(chan struct{})
	t.stopScan = stop
	t.mu.Unlock()

	go t.scanLoop(stop)
	return nil
}

func (t *MemoryTransport) scanLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(t.network.discoveryInterval())
	defer ticker.Stop()
	for {
		t.mu.Lock()
		onFound := t.onFound
		t.mu.Unlock()
		if onFound != nil {
			for _, dev := range t.network.visible(t.id) {
				onFound(dev)
			}
		}
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
	}
}

func (t *MemoryTransport) StopDiscovery() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onFound = nil
	if t.stopScan != nil {
		close(t.stopScan)
		t.stopScan = nil
	}
}

func (t *MemoryTransport) Connect(ctx context.Context, peerID string) (Connection, error) {
	t.mu.Lock()
	ready := t.initialized && !t.closed
	unavailable, denied := t.unavailable, t.permissionDenied
	hang, fail := t.hangConnect, t.failConnect
	t.mu.Unlock()

	switch {
	case !ready || unavailable:
		return nil, newError("connect", peerID, ErrUnavailable, nil)
	case denied:
		return nil, newError("connect", peerID, ErrPermissionDenied, nil)
	case fail != nil:
		return nil, newError("connect", peerID, fail, nil)
	case hang:
		<-ctx.Done()
		return nil, newError("connect", peerID, ErrTimeout, ctx.Err())
	}

	remote := t.network.lookup(peerID)
	if remote == nil || !remote.reachable() {
		return nil, newError("connect", peerID, ErrUnreachable, nil)
	}

	local, far := newMemPipe(t, remote)
	t.adopt(local)
	remote.deliver(far)
	return local, nil
}

// adopt installs c as the live link, closing whatever it replaces.
func (t *MemoryTransport) adopt(c *memConn) {
	t.mu.Lock()
	old := t.links[c.peerID]
	t.links[c.peerID] = c
	t.mu.Unlock()
	if old != nil && old != c {
		old.Close()
	}
}

func (t *MemoryTransport) deliver(c *memConn) {
	t.mu.Lock()
	var old *memConn
	w, waiting := t.waiters[c.peerID]
	if waiting {
		delete(t.waiters, c.peerID)
		old = t.links[c.peerID]
		t.links[c.peerID] = c
	} else {
		old = t.inbound[c.peerID]
		t.inbound[c.peerID] = c
	}
	t.mu.Unlock()

	if old != nil {
		old.Close()
	}
	if waiting {
		w <- c
	}
}

func (t *MemoryTransport) forget(c *memConn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.links[c.peerID] == c {
		delete(t.links, c.peerID)
	}
	if t.inbound[c.peerID] == c {
		delete(t.inbound, c.peerID)
	}
}

func (t *MemoryTransport) Accept(ctx context.Context, peerID string) (Connection, error) {
	t.mu.Lock()
	if !t.initialized || t.closed || t.unavailable {
		t.mu.Unlock()
		return nil, newError("accept", peerID, ErrUnavailable, nil)
	}
	if c, ok := t.inbound[peerID]; ok {
		delete(t.inbound, peerID)
		t.mu.Unlock()
		t.adopt(c)
		return c, nil
	}
	w := make(chan *memConn, 1)
	t.waiters[peerID] = w
	t.mu.Unlock()

	select {
	case c, ok := <-w:
		if !ok {
			return nil, newError("accept", peerID, ErrUnavailable, errTransportClosed)
		}
		return c, nil
	case <-ctx.Done():
		t.mu.Lock()
		if t.waiters[peerID] == w {
			delete(t.waiters, peerID)
			t.mu.Unlock()
			return nil, newError("accept", peerID, ErrTimeout, ctx.Err())
		}
		t.mu.Unlock()
		c, ok := <-w
		if !ok {
			return nil, newError("accept", peerID, ErrUnavailable, errTransportClosed)
		}
		return c, nil
	}
}

func (t *MemoryTransport) Disconnect(peerID string) {
	t.mu.Lock()
	active := t.links[peerID]
	pending := t.inbound[peerID]
	delete(t.links, peerID)
	delete(t.inbound, peerID)
	t.mu.Unlock()

	for _, c := range []*memConn{active, pending} {
		if c != nil {
			c.Close()
		}
	}
}

func (t *MemoryTransport) Send(peerID string, data []byte) error {
	t.mu.Lock()
	c := t.links[peerID]
	t.mu.Unlock()
	if c == nil {
		return newError("send", peerID, ErrUnreachable, errors.New("not connected"))
	}
	return c.send(data)
}

func (t *MemoryTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.onFound = nil
	if t.stopScan != nil {
		close(t.stopScan)
		t.stopScan = nil
	}
	open := make([]*memConn, 0, len(t.links)+len(t.inbound))
	for _, c := range t.links {
		open = append(open, c)
	}
	for _, c := range t.inbound {
		open = append(open, c)
	}
	for id, w := range t.waiters {
		close(w)
		delete(t.waiters, id)
	}
	t.mu.Unlock()

	t.network.leave(t.id)
	for _, c := range open {
		c.Close()
	}
	return nil
}

type memPipe struct {
	done chan struct{}
	once sync.Once
	mu   sync.Mutex
	err  error
	ends [2]*memConn
}

func (p *memPipe) close(err error) {
	p.once.Do(func() {
		p.mu.Lock()
		p.err = err
		p.mu.Unlock()
		close(p.done)
		for _, end := range p.ends {
			end.owner.forget(end)
		}
	})
}

// memConn is one end of a pipe. PeerID names the transport at the other end.
type memConn struct {
	owner   *MemoryTransport
	peerID  string
	inbound chan []byte
	pipe    *memPipe
	remote  *memConn
}

func newMemPipe(local, remote *MemoryTransport) (*memConn, *memConn) {
	pipe := &memPipe{done: make(chan struct{})}
	near := &memConn{owner: local, peerID: remote.id, inbound: make(chan []byte, local.inboxSize), pipe: pipe}
	far := &memConn{owner: remote, peerID: local.id, inbound: make(chan []byte, remote.inboxSize), pipe: pipe}
	near.remote, far.remote = far, near
	pipe.ends = [2]*memConn{near, far}
	return near, far
}

func (c *memConn) PeerID() string         { return c.peerID }
func (c *memConn) Inbound() <-chan []byte { return c.inbound }
func (c *memConn) Done() <-chan struct{}  { return c.pipe.done }

func (c *memConn) Err() error {
	c.pipe.mu.Lock()
	defer c.pipe.mu.Unlock()
	return c.pipe.err
}

func (c *memConn) Close() error {
	c.pipe.close(nil)
	return nil
}

func (c *memConn) send(data []byte) error {
	select {
	case <-c.pipe.done:
		return newError("send", c.peerID, ErrUnreachable, errors.New("link closed"))
	default:
	}
	select {
	case c.remote.inbound <- NewEnvelope(MessageTypeData, data).Clone().Payload:
		return nil
	default:
		return newError("send", c.peerID, ErrBufferFull, nil)
	}
}
