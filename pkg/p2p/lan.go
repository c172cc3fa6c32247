package p2p

import (
	"context"
	"errors"
	"net"
	"strconv"
	"sync"
	"time"

	"golang.org/x/net/ipv4"

	"github.com/0xphantomotr/snakelink/pkg/types"
)

var errTransportClosed = errors.New("transport closed")

// LANTransport finds peers with UDP multicast beacons (or static seeds) and carries
// snapshot frames over one TCP link per peer. The dialing side is the central, the
// accepting side the peripheral.
type LANTransport struct {
	cfg    Config
	dialer *Dialer

	mu          sync.RWMutex
	initialized bool
	closed      bool
	listener    net.Listener
	mconn       *net.UDPConn
	group       *net.UDPAddr
	seeds       []seed
	addrs       map[string]string
	links       map[string]*link
	inbound     map[string]*link
	waiters     map[string]chan *link
	onFound     DiscoveryFunc
	stopBeacon  chan struct{}
}

func NewLANTransport(cfg Config) *LANTransport {
	cfg = cfg.withDefaults()
	return &LANTransport{
		cfg:     cfg,
		dialer:  &Dialer{cfg: cfg},
		addrs:   make(map[string]string),
		links:   make(map[string]*link),
		inbound: make(map[string]*link),
		waiters: make(map[string]chan *link),
	}
}

func (t *LANTransport) Initialize(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.initialized {
		return nil
	}
	if t.closed {
		return newError("initialize", "", ErrUnavailable, errTransportClosed)
	}
	if t.cfg.DeviceID == "" {
		return newError("initialize", "", ErrUnavailable, errors.New("missing device id"))
	}

	for _, entry := range t.cfg.Seeds {
		s, err := parseSeed(entry)
		if err != nil {
			return newError("initialize", "", ErrUnavailable, err)
		}
		t.seeds = append(t.seeds, s)
		t.addrs[s.ID] = s.Addr
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", t.cfg.ListenAddr)
	if err != nil {
		return newError("initialize", "", listenKind(err), err)
	}

	if t.cfg.DiscoveryGroup != "" {
		mconn, group, err := joinGroup(t.cfg.DiscoveryGroup)
		if err != nil {
			ln.Close()
			return newError("initialize", "", listenKind(err), err)
		}
		t.mconn, t.group = mconn, group
		go t.beaconReadLoop(mconn)
	}

	t.listener = ln
	t.initialized = true
	go t.acceptLoop(ln)

	log.Infof("LAN transport ready on %s as %s", ln.Addr(), t.cfg.DeviceID)
	return nil
}

// listenKind keeps permission failures distinct; every other local setup failure means the radio is unusable.
func listenKind(err error) error {
	if classify(err) == ErrPermissionDenied {
		return ErrPermissionDenied
	}
	return ErrUnavailable
}

func joinGroup(addr string) (*net.UDPConn, *net.UDPAddr, error) {
	group, err := net.ResolveUDPAddr("udp4", addr)
	if err != nil {
		return nil, nil, err
	}
	conn, err := net.ListenMulticastUDP("udp4", nil, group)
	if err != nil {
		return nil, nil, err
	}
	p := ipv4.NewPacketConn(conn)
	if err := p.SetMulticastLoopback(true); err != nil {
		conn.Close()
		return nil, nil, err
	}
	// Beacons stay on the local segment.
	if err := p.SetMulticastTTL(1); err != nil {
		conn.Close()
		return nil, nil, err
	}
	return conn, group, nil
}

// Addr returns the TCP listen address, or nil before Initialize.
func (t *LANTransport) Addr() net.Addr {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.listener == nil {
		return nil
	}
	return t.listener.Addr()
}

func (t *LANTransport) StartDiscovery(onFound DiscoveryFunc) error {
	t.mu.Lock()
	if !t.initialized || t.closed {
		t.mu.Unlock()
		return newError("discover", "", ErrUnavailable, errors.New("transport not initialized"))
	}
	t.onFound = onFound
	if t.stopBeacon != nil {
		t.mu.Unlock()
		return nil
	}
	stop := make(chan struct{})
	t.stopBeacon = stop
	t.mu.Unlock()

	go t.beaconLoop(stop)
	return nil
}

// Discovering reports whether beacons are being sent and sightings reported.
func (t *LANTransport) Discovering() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.stopBeacon != nil
}

// Connected reports whether a live link to peerID exists.
func (t *LANTransport) Connected(peerID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.links[peerID]
	return ok
}

func (t *LANTransport) StopDiscovery() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onFound = nil
	if t.stopBeacon != nil {
		close(t.stopBeacon)
		t.stopBeacon = nil
	}
}

func (t *LANTransport) beaconLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(t.cfg.BeaconInterval)
	defer ticker.Stop()

	for {
		t.announce()
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
	}
}

// announce sends one beacon and reports the static seeds again.
func (t *LANTransport) announce() {
	t.mu.RLock()
	mconn, group, ln, onFound, seeds := t.mconn, t.group, t.listener, t.onFound, t.seeds
	t.mu.RUnlock()

	if mconn != nil && ln != nil {
		port := ln.Addr().(*net.TCPAddr).Port
		msg := encodeBeacon(beacon{ID: t.cfg.DeviceID, Port: port, Name: t.cfg.DisplayName})
		if _, err := mconn.WriteToUDP(msg, group); err != nil {
			log.Debugf("beacon send: %v", err)
		}
	}

	if onFound == nil {
		return
	}
	now := time.Now()
	for _, s := range seeds {
		onFound(types.PeerDevice{ID: s.ID, DisplayName: s.ID, LastSeenAt: now})
	}
}

func (t *LANTransport) beaconReadLoop(conn *net.UDPConn) {
	buf := make([]byte, 512)
	for {
		n, src, err := conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.Debugf("beacon read: %v", err)
			continue
		}
		b, ok := parseBeacon(buf[:n])
		if !ok || b.ID == t.cfg.DeviceID {
			continue
		}
		addr := net.JoinHostPort(src.IP.String(), strconv.Itoa(b.Port))

		t.mu.Lock()
		t.addrs[b.ID] = addr
		onFound := t.onFound
		t.mu.Unlock()

		if onFound != nil {
			onFound(types.PeerDevice{ID: b.ID, DisplayName: b.Name, LastSeenAt: time.Now()})
		}
	}
}

func (t *LANTransport) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			log.Errorf("accept: %v", err)
			return
		}
		go t.handleInbound(conn)
	}
}

func (t *LANTransport) handleInbound(conn net.Conn) {
	_ = conn.SetReadDeadline(time.Now().Add(t.cfg.HandshakeTimeout))
	env, err := ReadEnvelope(conn)
	if err != nil || env.Type != MessageTypeHello || len(env.Payload) == 0 {
		log.Debugf("rejecting %s: bad hello", conn.RemoteAddr())
		conn.Close()
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	peerID := string(env.Payload)
	l := newLink(peerID, conn, t.cfg, t.forget)

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		conn.Close()
		return
	}
	var old *link
	w, waiting := t.waiters[peerID]
	if waiting {
		delete(t.waiters, peerID)
		old = t.links[peerID]
		t.links[peerID] = l
	} else {
		old = t.inbound[peerID]
		t.inbound[peerID] = l
	}
	t.mu.Unlock()

	if old != nil {
		old.Close()
	}
	l.start()
	if waiting {
		w <- l
	}
	log.Debugf("inbound link from %s", peerID)
}

// forget drops l from the tables once it closes.
func (t *LANTransport) forget(l *link) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.links[l.peerID] == l {
		delete(t.links, l.peerID)
	}
	if t.inbound[l.peerID] == l {
		delete(t.inbound, l.peerID)
	}
}

func (t *LANTransport) Connect(ctx context.Context, peerID string) (Connection, error) {
	t.mu.RLock()
	ready := t.initialized && !t.closed
	addr, known := t.addrs[peerID]
	t.mu.RUnlock()

	if !ready {
		return nil, newError("connect", peerID, ErrUnavailable, errors.New("transport not initialized"))
	}
	if !known {
		return nil, newError("connect", peerID, ErrUnreachable, errors.New("no known address"))
	}

	conn, err := t.dialer.DialContext(ctx, addr)
	if err != nil {
		return nil, newError("connect", peerID, classify(err), err)
	}
	deadline := time.Now().Add(t.cfg.HandshakeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetWriteDeadline(deadline)
	if err := WriteEnvelope(conn, NewEnvelope(MessageTypeHello, []byte(t.cfg.DeviceID))); err != nil {
		conn.Close()
		return nil, newError("connect", peerID, classify(err), err)
	}
	_ = conn.SetWriteDeadline(time.Time{})

	l := newLink(peerID, conn, t.cfg, t.forget)
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		conn.Close()
		return nil, newError("connect", peerID, ErrUnavailable, errTransportClosed)
	}
	old := t.links[peerID]
	t.links[peerID] = l
	t.mu.Unlock()

	if old != nil {
		old.Close()
	}
	l.start()
	log.Debugf("connected to %s at %s", peerID, addr)
	return l, nil
}

// Accept waits for peerID to dial in, or claims a link it already opened.
func (t *LANTransport) Accept(ctx context.Context, peerID string) (Connection, error) {
	t.mu.Lock()
	if !t.initialized || t.closed {
		t.mu.Unlock()
		return nil, newError("accept", peerID, ErrUnavailable, errors.New("transport not initialized"))
	}
	if l, ok := t.inbound[peerID]; ok {
		delete(t.inbound, peerID)
		old := t.links[peerID]
		t.links[peerID] = l
		t.mu.Unlock()
		if old != nil {
			old.Close()
		}
		return l, nil
	}
	w := make(chan *link, 1)
	t.waiters[peerID] = w
	t.mu.Unlock()

	select {
	case l, ok := <-w:
		if !ok {
			return nil, newError("accept", peerID, ErrUnavailable, errTransportClosed)
		}
		return l, nil
	case <-ctx.Done():
		t.mu.Lock()
		if t.waiters[peerID] == w {
			delete(t.waiters, peerID)
			t.mu.Unlock()
			return nil, newError("accept", peerID, ErrTimeout, ctx.Err())
		}
		t.mu.Unlock()
		// Delivered concurrently with the deadline.
		l, ok := <-w
		if !ok {
			return nil, newError("accept", peerID, ErrUnavailable, errTransportClosed)
		}
		return l, nil
	}
}

func (t *LANTransport) Disconnect(peerID string) {
	t.mu.Lock()
	active := t.links[peerID]
	pending := t.inbound[peerID]
	delete(t.links, peerID)
	delete(t.inbound, peerID)
	t.mu.Unlock()

	for _, l := range []*link{active, pending} {
		if l != nil {
			l.Close()
		}
	}
}

func (t *LANTransport) Send(peerID string, data []byte) error {
	t.mu.RLock()
	l := t.links[peerID]
	t.mu.RUnlock()
	if l == nil {
		return newError("send", peerID, ErrUnreachable, errors.New("not connected"))
	}
	return l.send(data)
}

func (t *LANTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.onFound = nil
	if t.stopBeacon != nil {
		close(t.stopBeacon)
		t.stopBeacon = nil
	}
	ln, mconn := t.listener, t.mconn
	open := make([]*link, 0, len(t.links)+len(t.inbound))
	for _, l := range t.links {
		open = append(open, l)
	}
	for _, l := range t.inbound {
		open = append(open, l)
	}
	t.links = make(map[string]*link)
	t.inbound = make(map[string]*link)
	for id, w := range t.waiters {
		close(w)
		delete(t.waiters, id)
	}
	t.mu.Unlock()

	if ln != nil {
		ln.Close()
	}
	if mconn != nil {
		mconn.Close()
	}
	for _, l := range open {
		l.Close()
	}
	return nil
}
