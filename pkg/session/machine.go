package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/0xphantomotr/snakelink/pkg/metrics"
	"github.com/0xphantomotr/snakelink/pkg/notify"
	"github.com/0xphantomotr/snakelink/pkg/p2p"
	"github.com/0xphantomotr/snakelink/pkg/registry"
	"github.com/0xphantomotr/snakelink/pkg/types"
)

var (
	ErrUnknownDevice = errors.New("session: unknown device")

	// ErrConnectTimeout is reported when a connect attempt outlives Config.ConnectTimeout.
	ErrConnectTimeout = fmt.Errorf("session: connect deadline passed: %w", p2p.ErrTimeout)
)

type Config struct {
	LocalID string
	// MaxRetries bounds automatic reconnects after a retryable connect failure.
	MaxRetries     int
	ConnectTimeout time.Duration
	// PeerTTL drops devices not seen for this long while scanning. Zero keeps them.
	PeerTTL        time.Duration
	ExpiryInterval time.Duration
	EventBuffer    int
	// ScanWindow ends a scan that has not led to a connection. Zero scans until told otherwise.
	ScanWindow time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.ExpiryInterval <= 0 {
		c.ExpiryInterval = time.Second
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = 64
	}
	return c
}

// Sync is the snapshot replicator driven by the session.
type Sync interface {
	Attach(ctx context.Context, peerID string)
	Detach()
	HandleFrame(data []byte) error
}

// Machine runs Transition on a single goroutine and performs the effects it
// returns. Transport callbacks and connect results reach it only as events.
type Machine struct {
	cfg       Config
	policy    Policy
	transport p2p.Transport
	registry  *registry.Registry
	sync      Sync
	events    chan Event
	done      chan struct{}
	hub       *notify.Hub[State]

	mu    sync.RWMutex
	state State

	// Owned by the event loop.
	ctx           context.Context
	arrived       p2p.Connection
	active        p2p.Connection
	stopPump      chan struct{}
	cancelConnect context.CancelFunc
	scanTimer     *time.Timer
	scanWindow    uint64
	backlog       []Event
}

// New builds a Machine. syncer may be nil when no snapshots are exchanged.
func New(cfg Config, transport p2p.Transport, reg *registry.Registry, syncer Sync) *Machine {
	cfg = cfg.withDefaults()
	m := &Machine{
		cfg:       cfg,
		policy:    Policy{LocalID: cfg.LocalID, MaxRetries: cfg.MaxRetries},
		transport: transport,
		registry:  reg,
		sync:      syncer,
		events:    make(chan Event, cfg.EventBuffer),
		done:      make(chan struct{}),
		hub:       notify.NewHub[State](),
		ctx:       context.Background(),
	}
	m.hub.Publish(m.state)
	return m
}

// Start initializes the transport and processes events until ctx ends.
func (m *Machine) Start(ctx context.Context) error {
	m.ctx = ctx
	defer m.shutdown()

	if err := m.transport.Initialize(ctx); err != nil {
		log.Errorf("transport initialize: %v", err)
		m.apply(EventFatalError{Err: err})
	}

	ticker := time.NewTicker(m.cfg.ExpiryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-m.events:
			m.apply(ev)
		case <-ticker.C:
			m.expire()
		}
	}
}

func (m *Machine) StartScan() { m.post(EventStartScan{}) }

// ChooseDevice asks to connect to a device from the registry.
func (m *Machine) ChooseDevice(id string) error {
	if _, ok := m.registry.Get(id); !ok {
		return fmt.Errorf("%w: %q", ErrUnknownDevice, id)
	}
	m.post(EventPeerChosen{PeerID: id})
	return nil
}

func (m *Machine) Disconnect() { m.post(EventLocalDisconnect{}) }

func (m *Machine) Reset() { m.post(EventReset{}) }

// Fail moves the session to the error state.
func (m *Machine) Fail(err error) { m.post(EventFatalError{Err: err}) }

func (m *Machine) Status() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

func (m *Machine) Devices() []types.PeerDevice {
	return m.registry.List()
}

// Subscribe streams every state change, starting with the current state.
func (m *Machine) Subscribe() (<-chan State, func()) {
	return m.hub.Subscribe()
}

func (m *Machine) post(ev Event) {
	select {
	case m.events <- ev:
	case <-m.done:
	}
}

// offer enqueues ev unless the queue is full.
func (m *Machine) offer(ev Event) bool {
	select {
	case m.events <- ev:
		return true
	default:
		return false
	}
}

func (m *Machine) apply(ev Event) {
	m.backlog = append(m.backlog, ev)
	for len(m.backlog) > 0 {
		next := m.backlog[0]
		m.backlog = m.backlog[1:]
		m.step(next)
	}
}

func (m *Machine) step(ev Event) {
	if e, ok := ev.(EventScanTimeout); ok && e.window != m.scanWindow {
		return
	}

	m.mu.Lock()
	cur := m.state
	next, effects := m.policy.Transition(cur, ev)
	m.state = next
	m.mu.Unlock()

	if e, ok := ev.(EventTransportConnected); ok {
		m.arrived = e.conn
	}
	for _, eff := range effects {
		m.execute(eff)
	}
	m.arrived = nil

	if next == cur {
		return
	}
	m.observe(cur, next)
	m.hub.Publish(next)
}

func (m *Machine) observe(prev, next State) {
	if prev.Status != next.Status {
		log.Infof("session %s -> %s role=%s peer=%q", prev.Status, next.Status, next.Role, next.PeerID)
		metrics.ObserveSessionStatus(next.Status)
	}
	if next.Reason != "" && next.Reason != prev.Reason {
		log.Warnf("session: %s", next.Reason)
	}
	if prev.Status == types.StatusConnecting && next.Status != types.StatusConnected && next.Reason != "" {
		metrics.IncConnectFailures()
	}
	if prev.Status == types.StatusConnected && next.Status != types.StatusConnected && next.Reason != "" {
		metrics.IncLinkDrops()
	}
}

func (m *Machine) execute(eff Effect) {
	switch e := eff.(type) {
	case EffectClearRegistry:
		m.registry.Clear()
		metrics.SetDevicesKnown(0)
	case EffectStartDiscovery:
		if err := m.transport.StartDiscovery(m.onFound); err != nil {
			m.backlog = append(m.backlog, EventFatalError{Err: fmt.Errorf("start discovery: %w", err)})
			return
		}
		m.armScanWindow()
	case EffectStopDiscovery:
		m.stopScanWindow()
		m.transport.StopDiscovery()
	case EffectRecordPeer:
		if m.registry.OnDiscovered(e.Device) {
			log.Debugf("discovered %s (%s)", e.Device.ID, e.Device.DisplayName)
			metrics.SetDevicesKnown(m.registry.Len())
		}
	case EffectConnect:
		m.connect(e)
	case EffectDisconnect:
		m.cancelAttempt()
		m.closeActive()
		m.transport.Disconnect(e.PeerID)
	case EffectDiscardConn:
		if m.arrived != nil {
			log.Debugf("discarding connection from stale attempt %d", e.Attempt)
			m.arrived.Close()
		}
	case EffectAttachSync:
		m.cancelAttempt()
		m.closeActive()
		m.active = m.arrived
		m.stopPump = make(chan struct{})
		go m.pump(m.active, m.Status().Attempt, m.stopPump)
		if m.sync != nil {
			m.sync.Attach(m.ctx, e.PeerID)
		}
	case EffectDetachSync:
		if m.sync != nil {
			m.sync.Detach()
		}
		m.closeActive()
	case EffectApplyFrame:
		if m.sync != nil {
			if err := m.sync.HandleFrame(e.Data); err != nil {
				log.Tracef("frame dropped: %v", err)
			}
		}
	}
}

// armScanWindow restarts the scan deadline. Timeouts from earlier windows are
// dropped in step.
func (m *Machine) armScanWindow() {
	m.stopScanWindow()
	if m.cfg.ScanWindow <= 0 {
		return
	}
	window := m.scanWindow
	m.scanTimer = time.AfterFunc(m.cfg.ScanWindow, func() {
		m.post(EventScanTimeout{window: window})
	})
}

func (m *Machine) stopScanWindow() {
	m.scanWindow++
	if m.scanTimer != nil {
		m.scanTimer.Stop()
		m.scanTimer = nil
	}
}

func (m *Machine) onFound(device types.PeerDevice) {
	m.offer(EventPeerFound{Device: device})
}

// connect opens the link for one attempt off the event loop. The timeout holds
// even when the transport ignores its context.
func (m *Machine) connect(e EffectConnect) {
	m.cancelAttempt()
	ctx, cancel := context.WithTimeout(m.ctx, m.cfg.ConnectTimeout)
	m.cancelConnect = cancel
	metrics.IncConnectAttempts()
	log.Debugf("attempt %d: %s to %s", e.Attempt, verb(e.Role), e.PeerID)

	type result struct {
		conn p2p.Connection
		err  error
	}
	results := make(chan result, 1)
	go func() {
		conn, err := m.open(ctx, e)
		results <- result{conn, err}
	}()

	go func() {
		defer cancel()
		select {
		case r := <-results:
			if r.err != nil {
				m.post(EventTransportFailure{Attempt: e.Attempt, Err: r.err})
				return
			}
			m.post(EventTransportConnected{Attempt: e.Attempt, PeerID: e.PeerID, conn: r.conn})
		case <-ctx.Done():
			go func() {
				if r := <-results; r.conn != nil {
					r.conn.Close()
				}
			}()
			err := ctx.Err()
			if errors.Is(err, context.DeadlineExceeded) {
				err = ErrConnectTimeout
			}
			m.post(EventTransportFailure{Attempt: e.Attempt, Err: err})
		}
	}()
}

// open dials as host. A client waits for the host when the transport can accept.
func (m *Machine) open(ctx context.Context, e EffectConnect) (p2p.Connection, error) {
	if e.Role == types.RoleClient {
		if acc, ok := m.transport.(p2p.Acceptor); ok {
			return acc.Accept(ctx, e.PeerID)
		}
	}
	return m.transport.Connect(ctx, e.PeerID)
}

func verb(r types.Role) string {
	if r == types.RoleClient {
		return "accepting"
	}
	return "dialing"
}

func (m *Machine) cancelAttempt() {
	if m.cancelConnect != nil {
		m.cancelConnect()
		m.cancelConnect = nil
	}
}

func (m *Machine) closeActive() {
	if m.stopPump != nil {
		close(m.stopPump)
		m.stopPump = nil
	}
	if m.active != nil {
		m.active.Close()
		m.active = nil
	}
}

// pump forwards inbound frames and the end of the link into the event queue.
func (m *Machine) pump(conn p2p.Connection, attempt uint64, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case data := <-conn.Inbound():
			m.forward(attempt, data)
		case <-conn.Done():
			m.drain(conn, attempt)
			if err := conn.Err(); err != nil {
				m.post(EventTransportError{Attempt: attempt, Err: err})
			} else {
				m.post(EventRemoteDisconnect{Attempt: attempt})
			}
			return
		}
	}
}

func (m *Machine) forward(attempt uint64, data []byte) {
	if !m.offer(EventFrame{Attempt: attempt, Data: data}) {
		metrics.IncFramesDropped()
	}
}

// drain forwards frames that were queued before the link closed.
func (m *Machine) drain(conn p2p.Connection, attempt uint64) {
	for {
		select {
		case data := <-conn.Inbound():
			m.forward(attempt, data)
		default:
			return
		}
	}
}

func (m *Machine) expire() {
	if m.cfg.PeerTTL <= 0 || m.Status().Status != types.StatusScanning {
		return
	}
	if n := m.registry.ExpireOlderThan(m.cfg.PeerTTL); n > 0 {
		log.Debugf("expired %d devices", n)
		metrics.SetDevicesKnown(m.registry.Len())
	}
}

func (m *Machine) shutdown() {
	close(m.done)
	m.cancelAttempt()
	m.stopScanWindow()
	m.transport.StopDiscovery()
	if m.sync != nil {
		m.sync.Detach()
	}
	m.closeActive()
	m.hub.Close()
}
