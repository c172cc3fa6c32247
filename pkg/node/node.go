// Package node assembles one player's side of a session: transport, device
// registry, session machine, snapshot syncer and game state.
package node

import (
	"context"
	"time"

	"github.com/0xphantomotr/snakelink/pkg/p2p"
	"github.com/0xphantomotr/snakelink/pkg/registry"
	"github.com/0xphantomotr/snakelink/pkg/replication"
	"github.com/0xphantomotr/snakelink/pkg/session"
	"github.com/0xphantomotr/snakelink/pkg/state"
	"github.com/0xphantomotr/snakelink/pkg/types"
)

type Config struct {
	DeviceID    string
	DisplayName string

	MaxRetries     int
	ConnectTimeout time.Duration
	PeerTTL        time.Duration
	ScanWindow     time.Duration
	// SyncInterval is the outbound snapshot cadence. Zero leaves ticking to the game loop.
	SyncInterval time.Duration
}

// Status is the session as reported to the UI.
type Status struct {
	DeviceID    string            `json:"device_id"`
	DisplayName string            `json:"display_name"`
	Session     session.State     `json:"session"`
	Sync        replication.Stats `json:"sync"`
}

type Node struct {
	cfg       Config
	transport p2p.Transport
	registry  *registry.Registry
	game      *state.Manager
	syncer    *replication.Syncer
	machine   *session.Machine
}

func New(cfg Config, transport p2p.Transport, game *state.Manager) *Node {
	if cfg.DisplayName == "" {
		cfg.DisplayName = cfg.DeviceID
	}
	reg := registry.New()
	syncer := replication.NewSyncer(replication.Config{Interval: cfg.SyncInterval}, transport, game)
	machine := session.New(session.Config{
		LocalID:        cfg.DeviceID,
		MaxRetries:     cfg.MaxRetries,
		ConnectTimeout: cfg.ConnectTimeout,
		PeerTTL:        cfg.PeerTTL,
		ScanWindow:     cfg.ScanWindow,
	}, transport, reg, syncer)

	return &Node{
		cfg:       cfg,
		transport: transport,
		registry:  reg,
		game:      game,
		syncer:    syncer,
		machine:   machine,
	}
}

// Start runs the session until ctx ends and then closes the transport.
func (n *Node) Start(ctx context.Context) error {
	log.Infof("node %s (%s) starting", n.cfg.DeviceID, n.cfg.DisplayName)
	err := n.machine.Start(ctx)
	if cerr := n.transport.Close(); cerr != nil {
		log.Warnf("close transport: %v", cerr)
	}
	log.Infof("node %s stopped", n.cfg.DeviceID)
	return err
}

func (n *Node) ID() string { return n.cfg.DeviceID }

func (n *Node) StartScan()                   { n.machine.StartScan() }
func (n *Node) ChooseDevice(id string) error { return n.machine.ChooseDevice(id) }
func (n *Node) Disconnect()                  { n.machine.Disconnect() }
func (n *Node) Reset()                       { n.machine.Reset() }

// Fail reports a fault raised outside the session, such as the platform
// revoking radio permission. The session moves to error until Reset.
func (n *Node) Fail(err error) { n.machine.Fail(err) }

func (n *Node) StartGame()  { n.game.StartGame() }
func (n *Node) GameOver()   { n.game.GameOver() }
func (n *Node) ResetGame()  { n.game.ResetGame() }
func (n *Node) EnterLobby() { n.game.EnterLobby() }

func (n *Node) SetSettings(s state.Settings)     { n.game.SetSettings(s) }
func (n *Node) SetPlayerName(name string)        { n.game.SetPlayerName(name) }
func (n *Node) IncrementScore(points float64)    { n.game.IncrementScore(points) }
func (n *Node) SetLocalSnake(body []types.Point) { n.game.SetLocalSnake(body) }
func (n *Node) SetLocalApple(apple *types.Point) { n.game.SetLocalApple(apple) }

// Tick sends one snapshot now, for game loops that drive the cadence themselves.
func (n *Node) Tick() error { return n.syncer.Tick() }

func (n *Node) Session() session.State { return n.machine.Status() }

func (n *Node) Status() Status {
	return Status{
		DeviceID:    n.cfg.DeviceID,
		DisplayName: n.cfg.DisplayName,
		Session:     n.machine.Status(),
		Sync:        n.syncer.Stats(),
	}
}

func (n *Node) Devices() []types.PeerDevice { return n.machine.Devices() }

func (n *Node) Game() state.Game { return n.game.Snapshot() }

func (n *Node) SubscribeSession() (<-chan session.State, func()) { return n.machine.Subscribe() }

func (n *Node) SubscribeGame() (<-chan state.Game, func()) { return n.game.Subscribe() }
