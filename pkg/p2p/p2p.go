package p2p

import (
	"context"
	"time"

	"github.com/0xphantomotr/snakelink/pkg/types"
)

type Config struct {
	DeviceID    string
	DisplayName string

	// ListenAddr is the TCP address peers dial for the data channel.
	ListenAddr string
	// DiscoveryGroup is the UDP multicast group for beacons. Empty disables beacons.
	DiscoveryGroup string
	// Seeds are peers known up front, written as id@host:port.
	Seeds []string

	BeaconInterval   time.Duration
	HandshakeTimeout time.Duration
	OutboxSize       int
	InboxSize        int
}

func (c Config) withDefaults() Config {
	if c.BeaconInterval <= 0 {
		c.BeaconInterval = time.Second
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 5 * time.Second
	}
	if c.OutboxSize <= 0 {
		c.OutboxSize = 8
	}
	if c.InboxSize <= 0 {
		c.InboxSize = 32
	}
	if c.DisplayName == "" {
		c.DisplayName = c.DeviceID
	}
	return c
}

// DiscoveryFunc receives every sighting, duplicates included.
type DiscoveryFunc func(device types.PeerDevice)

// Connection is one live link to a peer. Inbound is never closed; watch Done.
// Err is nil when the link ended by a clean close on either side.
type Connection interface {
	PeerID() string
	Inbound() <-chan []byte
	Done() <-chan struct{}
	Err() error
	Close() error
}

// Transport owns the raw peer link. It carries bytes only and does not dedup discovery.
type Transport interface {
	Initialize(ctx context.Context) error
	StartDiscovery(onFound DiscoveryFunc) error
	StopDiscovery()
	Connect(ctx context.Context, peerID string) (Connection, error)
	Disconnect(peerID string)
	Send(peerID string, data []byte) error
	Close() error
}

// Acceptor is implemented by transports that can wait for a named peer to connect in.
type Acceptor interface {
	Accept(ctx context.Context, peerID string) (Connection, error)
}
