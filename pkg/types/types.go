package types

import (
	"fmt"
	"time"
)

// Point is a cell on the game grid.
type Point struct {
	X int `json:"x"`
	Y int `json:"y"`
}

func (p Point) String() string {
	return fmt.Sprintf("(%d,%d)", p.X, p.Y)
}

// PeerDevice is a nearby device seen during discovery. Identity is ID.
type PeerDevice struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"display_name"`
	LastSeenAt  time.Time `json:"last_seen_at"`
}

type ConnectionStatus uint8

const (
	StatusDisconnected ConnectionStatus = iota
	StatusScanning
	StatusConnecting
	StatusConnected
	StatusError
)

var statusNames = [...]string{
	StatusDisconnected: "disconnected",
	StatusScanning:     "scanning",
	StatusConnecting:   "connecting",
	StatusConnected:    "connected",
	StatusError:        "error",
}

func (s ConnectionStatus) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("status(%d)", uint8(s))
}

func (s ConnectionStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

type Role uint8

const (
	RoleUnassigned Role = iota
	RoleHost
	RoleClient
)

func (r Role) String() string {
	switch r {
	case RoleUnassigned:
		return "unassigned"
	case RoleHost:
		return "host"
	case RoleClient:
		return "client"
	default:
		return fmt.Sprintf("role(%d)", uint8(r))
	}
}

func (r Role) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// OpponentSnapshot is one side's authoritative entities as sent to the other side.
// A nil Apple means no apple is on the board.
type OpponentSnapshot struct {
	SequenceNumber uint32  `json:"sequence_number"`
	SnakeBody      []Point `json:"snake_body"`
	Apple          *Point  `json:"apple,omitempty"`
}

// Clone returns a deep copy so callers can hand snapshots across goroutines.
func (s OpponentSnapshot) Clone() OpponentSnapshot {
	out := OpponentSnapshot{SequenceNumber: s.SequenceNumber}
	if s.SnakeBody != nil {
		out.SnakeBody = make([]Point, len(s.SnakeBody))
		copy(out.SnakeBody, s.SnakeBody)
	}
	if s.Apple != nil {
		apple := *s.Apple
		out.Apple = &apple
	}
	return out
}
