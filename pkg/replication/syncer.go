// Package replication keeps the opponent mirror in step with the peer. Outbound
// snapshots carry a per-session sequence number; inbound ones are applied only
// when they are newer than the last one applied.
package replication

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/0xphantomotr/snakelink/pkg/metrics"
	"github.com/0xphantomotr/snakelink/pkg/protocol"
	"github.com/0xphantomotr/snakelink/pkg/types"
)

var ErrNotAttached = errors.New("replication: no peer attached")

// Sender hands an encoded frame to the transport without blocking.
type Sender interface {
	Send(peerID string, data []byte) error
}

// Mirror is the game state the syncer reads from and writes into.
type Mirror interface {
	LocalSnapshot() types.OpponentSnapshot
	ApplyOpponent(snap types.OpponentSnapshot)
	ResetOpponent()
}

type Config struct {
	// Interval between outbound snapshots. Zero means the game loop calls Tick itself.
	Interval time.Duration
}

type Stats struct {
	Sent           uint64 `json:"sent"`
	Dropped        uint64 `json:"dropped"`
	Applied        uint64 `json:"applied"`
	DecodeFailures uint64 `json:"decode_failures"`
	Invalid        uint64 `json:"invalid"`
	Stale          uint64 `json:"stale"`
	EncodeFailures uint64 `json:"encode_failures"`
}

type Syncer struct {
	cfg    Config
	sender Sender
	mirror Mirror

	mu          sync.Mutex
	peerID      string
	attached    bool
	lastSent    uint32
	lastApplied uint32
	encodeStuck bool
	stats       Stats
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

func NewSyncer(cfg Config, sender Sender, mirror Mirror) *Syncer {
	return &Syncer{
		cfg:    cfg,
		sender: sender,
		mirror: mirror,
	}
}

// Attach starts a new session with peerID. Sequence numbers restart and the
// opponent mirror is cleared.
func (s *Syncer) Attach(ctx context.Context, peerID string) {
	s.Detach()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.peerID = peerID
	s.attached = true
	s.lastSent = 0
	s.lastApplied = 0
	s.encodeStuck = false
	s.mirror.ResetOpponent()

	if s.cfg.Interval > 0 {
		loopCtx, cancel := context.WithCancel(ctx)
		s.cancel = cancel
		s.wg.Add(1)
		go s.run(loopCtx)
	}
	log.Infof("syncing with %s", peerID)
}

// Detach ends the session. No snapshot is sent after it returns.
func (s *Syncer) Detach() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	wasAttached := s.attached
	s.attached = false
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
	if wasAttached {
		log.Debugf("sync detached")
	}
}

func (s *Syncer) run(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Tick(); err != nil {
				log.Tracef("tick: %v", err)
			}
		}
	}
}

// Tick sends the current local snapshot once. A snapshot the transport refuses
// is dropped; the next tick carries fresher state anyway.
func (s *Syncer) Tick() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.attached {
		return ErrNotAttached
	}

	snap := s.mirror.LocalSnapshot()
	snap.SequenceNumber = s.lastSent + 1
	data, err := protocol.EncodeSnapshot(snap)
	if err != nil {
		s.stats.EncodeFailures++
		metrics.IncEncodeFailures()
		if !s.encodeStuck {
			log.Warnf("local snapshot for %s cannot be encoded, peer mirror is stale: %v", s.peerID, err)
		}
		s.encodeStuck = true
		return fmt.Errorf("replication: encode local snapshot: %w", err)
	}
	if s.encodeStuck {
		log.Infof("local snapshot encodes again after %d failures", s.stats.EncodeFailures)
		s.encodeStuck = false
	}
	s.lastSent = snap.SequenceNumber

	if err := s.sender.Send(s.peerID, data); err != nil {
		s.stats.Dropped++
		metrics.IncSnapshotsDropped()
		return fmt.Errorf("replication: snapshot %d dropped: %w", snap.SequenceNumber, err)
	}
	s.stats.Sent++
	metrics.IncSnapshotsSent()
	return nil
}

// HandleFrame decodes an inbound frame and applies it if it is newer than
// anything applied so far. Rejected frames leave the mirror untouched.
func (s *Syncer) HandleFrame(data []byte) error {
	snap, decodeErr := protocol.DecodeSnapshot(data)

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.attached {
		return ErrNotAttached
	}

	if decodeErr != nil {
		var verr *protocol.ValidationError
		if errors.As(decodeErr, &verr) {
			s.stats.Invalid++
			metrics.IncInvalidSnapshots()
		} else {
			s.stats.DecodeFailures++
			metrics.IncDecodeFailures()
		}
		return decodeErr
	}

	if snap.SequenceNumber <= s.lastApplied {
		s.stats.Stale++
		metrics.IncStaleSnapshots()
		return fmt.Errorf("%w: %d after %d", protocol.ErrStaleSequence, snap.SequenceNumber, s.lastApplied)
	}

	s.lastApplied = snap.SequenceNumber
	s.mirror.ApplyOpponent(snap)
	s.stats.Applied++
	metrics.IncSnapshotsApplied()
	return nil
}

func (s *Syncer) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

func (s *Syncer) LastApplied() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastApplied
}

// PeerID returns the attached peer, or "" when detached.
func (s *Syncer) PeerID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.attached {
		return ""
	}
	return s.peerID
}
