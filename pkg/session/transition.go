package session

import (
	"errors"
	"fmt"

	"github.com/0xphantomotr/snakelink/pkg/p2p"
	"github.com/0xphantomotr/snakelink/pkg/role"
	"github.com/0xphantomotr/snakelink/pkg/types"
)

// State is the connection lifecycle as seen by the rest of the app.
type State struct {
	Status types.ConnectionStatus `json:"status"`
	Role   types.Role             `json:"role"`
	// PeerID is the chosen peer while connecting or connected, and the retry
	// target while scanning after a failed attempt.
	PeerID  string `json:"peer_id,omitempty"`
	Attempt uint64 `json:"attempt"`
	Retries int    `json:"retries"`
	Reason  string `json:"reason,omitempty"`
}

type Event interface {
	event()
}

type (
	EventStartScan struct{}
	EventPeerFound struct {
		Device types.PeerDevice
	}
	EventPeerChosen struct {
		PeerID string
	}
	EventTransportConnected struct {
		Attempt uint64
		PeerID  string
		conn    p2p.Connection
	}
	EventTransportFailure struct {
		Attempt uint64
		Err     error
	}
	// EventRemoteDisconnect means the peer closed the link cleanly.
	EventRemoteDisconnect struct {
		Attempt uint64
	}
	EventLocalDisconnect struct{}
	EventTransportError  struct {
		Attempt uint64
		Err     error
	}
	EventFatalError struct {
		Err error
	}
	EventReset struct{}
	// EventScanTimeout closes the scan window opened by the last discovery start.
	EventScanTimeout struct {
		window uint64
	}
	EventFrame struct {
		Attempt uint64
		Data    []byte
	}
)

func (EventStartScan) event()          {}
func (EventPeerFound) event()          {}
func (EventPeerChosen) event()         {}
func (EventTransportConnected) event() {}
func (EventTransportFailure) event()   {}
func (EventRemoteDisconnect) event()   {}
func (EventLocalDisconnect) event()    {}
func (EventTransportError) event()     {}
func (EventFatalError) event()         {}
func (EventReset) event()              {}
func (EventScanTimeout) event()        {}
func (EventFrame) event()              {}

// Effect is a side effect requested by a transition. Only Machine executes them.
type Effect interface {
	effect()
}

type (
	EffectClearRegistry  struct{}
	EffectStartDiscovery struct{}
	EffectStopDiscovery  struct{}
	EffectRecordPeer     struct {
		Device types.PeerDevice
	}
	EffectConnect struct {
		PeerID  string
		Role    types.Role
		Attempt uint64
	}
	EffectDisconnect struct {
		PeerID string
	}
	// EffectDiscardConn closes a connection that arrived for an attempt nobody waits on any more.
	EffectDiscardConn struct {
		Attempt uint64
	}
	EffectAttachSync struct {
		PeerID string
	}
	EffectDetachSync struct{}
	EffectApplyFrame struct {
		Data []byte
	}
)

func (EffectClearRegistry) effect()  {}
func (EffectStartDiscovery) effect() {}
func (EffectStopDiscovery) effect()  {}
func (EffectRecordPeer) effect()     {}
func (EffectConnect) effect()        {}
func (EffectDisconnect) effect()     {}
func (EffectDiscardConn) effect()    {}
func (EffectAttachSync) effect()     {}
func (EffectDetachSync) effect()     {}
func (EffectApplyFrame) effect()     {}

// Policy holds the inputs Transition needs besides the state itself.
type Policy struct {
	LocalID    string
	MaxRetries int
}

// Transition computes the next state and the effects that realize it. It has
// no side effects of its own; events that do not apply leave the state as is.
func (p Policy) Transition(s State, ev Event) (State, []Effect) {
	switch e := ev.(type) {
	case EventStartScan:
		if s.Status != types.StatusDisconnected && s.Status != types.StatusScanning {
			return s, nil
		}
		return State{Status: types.StatusScanning, Attempt: s.Attempt},
			[]Effect{EffectClearRegistry{}, EffectStartDiscovery{}}

	case EventPeerFound:
		if s.Status != types.StatusScanning || e.Device.ID == "" {
			return s, nil
		}
		effects := []Effect{EffectRecordPeer{Device: e.Device}}
		if s.PeerID != "" && e.Device.ID == s.PeerID {
			next, more := p.connect(s, s.PeerID)
			return next, append(effects, more...)
		}
		return s, effects

	case EventPeerChosen:
		if s.Status != types.StatusScanning {
			return s, nil
		}
		s.Retries = 0
		return p.connect(s, e.PeerID)

	case EventTransportConnected:
		if s.Status != types.StatusConnecting || e.Attempt != s.Attempt {
			return s, []Effect{EffectDiscardConn{Attempt: e.Attempt}}
		}
		s.Status = types.StatusConnected
		s.PeerID = e.PeerID
		s.Retries = 0
		s.Reason = ""
		return s, []Effect{EffectAttachSync{PeerID: e.PeerID}}

	case EventTransportFailure:
		if s.Status != types.StatusConnecting || e.Attempt != s.Attempt {
			return s, nil
		}
		return p.connectFailed(s, e.Err)

	case EventRemoteDisconnect:
		if s.Status != types.StatusConnected || e.Attempt != s.Attempt {
			return s, nil
		}
		return dropped(s, "peer disconnected")

	case EventTransportError:
		if s.Status != types.StatusConnected || e.Attempt != s.Attempt {
			return s, nil
		}
		return dropped(s, reason("link lost", e.Err))

	case EventLocalDisconnect:
		switch s.Status {
		case types.StatusScanning:
			return State{Status: types.StatusDisconnected, Attempt: s.Attempt}, []Effect{EffectStopDiscovery{}}
		case types.StatusConnecting:
			return State{Status: types.StatusDisconnected, Attempt: s.Attempt}, []Effect{EffectDisconnect{PeerID: s.PeerID}}
		case types.StatusConnected:
			return State{Status: types.StatusDisconnected, Attempt: s.Attempt},
				[]Effect{EffectDetachSync{}, EffectDisconnect{PeerID: s.PeerID}}
		}
		return s, nil

	case EventFatalError:
		return State{Status: types.StatusError, Attempt: s.Attempt, Reason: reason("fatal", e.Err)}, teardown(s)

	case EventReset:
		return State{Status: types.StatusDisconnected, Attempt: s.Attempt}, teardown(s)

	case EventScanTimeout:
		if s.Status != types.StatusScanning {
			return s, nil
		}
		next := State{Status: types.StatusDisconnected, Attempt: s.Attempt}
		if s.PeerID != "" {
			next.Reason = fmt.Sprintf("%s not seen again before the scan window closed", s.PeerID)
		}
		return next, []Effect{EffectStopDiscovery{}}

	case EventFrame:
		if s.Status != types.StatusConnected || e.Attempt != s.Attempt {
			return s, nil
		}
		return s, []Effect{EffectApplyFrame{Data: e.Data}}
	}
	return s, nil
}

// connect negotiates the role for peerID and opens a new attempt.
func (p Policy) connect(s State, peerID string) (State, []Effect) {
	r, err := role.Negotiate(p.LocalID, peerID)
	if err != nil {
		return State{Status: types.StatusError, Attempt: s.Attempt, Reason: reason("role negotiation", err)},
			[]Effect{EffectStopDiscovery{}}
	}
	s.Status = types.StatusConnecting
	s.Role = r
	s.PeerID = peerID
	s.Attempt++
	s.Reason = ""
	return s, []Effect{EffectStopDiscovery{}, EffectConnect{PeerID: peerID, Role: r, Attempt: s.Attempt}}
}

func (p Policy) connectFailed(s State, err error) (State, []Effect) {
	why := reason("connect "+s.PeerID, err)
	if !retryable(err) {
		return State{Status: types.StatusDisconnected, Attempt: s.Attempt, Reason: why}, nil
	}
	if s.Retries >= p.MaxRetries {
		why = fmt.Sprintf("%s (gave up after %d retries)", why, s.Retries)
		return State{Status: types.StatusError, Attempt: s.Attempt, Retries: s.Retries, Reason: why}, nil
	}
	return State{
		Status:  types.StatusScanning,
		PeerID:  s.PeerID,
		Attempt: s.Attempt,
		Retries: s.Retries + 1,
		Reason:  why,
	}, []Effect{EffectStartDiscovery{}}
}

// retryable reports whether another attempt could succeed without user action.
func retryable(err error) bool {
	switch p2p.Kind(err) {
	case p2p.ErrUnavailable, p2p.ErrPermissionDenied:
		return false
	}
	return !errors.Is(err, role.ErrRoleConflict)
}

func dropped(s State, why string) (State, []Effect) {
	return State{Status: types.StatusDisconnected, Attempt: s.Attempt, Reason: why},
		[]Effect{EffectDetachSync{}, EffectDisconnect{PeerID: s.PeerID}}
}

// teardown releases whatever s still holds.
func teardown(s State) []Effect {
	switch s.Status {
	case types.StatusScanning:
		return []Effect{EffectStopDiscovery{}}
	case types.StatusConnecting:
		return []Effect{EffectDisconnect{PeerID: s.PeerID}}
	case types.StatusConnected:
		return []Effect{EffectDetachSync{}, EffectDisconnect{PeerID: s.PeerID}}
	}
	return nil
}

func reason(prefix string, err error) string {
	if err == nil {
		return prefix
	}
	return prefix + ": " + err.Error()
}
