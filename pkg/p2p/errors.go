package p2p

import (
	"context"
	"errors"
	"net"
	"os"
	"syscall"
)

var (
	ErrUnavailable      = errors.New("p2p: radio unavailable")
	ErrPermissionDenied = errors.New("p2p: permission denied")
	ErrUnreachable      = errors.New("p2p: peer unreachable")
	ErrTimeout          = errors.New("p2p: timed out")

	// ErrBufferFull is returned by Send when the link cannot take another frame right now.
	ErrBufferFull = errors.New("p2p: send buffer full")
)

var kinds = []error{ErrUnavailable, ErrPermissionDenied, ErrUnreachable, ErrTimeout, ErrBufferFull}

// TransportError ties a failed operation to its taxonomy kind.
type TransportError struct {
	Op     string
	PeerID string
	Kind   error
	Err    error
}

func newError(op, peerID string, kind, err error) *TransportError {
	return &TransportError{Op: op, PeerID: peerID, Kind: kind, Err: err}
}

func (e *TransportError) Error() string {
	msg := "p2p " + e.Op
	if e.PeerID != "" {
		msg += " " + e.PeerID
	}
	msg += ": " + e.Kind.Error()
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *TransportError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Kind returns the taxonomy sentinel err carries, or nil.
func Kind(err error) error {
	for _, k := range kinds {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}

// classify maps socket level failures onto the taxonomy.
func classify(err error) error {
	if k := Kind(err); k != nil {
		return k
	}
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return ErrTimeout
	case errors.Is(err, os.ErrPermission), errors.Is(err, syscall.EACCES), errors.Is(err, syscall.EPERM):
		return ErrPermissionDenied
	case errors.Is(err, syscall.ENETDOWN), errors.Is(err, syscall.EADDRNOTAVAIL), errors.Is(err, syscall.EADDRINUSE):
		return ErrUnavailable
	case errors.As(err, &netErr) && netErr.Timeout():
		return ErrTimeout
	default:
		return ErrUnreachable
	}
}
