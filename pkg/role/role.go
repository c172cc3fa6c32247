// Package role decides which of two symmetric peers hosts the session.
//
// Both peers run the same comparison over the same pair of stable identities, so they
// agree without exchanging a message: the strictly smaller identity hosts.
package role

import (
	"errors"
	"fmt"

	"github.com/0xphantomotr/snakelink/pkg/types"
)

var (
	ErrRoleConflict  = errors.New("role: identities collide")
	ErrEmptyIdentity = errors.New("role: empty identity")
)

// Negotiate returns the role the local peer takes against peerID.
func Negotiate(localID, peerID string) (types.Role, error) {
	if localID == "" || peerID == "" {
		return types.RoleUnassigned, fmt.Errorf("%w: local=%q peer=%q", ErrEmptyIdentity, localID, peerID)
	}
	switch {
	case localID < peerID:
		return types.RoleHost, nil
	case localID > peerID:
		return types.RoleClient, nil
	default:
		return types.RoleUnassigned, fmt.Errorf("%w: both peers report %q", ErrRoleConflict, localID)
	}
}
