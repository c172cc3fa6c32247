package state

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var deviceIDKey = []byte("device:id")

// LoadDeviceID returns the stable identity of this install, creating one on
// first use. Role negotiation compares these ids, so they must not change
// between runs.
func LoadDeviceID(store Store) (string, error) {
	data, err := store.Get(deviceIDKey)
	switch {
	case err == nil && len(data) > 0:
		return string(data), nil
	case err != nil && !errors.Is(err, ErrNotFound):
		return "", fmt.Errorf("load device id: %w", err)
	}

	id := uuid.NewString()
	if err := store.Set(deviceIDKey, []byte(id)); err != nil {
		return "", fmt.Errorf("persist device id: %w", err)
	}
	log.Infof("generated device id %s", id)
	return id, nil
}
