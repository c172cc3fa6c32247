package metrics

import (
	"expvar"

	"github.com/0xphantomotr/snakelink/pkg/types"
)

var (
	sessionStatus   = expvar.NewString("session_status")
	connectAttempts = expvar.NewInt("connect_attempts_total")
	connectFailures = expvar.NewInt("connect_failures_total")
	linkDrops       = expvar.NewInt("link_drops_total")
	devicesKnown    = expvar.NewInt("devices_known")

	snapshotsSent    = expvar.NewInt("snapshots_sent_total")
	snapshotsDropped = expvar.NewInt("snapshots_dropped_total")
	snapshotsApplied = expvar.NewInt("snapshots_applied_total")
	encodeFailures   = expvar.NewInt("snapshot_encode_failures_total")
	decodeFailures   = expvar.NewInt("snapshot_decode_failures_total")
	invalidSnapshots = expvar.NewInt("snapshot_invalid_total")
	staleSnapshots   = expvar.NewInt("snapshot_stale_total")
	framesDropped    = expvar.NewInt("inbound_frames_dropped_total")

	gamesPlayed = expvar.NewInt("games_played_total")
	highScore   = expvar.NewFloat("high_score")
)

// ObserveSessionStatus records the current connection status.
func ObserveSessionStatus(status types.ConnectionStatus) {
	sessionStatus.Set(status.String())
}

func IncConnectAttempts() {
	connectAttempts.Add(1)
}

func IncConnectFailures() {
	connectFailures.Add(1)
}

// IncLinkDrops counts connected sessions that ended without a local disconnect.
func IncLinkDrops() {
	linkDrops.Add(1)
}

// SetDevicesKnown sets the number of devices in the registry.
func SetDevicesKnown(count int) {
	devicesKnown.Set(int64(count))
}

func IncSnapshotsSent() {
	snapshotsSent.Add(1)
}

// IncSnapshotsDropped counts outbound snapshots rejected by the transport.
func IncSnapshotsDropped() {
	snapshotsDropped.Add(1)
}

func IncSnapshotsApplied() {
	snapshotsApplied.Add(1)
}

// IncEncodeFailures counts local snapshots the codec refused to serialize.
func IncEncodeFailures() {
	encodeFailures.Add(1)
}

func IncDecodeFailures() {
	decodeFailures.Add(1)
}

func IncInvalidSnapshots() {
	invalidSnapshots.Add(1)
}

func IncStaleSnapshots() {
	staleSnapshots.Add(1)
}

// IncFramesDropped counts inbound frames discarded because the event queue was full.
func IncFramesDropped() {
	framesDropped.Add(1)
}

// ObserveGameOver records a finished game and the high score after it.
func ObserveGameOver(high float64) {
	gamesPlayed.Add(1)
	highScore.Set(high)
}
