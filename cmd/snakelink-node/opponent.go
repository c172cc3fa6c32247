package main

import (
	"context"
	"errors"
	"time"

	"github.com/0xphantomotr/snakelink/pkg/config"
	"github.com/0xphantomotr/snakelink/pkg/node"
	"github.com/0xphantomotr/snakelink/pkg/p2p"
	"github.com/0xphantomotr/snakelink/pkg/state"
	"github.com/0xphantomotr/snakelink/pkg/types"
)

const (
	opponentID   = "loopback-opponent"
	opponentName = "Robo"
	boardSize    = 20
)

// runOpponent plays a second node on the in-process network. It keeps scanning
// for localID, picks it when seen and walks its snake around the board edge.
func runOpponent(ctx context.Context, network *p2p.MemoryNetwork, localID string, cfg config.Config) error {
	game := state.NewManager(state.NewMemoryStore())
	game.SetPlayerName(opponentName)
	bot := node.New(node.Config{
		DeviceID:       opponentID,
		DisplayName:    opponentName,
		MaxRetries:     cfg.MaxRetries,
		ConnectTimeout: cfg.ConnectTimeout,
		PeerTTL:        cfg.PeerTTL,
		ScanWindow:     cfg.ScanWindow,
		SyncInterval:   cfg.SyncInterval,
	}, network.Join(opponentID, opponentName), game)

	done := make(chan error, 1)
	go func() { done <- bot.Start(ctx) }()

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	step := 0
	for {
		select {
		case err := <-done:
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		case <-ticker.C:
		}

		switch s := bot.Session(); s.Status {
		case types.StatusDisconnected:
			bot.StartScan()
		case types.StatusScanning:
			if s.PeerID != "" {
				break
			}
			for _, d := range bot.Devices() {
				if d.ID == localID {
					bot.ChooseDevice(d.ID)
				}
			}
		case types.StatusError:
			bot.Reset()
		case types.StatusConnected:
			if bot.Game().Lifecycle != state.LifecyclePlaying {
				bot.StartGame()
			}
			step++
			bot.SetLocalSnake(walk(step, 4))
			apple := types.Point{X: boardSize / 2, Y: boardSize / 2}
			bot.SetLocalApple(&apple)
		}
	}
}

// walk returns a snake of length n whose head has taken step moves clockwise
// along the board edge.
func walk(step, n int) []types.Point {
	body := make([]types.Point, 0, n)
	for i := 0; i < n; i++ {
		body = append(body, edge(step-i))
	}
	return body
}

func edge(pos int) types.Point {
	side := boardSize - 1
	perimeter := 4 * side
	pos = ((pos % perimeter) + perimeter) % perimeter
	switch {
	case pos < side:
		return types.Point{X: pos, Y: 0}
	case pos < 2*side:
		return types.Point{X: side, Y: pos - side}
	case pos < 3*side:
		return types.Point{X: side - (pos - 2*side), Y: side}
	default:
		return types.Point{X: 0, Y: side - (pos - 3*side)}
	}
}
