package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/0xphantomotr/snakelink/pkg/metrics"
	"github.com/0xphantomotr/snakelink/pkg/notify"
	"github.com/0xphantomotr/snakelink/pkg/types"
)

var ErrNotFound = errors.New("state: not found")

type Store interface {
	Get(key []byte) ([]byte, error)
	Set(key []byte, value []byte) error
	Delete(key []byte) error
}

type Lifecycle string

const (
	LifecycleIntro    Lifecycle = "intro"
	LifecycleLobby    Lifecycle = "lobby"
	LifecyclePlaying  Lifecycle = "playing"
	LifecycleGameOver Lifecycle = "game-over"
)

type Speed string

const (
	SpeedTurtle  Speed = "Turtle"
	SpeedRabbit  Speed = "Rabbit"
	SpeedCheetah Speed = "Cheetah"
)

// Multiplier scales points scored at this speed. Unknown speeds score as Turtle.
func (s Speed) Multiplier() float64 {
	switch s {
	case SpeedTurtle:
		return 1
	case SpeedRabbit:
		return 1.5
	case SpeedCheetah:
		return 2.5
	default:
		return 1
	}
}

type Controls string

const (
	ControlsDPad  Controls = "d-pad"
	ControlsSwipe Controls = "swipe"
)

type Settings struct {
	Speed    Speed    `json:"speed"`
	Controls Controls `json:"controls"`
}

const (
	DefaultPlayerName = "Player1"

	// ApplePoints is the base score for eating one apple.
	ApplePoints = 10
)

func DefaultSettings() Settings {
	return Settings{Speed: SpeedRabbit, Controls: ControlsDPad}
}

// Game is a point in time copy of everything the UI renders.
type Game struct {
	Lifecycle  Lifecycle     `json:"lifecycle"`
	PlayerName string        `json:"player_name"`
	Score      float64       `json:"score"`
	HighScore  float64       `json:"high_score"`
	Settings   Settings      `json:"settings"`
	LocalSnake []types.Point `json:"local_snake"`
	LocalApple *types.Point  `json:"local_apple,omitempty"`
	// SpeedMultiplier is what the next IncrementScore scales points by.
	SpeedMultiplier float64 `json:"speed_multiplier"`

	// Opponent is the last accepted snapshot from the peer, replaced wholesale.
	Opponent    types.OpponentSnapshot `json:"opponent"`
	HasOpponent bool                   `json:"has_opponent"`
}

func (g Game) clone() Game {
	out := g
	if g.LocalSnake != nil {
		out.LocalSnake = append([]types.Point(nil), g.LocalSnake...)
	}
	if g.LocalApple != nil {
		apple := *g.LocalApple
		out.LocalApple = &apple
	}
	out.Opponent = g.Opponent.Clone()
	out.SpeedMultiplier = g.Settings.Speed.Multiplier()
	return out
}

type profile struct {
	PlayerName string   `json:"player_name"`
	HighScore  float64  `json:"high_score"`
	Settings   Settings `json:"settings"`
}

var profileKey = []byte("profile")

// Manager owns the local game state. Lifecycle actions never fail; store
// errors are logged and the in-memory state stays authoritative.
type Manager struct {
	mu    sync.RWMutex
	store Store
	game  Game
	hub   *notify.Hub[Game]
}

func NewManager(store Store) *Manager {
	m := &Manager{
		store: store,
		game: Game{
			Lifecycle:  LifecycleIntro,
			PlayerName: DefaultPlayerName,
			Settings:   DefaultSettings(),
		},
		hub: notify.NewHub[Game](),
	}
	if err := m.load(); err != nil {
		log.Warnf("load profile: %v", err)
	}
	m.hub.Publish(m.game.clone())
	return m
}

func (m *Manager) load() error {
	data, err := m.store.Get(profileKey)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	var p profile
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("decode profile: %w", err)
	}
	if name := strings.TrimSpace(p.PlayerName); name != "" {
		m.game.PlayerName = name
	}
	if p.HighScore > 0 {
		m.game.HighScore = p.HighScore
	}
	m.game.Settings = merge(m.game.Settings, p.Settings)
	return nil
}

func (m *Manager) persistLocked() {
	payload, err := json.Marshal(profile{
		PlayerName: m.game.PlayerName,
		HighScore:  m.game.HighScore,
		Settings:   m.game.Settings,
	})
	if err != nil {
		log.Errorf("marshal profile: %v", err)
		return
	}
	if err := m.store.Set(profileKey, payload); err != nil {
		log.Warnf("persist profile: %v", err)
	}
}

func (m *Manager) publishLocked() {
	m.hub.Publish(m.game.clone())
}

// StartGame begins a new round from zero.
func (m *Manager) StartGame() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.game.Score = 0
	m.game.Lifecycle = LifecyclePlaying
	m.publishLocked()
}

// GameOver ends the round and commits the high score. It does nothing unless a
// round is being played.
func (m *Manager) GameOver() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.game.Lifecycle != LifecyclePlaying {
		return
	}
	if m.game.Score > m.game.HighScore {
		m.game.HighScore = m.game.Score
		m.persistLocked()
	}
	m.game.Lifecycle = LifecycleGameOver
	metrics.ObserveGameOver(m.game.HighScore)
	log.Infof("game over: score=%g high=%g", m.game.Score, m.game.HighScore)
	m.publishLocked()
}

func (m *Manager) ResetGame() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.game.Lifecycle = LifecycleIntro
	m.game.Score = 0
	m.publishLocked()
}

func (m *Manager) EnterLobby() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.game.Lifecycle = LifecycleLobby
	m.publishLocked()
}

// IncrementScore adds points scaled by the current speed setting.
func (m *Manager) IncrementScore(points float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.game.Score += points * m.game.Settings.Speed.Multiplier()
	m.publishLocked()
}

// SetSettings applies the non-empty fields of s.
func (m *Manager) SetSettings(s Settings) {
	m.mu.Lock()
	defer m.mu.Unlock()
	next := merge(m.game.Settings, s)
	if next == m.game.Settings {
		return
	}
	m.game.Settings = next
	m.persistLocked()
	m.publishLocked()
}

func merge(cur, s Settings) Settings {
	if s.Speed != "" {
		cur.Speed = s.Speed
	}
	if s.Controls != "" {
		cur.Controls = s.Controls
	}
	return cur
}

// SetPlayerName stores the trimmed name. Blank names are ignored.
func (m *Manager) SetPlayerName(name string) {
	name = strings.TrimSpace(name)
	if name == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if name == m.game.PlayerName {
		return
	}
	m.game.PlayerName = name
	m.persistLocked()
	m.publishLocked()
}

// SetLocalSnake records the locally authoritative snake body.
func (m *Manager) SetLocalSnake(body []types.Point) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.game.LocalSnake = append([]types.Point(nil), body...)
	m.publishLocked()
}

// SetLocalApple places the local apple; nil removes it.
func (m *Manager) SetLocalApple(apple *types.Point) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if apple == nil {
		m.game.LocalApple = nil
	} else {
		p := *apple
		m.game.LocalApple = &p
	}
	m.publishLocked()
}

// LocalSnapshot returns the local entities to send to the peer. The caller
// assigns the sequence number.
func (m *Manager) LocalSnapshot() types.OpponentSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return types.OpponentSnapshot{
		SnakeBody: m.game.LocalSnake,
		Apple:     m.game.LocalApple,
	}.Clone()
}

// ApplyOpponent replaces the opponent mirror with snap.
func (m *Manager) ApplyOpponent(snap types.OpponentSnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.game.Opponent = snap.Clone()
	m.game.HasOpponent = true
	m.publishLocked()
}

func (m *Manager) ResetOpponent() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.game.Opponent = types.OpponentSnapshot{}
	m.game.HasOpponent = false
	m.publishLocked()
}

func (m *Manager) Snapshot() Game {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.game.clone()
}

// Subscribe streams copies of the game after every change.
func (m *Manager) Subscribe() (<-chan Game, func()) {
	return m.hub.Subscribe()
}
