package rpc

import (
	"bytes"
	"encoding/json"
	"image/png"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/0xphantomotr/snakelink/pkg/node"
	"github.com/0xphantomotr/snakelink/pkg/notify"
	"github.com/0xphantomotr/snakelink/pkg/session"
	"github.com/0xphantomotr/snakelink/pkg/state"
	"github.com/0xphantomotr/snakelink/pkg/types"
)

type mockController struct {
	mu       sync.Mutex
	calls    []string
	chosen   string
	settings state.Settings
	name     string
	sessions *notify.Hub[session.State]
	games    *notify.Hub[state.Game]
}

func newMockController() *mockController {
	return &mockController{
		settings: state.DefaultSettings(),
		name:     state.DefaultPlayerName,
		sessions: notify.NewHub[session.State](),
		games:    notify.NewHub[state.Game](),
	}
}

func (m *mockController) record(call string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, call)
}

func (m *mockController) called(call string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.calls {
		if c == call {
			return true
		}
	}
	return false
}

func (m *mockController) ID() string { return "device-123" }

func (m *mockController) Status() node.Status {
	return node.Status{DeviceID: "device-123", Session: session.State{Status: types.StatusScanning}}
}

func (m *mockController) Devices() []types.PeerDevice {
	return []types.PeerDevice{{ID: "peer-1", DisplayName: "Phone"}}
}

func (m *mockController) Game() state.Game {
	m.mu.Lock()
	defer m.mu.Unlock()
	return state.Game{Lifecycle: state.LifecycleLobby, PlayerName: m.name, Settings: m.settings}
}

func (m *mockController) StartScan()  { m.record("scan") }
func (m *mockController) Disconnect() { m.record("disconnect") }
func (m *mockController) Reset()      { m.record("reset") }
func (m *mockController) StartGame()  { m.record("start") }
func (m *mockController) GameOver()   { m.record("over") }
func (m *mockController) ResetGame()  { m.record("reset-game") }
func (m *mockController) EnterLobby() { m.record("lobby") }

func (m *mockController) Fail(err error) { m.record("fail: " + err.Error()) }

func (m *mockController) ChooseDevice(id string) error {
	if id != "peer-1" {
		return session.ErrUnknownDevice
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chosen = id
	return nil
}

func (m *mockController) SetSettings(s state.Settings) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.Speed != "" {
		m.settings.Speed = s.Speed
	}
	if s.Controls != "" {
		m.settings.Controls = s.Controls
	}
}

func (m *mockController) SetPlayerName(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if name = strings.TrimSpace(name); name != "" {
		m.name = name
	}
}

func (m *mockController) SubscribeSession() (<-chan session.State, func()) {
	return m.sessions.Subscribe()
}

func (m *mockController) SubscribeGame() (<-chan state.Game, func()) {
	return m.games.Subscribe()
}

func newTestServer(t *testing.T) (*httptest.Server, *mockController) {
	t.Helper()
	ctrl := newMockController()
	server := NewServer(ctrl, ":0")
	ts := httptest.NewServer(server.httpServer.Handler)
	t.Cleanup(ts.Close)
	return ts, ctrl
}

func TestDevices(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/devices")
	if err != nil {
		t.Fatalf("devices request failed: %v", err)
	}
	defer resp.Body.Close()
	var devices DevicesResponse
	if err := json.NewDecoder(resp.Body).Decode(&devices); err != nil {
		t.Fatalf("decode devices: %v", err)
	}
	if len(devices.Devices) != 1 || devices.Devices[0].ID != "peer-1" {
		t.Fatalf("unexpected devices %+v", devices)
	}
}

func TestStatusReportsTextEnums(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/status")
	if err != nil {
		t.Fatalf("status request failed: %v", err)
	}
	defer resp.Body.Close()

	var raw struct {
		DeviceID string `json:"device_id"`
		Session  struct {
			Status string `json:"status"`
			Role   string `json:"role"`
		} `json:"session"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if raw.DeviceID != "device-123" || raw.Session.Status != "scanning" || raw.Session.Role != "unassigned" {
		t.Fatalf("unexpected status %+v", raw)
	}
}

func TestFaultReachesController(t *testing.T) {
	ts, ctrl := newTestServer(t)

	resp, err := http.Post(ts.URL+"/fault", "application/json", strings.NewReader(`{"reason":" permission revoked "}`))
	if err != nil {
		t.Fatalf("fault request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	if !ctrl.called("fail: permission revoked") {
		t.Fatal("fault did not reach the controller")
	}

	resp, err = http.Post(ts.URL+"/fault", "application/json", strings.NewReader(`{"reason":"  "}`))
	if err != nil {
		t.Fatalf("fault request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for blank reason, got %d", resp.StatusCode)
	}
}

func TestActionsRequirePost(t *testing.T) {
	ts, ctrl := newTestServer(t)

	resp, err := http.Get(ts.URL + "/scan")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", resp.StatusCode)
	}

	for path, call := range map[string]string{
		"/scan":       "scan",
		"/disconnect": "disconnect",
		"/reset":      "reset",
		"/game/start": "start",
		"/game/over":  "over",
		"/game/reset": "reset-game",
		"/game/lobby": "lobby",
	} {
		resp, err := http.Post(ts.URL+path, "application/json", nil)
		if err != nil {
			t.Fatalf("%s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusAccepted {
			t.Fatalf("%s: unexpected status %d", path, resp.StatusCode)
		}
		if !ctrl.called(call) {
			t.Fatalf("%s did not reach the controller", path)
		}
	}
}

func TestConnect(t *testing.T) {
	ts, ctrl := newTestServer(t)

	resp, err := http.Post(ts.URL+"/connect/peer-1", "application/json", nil)
	if err != nil {
		t.Fatalf("connect request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted || ctrl.chosen != "peer-1" {
		t.Fatalf("unexpected status %d chosen=%q", resp.StatusCode, ctrl.chosen)
	}

	resp, err = http.Post(ts.URL+"/connect/ghost", "application/json", nil)
	if err != nil {
		t.Fatalf("connect request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown device, got %d", resp.StatusCode)
	}
	var payload errorPayload
	json.NewDecoder(resp.Body).Decode(&payload)
	if !strings.Contains(payload.Error, "unknown device") {
		t.Fatalf("unexpected error %q", payload.Error)
	}
}

func TestSettingsAndPlayer(t *testing.T) {
	ts, _ := newTestServer(t)

	body, _ := json.Marshal(state.Settings{Speed: state.SpeedCheetah})
	resp, err := http.Post(ts.URL+"/settings", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("settings request failed: %v", err)
	}
	defer resp.Body.Close()
	var settings state.Settings
	if err := json.NewDecoder(resp.Body).Decode(&settings); err != nil {
		t.Fatalf("decode settings: %v", err)
	}
	if settings.Speed != state.SpeedCheetah || settings.Controls != state.ControlsDPad {
		t.Fatalf("unexpected settings %+v", settings)
	}

	resp, err = http.Post(ts.URL+"/settings", "application/json", strings.NewReader("{"))
	if err != nil {
		t.Fatalf("settings request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad json, got %d", resp.StatusCode)
	}

	body, _ = json.Marshal(PlayerRequest{Name: "  Kim "})
	resp, err = http.Post(ts.URL+"/player", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("player request failed: %v", err)
	}
	defer resp.Body.Close()
	var player map[string]string
	json.NewDecoder(resp.Body).Decode(&player)
	if player["player_name"] != "Kim" {
		t.Fatalf("unexpected player response %v", player)
	}
}

func TestPairCodeIsPNG(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/pair.png")
	if err != nil {
		t.Fatalf("pair request failed: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "image/png" {
		t.Fatalf("unexpected content type %q", ct)
	}
	if _, err := png.Decode(resp.Body); err != nil {
		t.Fatalf("decode png: %v", err)
	}
}

func TestStreamPushesUpdates(t *testing.T) {
	ts, ctrl := newTestServer(t)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial ws: %v", err)
	}
	defer conn.Close()

	ctrl.sessions.Publish(session.State{Status: types.StatusConnected, Role: types.RoleHost, PeerID: "peer-1"})
	ctrl.games.Publish(state.Game{Lifecycle: state.LifecyclePlaying, Score: 15})

	seen := map[string]bool{}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for !(seen["session"] && seen["game"]) {
		var raw map[string]json.RawMessage
		if err := conn.ReadJSON(&raw); err != nil {
			t.Fatalf("read ws: %v", err)
		}
		var kind string
		json.Unmarshal(raw["type"], &kind)
		seen[kind] = true
	}
}

func TestDebugVars(t *testing.T) {
	ts, _ := newTestServer(t)
	resp, err := http.Get(ts.URL + "/debug/vars")
	if err != nil {
		t.Fatalf("debug vars request failed: %v", err)
	}
	defer resp.Body.Close()
	var vars map[string]json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&vars); err != nil {
		t.Fatalf("decode vars: %v", err)
	}
	if _, ok := vars["session_status"]; !ok {
		t.Fatal("expected session_status in expvars")
	}
}
