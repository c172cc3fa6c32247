package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"expvar"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/skip2/go-qrcode"

	"github.com/0xphantomotr/snakelink/pkg/node"
	"github.com/0xphantomotr/snakelink/pkg/session"
	"github.com/0xphantomotr/snakelink/pkg/state"
	"github.com/0xphantomotr/snakelink/pkg/types"
)

const wsWriteTimeout = 5 * time.Second

// Controller is the action surface the UI drives.
type Controller interface {
	ID() string
	Status() node.Status
	Devices() []types.PeerDevice
	Game() state.Game

	StartScan()
	ChooseDevice(id string) error
	Disconnect()
	Reset()
	Fail(err error)

	StartGame()
	GameOver()
	ResetGame()
	EnterLobby()
	SetSettings(s state.Settings)
	SetPlayerName(name string)

	SubscribeSession() (<-chan session.State, func())
	SubscribeGame() (<-chan state.Game, func())
}

type PlayerRequest struct {
	Name string `json:"name"`
}

// FaultRequest reports a platform fault, such as revoked radio permission.
type FaultRequest struct {
	Reason string `json:"reason"`
}

type DevicesResponse struct {
	Devices []types.PeerDevice `json:"devices"`
}

// Update is one message on the /ws stream. Exactly one of Session and Game is set.
type Update struct {
	Type    string         `json:"type"`
	Session *session.State `json:"session,omitempty"`
	Game    *state.Game    `json:"game,omitempty"`
}

type Server struct {
	ctrl       Controller
	upgrader   websocket.Upgrader
	httpServer *http.Server
}

func NewServer(ctrl Controller, listenAddr string) *Server {
	mux := http.NewServeMux()
	srv := &Server{
		ctrl: ctrl,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The UI is served from the device itself or a dev server on the LAN.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	mux.HandleFunc("/healthz", srv.handleHealth)
	mux.HandleFunc("/status", srv.handleStatus)
	mux.HandleFunc("/devices", srv.handleDevices)
	mux.HandleFunc("/scan", srv.post(ctrl.StartScan))
	mux.HandleFunc("/connect/", srv.handleConnect)
	mux.HandleFunc("/disconnect", srv.post(ctrl.Disconnect))
	mux.HandleFunc("/reset", srv.post(ctrl.Reset))
	mux.HandleFunc("/fault", srv.handleFault)
	mux.HandleFunc("/game", srv.handleGame)
	mux.HandleFunc("/game/start", srv.post(ctrl.StartGame))
	mux.HandleFunc("/game/over", srv.post(ctrl.GameOver))
	mux.HandleFunc("/game/reset", srv.post(ctrl.ResetGame))
	mux.HandleFunc("/game/lobby", srv.post(ctrl.EnterLobby))
	mux.HandleFunc("/settings", srv.handleSettings)
	mux.HandleFunc("/player", srv.handlePlayer)
	mux.HandleFunc("/ws", srv.handleStream)
	mux.HandleFunc("/pair.png", srv.handlePairCode)
	mux.Handle("/debug/vars", expvar.Handler())
	srv.httpServer = &http.Server{Addr: listenAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	return srv
}

func (s *Server) Start() error {
	log.Infof("rpc listening on %s", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.ctrl.Status())
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	devices := s.ctrl.Devices()
	if devices == nil {
		devices = []types.PeerDevice{}
	}
	writeJSON(w, http.StatusOK, DevicesResponse{Devices: devices})
}

func (s *Server) handleGame(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.ctrl.Game())
}

// post wraps an action that takes no input and cannot fail.
func (s *Server) post(action func()) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		action()
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
	}
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/connect/")
	if id == "" {
		writeJSON(w, http.StatusBadRequest, errorPayload{Error: "missing device id"})
		return
	}
	if err := s.ctrl.ChooseDevice(id); err != nil {
		writeJSON(w, http.StatusNotFound, errorResponse(err))
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "connecting", "peer_id": id})
}

func (s *Server) handleFault(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	defer r.Body.Close()

	var req FaultRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse(err))
		return
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		writeJSON(w, http.StatusBadRequest, errorPayload{Error: "missing reason"})
		return
	}
	log.Warnf("platform fault: %s", reason)
	s.ctrl.Fail(errors.New(reason))
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *Server) handleSettings(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.ctrl.Game().Settings)
	case http.MethodPost:
		defer r.Body.Close()
		var req state.Settings
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse(err))
			return
		}
		s.ctrl.SetSettings(req)
		writeJSON(w, http.StatusOK, s.ctrl.Game().Settings)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handlePlayer(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	defer r.Body.Close()

	var req PlayerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse(err))
		return
	}
	s.ctrl.SetPlayerName(req.Name)
	writeJSON(w, http.StatusOK, map[string]string{"player_name": s.ctrl.Game().PlayerName})
}

// handleStream pushes session and game updates until the client goes away.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debugf("ws upgrade: %v", err)
		return
	}
	defer conn.Close()

	sessions, stopSessions := s.ctrl.SubscribeSession()
	defer stopSessions()
	games, stopGames := s.ctrl.SubscribeGame()
	defer stopGames()

	// Reads only detect the close; clients do not send anything.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		var msg Update
		select {
		case <-gone:
			return
		case <-r.Context().Done():
			return
		case st, ok := <-sessions:
			if !ok {
				return
			}
			msg = Update{Type: "session", Session: &st}
		case g, ok := <-games:
			if !ok {
				return
			}
			msg = Update{Type: "game", Game: &g}
		}
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := conn.WriteJSON(msg); err != nil {
			log.Debugf("ws write: %v", err)
			return
		}
	}
}

// handlePairCode renders the device id as a QR code for the other player to scan.
func (s *Server) handlePairCode(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	png, err := qrcode.Encode(s.ctrl.ID(), qrcode.Medium, 256)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse(err))
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(png)
}

type errorPayload struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func errorResponse(err error) errorPayload {
	return errorPayload{Error: err.Error()}
}
