package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ElvisLiaooo/homeassistant-catlink/internal/core/auth"
	"github.com/ElvisLiaooo/homeassistant-catlink/internal/core/coordinator"
	"github.com/ElvisLiaooo/homeassistant-catlink/internal/core/devices"
	"github.com/ElvisLiaooo/homeassistant-catlink/internal/core/state"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
	wsBuffer       = 64
)

// Backend is what the API serves. *coordinator.Coordinator implements it.
type Backend interface {
	Status() coordinator.Status
	Snapshot() *state.Snapshot
	Refresh(ctx context.Context) error
	ExecuteNamed(ctx context.Context, deviceID int64, name string, args devices.Args) (devices.Command, error)
	Reauthenticate(password string)
	Bus() *state.EventBus
}

// Server is the HTTP API server.
type Server struct {
	backend  Backend
	corsAll  bool
	log      *slog.Logger
	mux      *http.ServeMux
	upgrader websocket.Upgrader
}

// NewServer creates a new HTTP API server.
func NewServer(backend Backend, corsAll bool, log *slog.Logger) *Server {
	s := &Server{
		backend: backend,
		corsAll: corsAll,
		log:     log,
		mux:     http.NewServeMux(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
	}
	if corsAll {
		s.upgrader.CheckOrigin = func(*http.Request) bool { return true }
	}
	s.routes()
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	if !s.corsAll {
		return s.mux
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		s.mux.ServeHTTP(w, r)
	})
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/status", s.handleGetStatus)
	s.mux.HandleFunc("GET /api/snapshot", s.handleGetSnapshot)
	s.mux.HandleFunc("GET /api/devices", s.handleListDevices)
	s.mux.HandleFunc("GET /api/devices/{id}", s.handleGetDevice)
	s.mux.HandleFunc("GET /api/ws", s.handleWebsocket)

	s.mux.HandleFunc("POST /api/refresh", s.handleRefresh)
	s.mux.HandleFunc("POST /api/auth", s.handleReauth)
	s.mux.HandleFunc("POST /api/devices/{id}/{command}", s.handleCommand)

	s.mux.HandleFunc("GET /{$}", s.handleIndex)
}

func (s *Server) handleIndex(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	fmt.Fprint(w, `<html><body><h1>Catlink Bridge</h1><p><a href="/api/status">API Status</a> · <a href="/api/devices">Devices</a></p></body></html>`)
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("failed to encode json response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func (s *Server) readJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

// --- Handlers ---

func (s *Server) handleGetStatus(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, s.backend.Status())
}

func (s *Server) handleGetSnapshot(w http.ResponseWriter, _ *http.Request) {
	snap := s.backend.Snapshot()
	if snap == nil {
		s.writeError(w, http.StatusServiceUnavailable, "no snapshot yet")
		return
	}
	s.writeJSON(w, snap)
}

type deviceResponse struct {
	state.Device
	Name     string   `json:"name"`
	Commands []string `json:"commands"`
}

func newDeviceResponse(d state.Device) deviceResponse {
	return deviceResponse{Device: d, Name: d.Name(), Commands: devices.Commands(d.Kind)}
}

func (s *Server) handleListDevices(w http.ResponseWriter, _ *http.Request) {
	list := s.backend.Snapshot().Devices()
	out := make([]deviceResponse, 0, len(list))
	for _, d := range list {
		out = append(out, newDeviceResponse(d))
	}
	s.writeJSON(w, map[string]any{"devices": out})
}

func (s *Server) deviceID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid device id")
		return 0, false
	}
	return id, true
}

func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	id, ok := s.deviceID(w, r)
	if !ok {
		return
	}
	dev, ok := s.backend.Snapshot().Device(id)
	if !ok {
		s.writeError(w, http.StatusNotFound, "device not found")
		return
	}
	s.writeJSON(w, newDeviceResponse(dev))
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if err := s.backend.Refresh(r.Context()); err != nil {
		s.writeError(w, statusFor(err), err.Error())
		return
	}
	s.writeJSON(w, s.backend.Status())
}

type reauthBody struct {
	Password string `json:"password"`
}

func (s *Server) handleReauth(w http.ResponseWriter, r *http.Request) {
	var body reauthBody
	if err := s.readJSON(r, &body); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if body.Password == "" {
		s.writeError(w, http.StatusBadRequest, "password is required")
		return
	}
	s.backend.Reauthenticate(body.Password)
	s.writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	id, ok := s.deviceID(w, r)
	if !ok {
		return
	}
	// Action commands need no arguments, so an empty body is fine.
	var args devices.Args
	if err := s.readJSON(r, &args); err != nil && !errors.Is(err, io.EOF) {
		s.writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}

	cmd, err := s.backend.ExecuteNamed(r.Context(), id, r.PathValue("command"), args)
	if err != nil {
		s.writeError(w, statusFor(err), err.Error())
		return
	}
	s.writeJSON(w, map[string]any{"status": "ok", "command": cmd})
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, coordinator.ErrUnknownDevice):
		return http.StatusNotFound
	case errors.Is(err, devices.ErrUnknownCommand), errors.Is(err, devices.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, devices.ErrNightModeOff):
		return http.StatusConflict
	case errors.Is(err, auth.ErrAuth):
		return http.StatusUnauthorized
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

// --- Websocket ---

// handleWebsocket streams bus events. The current snapshot is sent first so
// clients start from a complete view.
func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	events, unsub := s.backend.Bus().Subscribe(wsBuffer)
	defer unsub()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Reads only detect the client going away.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if snap := s.backend.Snapshot(); snap != nil {
		if err := s.writeWS(conn, state.Event{Type: state.EventSnapshot, Timestamp: snap.FetchedAt, Data: snap}); err != nil {
			return
		}
	}

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	s.log.Debug("websocket client connected", "remote", r.RemoteAddr)
	for {
		select {
		case <-ctx.Done():
			s.log.Debug("websocket client disconnected", "remote", r.RemoteAddr)
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			if err := s.writeWS(conn, evt); err != nil {
				s.log.Debug("websocket write failed", "error", err)
				return
			}
		case <-ping.C:
			deadline := time.Now().Add(wsWriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}

func (s *Server) writeWS(conn *websocket.Conn, evt state.Event) error {
	if err := conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout)); err != nil {
		return err
	}
	return conn.WriteJSON(evt)
}
