// Package control exposes a local HTTP API over a unix socket so CLI
// commands can talk to a running watch process instead of mutating its
// state files behind its back.
package control

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/snagtools/snag/internal/catalog"
	snagerrors "github.com/snagtools/snag/internal/errors"
	"github.com/snagtools/snag/internal/state"
)

// Backend is the engine surface the API exposes.
type Backend interface {
	Snapshot() state.Snapshot
	Request(state.Trigger) error
	ListCaptures(sessionID, bugID string) ([]catalog.Capture, error)
}

// Rebinder swaps a hotkey action's shortcut in the running process.
type Rebinder interface {
	Rebind(action, combo string) error
}

// StateResponse is the wire form of a state snapshot.
type StateResponse struct {
	Mode      string    `json:"mode"`
	SessionID string    `json:"session_id,omitempty"`
	BugID     string    `json:"bug_id,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CaptureResponse is the wire form of one indexed capture.
type CaptureResponse struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	BugID     string    `json:"bug_id,omitempty"`
	FilePath  string    `json:"file_path"`
	Seq       int       `json:"seq"`
	Kind      string    `json:"kind"`
	CreatedAt time.Time `json:"created_at"`
}

type transitionRequest struct {
	Trigger string `json:"trigger"`
}

type rebindRequest struct {
	Action string `json:"action"`
	Combo  string `json:"combo"`
}

type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Server serves the control API on a unix socket.
type Server struct {
	backend Backend
	path    string
	log     *log.Logger
	hotkeys Rebinder

	http *http.Server
	ln   net.Listener
}

func NewServer(backend Backend, socketPath string, logger *log.Logger) *Server {
	s := &Server{backend: backend, path: socketPath, log: logger}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/v1/state", s.handleState)
	r.Post("/v1/transition", s.handleTransition)
	r.Get("/v1/captures", s.handleCaptures)
	r.Post("/v1/hotkeys", s.handleRebind)

	s.http = &http.Server{Handler: r}
	return s
}

// SetRebinder enables the hotkey rebind endpoint. Call before Start.
func (s *Server) SetRebinder(rb Rebinder) {
	s.hotkeys = rb
}

// Start binds the socket and serves in the background. A socket file left
// behind by a dead process is replaced; a live one is an error, since two
// watch processes would fight over the OS redirect.
func (s *Server) Start() error {
	ln, err := net.Listen("unix", s.path)
	if err != nil {
		if conn, dialErr := net.DialTimeout("unix", s.path, 200*time.Millisecond); dialErr == nil {
			conn.Close()
			return fmt.Errorf("another watch process is already running on %s", s.path)
		}
		if rmErr := os.Remove(s.path); rmErr != nil {
			return fmt.Errorf("cannot replace stale control socket: %w", rmErr)
		}
		ln, err = net.Listen("unix", s.path)
		if err != nil {
			return fmt.Errorf("cannot bind control socket: %w", err)
		}
	}
	s.ln = ln

	go func() {
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) && s.log != nil {
			s.log.Error("control server stopped", "error", err)
		}
	}()
	return nil
}

// Close stops serving and removes the socket file.
func (s *Server) Close() error {
	err := s.http.Close()
	os.Remove(s.path)
	return err
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, toStateResponse(s.backend.Snapshot()))
}

func (s *Server) handleTransition(w http.ResponseWriter, r *http.Request) {
	var req transitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, snagerrors.NewInvalidRequest("invalid request body"))
		return
	}
	trigger, err := state.ParseTrigger(req.Trigger)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.backend.Request(trigger); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toStateResponse(s.backend.Snapshot()))
}

func (s *Server) handleCaptures(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session")
	if sessionID == "" {
		sessionID = s.backend.Snapshot().SessionID
	}
	if sessionID == "" {
		writeError(w, snagerrors.NewNotFound("session", "active"))
		return
	}

	caps, err := s.backend.ListCaptures(sessionID, r.URL.Query().Get("bug"))
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]CaptureResponse, 0, len(caps))
	for _, c := range caps {
		out = append(out, CaptureResponse{
			ID:        c.ID,
			SessionID: c.SessionID,
			BugID:     c.BugID,
			FilePath:  c.FilePath,
			Seq:       c.Seq,
			Kind:      c.Kind,
			CreatedAt: c.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleRebind(w http.ResponseWriter, r *http.Request) {
	if s.hotkeys == nil {
		writeError(w, snagerrors.NewNotFound("hotkey coordinator", "running"))
		return
	}
	var req rebindRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, snagerrors.NewInvalidRequest("invalid request body"))
		return
	}
	if err := s.hotkeys.Rebind(req.Action, req.Combo); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func toStateResponse(snap state.Snapshot) StateResponse {
	return StateResponse{
		Mode:      string(snap.Mode),
		SessionID: snap.SessionID,
		BugID:     snap.BugID,
		UpdatedAt: snap.UpdatedAt,
	}
}

// statusFor maps error codes to HTTP statuses. Rejected or failed
// transitions are conflicts: the request was well-formed but the engine
// cannot honor it right now.
func statusFor(code snagerrors.Code) int {
	switch code {
	case snagerrors.CodeInvalidRequest:
		return http.StatusBadRequest
	case snagerrors.CodeNotFound:
		return http.StatusNotFound
	case snagerrors.CodeInvalidTransition,
		snagerrors.CodeRedirectUnavailable,
		snagerrors.CodeHotkeyConflict,
		snagerrors.CodeCaptureAssignmentFailed,
		snagerrors.CodeWatcherStartFailed:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	code := snagerrors.CodeOf(err)
	var body errorBody
	body.Error.Code = string(code)
	body.Error.Message = err.Error()
	writeJSON(w, statusFor(code), body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
