// Package api exposes the session over HTTP: snapshot endpoints for UIs,
// mapping management, the learn protocol, and the surface WebSocket.
package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/openmixer/mixcore/internal/surface"
	"github.com/openmixer/mixcore/pkg/control"
	"github.com/openmixer/mixcore/pkg/engine"
)

// Server holds the HTTP handlers over a running session.
type Server struct {
	session *engine.Session
	log     *zap.Logger
}

// NewServer builds the router for a session. A nil logger disables
// logging.
func NewServer(session *engine.Session, log *zap.Logger) (*Server, http.Handler) {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{session: session, log: log}

	router := mux.NewRouter()
	router.HandleFunc("/api/session", s.sessionHandler).Methods(http.MethodGet)
	router.HandleFunc("/api/decks", s.decksHandler).Methods(http.MethodGet)
	router.HandleFunc("/api/decks/{id}", s.deckHandler).Methods(http.MethodGet)
	router.HandleFunc("/api/mappings", s.mappingsHandler).Methods(http.MethodGet)
	router.HandleFunc("/api/learn", s.startLearnHandler).Methods(http.MethodPost)
	router.HandleFunc("/api/learn", s.cancelLearnHandler).Methods(http.MethodDelete)
	router.HandleFunc("/api/health", s.healthHandler).Methods(http.MethodGet)
	router.Handle("/ws/surface", surface.NewHandler(session.Binder(), log.Named("surface")))

	return s, router
}

func (s *Server) sessionHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.session.Snapshot())
}

func (s *Server) decksHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.session.Snapshot().Decks)
}

func (s *Server) deckHandler(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusBadRequest, "deck id must be an integer")
		return
	}
	decks := s.session.Snapshot().Decks
	if id < 0 || id >= len(decks) {
		writeError(w, http.StatusNotFound, "no such deck")
		return
	}
	writeJSON(w, http.StatusOK, decks[id])
}

func (s *Server) mappingsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.session.Binder().Export())
}

// learnRequest arms the one-shot learn session.
type learnRequest struct {
	DeviceID  string `json:"device_id"`
	Action    string `json:"action"`
	Target    string `json:"target"`
	Parameter string `json:"parameter,omitempty"`
}

func (s *Server) startLearnHandler(w http.ResponseWriter, r *http.Request) {
	var req learnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed learn request")
		return
	}
	if req.DeviceID == "" || req.Action == "" {
		writeError(w, http.StatusBadRequest, "device_id and action are required")
		return
	}
	err := s.session.Binder().StartLearning(req.DeviceID, control.Action(req.Action), req.Target, req.Parameter)
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	s.log.Info("learn session armed",
		zap.String("device_id", req.DeviceID), zap.String("action", req.Action))
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "learning"})
}

func (s *Server) cancelLearnHandler(w http.ResponseWriter, r *http.Request) {
	s.session.Binder().CancelLearning()
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	snap := s.session.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"health":         snap.Health,
		"degraded_steps": snap.Degraded,
		"chunk_frames":   snap.ChunkFrames,
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
