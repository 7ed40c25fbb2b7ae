package p2p

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/fedbtc/fedbtcd/internal/config"
	"github.com/fedbtc/fedbtcd/internal/rsk"
)

// session is an authenticated inbound peer session.
type session struct {
	nodeID  string
	expires time.Time
}

// pendingHandshake tracks the server-side challenge issued during init.
type pendingHandshake struct {
	serverChallenge string
	serverSecurity  string
	created         time.Time
}

// Server accepts handshakes and authenticated messages from peers and feeds
// them into the group's inbound queue.
type Server struct {
	group *Group

	mu       sync.Mutex
	pending  map[string]pendingHandshake // keyed by client challenge
	sessions map[string]session          // keyed by bearer token
}

// NewServer creates the federation HTTP server for a group.
func NewServer(group *Group) *Server {
	return &Server{
		group:    group,
		pending:  make(map[string]pendingHandshake),
		sessions: make(map[string]session),
	}
}

// Router builds the chi router for the federation endpoints.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Post("/fed/v1/handshake/init", s.handleHandshakeInit)
	r.Post("/fed/v1/handshake/complete", s.handleHandshakeComplete)
	r.Post("/fed/v1/message", s.handleMessage)
	return r
}

func (s *Server) handleHandshakeInit(w http.ResponseWriter, r *http.Request) {
	var req handshakeInitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "bad request body")
		return
	}
	if req.Version != config.HandshakeVersion {
		httpError(w, http.StatusBadRequest, fmt.Sprintf("unsupported handshake version %d", req.Version))
		return
	}

	// Prove we control a federator key over the client's challenge.
	serverSignature, err := signHandshake(req.ClientChallenge, req.ClientSecurity, s.group.key)
	if err != nil {
		slog.Warn("handshake init signing failed", "error", err)
		httpError(w, http.StatusBadRequest, "bad challenge material")
		return
	}

	serverChallenge, err := newChallenge()
	if err != nil {
		httpError(w, http.StatusInternalServerError, "challenge generation failed")
		return
	}
	serverSecurity, err := newChallenge()
	if err != nil {
		httpError(w, http.StatusInternalServerError, "challenge generation failed")
		return
	}

	s.mu.Lock()
	s.prunePendingLocked()
	s.pending[req.ClientChallenge] = pendingHandshake{
		serverChallenge: serverChallenge,
		serverSecurity:  serverSecurity,
		created:         time.Now(),
	}
	s.mu.Unlock()

	writeJSON(w, handshakeInitResponse{
		ServerSignature: serverSignature,
		ServerChallenge: serverChallenge,
		ServerSecurity:  serverSecurity,
	})
}

func (s *Server) handleHandshakeComplete(w http.ResponseWriter, r *http.Request) {
	var req handshakeCompleteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "bad request body")
		return
	}

	s.mu.Lock()
	pending, ok := s.pending[req.ClientChallenge]
	delete(s.pending, req.ClientChallenge)
	s.mu.Unlock()

	if !ok {
		httpError(w, http.StatusBadRequest, "unknown handshake")
		return
	}

	clientAddr, err := verifyHandshake(r.Context(), pending.serverChallenge, pending.serverSecurity,
		req.ClientSignature, s.group.lookup)
	if err != nil {
		slog.Warn("handshake rejected", "error", err)
		httpError(w, http.StatusForbidden, "handshake rejected")
		return
	}

	token := uuid.NewString()
	s.mu.Lock()
	s.sessions[token] = session{nodeID: clientAddr, expires: time.Now().Add(config.SessionTokenTTL)}
	s.mu.Unlock()

	slog.Info("peer authenticated", "nodeId", clientAddr)
	writeJSON(w, handshakeCompleteResponse{SessionToken: token, NodeID: s.group.localID})
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	nodeID, ok := s.authenticate(r)
	if !ok {
		httpError(w, http.StatusUnauthorized, "missing or expired session")
		return
	}

	var env Envelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		httpError(w, http.StatusBadRequest, "bad envelope")
		return
	}

	// The envelope's claimed source must match the authenticated session.
	if !rsk.SameAddress(env.SourceNodeID, nodeID) {
		slog.Warn("envelope source does not match session",
			"claimed", env.SourceNodeID,
			"session", nodeID,
		)
		httpError(w, http.StatusForbidden, "source mismatch")
		return
	}
	env.SourceNodeID = rsk.NormalizeAddress(env.SourceNodeID)

	select {
	case s.group.inbound <- env:
		w.WriteHeader(http.StatusAccepted)
	default:
		slog.Warn("inbound message queue full, dropping",
			"type", env.Type,
			"source", env.SourceNodeID,
		)
		httpError(w, http.StatusServiceUnavailable, "queue full")
	}
}

func (s *Server) authenticate(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok || token == "" {
		return "", false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[token]
	if !ok {
		return "", false
	}
	if time.Now().After(sess.expires) {
		delete(s.sessions, token)
		return "", false
	}
	return sess.nodeID, true
}

func (s *Server) prunePendingLocked() {
	cutoff := time.Now().Add(-time.Minute)
	for challenge, pending := range s.pending {
		if pending.created.Before(cutoff) {
			delete(s.pending, challenge)
		}
	}
}

func httpError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{"error": msg})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(v)
}
