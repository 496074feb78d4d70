// Package httpapi exposes the REST surface: session lifecycle, deck drafts,
// and catalog lookups. Anything that mutates a running session goes through
// that session's worker so the state machine stays single-threaded.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"go.uber.org/zap"

	"github.com/auxclash/auxclash-backend/internal/catalog"
	"github.com/auxclash/auxclash-backend/internal/deck"
	"github.com/auxclash/auxclash-backend/internal/engine"
	"github.com/auxclash/auxclash-backend/internal/hub"
	"github.com/auxclash/auxclash-backend/internal/session"
	"github.com/auxclash/auxclash-backend/internal/store"
	"github.com/auxclash/auxclash-backend/internal/types"
)

const (
	codeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	codeLength   = 6
	// codeRetries bounds regeneration when a freshly minted join code collides
	// with a live session's.
	codeRetries = 5

	minDeckSize       = 3
	maxDeckSize       = 10
	defaultMaxPlayers = 8
	defaultRoundSec   = 30
)

type Server struct {
	store   store.Store
	hub     *hub.Hub
	decks   *deck.Service
	catalog catalog.Gateway
	log     *zap.Logger

	// genCode is swappable in tests to force collisions.
	genCode func() string
}

func NewServer(st store.Store, h *hub.Hub, decks *deck.Service, cat catalog.Gateway, log *zap.Logger) *Server {
	return &Server{
		store:   st,
		hub:     h,
		decks:   decks,
		catalog: cat,
		log:     log,
		genCode: func() string { return gonanoid.MustGenerate(codeAlphabet, codeLength) },
	}
}

type createSessionRequest struct {
	Name             string          `json:"name"`
	HostID           string          `json:"host_id"`
	DeckSize         int             `json:"deck_size"`
	MaxPlayers       int             `json:"max_players"`
	RoundDurationSec int             `json:"round_duration_sec"`
	Artist           types.ArtistRef `json:"artist"`
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	req.Name = strings.TrimSpace(req.Name)
	switch {
	case req.Name == "":
		writeJSONError(w, http.StatusBadRequest, "name is required")
		return
	case req.HostID == "":
		writeJSONError(w, http.StatusBadRequest, "host_id is required")
		return
	case req.DeckSize < minDeckSize || req.DeckSize > maxDeckSize:
		writeJSONError(w, http.StatusBadRequest, "deck_size must be between 3 and 10")
		return
	case req.Artist.ID == "" || req.Artist.Name == "":
		writeJSONError(w, http.StatusBadRequest, "artist is required")
		return
	}
	if req.MaxPlayers == 0 {
		req.MaxPlayers = defaultMaxPlayers
	}
	if req.MaxPlayers < 2 {
		writeJSONError(w, http.StatusBadRequest, "max_players must be at least 2")
		return
	}
	if req.RoundDurationSec == 0 {
		req.RoundDurationSec = defaultRoundSec
	}
	if req.RoundDurationSec < 5 {
		writeJSONError(w, http.StatusBadRequest, "round_duration_sec must be at least 5")
		return
	}

	meta := store.Session{
		ID:               uuid.NewString(),
		Name:             req.Name,
		HostID:           req.HostID,
		MaxPlayers:       req.MaxPlayers,
		RoundDurationSec: req.RoundDurationSec,
		DeckSize:         req.DeckSize,
		Status:           engine.StatusWaiting,
		ArtistID:         req.Artist.ID,
		ArtistName:       req.Artist.Name,
		ArtistImageURL:   req.Artist.ImageURL,
	}
	host := store.Participant{
		SessionID: meta.ID,
		UserID:    req.HostID,
		IsHost:    true,
	}

	var created bool
	for attempt := 0; attempt < codeRetries; attempt++ {
		meta.Code = s.genCode()
		err := s.store.CreateSession(r.Context(), &meta, &host)
		if err == nil {
			created = true
			break
		}
		if !errors.Is(err, store.ErrConflict) {
			s.log.Error("create session", zap.Error(err))
			writeJSONError(w, http.StatusServiceUnavailable, "could not create session")
			return
		}
	}
	if !created {
		s.log.Error("join code space exhausted", zap.Int("attempts", codeRetries))
		writeJSONError(w, http.StatusServiceUnavailable, "could not allocate a join code")
		return
	}

	worker, err := s.hub.Create(r.Context(), meta, engine.NewState(req.HostID, req.DeckSize, req.MaxPlayers))
	if err != nil {
		// The record exists but no worker is running; startup recovery will
		// resume it.
		s.log.Error("spawn session worker", zap.String("session_id", meta.ID), zap.Error(err))
		writeJSONError(w, http.StatusServiceUnavailable, "could not start session")
		return
	}

	snap, err := worker.Snapshot(r.Context())
	if err != nil {
		writeWorkerError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusCreated, snap)
}

type joinSessionRequest struct {
	Code   string `json:"code"`
	UserID string `json:"user_id"`
}

func (s *Server) joinSession(w http.ResponseWriter, r *http.Request) {
	var req joinSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.Code = strings.ToUpper(strings.TrimSpace(req.Code))
	if req.Code == "" || req.UserID == "" {
		writeJSONError(w, http.StatusBadRequest, "code and user_id are required")
		return
	}

	sess, err := s.store.SessionByCode(r.Context(), req.Code)
	if err != nil {
		writeStoreError(w, s.log, err)
		return
	}
	worker := s.hub.Get(r.Context(), sess.ID)
	if worker == nil {
		writeJSONError(w, http.StatusNotFound, "session is not running")
		return
	}

	snap, err := worker.Do(r.Context(), engine.Command{Type: engine.CmdJoin, UserID: req.UserID})
	if err != nil {
		writeWorkerError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.store.ActiveSessions(r.Context())
	if err != nil {
		writeStoreError(w, s.log, err)
		return
	}

	type listed struct {
		ID         string          `json:"id"`
		Code       string          `json:"code"`
		Name       string          `json:"name"`
		Status     engine.Status   `json:"status"`
		MaxPlayers int             `json:"max_players"`
		DeckSize   int             `json:"deck_size"`
		Artist     types.ArtistRef `json:"artist"`
	}
	out := make([]listed, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, listed{
			ID:         sess.ID,
			Code:       sess.Code,
			Name:       sess.Name,
			Status:     sess.Status,
			MaxPlayers: sess.MaxPlayers,
			DeckSize:   sess.DeckSize,
			Artist: types.ArtistRef{
				ID:       sess.ArtistID,
				Name:     sess.ArtistName,
				ImageURL: sess.ArtistImageURL,
			},
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if worker := s.hub.Get(r.Context(), id); worker != nil {
		snap, err := worker.Snapshot(r.Context())
		if err == nil {
			writeJSON(w, http.StatusOK, snap)
			return
		}
		if !errors.Is(err, engine.ErrSessionGone) {
			writeWorkerError(w, s.log, err)
			return
		}
	}

	// No live worker: serve the terminal record from the store.
	sess, err := s.store.SessionByID(r.Context(), id)
	if err != nil {
		writeStoreError(w, s.log, err)
		return
	}
	participants, err := s.store.Participants(r.Context(), id)
	if err != nil {
		writeStoreError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, terminalSnapshot(sess, participants))
}

func (s *Server) leaveSession(w http.ResponseWriter, r *http.Request) {
	s.dispatch(w, r, func(userID string) engine.Command {
		return engine.Command{Type: engine.CmdLeave, UserID: userID}
	})
}

func (s *Server) startSession(w http.ResponseWriter, r *http.Request) {
	s.dispatch(w, r, func(userID string) engine.Command {
		return engine.Command{Type: engine.CmdStart, UserID: userID}
	})
}

func (s *Server) deleteSession(w http.ResponseWriter, r *http.Request) {
	s.dispatch(w, r, func(userID string) engine.Command {
		return engine.Command{Type: engine.CmdCancel, UserID: userID}
	})
}

type userRequest struct {
	UserID string `json:"user_id"`
}

// dispatch runs a user-scoped command against the session named in the URL.
func (s *Server) dispatch(w http.ResponseWriter, r *http.Request, build func(userID string) engine.Command) {
	var req userRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		writeJSONError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	worker := s.hub.Get(r.Context(), chi.URLParam(r, "id"))
	if worker == nil {
		writeJSONError(w, http.StatusNotFound, "session is not running")
		return
	}

	snap, err := worker.Do(r.Context(), build(req.UserID))
	if err != nil {
		writeWorkerError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

type deckRequest struct {
	UserID   string   `json:"user_id"`
	TrackIDs []string `json:"track_ids"`
}

func (s *Server) saveDeckDraft(w http.ResponseWriter, r *http.Request) {
	var req deckRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		writeJSONError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	if err := s.decks.SaveDraft(r.Context(), chi.URLParam(r, "id"), req.UserID, req.TrackIDs); err != nil {
		writeDeckError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "saved"})
}

func (s *Server) submitDeck(w http.ResponseWriter, r *http.Request) {
	var req deckRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		writeJSONError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	id := chi.URLParam(r, "id")

	if err := s.decks.ValidateSubmit(r.Context(), id, req.UserID, req.TrackIDs); err != nil {
		writeDeckError(w, s.log, err)
		return
	}

	worker := s.hub.Get(r.Context(), id)
	if worker == nil {
		writeJSONError(w, http.StatusNotFound, "session is not running")
		return
	}
	snap, err := worker.Do(r.Context(), engine.Command{
		Type:     engine.CmdSubmitDeck,
		UserID:   req.UserID,
		TrackIDs: req.TrackIDs,
	})
	if err != nil {
		writeWorkerError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) searchArtists(w http.ResponseWriter, r *http.Request) {
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	if q == "" {
		writeJSONError(w, http.StatusBadRequest, "q is required")
		return
	}
	artists, err := s.catalog.SearchArtists(r.Context(), q)
	if err != nil {
		s.log.Error("artist search", zap.String("query", q), zap.Error(err))
		writeJSONError(w, http.StatusBadGateway, "artist search failed")
		return
	}
	writeJSON(w, http.StatusOK, artists)
}

func (s *Server) artistTopTracks(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "artistID")
	tracks, err := s.catalog.ArtistTopTracks(r.Context(), id)
	if err != nil {
		s.log.Error("top tracks", zap.String("artist_id", id), zap.Error(err))
		writeJSONError(w, http.StatusBadGateway, "track lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, tracks)
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// terminalSnapshot rebuilds a read-only view for sessions with no live worker.
func terminalSnapshot(sess *store.Session, participants []store.Participant) *types.SessionSnapshot {
	players := make([]types.PlayerView, 0, len(participants))
	for _, p := range participants {
		players = append(players, types.PlayerView{
			UserID: p.UserID,
			IsHost: p.IsHost,
			Score:  p.Score,
		})
	}
	return &types.SessionSnapshot{
		ID:               sess.ID,
		Code:             sess.Code,
		Name:             sess.Name,
		HostID:           sess.HostID,
		Status:           string(sess.Status),
		Round:            sess.CurrentRound,
		DeckSize:         sess.DeckSize,
		MaxPlayers:       sess.MaxPlayers,
		RoundDurationSec: sess.RoundDurationSec,
		Artist: types.ArtistRef{
			ID:       sess.ArtistID,
			Name:     sess.ArtistName,
			ImageURL: sess.ArtistImageURL,
		},
		Players: players,
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeWorkerError maps engine and worker failures onto HTTP statuses.
func writeWorkerError(w http.ResponseWriter, log *zap.Logger, err error) {
	var precond *engine.PreconditionError
	var invalid *engine.ValidationError
	switch {
	case errors.As(err, &invalid):
		writeJSONError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &precond):
		writeJSONError(w, http.StatusConflict, err.Error())
	case errors.Is(err, engine.ErrNotHost):
		writeJSONError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, engine.ErrNotParticipant):
		writeJSONError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, engine.ErrWrongPhase):
		writeJSONError(w, http.StatusConflict, err.Error())
	case errors.Is(err, engine.ErrSessionGone):
		writeJSONError(w, http.StatusNotFound, "session no longer exists")
	case errors.Is(err, session.ErrStoreUnavailable):
		writeJSONError(w, http.StatusServiceUnavailable, "storage unavailable, try again")
	default:
		log.Error("session command", zap.Error(err))
		writeJSONError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeStoreError(w http.ResponseWriter, log *zap.Logger, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeJSONError(w, http.StatusNotFound, "session not found")
	case errors.Is(err, store.ErrConflict):
		writeJSONError(w, http.StatusConflict, err.Error())
	default:
		log.Error("store query", zap.Error(err))
		writeJSONError(w, http.StatusServiceUnavailable, "storage unavailable, try again")
	}
}

func writeDeckError(w http.ResponseWriter, log *zap.Logger, err error) {
	switch {
	case errors.Is(err, deck.ErrInvalidDeckSize),
		errors.Is(err, deck.ErrIncompleteDeck),
		errors.Is(err, deck.ErrDuplicateTrack),
		errors.Is(err, deck.ErrInvalidTrack):
		writeJSONError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, deck.ErrAlreadySubmitted), errors.Is(err, deck.ErrDecksLocked):
		writeJSONError(w, http.StatusConflict, err.Error())
	case errors.Is(err, store.ErrNotFound):
		writeJSONError(w, http.StatusNotFound, "session not found")
	default:
		log.Error("deck operation", zap.Error(err))
		writeJSONError(w, http.StatusServiceUnavailable, "storage unavailable, try again")
	}
}
