package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/ent0n29/lobbykit/internal/lobby"
)

type joinRequest struct {
	Code      string `json:"code"`
	SessionID string `json:"session_id"`
}

type kickRequest struct {
	UserID string `json:"user_id"`
}

type attributesRequest struct {
	SessionID  string            `json:"session_id,omitempty"`
	Attributes map[string]string `json:"attributes"`
}

type searchResponse struct {
	Sessions []lobby.SessionData `json:"sessions"`
	Count    int                 `json:"count"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req lobby.CreateOptions
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.BucketID) == "" {
		req.BucketID = s.cfg.BucketID
	}

	sess, err := s.lobby.CreateSession(r.Context(), req)
	if err != nil {
		respondLobbyError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleSearchSessions(w http.ResponseWriter, r *http.Request) {
	opts, err := s.searchOptionsFromQuery(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, string(lobby.StatusInvalidParameters), err.Error())
		return
	}
	sessions, err := s.lobby.SearchSessions(r.Context(), opts)
	if err != nil {
		respondLobbyError(w, err)
		return
	}
	if sessions == nil {
		sessions = []lobby.SessionData{}
	}
	respondJSON(w, http.StatusOK, searchResponse{Sessions: sessions, Count: len(sessions)})
}

func (s *Server) searchOptionsFromQuery(r *http.Request) (lobby.SearchOptions, error) {
	q := r.URL.Query()
	opts := lobby.NewSearch()

	if raw := strings.TrimSpace(q.Get("max")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return lobby.SearchOptions{}, errors.New("max must be a positive integer")
		}
		opts = opts.WithMaxResults(n)
	}
	if code := strings.TrimSpace(q.Get("code")); code != "" {
		opts = opts.WithJoinCode(code)
	}
	bucket := strings.TrimSpace(q.Get("bucket"))
	if bucket == "" {
		bucket = s.cfg.BucketID
	}
	if bucket != "" {
		opts = opts.InBucket(bucket)
	}

	flags := []struct {
		name  string
		apply func(lobby.SearchOptions) lobby.SearchOptions
	}{
		{"exclude_full", lobby.SearchOptions.ExcludingFull},
		{"exclude_passworded", lobby.SearchOptions.ExcludingPassworded},
		{"exclude_in_progress", lobby.SearchOptions.ExcludingInProgress},
	}
	for _, f := range flags {
		raw := strings.TrimSpace(q.Get(f.name))
		if raw == "" {
			continue
		}
		on, err := strconv.ParseBool(raw)
		if err != nil {
			return lobby.SearchOptions{}, errors.New(f.name + " must be a boolean")
		}
		if on {
			opts = f.apply(opts)
		}
	}

	for _, raw := range q["filter"] {
		f, err := lobby.ParseSearchFilter(raw)
		if err != nil {
			return lobby.SearchOptions{}, err
		}
		opts = opts.Where(f.Key, f.Comparator, f.Value)
	}
	return opts, nil
}

func (s *Server) handleCurrentSession(w http.ResponseWriter, _ *http.Request) {
	sess, ok := s.lobby.CurrentSession()
	if !ok {
		respondError(w, http.StatusNotFound, string(lobby.StatusNotFound), "not in a session")
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request) {
	var req joinRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	req.Code = strings.TrimSpace(req.Code)
	req.SessionID = strings.TrimSpace(req.SessionID)
	if (req.Code == "") == (req.SessionID == "") {
		respondError(w, http.StatusBadRequest, string(lobby.StatusInvalidParameters), "exactly one of code or session_id is required")
		return
	}

	var (
		sess lobby.SessionData
		err  error
	)
	if req.Code != "" {
		sess, err = s.lobby.JoinSessionByCode(r.Context(), req.Code)
	} else {
		sess, err = s.lobby.JoinSessionByID(r.Context(), req.SessionID)
	}
	if err != nil {
		respondLobbyError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

// handleLeave leaves the current session. With ?fast=true the call returns
// immediately and the backend leave completes in the background.
func (s *Server) handleLeave(w http.ResponseWriter, r *http.Request) {
	if fast, _ := strconv.ParseBool(r.URL.Query().Get("fast")); fast {
		s.lobby.LeaveSessionFast()
		respondJSON(w, http.StatusAccepted, map[string]any{"status": "leaving"})
		return
	}
	if err := s.lobby.LeaveSession(r.Context()); err != nil {
		respondLobbyError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"status": "left"})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	sess, err := s.lobby.RefreshSession(r.Context())
	if err != nil {
		respondLobbyError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

func (s *Server) handleKick(w http.ResponseWriter, r *http.Request) {
	var req kickRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if err := s.lobby.KickMember(r.Context(), strings.TrimSpace(req.UserID)); err != nil {
		respondLobbyError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"status": "kicked", "user_id": req.UserID})
}

func (s *Server) handleSetAttributes(w http.ResponseWriter, r *http.Request) {
	var req attributesRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	sessionID := strings.TrimSpace(req.SessionID)
	if sessionID == "" {
		if cur, ok := s.lobby.CurrentSession(); ok {
			sessionID = cur.SessionID
		}
	}
	if err := s.lobby.SetAttributesBatch(r.Context(), sessionID, req.Attributes); err != nil {
		respondLobbyError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"status": "updated", "session_id": sessionID, "count": len(req.Attributes)})
}

func (s *Server) handleSetMemberAttributes(w http.ResponseWriter, r *http.Request) {
	var req attributesRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if err := s.lobby.SetMemberAttributesBatch(r.Context(), req.Attributes); err != nil {
		respondLobbyError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"status": "updated", "count": len(req.Attributes)})
}

func (s *Server) handleRecentEvents(w http.ResponseWriter, _ *http.Request) {
	events := s.lobby.RecentEvents()
	if events == nil {
		events = []lobby.Event{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"events": events})
}
