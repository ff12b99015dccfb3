package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/ent0n29/lobbykit/internal/config"
	"github.com/ent0n29/lobbykit/internal/lobby"
	"github.com/ent0n29/lobbykit/internal/observability"
)

// Lobby is the coordinator surface served over HTTP.
type Lobby interface {
	LocalUserID() string
	CurrentSession() (lobby.SessionData, bool)
	CreateSession(ctx context.Context, opts lobby.CreateOptions) (lobby.SessionData, error)
	SearchSessions(ctx context.Context, opts lobby.SearchOptions) ([]lobby.SessionData, error)
	JoinSessionByCode(ctx context.Context, code string) (lobby.SessionData, error)
	JoinSessionByID(ctx context.Context, sessionID string) (lobby.SessionData, error)
	LeaveSession(ctx context.Context) error
	LeaveSessionFast()
	RefreshSession(ctx context.Context) (lobby.SessionData, error)
	KickMember(ctx context.Context, targetUserID string) error
	SetAttributesBatch(ctx context.Context, sessionID string, attrs map[string]string) error
	SetMemberAttributesBatch(ctx context.Context, attrs map[string]string) error
	Subscribe() (<-chan lobby.Event, func())
	RecentEvents() []lobby.Event
}

type Server struct {
	cfg      config.Config
	lobby    Lobby
	metrics  *observability.Metrics
	logger   zerolog.Logger
	upgrader websocket.Upgrader
}

func New(cfg config.Config, coordinator Lobby, metrics *observability.Metrics, logger zerolog.Logger) *Server {
	return &Server{
		cfg:     cfg,
		lobby:   coordinator,
		metrics: metrics,
		logger:  logger.With().Str("component", "httpapi").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Browser connections must come from the same origin unless
				// APP_ALLOW_ANY_ORIGIN is set.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})
	r.Get("/v1/perf/latency", s.handlePerfLatency)
	r.Delete("/v1/perf/latency", s.handleResetPerfLatency)

	r.Route("/v1/lobby", func(r chi.Router) {
		r.Post("/sessions", s.handleCreateSession)
		r.Get("/sessions", s.handleSearchSessions)
		r.Get("/current", s.handleCurrentSession)
		r.Post("/join", s.handleJoin)
		r.Post("/leave", s.handleLeave)
		r.Post("/refresh", s.handleRefresh)
		r.Post("/kick", s.handleKick)
		r.Put("/attributes", s.handleSetAttributes)
		r.Put("/member-attributes", s.handleSetMemberAttributes)
		r.Get("/events", s.handleRecentEvents)
		r.Get("/events/ws", s.handleEventsWS)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	_, inSession := s.lobby.CurrentSession()
	respondJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"user_id":    s.lobby.LocalUserID(),
		"in_session": inSession,
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":  "ready",
		"backend": s.cfg.ResolvedBackend(),
	})
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

// respondLobbyError maps a coordinator error onto an HTTP status and the
// lobby status code.
func respondLobbyError(w http.ResponseWriter, err error) {
	status := lobby.StatusOf(err)
	respondError(w, httpStatusFor(status), string(status), err.Error())
}

func httpStatusFor(status lobby.Status) int {
	switch status {
	case lobby.StatusSuccess:
		return http.StatusOK
	case lobby.StatusInvalidParameters:
		return http.StatusBadRequest
	case lobby.StatusNotFound:
		return http.StatusNotFound
	case lobby.StatusAlreadyInSession:
		return http.StatusConflict
	case lobby.StatusLimitExceeded:
		return http.StatusTooManyRequests
	case lobby.StatusUnauthorized:
		return http.StatusForbidden
	case lobby.StatusPartialFailure:
		return http.StatusUnprocessableEntity
	case lobby.StatusNotConfigured:
		return http.StatusServiceUnavailable
	case lobby.StatusCanceled:
		return http.StatusRequestTimeout
	default:
		return http.StatusBadGateway
	}
}
