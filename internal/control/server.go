// Package control exposes the operator HTTP surface: health, metrics,
// status, pause/resume, the kill switch, the regime override and
// read-only views of positions, opportunities, decisions and trades.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/atmx/conviction-engine/internal/agent"
	"github.com/atmx/conviction-engine/internal/metrics"
	"github.com/atmx/conviction-engine/internal/model"
	"github.com/atmx/conviction-engine/internal/position"
)

const (
	defaultLimit = 50
	maxLimit     = 500
)

// Controller is the agent surface the handlers drive.
type Controller interface {
	Status(ctx context.Context) agent.Status
	Pause(reason string) bool
	Resume() (bool, error)
	Kill(ctx context.Context, reason string) agent.KillReport
	SetRegimeOverride(ctx context.Context, r model.Regime) error
	OpenPositions() []model.Position
	ClosePosition(ctx context.Context, id string) error
	Opportunities() []model.Opportunity
	Decisions(ctx context.Context, limit int) ([]model.EntryDecision, error)
	Trades(ctx context.Context, limit int) ([]model.CompletedTrade, error)
}

// Service holds the control handlers.
type Service struct {
	ctl    Controller
	ws     http.HandlerFunc // optional alert stream
	logger *slog.Logger
}

// NewService creates the handlers. ws may be nil.
func NewService(ctl Controller, ws http.HandlerFunc, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{ctl: ctl, ws: ws, logger: logger}
}

// NewRouter builds the full HTTP router.
func NewRouter(svc *Service, timeout time.Duration) http.Handler {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(timeout))
	r.Use(metrics.Middleware)
	r.Use(cors)

	r.Get("/health", svc.Health)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		if svc.ws != nil {
			r.Get("/ws", svc.ws)
		}

		r.Get("/status", svc.GetStatus)
		r.Post("/pause", svc.PostPause)
		r.Post("/resume", svc.PostResume)
		r.Post("/kill", svc.PostKill)
		r.Post("/regime", svc.PostRegime)

		r.Get("/positions", svc.ListPositions)
		r.Post("/positions/{positionID}/close", svc.ClosePosition)
		r.Get("/opportunities", svc.ListOpportunities)
		r.Get("/decisions", svc.ListDecisions)
		r.Get("/trades", svc.ListTrades)
	})
	return r
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// --- Request/Response types ---

// ReasonRequest is the optional JSON body for pause and kill.
type ReasonRequest struct {
	Reason string `json:"reason"`
}

// RegimeRequest is the JSON body for POST /regime. An empty regime
// clears the override.
type RegimeRequest struct {
	Regime string `json:"regime"`
}

// ToggleResponse reports the resulting pause state.
type ToggleResponse struct {
	Paused  bool `json:"paused"`
	Changed bool `json:"changed"`
}

// --- Handlers ---

// Health handles GET /health.
func (s *Service) Health(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok","service":"conviction-engine"}`))
}

// GetStatus handles GET /api/v1/status.
func (s *Service) GetStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ctl.Status(r.Context()))
}

// PostPause handles POST /api/v1/pause.
func (s *Service) PostPause(w http.ResponseWriter, r *http.Request) {
	var req ReasonRequest
	if !decodeOptional(w, r, &req) {
		return
	}
	if req.Reason == "" {
		req.Reason = "operator request"
	}
	changed := s.ctl.Pause(req.Reason)
	writeJSON(w, http.StatusOK, ToggleResponse{Paused: true, Changed: changed})
}

// PostResume handles POST /api/v1/resume.
func (s *Service) PostResume(w http.ResponseWriter, _ *http.Request) {
	changed, err := s.ctl.Resume()
	if errors.Is(err, agent.ErrKilled) {
		writeError(w, "kill switch active; restart required", http.StatusConflict)
		return
	}
	if err != nil {
		s.logger.Error("resume failed", "err", err)
		writeError(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, ToggleResponse{Paused: false, Changed: changed})
}

// PostKill handles POST /api/v1/kill. Liquidation keeps running if the
// client goes away.
func (s *Service) PostKill(w http.ResponseWriter, r *http.Request) {
	var req ReasonRequest
	if !decodeOptional(w, r, &req) {
		return
	}
	if req.Reason == "" {
		req.Reason = "operator request"
	}
	rep := s.ctl.Kill(context.WithoutCancel(r.Context()), req.Reason)
	status := http.StatusOK
	if rep.Failed > 0 {
		status = http.StatusMultiStatus
	}
	writeJSON(w, status, rep)
}

// PostRegime handles POST /api/v1/regime.
func (s *Service) PostRegime(w http.ResponseWriter, r *http.Request) {
	var req RegimeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	var regime model.Regime
	if req.Regime != "" {
		parsed, err := model.ParseRegime(req.Regime)
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		regime = parsed
	}
	if err := s.ctl.SetRegimeOverride(r.Context(), regime); err != nil {
		s.logger.Error("regime override failed", "err", err)
		writeError(w, "failed to set regime override", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"regime_override": string(regime)})
}

// ListPositions handles GET /api/v1/positions.
func (s *Service) ListPositions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.ctl.OpenPositions())
}

// ClosePosition handles POST /api/v1/positions/{positionID}/close.
func (s *Service) ClosePosition(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "positionID")
	err := s.ctl.ClosePosition(context.WithoutCancel(r.Context()), id)
	switch {
	case errors.Is(err, position.ErrNotFound):
		writeError(w, "position not found", http.StatusNotFound)
	case errors.Is(err, position.ErrSellFailed):
		writeError(w, err.Error(), http.StatusBadGateway)
	case err != nil:
		s.logger.Error("close position failed", "position", id, "err", err)
		writeError(w, "internal error", http.StatusInternalServerError)
	default:
		writeJSON(w, http.StatusOK, map[string]string{"closed": id})
	}
}

// ListOpportunities handles GET /api/v1/opportunities. An optional
// status query filters the result.
func (s *Service) ListOpportunities(w http.ResponseWriter, r *http.Request) {
	opps := s.ctl.Opportunities()
	if want := r.URL.Query().Get("status"); want != "" {
		filtered := opps[:0]
		for _, o := range opps {
			if string(o.Status) == want {
				filtered = append(filtered, o)
			}
		}
		opps = filtered
	}
	writeJSON(w, http.StatusOK, opps)
}

// ListDecisions handles GET /api/v1/decisions.
func (s *Service) ListDecisions(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	out, err := s.ctl.Decisions(r.Context(), limit)
	if err != nil {
		s.logger.Error("list decisions failed", "err", err)
		writeError(w, "failed to list decisions", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// ListTrades handles GET /api/v1/trades.
func (s *Service) ListTrades(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	out, err := s.ctl.Trades(r.Context(), limit)
	if err != nil {
		s.logger.Error("list trades failed", "err", err)
		writeError(w, "failed to list trades", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// --- Helpers ---

func parseLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultLimit, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		writeError(w, "limit must be a positive integer", http.StatusBadRequest)
		return 0, false
	}
	return min(n, maxLimit), true
}

// decodeOptional accepts an empty body.
func decodeOptional(w http.ResponseWriter, r *http.Request, v any) bool {
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return true
	}
	writeError(w, "invalid request body", http.StatusBadRequest)
	return false
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
