package api

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"cakesim/internal/config"
	"cakesim/internal/game"
	"cakesim/internal/store"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
)

type Server struct {
	cfg  config.APIConfig
	log  *slog.Logger
	game *game.Service
	mux  *chi.Mux
}

func New(cfg config.APIConfig, logger *slog.Logger, gameSvc *game.Service) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:  cfg,
		log:  logger,
		game: gameSvc,
		mux:  chi.NewRouter(),
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) routes() {
	r := s.mux
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	})

	r.Route("/v1", func(r chi.Router) {
		r.Post("/teams", s.handleCreateTeam)
		r.Get("/teams/{team}", s.handleTeam)
		r.Get("/teams/{team}/inventory", s.handleInventory)

		r.Post("/teams/{team}/prices", s.handleSubmitPrices)
		r.Get("/teams/{team}/prices", s.handlePriceHistory)
		r.Post("/teams/{team}/demand/preview", s.handlePreviewDemand)

		r.Post("/teams/{team}/plans", s.handleSubmitPlan)
		r.Get("/teams/{team}/plans", s.handlePlanHistory)

		r.Post("/teams/{team}/investments", s.handleInvest)
		r.Get("/teams/{team}/investments", s.handleInvestments)

		r.Get("/leaderboard", s.handleLeaderboard)
		r.Get("/round", s.handleRound)

		r.Group(func(r chi.Router) {
			r.Use(s.adminMiddleware)
			r.Post("/admin/round/advance", s.handleAdvanceRound)
			r.Post("/admin/round/lock", s.handleLockRound)
			r.Post("/admin/finalize", s.handleFinalize)
		})
	})
}

func (s *Server) adminMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r.Header.Get("Authorization"))
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AdminToken)) != 1 {
			writeError(w, http.StatusUnauthorized, "invalid admin token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleCreateTeam(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	team, err := s.game.CreateTeam(r.Context(), req.Name)
	if err != nil {
		s.writeGameError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, team)
}

func (s *Server) handleTeam(w http.ResponseWriter, r *http.Request) {
	team, err := s.game.Team(r.Context(), chi.URLParam(r, "team"))
	if err != nil {
		s.writeGameError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, team)
}

func (s *Server) handleInventory(w http.ResponseWriter, r *http.Request) {
	category := strings.TrimSpace(r.URL.Query().Get("category"))
	if category != store.CategoryIngredient && category != store.CategoryCapacity {
		writeError(w, http.StatusBadRequest, "category must be ingredient or capacity")
		return
	}
	stock, err := s.game.Inventory(r.Context(), chi.URLParam(r, "team"), category)
	if err != nil {
		s.writeGameError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"category": category, "stock": stock})
}

type priceRequest struct {
	Round int               `json:"round"`
	Lines []game.PriceInput `json:"lines"`
}

func (s *Server) handleSubmitPrices(w http.ResponseWriter, r *http.Request) {
	var req priceRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	sub, err := s.game.SubmitPrices(r.Context(), chi.URLParam(r, "team"), req.Round, req.Lines, idempotencyKey(r))
	if err != nil {
		s.writeGameError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sub)
}

func (s *Server) handlePriceHistory(w http.ResponseWriter, r *http.Request) {
	subs, err := s.game.PriceHistory(r.Context(), chi.URLParam(r, "team"))
	if err != nil {
		s.writeGameError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"submissions": subs})
}

func (s *Server) handlePreviewDemand(w http.ResponseWriter, r *http.Request) {
	var req priceRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	preview, err := s.game.PreviewDemand(r.Context(), req.Round, req.Lines)
	if err != nil {
		s.writeGameError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"round": req.Round, "lines": preview})
}

func (s *Server) handleSubmitPlan(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Round int              `json:"round"`
		Lines []store.PlanLine `json:"lines"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	plan, err := s.game.SubmitPlan(r.Context(), chi.URLParam(r, "team"), req.Round, req.Lines, idempotencyKey(r))
	if err != nil {
		s.writeGameError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, plan)
}

func (s *Server) handlePlanHistory(w http.ResponseWriter, r *http.Request) {
	plans, err := s.game.PlanHistory(r.Context(), chi.URLParam(r, "team"))
	if err != nil {
		s.writeGameError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"plans": plans})
}

func (s *Server) handleInvest(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Ingredients map[string]float64 `json:"ingredients"`
		Capacity    map[string]float64 `json:"capacity"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	inv, err := s.game.Invest(r.Context(), chi.URLParam(r, "team"), req.Ingredients, req.Capacity)
	if err != nil {
		s.writeGameError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, inv)
}

func (s *Server) handleInvestments(w http.ResponseWriter, r *http.Request) {
	invs, err := s.game.Investments(r.Context(), chi.URLParam(r, "team"))
	if err != nil {
		s.writeGameError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"investments": invs})
}

func (s *Server) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	board, err := s.game.Leaderboard(r.Context())
	if err != nil {
		s.writeGameError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"teams": board})
}

func (s *Server) handleRound(w http.ResponseWriter, r *http.Request) {
	state, err := s.game.RoundState(r.Context())
	if err != nil {
		s.writeGameError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleAdvanceRound(w http.ResponseWriter, r *http.Request) {
	state, err := s.game.AdvanceRound(r.Context())
	if err != nil {
		s.writeGameError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleLockRound(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Locked bool `json:"locked"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	state, err := s.game.SetLocked(r.Context(), req.Locked)
	if err != nil {
		s.writeGameError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleFinalize(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Round int `json:"round"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Round == 0 {
		state, err := s.game.RoundState(r.Context())
		if err != nil {
			s.writeGameError(w, err)
			return
		}
		req.Round = state.CurrentRound
	}
	res, err := s.game.FinalizeRound(r.Context(), req.Round)
	if err != nil {
		s.writeGameError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// writeGameError maps the game error taxonomy onto HTTP statuses: missing
// records 404, duplicates and replays 409, a closed round 423, rule
// violations 422.
func (s *Server) writeGameError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, game.ErrTeamNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, game.ErrAlreadySubmitted), errors.Is(err, game.ErrRoundFinalized):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, game.ErrLocked):
		writeError(w, http.StatusLocked, err.Error())
	case errors.Is(err, game.ErrWrongRound),
		errors.Is(err, game.ErrPricesRequired),
		errors.Is(err, game.ErrEmptySubmission),
		errors.Is(err, game.ErrUnknownCake),
		errors.Is(err, game.ErrUnknownChannel),
		errors.Is(err, game.ErrUnknownResource),
		errors.Is(err, game.ErrMinimumBatch),
		errors.Is(err, game.ErrCapacityExceeded),
		errors.Is(err, game.ErrInsufficientIngredients),
		errors.Is(err, game.ErrInsufficientFunds):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		s.log.Error("request failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func decodeJSON(r *http.Request, out any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(out)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": strings.TrimSpace(message)})
}

func idempotencyKey(r *http.Request) string {
	key := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	if key != "" {
		return key
	}
	return uuid.NewString()
}

func bearerToken(header string) string {
	header = strings.TrimSpace(header)
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
