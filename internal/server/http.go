package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"VerseBet/internal/event"
	"VerseBet/internal/ingestion"
	"VerseBet/internal/observability"
	"VerseBet/internal/projection"
	"VerseBet/internal/query"
	"VerseBet/internal/state"
)

// EngineGateway routes requests onto the engine's processing goroutine.
// The engine is single-threaded; all mutation goes through here.
type EngineGateway interface {
	// SubmitEvent enqueues an event for processing. Blocks until accepted
	// or ctx expires.
	SubmitEvent(ctx context.Context, evt event.Event) error

	// CreateProposal registers a new proposal on the engine goroutine.
	CreateProposal(ctx context.Context, p *state.Proposal) error
}

// Server is the HTTP API: read endpoints backed by the projection
// database, an ingest surface for operators and bridge daemons, and a
// websocket stream for price ticks.
type Server struct {
	httpServer *http.Server
	addr       string

	db           *sql.DB
	queries      *query.Service
	gateway      EngineGateway
	hub          *Hub
	priceHistory *projection.PriceHistory
	health       *observability.HealthChecker
	logger       zerolog.Logger
}

// Config holds the server's tunables.
type Config struct {
	Addr      string
	RateLimit float64
	RateBurst int
}

func New(cfg Config, db *sql.DB, queries *query.Service, gateway EngineGateway, hub *Hub, history *projection.PriceHistory, health *observability.HealthChecker, logger zerolog.Logger) *Server {
	s := &Server{
		addr:         cfg.Addr,
		db:           db,
		queries:      queries,
		gateway:      gateway,
		hub:          hub,
		priceHistory: history,
		health:       health,
		logger:       logger.With().Str("component", "server").Logger(),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	if cfg.RateLimit > 0 {
		r.Use(perClientRateLimit(cfg.RateLimit, cfg.RateBurst))
	}

	r.Get("/healthz", s.health.LivenessHandler)
	r.Get("/readyz", s.health.ReadinessHandler)

	r.Route("/v1", func(r chi.Router) {
		r.Route("/users/{userID}", func(r chi.Router) {
			r.Get("/balance", s.handleGetBalance)
			r.Get("/positions", s.handleGetPositions)
			r.Get("/chains", s.handleGetChains)
			r.Get("/journal", s.handleGetJournal)
		})

		r.Route("/proposals", func(r chi.Router) {
			r.Get("/", s.handleListProposals)
			r.Get("/{proposalID}", s.handleGetProposal)
			r.Get("/{proposalID}/borrow-epochs", s.handleGetBorrowEpochs)
			r.Get("/{proposalID}/prices", s.handleGetPriceHistory)
		})

		r.Post("/events/{eventType}", s.handleSubmitEvent)

		r.Route("/admin", func(r chi.Router) {
			r.Post("/proposals", s.handleCreateProposal)
			r.Get("/integrity", s.handleVerifyIntegrity)
			r.Post("/projections/rebuild", s.handleRebuildBalances)
		})
	})

	if s.hub != nil {
		r.Get("/ws", s.hub.ServeWS)
	}

	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn().Err(err).Msg("http shutdown")
		}
	}()

	s.logger.Info().Str("addr", s.addr).Msg("http server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ----------------------------------------------------------------------------
// Read endpoints
// ----------------------------------------------------------------------------

func (s *Server) handleGetBalance(w http.ResponseWriter, r *http.Request) {
	userID, err := uuid.Parse(chi.URLParam(r, "userID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid user id")
		return
	}

	bal, err := s.queries.GetBalance(r.Context(), userID)
	if err != nil {
		s.internalError(w, r, "get balance", err)
		return
	}
	writeJSON(w, http.StatusOK, bal)
}

func (s *Server) handleGetPositions(w http.ResponseWriter, r *http.Request) {
	userID, err := uuid.Parse(chi.URLParam(r, "userID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid user id")
		return
	}
	includeClosed := r.URL.Query().Get("include_closed") == "true"

	positions, err := s.queries.GetPositions(r.Context(), userID, includeClosed)
	if err != nil {
		s.internalError(w, r, "get positions", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"positions": positions})
}

func (s *Server) handleGetChains(w http.ResponseWriter, r *http.Request) {
	userID, err := uuid.Parse(chi.URLParam(r, "userID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid user id")
		return
	}

	chains, err := s.queries.GetChains(r.Context(), userID)
	if err != nil {
		s.internalError(w, r, "get chains", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"chains": chains})
}

func (s *Server) handleGetJournal(w http.ResponseWriter, r *http.Request) {
	userID, err := uuid.Parse(chi.URLParam(r, "userID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid user id")
		return
	}

	limit := queryInt(r, "limit", 100)
	var before *int64
	if v := r.URL.Query().Get("before"); v != "" {
		seq, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid before cursor")
			return
		}
		before = &seq
	}

	entries, err := s.queries.GetJournalHistory(r.Context(), userID, limit, before)
	if err != nil {
		s.internalError(w, r, "get journal", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"entries": entries})
}

func (s *Server) handleListProposals(w http.ResponseWriter, r *http.Request) {
	verseID := r.URL.Query().Get("verse")
	limit := queryInt(r, "limit", 100)

	proposals, err := s.queries.ListProposals(r.Context(), verseID, limit)
	if err != nil {
		s.internalError(w, r, "list proposals", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"proposals": proposals})
}

func (s *Server) handleGetProposal(w http.ResponseWriter, r *http.Request) {
	proposalID, err := uuid.Parse(chi.URLParam(r, "proposalID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid proposal id")
		return
	}

	prop, err := s.queries.GetProposal(r.Context(), proposalID)
	if err != nil {
		s.internalError(w, r, "get proposal", err)
		return
	}
	if prop == nil {
		writeError(w, http.StatusNotFound, "proposal not found")
		return
	}
	writeJSON(w, http.StatusOK, prop)
}

func (s *Server) handleGetBorrowEpochs(w http.ResponseWriter, r *http.Request) {
	proposalID, err := uuid.Parse(chi.URLParam(r, "proposalID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid proposal id")
		return
	}
	limit := queryInt(r, "limit", 100)

	epochs, err := s.queries.GetBorrowEpochs(r.Context(), proposalID, limit)
	if err != nil {
		s.internalError(w, r, "get borrow epochs", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"epochs": epochs})
}

func (s *Server) handleGetPriceHistory(w http.ResponseWriter, r *http.Request) {
	proposalID, err := uuid.Parse(chi.URLParam(r, "proposalID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid proposal id")
		return
	}
	limit := queryInt(r, "limit", 100)

	var ticks []projection.PriceTick
	if s.priceHistory != nil {
		ticks = s.priceHistory.Recent(proposalID, limit)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ticks": ticks})
}

// ----------------------------------------------------------------------------
// Ingest
// ----------------------------------------------------------------------------

// handleSubmitEvent accepts the same wire payloads the NATS subjects carry,
// for operator tooling and backfill. The body goes through the identical
// parse path as a broker delivery.
func (s *Server) handleSubmitEvent(w http.ResponseWriter, r *http.Request) {
	eventType := chi.URLParam(r, "eventType")

	body := http.MaxBytesReader(w, r.Body, 1<<20)
	buf, err := io.ReadAll(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body: "+err.Error())
		return
	}

	raw := ingestion.RawEvent{
		Subject:   "http." + eventType,
		Data:      buf,
		Timestamp: time.Now(),
	}
	evt, err := ingestion.ParseRawEvent(raw, eventType)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.gateway.SubmitEvent(r.Context(), evt); err != nil {
		s.internalError(w, r, "submit event", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"accepted":        true,
		"idempotency_key": evt.IdempotencyKey(),
	})
}

// ----------------------------------------------------------------------------
// Admin
// ----------------------------------------------------------------------------

type createProposalRequest struct {
	VerseID      string `json:"verse_id"`
	Question     string `json:"question"`
	AMM          string `json:"amm"`
	OutcomeCount uint16 `json:"outcome_count"`
	LiquidityB   int64  `json:"liquidity_b"`
	Slot         int64  `json:"slot"`
}

func (s *Server) handleCreateProposal(w http.ResponseWriter, r *http.Request) {
	var req createProposalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "decode body: "+err.Error())
		return
	}

	kind, err := parseAMMKind(req.AMM)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	prop, err := state.NewProposal(uuid.New(), req.VerseID, req.Question, kind, req.OutcomeCount, req.LiquidityB, req.Slot)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.gateway.CreateProposal(r.Context(), prop); err != nil {
		s.internalError(w, r, "create proposal", err)
		return
	}

	// Seed the read model so queries see the proposal before its first trade.
	if err := projection.UpsertProposal(r.Context(), s.db, prop, 0); err != nil {
		s.logger.Warn().Err(err).Str("proposal", prop.ProposalID.String()).Msg("seed proposal projection")
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"proposal_id":   prop.ProposalID.String(),
		"verse_id":      prop.VerseID,
		"amm":           prop.AMM.String(),
		"outcome_count": prop.OutcomeCount,
	})
}

func (s *Server) handleVerifyIntegrity(w http.ResponseWriter, r *http.Request) {
	report, err := s.queries.VerifyIntegrity(r.Context())
	if err != nil {
		s.internalError(w, r, "verify integrity", err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleRebuildBalances(w http.ResponseWriter, r *http.Request) {
	if err := projection.RebuildBalances(r.Context(), s.db); err != nil {
		s.internalError(w, r, "rebuild balances", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"rebuilt": true})
}

// ----------------------------------------------------------------------------
// Helpers
// ----------------------------------------------------------------------------

func parseAMMKind(name string) (state.AMMKind, error) {
	switch name {
	case "lmsr", "LMSR":
		return state.AMMKindLMSR, nil
	case "pmamm", "PMAMM", "pm-amm":
		return state.AMMKindPMAMM, nil
	case "hybrid", "Hybrid", "":
		return state.AMMKindHybrid, nil
	default:
		return 0, fmt.Errorf("unknown amm kind %q", name)
	}
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) internalError(w http.ResponseWriter, r *http.Request, op string, err error) {
	s.logger.Error().Err(err).Str("path", r.URL.Path).Msg(op)
	writeError(w, http.StatusInternalServerError, op+" failed")
}
