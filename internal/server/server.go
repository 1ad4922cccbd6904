package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"fractallend/internal/lending"
	"fractallend/internal/money"
	"fractallend/internal/observability"
	"fractallend/internal/service"
)

const requestBodyLimit = 1 << 20 // 1 MiB

// Server is the REST surface over the lending service.
type Server struct {
	svc     *service.Service
	health  *observability.HealthChecker
	metrics *observability.Metrics
	log     zerolog.Logger
	router  chi.Router
}

func New(svc *service.Service, health *observability.HealthChecker, metrics *observability.Metrics) *Server {
	s := &Server{
		svc:     svc,
		health:  health,
		metrics: metrics,
		log:     observability.NewLogger("server"),
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.instrument)

	r.Route("/lending", func(r chi.Router) {
		r.Post("/request", s.createLoanRequest)
		r.Post("/fund/{id}", s.fundLoan)
		r.Post("/deposit/{id}", s.depositCollateral)
		r.Post("/repay/{id}", s.repay)
		r.Post("/release/{id}", s.releaseCollateral)
		r.Get("/position/{id}", s.getPosition)
		r.Get("/positions/{address}", s.positionsByAddress)
		r.Get("/health/{id}", s.healthFactor)
		r.Get("/pools", s.listPools)
		r.Post("/borrow", s.borrowFromPool)
		r.Post("/broadcast", s.broadcast)
		r.Post("/liquidations/sweep", s.runSweep)
	})

	if health != nil {
		r.Get("/healthz", health.LivenessHandler)
		r.Get("/readyz", health.ReadinessHandler)
	}

	s.router = r
	return s
}

// Handler returns the HTTP handler for the API listener.
func (s *Server) Handler() http.Handler {
	return s.router
}

// instrument records request counts and durations per route pattern.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		if s.metrics == nil {
			return
		}
		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = "unmatched"
		}
		code := strconv.Itoa(ww.Status())
		s.metrics.HTTPRequests.WithLabelValues(route, code).Inc()
		s.metrics.HTTPDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// ============================================================
// Request/response shapes
// ============================================================

type loanRequestBody struct {
	Borrower                string       `json:"borrower"`
	CollateralInscriptionID string       `json:"collateralInscriptionId"`
	CollateralAmount        money.Amount `json:"collateralAmount"`
	BorrowedTokenID         string       `json:"borrowedTokenId"`
	BorrowAmount            money.Amount `json:"borrowAmount"`
	InterestRate            money.Amount `json:"interestRate"`
	Duration                int64        `json:"duration"`
	LiquidationThreshold    money.Amount `json:"liquidationThreshold"`
}

type fundBody struct {
	Lender string `json:"lender"`
}

type borrowerBody struct {
	Borrower string `json:"borrower"`
}

type repayBody struct {
	Borrower string       `json:"borrower"`
	Amount   money.Amount `json:"amount"`
}

type poolBorrowBody struct {
	Borrower                string       `json:"borrower"`
	PoolID                  uuid.UUID    `json:"poolId"`
	CollateralInscriptionID string       `json:"collateralInscriptionId"`
	CollateralAmount        money.Amount `json:"collateralAmount"`
	BorrowAmount            money.Amount `json:"borrowAmount"`
}

type broadcastBody struct {
	SignedTx string `json:"signedTx"`
}

// positionView is the wire form of a position.
type positionView struct {
	ID                      uuid.UUID    `json:"id"`
	Borrower                string       `json:"borrower"`
	Lender                  string       `json:"lender,omitempty"`
	CollateralInscriptionID string       `json:"collateralInscriptionId"`
	CollateralAmount        money.Amount `json:"collateralAmount"`
	BorrowedTokenID         string       `json:"borrowedTokenId"`
	BorrowedAmount          money.Amount `json:"borrowedAmount"`
	InterestAccrued         money.Amount `json:"interestAccrued"`
	InterestRate            money.Amount `json:"interestRate"`
	Duration                int64        `json:"duration"`
	StartTime               *time.Time   `json:"startTime,omitempty"`
	LastUpdateTime          time.Time    `json:"lastUpdateTime"`
	LiquidationThreshold    money.Amount `json:"liquidationThreshold"`
	PoolID                  *uuid.UUID   `json:"poolId,omitempty"`
	Status                  string       `json:"status"`
}

func viewPosition(p *lending.Position) positionView {
	return positionView{
		ID:                      p.ID,
		Borrower:                p.Borrower,
		Lender:                  p.Lender,
		CollateralInscriptionID: p.CollateralInscriptionID,
		CollateralAmount:        p.CollateralAmount,
		BorrowedTokenID:         p.BorrowedTokenID,
		BorrowedAmount:          p.BorrowedAmount,
		InterestAccrued:         p.InterestAccrued,
		InterestRate:            p.InterestRate,
		Duration:                p.Duration,
		StartTime:               p.StartTime,
		LastUpdateTime:          p.LastUpdateTime,
		LiquidationThreshold:    p.LiquidationThreshold,
		PoolID:                  p.PoolID,
		Status:                  string(p.Status),
	}
}

func viewPositions(positions []*lending.Position) []positionView {
	out := make([]positionView, 0, len(positions))
	for _, p := range positions {
		out = append(out, viewPosition(p))
	}
	return out
}

type poolView struct {
	ID                     uuid.UUID    `json:"id"`
	CollateralTokenID      string       `json:"collateralTokenId"`
	LendingTokenID         string       `json:"lendingTokenId"`
	TotalDeposited         money.Amount `json:"totalDeposited"`
	TotalBorrowed          money.Amount `json:"totalBorrowed"`
	AvailableLiquidity     money.Amount `json:"availableLiquidity"`
	LiquidationThreshold   money.Amount `json:"liquidationThreshold"`
	InterestRate           money.Amount `json:"interestRate"`
	MinimumCollateralRatio money.Amount `json:"minimumCollateralRatio"`
}

func viewPool(p *lending.Pool) poolView {
	return poolView{
		ID:                     p.ID,
		CollateralTokenID:      p.CollateralTokenID,
		LendingTokenID:         p.LendingTokenID,
		TotalDeposited:         p.TotalDeposited,
		TotalBorrowed:          p.TotalBorrowed,
		AvailableLiquidity:     p.AvailableLiquidity(),
		LiquidationThreshold:   p.LiquidationThreshold,
		InterestRate:           p.InterestRate,
		MinimumCollateralRatio: p.MinimumCollateralRatio,
	}
}

type positionWithTx struct {
	Position   positionView `json:"position"`
	UnsignedTx string       `json:"unsignedTx"`
}

// ============================================================
// Handlers
// ============================================================

func (s *Server) createLoanRequest(w http.ResponseWriter, r *http.Request) {
	var body loanRequestBody
	if err := decodeRequest(r, &body); err != nil {
		writeBadRequest(w, err)
		return
	}

	p, err := s.svc.CreateLoanRequest(r.Context(), service.LoanRequest{
		Borrower:                body.Borrower,
		CollateralInscriptionID: body.CollateralInscriptionID,
		CollateralAmount:        body.CollateralAmount,
		BorrowedTokenID:         body.BorrowedTokenID,
		BorrowAmount:            body.BorrowAmount,
		InterestRate:            body.InterestRate,
		Duration:                body.Duration,
		LiquidationThreshold:    body.LiquidationThreshold,
	})
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, viewPosition(p))
}

func (s *Server) fundLoan(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	var body fundBody
	if err := decodeRequest(r, &body); err != nil {
		writeBadRequest(w, err)
		return
	}

	p, draft, err := s.svc.FundLoan(r.Context(), id, body.Lender)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, positionWithTx{Position: viewPosition(p), UnsignedTx: draft.UnsignedTx})
}

func (s *Server) depositCollateral(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	var body borrowerBody
	if err := decodeRequest(r, &body); err != nil {
		writeBadRequest(w, err)
		return
	}

	draft, err := s.svc.DepositCollateral(r.Context(), id, body.Borrower)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"unsignedTx": draft.UnsignedTx})
}

func (s *Server) repay(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	var body repayBody
	if err := decodeRequest(r, &body); err != nil {
		writeBadRequest(w, err)
		return
	}

	p, draft, err := s.svc.Repay(r.Context(), id, body.Borrower, body.Amount)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, positionWithTx{Position: viewPosition(p), UnsignedTx: draft.UnsignedTx})
}

func (s *Server) releaseCollateral(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	var body borrowerBody
	if err := decodeRequest(r, &body); err != nil {
		writeBadRequest(w, err)
		return
	}

	p, draft, err := s.svc.ReleaseCollateral(r.Context(), id, body.Borrower)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, positionWithTx{Position: viewPosition(p), UnsignedTx: draft.UnsignedTx})
}

func (s *Server) getPosition(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	p, err := s.svc.Position(r.Context(), id)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewPosition(p))
}

func (s *Server) positionsByAddress(w http.ResponseWriter, r *http.Request) {
	address := chi.URLParam(r, "address")
	positions, err := s.svc.PositionsByAddress(r.Context(), address)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewPositions(positions))
}

func (s *Server) healthFactor(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	health, err := s.svc.HealthFactor(r.Context(), id)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, health)
}

func (s *Server) listPools(w http.ResponseWriter, r *http.Request) {
	pools, err := s.svc.ListPools(r.Context())
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	out := make([]poolView, 0, len(pools))
	for _, p := range pools {
		out = append(out, viewPool(p))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) borrowFromPool(w http.ResponseWriter, r *http.Request) {
	var body poolBorrowBody
	if err := decodeRequest(r, &body); err != nil {
		writeBadRequest(w, err)
		return
	}

	p, err := s.svc.BorrowFromPool(r.Context(), service.PoolBorrow{
		Borrower:                body.Borrower,
		PoolID:                  body.PoolID,
		CollateralInscriptionID: body.CollateralInscriptionID,
		CollateralAmount:        body.CollateralAmount,
		BorrowAmount:            body.BorrowAmount,
	})
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, viewPosition(p))
}

func (s *Server) broadcast(w http.ResponseWriter, r *http.Request) {
	var body broadcastBody
	if err := decodeRequest(r, &body); err != nil {
		writeBadRequest(w, err)
		return
	}

	txid, err := s.svc.Broadcast(r.Context(), body.SignedTx)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"txId": txid})
}

func (s *Server) runSweep(w http.ResponseWriter, r *http.Request) {
	result, err := s.svc.Sweep(r.Context(), 0)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// ============================================================
// Plumbing
// ============================================================

func (s *Server) pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeBadRequest(w, fmt.Errorf("invalid position id: %w", err))
		return uuid.Nil, false
	}
	return id, true
}

func decodeRequest(r *http.Request, out interface{}) error {
	if r.Body == nil {
		return errors.New("missing request body")
	}
	defer r.Body.Close()

	data, err := io.ReadAll(io.LimitReader(r.Body, requestBodyLimit))
	if err != nil {
		return fmt.Errorf("read request body: %w", err)
	}
	if len(data) == 0 {
		return errors.New("request body is empty")
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode request: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeBadRequest(w http.ResponseWriter, err error) {
	writeJSONError(w, http.StatusBadRequest, err)
}

func writeJSONError(w http.ResponseWriter, status int, err error) {
	message := strings.TrimSpace(err.Error())
	if message == "" {
		message = http.StatusText(status)
	}
	writeJSON(w, status, map[string]string{"error": message})
}

// writeDomainError maps the error taxonomy onto HTTP statuses. Messages are
// surfaced verbatim except for unclassified errors, which stay in the logs.
func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, lending.ErrNotFound):
		writeJSONError(w, http.StatusNotFound, err)
	case errors.Is(err, lending.ErrForbidden):
		writeJSONError(w, http.StatusForbidden, err)
	case errors.Is(err, lending.ErrValidation), errors.Is(err, lending.ErrInvalidState):
		writeJSONError(w, http.StatusBadRequest, err)
	case errors.Is(err, lending.ErrConflict):
		writeJSONError(w, http.StatusConflict, err)
	case errors.Is(err, lending.ErrUpstream):
		writeJSONError(w, http.StatusBadGateway, err)
	default:
		s.log.Error().Err(err).Msg("unclassified error")
		writeJSONError(w, http.StatusInternalServerError, errors.New(http.StatusText(http.StatusInternalServerError)))
	}
}
