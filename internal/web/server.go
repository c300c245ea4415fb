package web

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/lendingd/internal/domain"
	"github.com/vadiminshakov/lendingd/internal/engine"
	"github.com/vadiminshakov/lendingd/internal/events"
	"github.com/vadiminshakov/lendingd/internal/metrics"
	"github.com/vadiminshakov/lendingd/internal/services/credit"
	"go.uber.org/zap"
	"golang.org/x/crypto/acme/autocert"
)

const maxBodyBytes = 1 << 20

// Engine operations served over HTTP.
type Engine interface {
	DepositCollateral(ctx context.Context, userID, asset string, amount decimal.Decimal) (engine.DepositResult, error)
	WithdrawCollateral(ctx context.Context, userID, asset string, amount decimal.Decimal) (engine.WithdrawResult, error)
	Borrow(ctx context.Context, userID, asset string, amount decimal.Decimal, durationDays int) (engine.BorrowResult, error)
	Repay(ctx context.Context, userID, loanID string, amount decimal.Decimal) (engine.RepayResult, error)
	CheckAndLiquidate(ctx context.Context, userID string) (domain.LiquidationCheck, error)
	UserSummary(ctx context.Context, userID string) (engine.UserSummary, error)
	CreditSummary(userID string) (credit.Summary, error)
	GlobalStats(ctx context.Context) (engine.GlobalStats, error)
	LiquidationsAfter(index uint64) ([]events.Liquidation, error)
}

// Server exposes the lending engine as a JSON API with an SSE liquidation stream.
type Server struct {
	Addr        string
	engine      Engine
	auth        *Authenticator
	metrics     *metrics.Metrics
	broadcaster *events.LiquidationBroadcaster
	logger      *zap.Logger

	pollInterval      time.Duration
	heartbeatInterval time.Duration
}

// Option configures the server.
type Option func(*Server)

// WithMetrics instruments routes and serves /metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithBroadcaster wakes stream readers as soon as a liquidation is published
// instead of waiting for the next poll.
func WithBroadcaster(b *events.LiquidationBroadcaster) Option {
	return func(s *Server) { s.broadcaster = b }
}

// NewServer creates a new web server instance.
func NewServer(addr string, eng Engine, auth *Authenticator, logger *zap.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		Addr:              addr,
		engine:            eng,
		auth:              auth,
		logger:            logger.With(zap.String("component", "web")),
		pollInterval:      2 * time.Second,
		heartbeatInterval: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Handle("/healthz", s.instrument("healthz", http.HandlerFunc(s.handleHealth))).Methods(http.MethodGet)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	}

	api := r.PathPrefix("/api/v1").Subrouter()
	api.Use(s.auth.Middleware)
	api.Handle("/collateral/deposit", s.instrument("deposit", http.HandlerFunc(s.handleDeposit))).Methods(http.MethodPost)
	api.Handle("/collateral/withdraw", s.instrument("withdraw", http.HandlerFunc(s.handleWithdraw))).Methods(http.MethodPost)
	api.Handle("/loans", s.instrument("borrow", http.HandlerFunc(s.handleBorrow))).Methods(http.MethodPost)
	api.Handle("/loans/{loanID}/repay", s.instrument("repay", http.HandlerFunc(s.handleRepay))).Methods(http.MethodPost)
	api.Handle("/users/{userID}/summary", s.instrument("user_summary", http.HandlerFunc(s.handleUserSummary))).Methods(http.MethodGet)
	api.Handle("/users/{userID}/credit", s.instrument("credit_summary", http.HandlerFunc(s.handleCreditSummary))).Methods(http.MethodGet)
	api.Handle("/users/{userID}/liquidation-check", s.instrument("liquidation_check", http.HandlerFunc(s.handleLiquidationCheck))).Methods(http.MethodPost)
	api.Handle("/stats", s.instrument("stats", http.HandlerFunc(s.handleStats))).Methods(http.MethodGet)
	api.Handle("/liquidations/stream", s.instrument("liquidation_stream", http.HandlerFunc(s.handleLiquidationStream))).Methods(http.MethodGet)

	return r
}

func (s *Server) instrument(route string, h http.Handler) http.Handler {
	return s.metrics.Middleware(route)(h)
}

// Start runs the HTTP server (blocking) and shuts it down when ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	server := &http.Server{
		Addr:              s.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	s.logger.Info("api listening", zap.String("addr", s.Addr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// StartWithAutoTLS runs the API over HTTPS with Let's Encrypt certificates.
// An additional listener on :80 answers ACME challenges.
func (s *Server) StartWithAutoTLS(ctx context.Context, domains []string, cacheDir string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if len(domains) == 0 {
		return fmt.Errorf("no domains provided for automatic TLS")
	}
	if cacheDir == "" {
		cacheDir = "cert-cache"
	}

	manager := &autocert.Manager{
		Prompt:     autocert.AcceptTOS,
		HostPolicy: autocert.HostWhitelist(domains...),
		Cache:      autocert.DirCache(cacheDir),
	}

	httpSrv := &http.Server{
		Addr:              ":80",
		Handler:           manager.HTTPHandler(nil),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	tlsConfig := manager.TLSConfig()
	tlsConfig.MinVersion = tls.VersionTLS12

	httpsSrv := &http.Server{
		Addr:              s.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
		TLSConfig:         tlsConfig,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("acme server shutdown", zap.Error(err))
		}
		if err := httpsSrv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("https server shutdown", zap.Error(err))
		}
	}()

	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("acme server", zap.Error(err))
		}
	}()

	s.logger.Info("api listening with automatic TLS",
		zap.String("addr", s.Addr),
		zap.Strings("domains", domains),
	)
	if err := httpsSrv.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

type collateralRequest struct {
	Asset  string          `json:"asset"`
	Amount decimal.Decimal `json:"amount"`
}

type borrowRequest struct {
	Asset        string          `json:"asset"`
	Amount       decimal.Decimal `json:"amount"`
	DurationDays int             `json:"duration_days"`
}

type repayRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	caller, _ := callerFrom(r.Context())
	var req collateralRequest
	if !decodeBody(w, r, &req) {
		return
	}
	res, err := s.engine.DepositCollateral(r.Context(), caller.UserID, req.Asset, req.Amount)
	s.respond(w, http.StatusOK, res, err)
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	caller, _ := callerFrom(r.Context())
	var req collateralRequest
	if !decodeBody(w, r, &req) {
		return
	}
	res, err := s.engine.WithdrawCollateral(r.Context(), caller.UserID, req.Asset, req.Amount)
	s.respond(w, http.StatusOK, res, err)
}

func (s *Server) handleBorrow(w http.ResponseWriter, r *http.Request) {
	caller, _ := callerFrom(r.Context())
	var req borrowRequest
	if !decodeBody(w, r, &req) {
		return
	}
	res, err := s.engine.Borrow(r.Context(), caller.UserID, req.Asset, req.Amount, req.DurationDays)
	s.respond(w, http.StatusCreated, res, err)
}

func (s *Server) handleRepay(w http.ResponseWriter, r *http.Request) {
	caller, _ := callerFrom(r.Context())
	var req repayRequest
	if !decodeBody(w, r, &req) {
		return
	}
	res, err := s.engine.Repay(r.Context(), caller.UserID, mux.Vars(r)["loanID"], req.Amount)
	s.respond(w, http.StatusOK, res, err)
}

func (s *Server) handleUserSummary(w http.ResponseWriter, r *http.Request) {
	userID, err := targetUser(r)
	if err != nil {
		writeError(w, err)
		return
	}
	res, err := s.engine.UserSummary(r.Context(), userID)
	s.respond(w, http.StatusOK, res, err)
}

func (s *Server) handleCreditSummary(w http.ResponseWriter, r *http.Request) {
	userID, err := targetUser(r)
	if err != nil {
		writeError(w, err)
		return
	}
	res, err := s.engine.CreditSummary(userID)
	s.respond(w, http.StatusOK, res, err)
}

func (s *Server) handleLiquidationCheck(w http.ResponseWriter, r *http.Request) {
	userID, err := targetUser(r)
	if err != nil {
		writeError(w, err)
		return
	}
	res, err := s.engine.CheckAndLiquidate(r.Context(), userID)
	s.respond(w, http.StatusOK, res, err)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	res, err := s.engine.GlobalStats(r.Context())
	s.respond(w, http.StatusOK, res, err)
}

func (s *Server) respond(w http.ResponseWriter, status int, body interface{}, err error) {
	if err != nil {
		if statusFor(err) == http.StatusInternalServerError {
			s.logger.Error("request failed", zap.Error(err))
		}
		writeError(w, err)
		return
	}
	writeJSON(w, status, body)
}

// targetUser resolves the {userID} path segment. "me" names the caller;
// other users are visible to admins only.
func targetUser(r *http.Request) (string, error) {
	caller, _ := callerFrom(r.Context())
	userID := mux.Vars(r)["userID"]
	if userID == "" || userID == "me" || userID == caller.UserID {
		return caller.UserID, nil
	}
	if !caller.IsAdmin() {
		return "", &domain.Error{Kind: domain.KindUnauthorized, Message: "cannot access another user's account"}
	}
	return userID, nil
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		writeProblem(w, http.StatusBadRequest, "bad_request", "malformed request body: "+err.Error())
		return false
	}
	return true
}
