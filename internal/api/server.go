// Package api exposes the queue, credits and match operations over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"trivia-duel/internal/matchmaking"
	"trivia-duel/internal/model"
	"trivia-duel/internal/service"
)

// QueueAPI is the queue surface used by the HTTP handlers.
type QueueAPI interface {
	Join(ctx context.Context, userID string, req service.JoinRequest) (*model.QueueEntry, error)
	Leave(ctx context.Context, userID string) (bool, error)
	Status(ctx context.Context, userID string) (*model.QueueEntry, error)
}

// CreditAPI is the credits and match lookup surface.
type CreditAPI interface {
	GetBalance(ctx context.Context, userID string) (*model.CreditAccount, error)
	GetHistory(ctx context.Context, userID string, limit int) ([]model.LedgerEvent, error)
	AddCredits(ctx context.Context, userID string, amount decimal.Decimal, reason string) (*model.LedgerEvent, error)
	ReleaseCredits(ctx context.Context, userID string, amount decimal.Decimal, matchID string) (*model.LedgerEvent, error)
	WithdrawCredits(ctx context.Context, userID string, amount decimal.Decimal) (*model.LedgerEvent, error)
	GetMatch(ctx context.Context, userID, matchID string) (*model.Match, error)
}

// ResultApplier records match outcomes.
type ResultApplier interface {
	Apply(ctx context.Context, matchID string, out matchmaking.Outcome) (*model.Match, error)
}

// PassRunner runs one matchmaking pass.
type PassRunner interface {
	RunPass(ctx context.Context) matchmaking.PassSummary
}

// Dependencies holds everything the router needs.
type Dependencies struct {
	Queue   QueueAPI
	Credits CreditAPI
	Results ResultApplier
	Passes  PassRunner

	// Checks are probed by /health, keyed by dependency name.
	Checks map[string]func(ctx context.Context) error

	JWTSecret     string
	InternalToken string
	Production    bool
}

// NewRouter builds the gin engine with all routes registered.
func NewRouter(deps Dependencies) *gin.Engine {
	if deps.Production {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(RecoveryMiddleware(), LoggingMiddleware())

	h := &handlers{deps: deps, started: time.Now()}

	r.GET("/health", h.health)

	v1 := r.Group("/api/v1")
	v1.GET("/health", h.health)
	authed := v1.Group("", AuthMiddleware(deps.JWTSecret))
	{
		authed.POST("/queue", h.joinQueue)
		authed.DELETE("/queue", h.leaveQueue)
		authed.GET("/queue", h.queueStatus)

		authed.GET("/credits/balance", h.balance)
		authed.GET("/credits/history", h.history)
		authed.POST("/credits/add", h.addCredits)
		authed.POST("/credits/release", h.releaseCredits)
		authed.POST("/credits/withdraw", h.withdrawCredits)

		authed.GET("/matches/:id", h.getMatch)
	}

	internal := r.Group("/internal/v1", InternalMiddleware(deps.InternalToken))
	{
		internal.POST("/matches/:id/result", h.applyResult)
		internal.POST("/queue/process", h.processQueue)
	}

	return r
}

// Server runs the HTTP API.
type Server struct {
	srv *http.Server
}

// NewServer creates a Server listening on port.
func NewServer(port int, handler http.Handler) *Server {
	return &Server{srv: &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}}
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	log.Info().Str("addr", s.srv.Addr).Msg("HTTP API listening")
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
