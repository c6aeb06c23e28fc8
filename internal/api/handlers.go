package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"trivia-duel/internal/matchmaking"
	"trivia-duel/internal/model"
	"trivia-duel/internal/pkg/apperr"
	"trivia-duel/internal/service"
)

type handlers struct {
	deps    Dependencies
	started time.Time
}

type amountRequest struct {
	Amount  decimal.Decimal `json:"amount"`
	Reason  string          `json:"reason"`
	MatchID string          `json:"matchId"`
}

func (h *handlers) health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	status, code := "ok", http.StatusOK
	checks := make(map[string]string, len(h.deps.Checks))
	for name, check := range h.deps.Checks {
		if err := check(ctx); err != nil {
			checks[name] = err.Error()
			status, code = "degraded", http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}
	c.JSON(code, gin.H{
		"status":  status,
		"service": "trivia-duel",
		"uptime":  time.Since(h.started).Round(time.Second).String(),
		"checks":  checks,
	})
}

func (h *handlers) joinQueue(c *gin.Context) {
	var req service.JoinRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid join request body")
		return
	}
	e, err := h.deps.Queue.Join(c.Request.Context(), callerID(c), req)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, e)
}

func (h *handlers) leaveQueue(c *gin.Context) {
	removed, err := h.deps.Queue.Leave(c.Request.Context(), callerID(c))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": removed})
}

func (h *handlers) queueStatus(c *gin.Context) {
	e, err := h.deps.Queue.Status(c.Request.Context(), callerID(c))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, e)
}

func (h *handlers) balance(c *gin.Context) {
	acct, err := h.deps.Credits.GetBalance(c.Request.Context(), callerID(c))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, acct)
}

func (h *handlers) history(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			badRequest(c, "limit must be an integer")
			return
		}
		limit = n
	}
	events, err := h.deps.Credits.GetHistory(c.Request.Context(), callerID(c), limit)
	if err != nil {
		abortWithError(c, err)
		return
	}
	if events == nil {
		events = []model.LedgerEvent{}
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

func (h *handlers) addCredits(c *gin.Context) {
	var req amountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body")
		return
	}
	ev, err := h.deps.Credits.AddCredits(c.Request.Context(), callerID(c), req.Amount, req.Reason)
	h.respondEvent(c, ev, err)
}

func (h *handlers) releaseCredits(c *gin.Context) {
	var req amountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body")
		return
	}
	ev, err := h.deps.Credits.ReleaseCredits(c.Request.Context(), callerID(c), req.Amount, req.MatchID)
	h.respondEvent(c, ev, err)
}

func (h *handlers) withdrawCredits(c *gin.Context) {
	var req amountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body")
		return
	}
	ev, err := h.deps.Credits.WithdrawCredits(c.Request.Context(), callerID(c), req.Amount)
	h.respondEvent(c, ev, err)
}

func (h *handlers) respondEvent(c *gin.Context, ev *model.LedgerEvent, err error) {
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, ev)
}

func (h *handlers) getMatch(c *gin.Context) {
	m, err := h.deps.Credits.GetMatch(c.Request.Context(), callerID(c), c.Param("id"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, m)
}

func (h *handlers) applyResult(c *gin.Context) {
	var out matchmaking.Outcome
	if err := c.ShouldBindJSON(&out); err != nil {
		badRequest(c, "invalid result body")
		return
	}
	m, err := h.deps.Results.Apply(c.Request.Context(), c.Param("id"), out)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, m)
}

func (h *handlers) processQueue(c *gin.Context) {
	if h.deps.Passes == nil {
		abortWithError(c, errors.New("queue processor not configured"))
		return
	}
	sum := h.deps.Passes.RunPass(c.Request.Context())
	if sum.LoadFailed {
		c.JSON(StatusOf(apperr.ErrDependencyUnavailable), sum)
		return
	}
	c.JSON(http.StatusOK, sum)
}
