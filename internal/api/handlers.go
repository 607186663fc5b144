package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"copytrade/internal/core"
	"copytrade/internal/operator"
	apperrors "copytrade/pkg/errors"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

const defaultListLimit = 50

type openSignalRequest struct {
	Symbol     string          `json:"symbol" binding:"required"`
	Kind       string          `json:"kind" binding:"required"`
	EntryPrice decimal.Decimal `json:"entry_price"`
	Size       string          `json:"size" binding:"required"`
	Leverage   int             `json:"leverage" binding:"required"`
	Targets    []core.Rung     `json:"targets"`
	StopPrice  decimal.Decimal `json:"stop_price"`
}

type priceRequest struct {
	Price decimal.Decimal `json:"price"`
}

type valueRequest struct {
	Value decimal.Decimal `json:"value"`
}

type signalView struct {
	ID                string          `json:"id"`
	Symbol            string          `json:"symbol"`
	Kind              core.Kind       `json:"kind"`
	Status            core.Status     `json:"status"`
	EntryPrice        decimal.Decimal `json:"entry_price"`
	Size              string          `json:"size"`
	Leverage          int             `json:"leverage"`
	Targets           []core.Rung     `json:"targets"`
	StopPrice         decimal.Decimal `json:"stop_price"`
	StopClientOrderID string          `json:"stop_client_order_id,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
}

type targetView struct {
	Number   int         `json:"number"`
	TargetID string      `json:"target_id"`
	Status   core.Status `json:"status"`
}

func toSignalView(s *core.Signal) signalView {
	ladder := s.Ladder
	if ladder == nil {
		ladder = []core.Rung{}
	}
	return signalView{
		ID:                s.ID,
		Symbol:            s.Symbol,
		Kind:              s.Kind,
		Status:            s.Status,
		EntryPrice:        s.EntryPrice,
		Size:              s.Size.String(),
		Leverage:          s.Leverage,
		Targets:           ladder,
		StopPrice:         s.StopPrice,
		StopClientOrderID: s.StopClientOrderID,
		CreatedAt:         s.CreatedAt,
	}
}

// statusFor maps domain errors onto HTTP status codes
func statusFor(err error) int {
	var accErr *apperrors.AccountError
	switch {
	case errors.Is(err, apperrors.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, apperrors.ErrSignalNotFound), errors.Is(err, apperrors.ErrTargetNotFound):
		return http.StatusNotFound
	case errors.As(err, &accErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(c *gin.Context, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		s.logger.Error("Operator action failed", "path", c.FullPath(), "error", err)
	}
	abort(c, code, err.Error())
}

func (s *Server) listSignals(c *gin.Context) {
	limit := defaultListLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			abort(c, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	status := core.Status(strings.ToUpper(c.Query("status")))
	switch status {
	case "", core.StatusOpen, core.StatusClose, core.StatusCanceled:
	default:
		abort(c, http.StatusBadRequest, "unknown status "+string(status))
		return
	}

	signals, err := s.operator.Signals(c.Request.Context(), status, limit)
	if err != nil {
		s.fail(c, err)
		return
	}
	views := make([]signalView, 0, len(signals))
	for _, sig := range signals {
		views = append(views, toSignalView(sig))
	}
	c.JSON(http.StatusOK, gin.H{"signals": views})
}

func (s *Server) getSignal(c *gin.Context) {
	sig, targets, err := s.operator.Signal(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	tv := make([]targetView, 0, len(targets))
	for _, t := range targets {
		tv = append(tv, targetView{Number: t.Number, TargetID: t.TargetID, Status: t.Status})
	}
	c.JSON(http.StatusOK, gin.H{"signal": toSignalView(sig), "targets": tv})
}

func (s *Server) openSignal(c *gin.Context) {
	var body openSignalRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		abort(c, http.StatusBadRequest, err.Error())
		return
	}
	size, err := core.ParseSizeSpec(body.Size)
	if err != nil {
		abort(c, http.StatusBadRequest, err.Error())
		return
	}

	sig, report, err := s.operator.OpenSignal(c.Request.Context(), operator.OpenRequest{
		Symbol:     body.Symbol,
		Kind:       core.Kind(strings.ToLower(body.Kind)),
		EntryPrice: body.EntryPrice,
		Size:       size,
		Leverage:   body.Leverage,
		Ladder:     body.Targets,
		StopPrice:  body.StopPrice,
	})
	if err != nil {
		if report != nil {
			c.AbortWithStatusJSON(statusFor(err), gin.H{"error": err.Error(), "report": report})
			return
		}
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"signal": toSignalView(sig), "report": report})
}

type signalAction func(ctx context.Context, signalID string) (*operator.Report, error)

// action adapts a signal-scoped operator call into a handler
func (s *Server) action(fn signalAction) gin.HandlerFunc {
	return func(c *gin.Context) {
		s.respond(c, func() (*operator.Report, error) {
			return fn(c.Request.Context(), c.Param("id"))
		})
	}
}

func (s *Server) respond(c *gin.Context, run func() (*operator.Report, error)) {
	report, err := run()
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": report, "text": report.Text()})
}

func (s *Server) setTarget(c *gin.Context) {
	var body priceRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		abort(c, http.StatusBadRequest, err.Error())
		return
	}
	s.respond(c, func() (*operator.Report, error) {
		return s.operator.SetTarget(c.Request.Context(), c.Param("id"), body.Price)
	})
}

func (s *Server) setStop(c *gin.Context) {
	var body priceRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		abort(c, http.StatusBadRequest, err.Error())
		return
	}
	s.respond(c, func() (*operator.Report, error) {
		return s.operator.SetStop(c.Request.Context(), c.Param("id"), body.Price)
	})
}

func (s *Server) getSettings(c *gin.Context) {
	settings, err := s.operator.Settings(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"limit_balance": settings.LimitBalance})
}

func (s *Server) setLimitBalance(c *gin.Context) {
	var body valueRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		abort(c, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.operator.SetLimitBalance(c.Request.Context(), body.Value); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"limit_balance": body.Value})
}

func (s *Server) getBalances(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"balances": s.operator.Balances(c.Request.Context())})
}

func (s *Server) getPositions(c *gin.Context) {
	symbol := strings.ToUpper(c.Param("symbol"))
	c.JSON(http.StatusOK, gin.H{"symbol": symbol, "positions": s.operator.Positions(c.Request.Context(), symbol)})
}

func (s *Server) getPnL(c *gin.Context) {
	symbol := strings.ToUpper(c.Param("symbol"))
	c.JSON(http.StatusOK, gin.H{"symbol": symbol, "pnl": s.operator.PnL(c.Request.Context(), symbol)})
}

func (s *Server) getReconcileStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.reconciler.GetStatus())
}

func (s *Server) triggerReconcile(c *gin.Context) {
	st, err := s.reconciler.TriggerManual(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "status": st})
		return
	}
	c.JSON(http.StatusOK, st)
}
