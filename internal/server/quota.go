package server

import (
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/shopspring/decimal"

	"github.com/atelier-ai/atelier/internal/ledger"
)

// QuotaHandler serves quota reads and top-ups.
type QuotaHandler struct {
	Ledger           *ledger.Coordinator
	DefaultBalance   decimal.Decimal
	WarningThreshold decimal.Decimal
	Logger           *log.Logger
}

func (h *QuotaHandler) Register(g *echo.Group) {
	g.GET("/:owner_id", h.getQuota)
	g.GET("/:owner_id/transactions", h.listTransactions)
	g.POST("/topup", h.topUp)
}

func (h *QuotaHandler) getQuota(c echo.Context) error {
	ownerID := c.Param("owner_id")
	if strings.TrimSpace(ownerID) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "owner_id required")
	}

	ctx := c.Request().Context()
	q, err := h.Ledger.GetQuota(ctx, ownerID)
	observeLedgerOp("getQuota", err)
	if err != nil {
		return ledgerHTTPError(err)
	}
	return c.JSON(http.StatusOK, quotaResponse(q))
}

func (h *QuotaHandler) listTransactions(c echo.Context) error {
	ownerID := c.Param("owner_id")
	if strings.TrimSpace(ownerID) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "owner_id required")
	}
	limit := 50
	if raw := c.QueryParam("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}

	txns, err := h.Ledger.ListTransactions(c.Request().Context(), ownerID, limit)
	if err != nil {
		return ledgerHTTPError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"transactions": txns})
}

func (h *QuotaHandler) topUp(c echo.Context) error {
	var req TopUpRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if strings.TrimSpace(req.OwnerID) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "owner_id required")
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil || !amount.IsPositive() {
		return echo.NewHTTPError(http.StatusBadRequest, "amount must be a positive decimal")
	}

	ctx := c.Request().Context()
	if err := h.Ledger.EnsureQuota(ctx, req.OwnerID, h.DefaultBalance, h.WarningThreshold); err != nil {
		return ledgerHTTPError(err)
	}
	txn, err := h.Ledger.TopUp(ctx, req.OwnerID, amount, req.ExternalID, req.Reason)
	observeLedgerOp("topUp", err)
	if err != nil {
		return ledgerHTTPError(err)
	}
	return c.JSON(http.StatusOK, txn)
}
