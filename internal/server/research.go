package server

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/shopspring/decimal"

	"github.com/atelier-ai/atelier/internal/events"
	"github.com/atelier-ai/atelier/internal/ledger"
	"github.com/atelier-ai/atelier/internal/llm"
	"github.com/atelier-ai/atelier/internal/research"
)

type researchRunner interface {
	Run(ctx context.Context, runID string, messages []llm.Message) (research.Result, error)
}

type runTailer interface {
	Read(ctx context.Context, stream, lastID string) ([]events.Message, error)
}

// ResearchHandler starts metered research runs and streams their progress.
// Every run pre-deducts its cost, then settles on success or rolls back on
// failure, keyed by a stable per-run external ID.
type ResearchHandler struct {
	Runner           researchRunner
	Ledger           *ledger.Coordinator
	Tailer           runTailer
	CostPerRun       decimal.Decimal
	DefaultBalance   decimal.Decimal
	WarningThreshold decimal.Decimal
	RunTimeout       time.Duration
	Logger           *log.Logger
}

func (h *ResearchHandler) Register(g *echo.Group) {
	g.POST("", h.startResearch)
	g.GET("/:run_id/stream", h.streamRun)
}

func (h *ResearchHandler) startResearch(c echo.Context) error {
	var req StartResearchRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if strings.TrimSpace(req.OwnerID) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "owner_id required")
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "prompt required")
	}

	runID := uuid.NewString()
	externalID := "research-" + runID

	ctx := c.Request().Context()
	if err := h.Ledger.EnsureQuota(ctx, req.OwnerID, h.DefaultBalance, h.WarningThreshold); err != nil {
		return ledgerHTTPError(err)
	}
	_, err := h.Ledger.PreDeduct(ctx, req.OwnerID, h.CostPerRun, externalID)
	observeLedgerOp("preDeduct", err)
	if err != nil {
		return ledgerHTTPError(err)
	}

	go h.executeRun(runID, externalID, req.Prompt)

	return c.JSON(http.StatusAccepted, StartResearchResponse{
		RunID:     runID,
		StreamURL: "/api/research/" + runID + "/stream",
	})
}

// executeRun drives the research run in the background and resolves the
// pre-deduction. Settlement uses a fresh context so a timed-out run can
// still be rolled back.
func (h *ResearchHandler) executeRun(runID, externalID, prompt string) {
	timeout := h.RunTimeout
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	start := time.Now()
	_, err := h.Runner.Run(ctx, runID, []llm.Message{{Role: llm.RoleUser, Content: prompt}})
	researchRunDuration.Observe(time.Since(start).Seconds())

	settleCtx, settleCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer settleCancel()

	if err != nil {
		researchRuns.WithLabelValues("error").Inc()
		h.Logger.Printf("run=%s failed: %v", runID, err)
		_, rbErr := h.Ledger.Rollback(settleCtx, externalID, err.Error())
		observeLedgerOp("rollback", rbErr)
		if rbErr != nil {
			h.Logger.Printf("run=%s rollback failed: %v", runID, rbErr)
		}
		return
	}

	researchRuns.WithLabelValues("completed").Inc()
	_, stErr := h.Ledger.Settle(settleCtx, externalID)
	observeLedgerOp("settle", stErr)
	if stErr != nil {
		h.Logger.Printf("run=%s settle failed: %v", runID, stErr)
	}
}

// streamRun follows the run's event stream over Server-Sent Events until
// the run reaches a terminal phase or the client disconnects.
func (h *ResearchHandler) streamRun(c echo.Context) error {
	runID := c.Param("run_id")
	if strings.TrimSpace(runID) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "run_id required")
	}

	ctx := c.Request().Context()
	resp := c.Response()
	resp.Header().Set(echo.HeaderContentType, "text/event-stream")
	resp.Header().Set(echo.HeaderCacheControl, "no-cache")
	resp.Header().Set("Connection", "keep-alive")
	resp.WriteHeader(http.StatusOK)
	flusher, ok := resp.Writer.(http.Flusher)
	if !ok {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "streaming unsupported")
	}

	stream := events.RunStream(runID)
	lastID := "0"
	for {
		if ctx.Err() != nil {
			return nil
		}
		msgs, err := h.Tailer.Read(ctx, stream, lastID)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			h.Logger.Printf("run=%s stream read failed: %v", runID, err)
			return nil
		}
		for _, msg := range msgs {
			lastID = msg.ID
			if _, err := resp.Write([]byte("event: update\n")); err != nil {
				return nil
			}
			if _, err := resp.Write([]byte("data: " + string(msg.Envelope.Data) + "\n\n")); err != nil {
				return nil
			}
			flusher.Flush()

			var u research.Update
			if err := json.Unmarshal(msg.Envelope.Data, &u); err == nil && u.Phase.Terminal() {
				return nil
			}
		}
	}
}
