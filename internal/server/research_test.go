package server

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/labstack/echo/v4"
	"github.com/shopspring/decimal"

	"github.com/atelier-ai/atelier/internal/events"
	"github.com/atelier-ai/atelier/internal/ledger"
	"github.com/atelier-ai/atelier/internal/llm"
	"github.com/atelier-ai/atelier/internal/research"
)

type stubRunner struct{}

func (stubRunner) Run(context.Context, string, []llm.Message) (research.Result, error) {
	return research.Result{Answer: "done"}, nil
}

func newResearchHandler(t *testing.T) (*ResearchHandler, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return &ResearchHandler{
		Runner:           stubRunner{},
		Ledger:           ledger.NewCoordinator(db, log.New(io.Discard, "", 0)),
		CostPerRun:       decimal.NewFromInt(5),
		DefaultBalance:   decimal.NewFromInt(100),
		WarningThreshold: decimal.NewFromInt(10),
		Logger:           log.New(io.Discard, "", 0),
	}, mock
}

func TestStartResearchValidation(t *testing.T) {
	h, _ := newResearchHandler(t)

	req := httptest.NewRequest(http.MethodPost, "/api/research",
		strings.NewReader(`{"owner_id":"","prompt":"hi"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := doRequest(h.startResearch, req, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/research",
		strings.NewReader(`{"owner_id":"owner-1","prompt":""}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec = doRequest(h.startResearch, req, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestStartResearchInsufficientBalanceMapsTo402(t *testing.T) {
	h, mock := newResearchHandler(t)

	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO quotas`)).
		WithArgs("owner-1", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`FROM quota_transactions`)).
		WithArgs(sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"uuid", "external_id", "parent_uuid", "transaction_type", "transaction_status", "change_amount", "balance_snapshot", "remark", "owner_id", "created_at", "updated_at"}))
	mock.ExpectQuery(regexp.QuoteMeta(`FROM quotas`)).WithArgs("owner-1").
		WillReturnRows(sqlmock.NewRows([]string{"owner_id", "balance", "locked_balance", "total_spent", "warning_threshold", "created_at", "updated_at"}).
			AddRow("owner-1", "2", "0", "0", "10", time.Now(), time.Now()))
	mock.ExpectRollback()

	req := httptest.NewRequest(http.MethodPost, "/api/research",
		strings.NewReader(`{"owner_id":"owner-1","prompt":"research tidal power"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := doRequest(h.startResearch, req, nil)

	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("status = %d, want 402, body = %s", rec.Code, rec.Body.String())
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

type scriptedTailer struct {
	batches [][]events.Message
}

func (s *scriptedTailer) Read(_ context.Context, _, _ string) ([]events.Message, error) {
	if len(s.batches) == 0 {
		return nil, nil
	}
	out := s.batches[0]
	s.batches = s.batches[1:]
	return out, nil
}

func updateMessage(t *testing.T, id string, u research.Update) events.Message {
	t.Helper()
	data, err := json.Marshal(u)
	if err != nil {
		t.Fatalf("marshal update: %v", err)
	}
	return events.Message{ID: id, Envelope: events.Envelope{
		EventID:   "ev-" + id,
		EventType: events.EventTypeRunUpdate,
		RunID:     u.RunID,
		Data:      data,
	}}
}

func TestStreamRunEmitsUpdatesUntilTerminal(t *testing.T) {
	h, _ := newResearchHandler(t)
	h.Tailer = &scriptedTailer{batches: [][]events.Message{
		{
			updateMessage(t, "1-0", research.Update{RunID: "run-1", Phase: research.PhaseGeneratingQueries}),
			updateMessage(t, "2-0", research.Update{RunID: "run-1", Phase: research.PhaseWebSearching}),
		},
		{
			updateMessage(t, "3-0", research.Update{RunID: "run-1", Phase: research.PhaseCompleted, Answer: "done"}),
		},
	}}

	req := httptest.NewRequest(http.MethodGet, "/api/research/run-1/stream", nil)
	rec := doRequest(h.streamRun, req, map[string]string{"run_id": "run-1"})

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := rec.Body.String()
	if strings.Count(body, "event: update\n") != 3 {
		t.Fatalf("expected 3 SSE events, body = %q", body)
	}
	if !strings.Contains(body, `"phase":"completed"`) {
		t.Fatalf("terminal update missing, body = %q", body)
	}
	if ct := rec.Header().Get(echo.HeaderContentType); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}
}
