package server

import (
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

	"github.com/atelier-ai/atelier/internal/ledger"
)

func newQuotaHandler(t *testing.T) (*QuotaHandler, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return &QuotaHandler{
		Ledger:           ledger.NewCoordinator(db, log.New(io.Discard, "", 0)),
		DefaultBalance:   decimal.NewFromInt(100),
		WarningThreshold: decimal.NewFromInt(10),
		Logger:           log.New(io.Discard, "", 0),
	}, mock
}

func doRequest(h echo.HandlerFunc, req *http.Request, params map[string]string) *httptest.ResponseRecorder {
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	for k, v := range params {
		c.SetParamNames(k)
		c.SetParamValues(v)
	}
	if err := h(c); err != nil {
		e.HTTPErrorHandler(err, c)
	}
	return rec
}

func TestGetQuotaOK(t *testing.T) {
	h, mock := newQuotaHandler(t)

	now := time.Now()
	mock.ExpectQuery(regexp.QuoteMeta(`
SELECT owner_id, balance, locked_balance, total_spent, warning_threshold, created_at, updated_at
FROM quotas
WHERE owner_id = $1 AND deleted = FALSE
`)).WithArgs("owner-1").
		WillReturnRows(sqlmock.NewRows([]string{"owner_id", "balance", "locked_balance", "total_spent", "warning_threshold", "created_at", "updated_at"}).
			AddRow("owner-1", "70", "30", "0", "10", now, now))

	req := httptest.NewRequest(http.MethodGet, "/api/quota/owner-1", nil)
	rec := doRequest(h.getQuota, req, map[string]string{"owner_id": "owner-1"})

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	body := rec.Body.String()
	if !strings.Contains(body, `"balance":"70"`) || !strings.Contains(body, `"locked_balance":"30"`) {
		t.Fatalf("unexpected body: %s", body)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestGetQuotaNotFoundMapsTo404(t *testing.T) {
	h, mock := newQuotaHandler(t)

	mock.ExpectQuery(regexp.QuoteMeta(`FROM quotas`)).WithArgs("owner-x").
		WillReturnRows(sqlmock.NewRows([]string{"owner_id", "balance", "locked_balance", "total_spent", "warning_threshold", "created_at", "updated_at"}))

	req := httptest.NewRequest(http.MethodGet, "/api/quota/owner-x", nil)
	rec := doRequest(h.getQuota, req, map[string]string{"owner_id": "owner-x"})

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestTopUpValidation(t *testing.T) {
	h, _ := newQuotaHandler(t)

	req := httptest.NewRequest(http.MethodPost, "/api/quota/topup",
		strings.NewReader(`{"owner_id":"owner-1","amount":"-5"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := doRequest(h.topUp, req, nil)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestTopUpSuccess(t *testing.T) {
	h, mock := newQuotaHandler(t)

	mock.ExpectExec(regexp.QuoteMeta(`
INSERT INTO quotas (owner_id, balance, warning_threshold)
VALUES ($1, $2, $3)
ON CONFLICT (owner_id) DO NOTHING
`)).WithArgs("owner-1", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`WHERE owner_id = $1 AND deleted = FALSE
FOR UPDATE`)).WithArgs("owner-1").
		WillReturnRows(sqlmock.NewRows([]string{"owner_id", "balance", "locked_balance", "total_spent", "warning_threshold", "created_at", "updated_at"}).
			AddRow("owner-1", "100", "0", "0", "10", time.Now(), time.Now()))
	mock.ExpectQuery(regexp.QuoteMeta(`
UPDATE quotas SET balance = balance + $1, updated_at = NOW()
WHERE owner_id = $2 AND deleted = FALSE
RETURNING balance
`)).WithArgs(sqlmock.AnyArg(), "owner-1").
		WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow("120"))
	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO quota_transactions`)).
		WithArgs(sqlmock.AnyArg(), nil, nil, string(ledger.TypeTopUp), string(ledger.StatusSuccess), sqlmock.AnyArg(), sqlmock.AnyArg(), nil, "owner-1").
		WillReturnRows(sqlmock.NewRows([]string{"created_at", "updated_at"}).AddRow(time.Now(), time.Now()))
	mock.ExpectCommit()

	req := httptest.NewRequest(http.MethodPost, "/api/quota/topup",
		strings.NewReader(`{"owner_id":"owner-1","amount":"20"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := doRequest(h.topUp, req, nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"balance_snapshot":"120"`) {
		t.Fatalf("unexpected body: %s", rec.Body.String())
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
