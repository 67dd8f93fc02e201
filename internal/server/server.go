// Package server exposes the ledger and research engines over HTTP.
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	appconfig "github.com/atelier-ai/atelier/config"
	"github.com/atelier-ai/atelier/internal/events"
	"github.com/atelier-ai/atelier/internal/ledger"
	"github.com/atelier-ai/atelier/internal/llm"
	"github.com/atelier-ai/atelier/internal/research"
	"github.com/atelier-ai/atelier/tools/websearch"
)

// Run builds the full dependency graph from config and serves HTTP until the
// process exits.
func Run(configPath string) error {
	cfg := appconfig.LoadConfig(configPath)

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	baseLogger := log.New(log.Writer(), "[HTTP] ", log.LstdFlags)
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := err.Error()
		if he, ok := err.(*echo.HTTPError); ok {
			code = he.Code
			if he.Message != nil {
				msg = fmt.Sprint(he.Message)
			}
		}
		req := c.Request()
		baseLogger.Printf("%d %s %s from %s: %v", code, req.Method, req.URL.Path, c.RealIP(), err)
		if !c.Response().Committed {
			_ = c.JSON(code, map[string]interface{}{"error": msg})
		}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Cookie"},
		AllowCredentials: true,
	}))

	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	dsn := cfg.Storage.Postgres.DSN()
	if err := Migrate("file://migrations", dsn, "up", 0); err != nil && !errors.Is(err, errNoChange) {
		return fmt.Errorf("migrate: %w", err)
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return fmt.Errorf("open postgres: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Storage.Redis.Addr(),
		Password: cfg.Storage.Redis.Password,
		DB:       cfg.Storage.Redis.DB,
	})
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}

	coordinator := ledger.NewCoordinator(db, log.New(log.Writer(), "[LEDGER] ", log.LstdFlags))

	provider := llm.NewOpenAIClient(cfg.LLM.APIKey, cfg.LLM.BaseURL, cfg.LLM.Model, cfg.LLM.Timeout,
		log.New(log.Writer(), "[LLM] ", log.LstdFlags))
	searcher, err := websearch.NewWebSearcher(websearch.Provider(cfg.Search.Provider), cfg.Search.APIKey)
	if err != nil {
		return fmt.Errorf("web searcher: %w", err)
	}

	publisher := events.NewPublisher(rdb)
	sink := events.NewStreamSink(publisher)
	runner := research.NewRunner(research.Config{
		Model:                   cfg.LLM.Model,
		Temperature:             cfg.LLM.Temperature,
		MaxResearchLoops:        cfg.Research.MaxLoops,
		InitialSearchQueryCount: cfg.Research.InitialQueryCount,
		ResultsPerQuery:         cfg.Research.ResultsPerQuery,
	}, provider, searcher, sink, log.New(log.Writer(), "[ORCH] ", log.LstdFlags))

	costPerRun, err := decimal.NewFromString(cfg.Research.CostPerRun)
	if err != nil {
		return fmt.Errorf("research.cost_per_run: %w", err)
	}
	defaultBalance, err := decimal.NewFromString(cfg.Ledger.DefaultBalance)
	if err != nil {
		return fmt.Errorf("ledger.default_balance: %w", err)
	}
	warningThreshold, err := decimal.NewFromString(cfg.Ledger.WarningThreshold)
	if err != nil {
		return fmt.Errorf("ledger.warning_threshold: %w", err)
	}

	api := e.Group("/api")
	qh := &QuotaHandler{
		Ledger:           coordinator,
		DefaultBalance:   defaultBalance,
		WarningThreshold: warningThreshold,
		Logger:           log.New(log.Writer(), "[HTTP] ", log.LstdFlags),
	}
	qh.Register(api.Group("/quota"))

	rh := &ResearchHandler{
		Runner:           runner,
		Ledger:           coordinator,
		Tailer:           events.NewTailer(rdb, 5*time.Second),
		CostPerRun:       costPerRun,
		DefaultBalance:   defaultBalance,
		WarningThreshold: warningThreshold,
		RunTimeout:       cfg.Research.RunTimeout,
		Logger:           log.New(log.Writer(), "[HTTP] ", log.LstdFlags),
	}
	rh.Register(api.Group("/research"))

	return e.Start(cfg.Server.Address)
}

// ledgerHTTPError maps the ledger error taxonomy onto HTTP statuses so
// clients can branch on the failure kind.
func ledgerHTTPError(err error) error {
	var (
		quotaNotFound ledger.QuotaNotFoundError
		insufficient  ledger.InsufficientBalanceError
		txnNotFound   ledger.TransactionNotFoundError
	)
	switch {
	case errors.As(err, &quotaNotFound):
		return echo.NewHTTPError(http.StatusNotFound, quotaNotFound.Error())
	case errors.As(err, &insufficient):
		return echo.NewHTTPError(http.StatusPaymentRequired, insufficient.Error())
	case errors.As(err, &txnNotFound):
		return echo.NewHTTPError(http.StatusNotFound, txnNotFound.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
