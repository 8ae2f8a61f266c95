// Package server exposes the search pipeline over HTTP and SSE.
package server

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tastescout/tastescout/config"
	"github.com/tastescout/tastescout/internal/retrieval"
	"github.com/tastescout/tastescout/internal/search"
	"github.com/tastescout/tastescout/internal/session"
	"github.com/tastescout/tastescout/provider"
)

// Run wires every component and serves until the listener fails.
func Run(addr, cfgPath string) error {
	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		return err
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	// Unified HTTP error handler with structured JSON and logging
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
		AllowOrigins: []string{"*"},
		AllowMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders: []string{"Content-Type"},
	}))

	e.GET("/healthz", func(c echo.Context) error { return c.String(200, "ok") })
	if cfg.Telemetry.Enabled {
		e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	}

	llm, err := provider.NewProvider(provider.OpenAI, cfg.LLM)
	if err != nil {
		return err
	}

	notes := retrieval.NewNotesClient(cfg.Retrieval.NotesEndpoint, cfg.Retrieval.NotesAPIKey, cfg.Retrieval.Timeout)
	amap := retrieval.NewAmapClient(cfg.Retrieval.AmapEndpoint, cfg.Retrieval.AmapAPIKey, cfg.Retrieval.Timeout)
	adapter := retrieval.NewAdapter(notes, notes, amap, cfg.Retrieval.Timeout)

	fast := session.NewFastTier(cfg.Session.Redis)
	if err := fast.Ping(context.Background()); err != nil {
		baseLogger.Printf("redis unreachable at startup, fast tier degraded to local map: %v", err)
	}

	// A missing durable tier downgrades recall, it does not stop the
	// service.
	var durable session.Durable
	if dt, err := session.NewDurableTier(cfg.Session.Postgres); err != nil {
		baseLogger.Printf("durable tier unavailable: %v", err)
	} else {
		durable = dt
		defer dt.Close()
	}
	sessions := session.NewManager(fast, durable, llm, cfg.Session.ContextWindow)
	defer sessions.Close()

	executor, err := search.NewExecutor(adapter, llm, cfg.Search)
	if err != nil {
		return err
	}
	defer executor.Release()

	scorer := search.NewScorer(cfg.Trust)
	orch := search.NewOrchestrator(cfg.Search, executor, scorer, sessions, llm)

	sh := &SearchHandler{
		Orch:      orch,
		Sessions:  sessions,
		Heartbeat: cfg.Search.HeartbeatInterval,
	}
	sh.Register(e.Group("/v1"))

	if addr == "" {
		addr = cfg.General.Listen
	}
	log.Printf("listening on %s", addr)
	return e.Start(addr)
}
