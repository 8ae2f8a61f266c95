package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/tastescout/tastescout/internal/search"
	"github.com/tastescout/tastescout/internal/session"
)

// SearchHandler exposes the pipeline: starting and refining searches,
// streaming events over SSE, polling status and managing sessions.
type SearchHandler struct {
	Orch      *search.Orchestrator
	Sessions  *session.Manager
	Heartbeat time.Duration
}

func (h *SearchHandler) Register(g *echo.Group) {
	g.POST("/search", h.search)
	g.GET("/search/:id/stream", h.stream)
	g.GET("/search/:id/status", h.status)
	g.POST("/search/:id/cancel", h.cancel)
	g.GET("/sessions/:id/history", h.history)
	g.DELETE("/sessions/:id", h.deleteSession)
}

type searchRequest struct {
	Query     string `json:"query"`
	SessionID string `json:"session_id"`
}

type searchResponse struct {
	SessionID string `json:"session_id"`
	Mode      string `json:"mode"`
}

// search is the unified entry point: a bare query starts a new session,
// query plus session refines it, and a session alone reattaches to an
// existing run for replay.
func (h *SearchHandler) search(c echo.Context) error {
	var req searchRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	switch {
	case req.Query == "" && req.SessionID == "":
		return echo.NewHTTPError(http.StatusBadRequest, "query or session_id required")

	case req.Query == "":
		// Recover: reattach to an existing session's stream.
		if !h.Orch.Active(req.SessionID) {
			return echo.NewHTTPError(http.StatusNotFound, "session not found")
		}
		return c.JSON(http.StatusOK, searchResponse{SessionID: req.SessionID, Mode: "recover"})

	case req.SessionID != "" && h.Orch.Active(req.SessionID):
		if err := h.Orch.Refine(req.SessionID, req.Query); err != nil {
			return mapOrchError(err)
		}
		return c.JSON(http.StatusAccepted, searchResponse{SessionID: req.SessionID, Mode: "refine"})

	default:
		id, err := h.Orch.Start(req.Query, req.SessionID)
		if err != nil {
			return mapOrchError(err)
		}
		return c.JSON(http.StatusAccepted, searchResponse{SessionID: id, Mode: "search"})
	}
}

// stream serves the session's ordered events over SSE. A reconnecting
// client passes from_sequence (or Last-Event-ID) to replay everything
// it missed instead of restarting the search.
func (h *SearchHandler) stream(c echo.Context) error {
	sessionID := c.Param("id")

	var fromSeq uint64
	if s := c.QueryParam("from_sequence"); s != "" {
		v, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid from_sequence")
		}
		fromSeq = v
	} else if s := c.Request().Header.Get("Last-Event-ID"); s != "" {
		if v, err := strconv.ParseUint(s, 10, 64); err == nil {
			fromSeq = v
		}
	}

	events, cancel, err := h.Orch.Subscribe(sessionID, fromSeq)
	if err != nil {
		return mapOrchError(err)
	}
	defer cancel()

	resp := c.Response()
	resp.Header().Set(echo.HeaderContentType, "text/event-stream")
	resp.Header().Set("Cache-Control", "no-cache")
	resp.Header().Set("Connection", "keep-alive")
	resp.WriteHeader(http.StatusOK)
	resp.Flush()

	heartbeat := h.Heartbeat
	if heartbeat <= 0 {
		heartbeat = 15 * time.Second
	}
	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()

	ctx := c.Request().Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if err := writeEvent(c, ev); err != nil {
				return nil
			}
			if ev.Type == search.EventStreamEnd {
				return nil
			}
		case <-ticker.C:
			hb, err := h.Orch.Heartbeat(sessionID)
			if err != nil {
				return nil
			}
			if err := writeEvent(c, hb); err != nil {
				return nil
			}
		}
	}
}

func writeEvent(c echo.Context, ev search.StepEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(c.Response(), "id: %d\nevent: %s\ndata: %s\n\n", ev.Seq, ev.Type, data); err != nil {
		return err
	}
	c.Response().Flush()
	return nil
}

func (h *SearchHandler) status(c echo.Context) error {
	st, err := h.Orch.Status(c.Param("id"))
	if err != nil {
		return mapOrchError(err)
	}
	return c.JSON(http.StatusOK, st)
}

func (h *SearchHandler) cancel(c echo.Context) error {
	if err := h.Orch.Cancel(c.Param("id")); err != nil {
		return mapOrchError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *SearchHandler) history(c echo.Context) error {
	turns, err := h.Sessions.History(c.Request().Context(), c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"session_id": c.Param("id"),
		"turns":      turns,
	})
}

func (h *SearchHandler) deleteSession(c echo.Context) error {
	if err := h.Sessions.Delete(c.Request().Context(), c.Param("id")); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

func mapOrchError(err error) error {
	switch {
	case errors.Is(err, search.ErrSessionNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, search.ErrSearchRunning):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, search.ErrTooBusy):
		return echo.NewHTTPError(http.StatusTooManyRequests, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
