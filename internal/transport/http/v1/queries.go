package v1

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
)

// ListRuns lists persisted runs.
// GET /v1/runs
func (h *Handler) ListRuns(c echo.Context) error {
	runs, err := h.service.ListRuns(c.Request().Context())
	if err != nil {
		return errorJSON(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"runs": runs})
}

// GetRun retrieves one run.
// GET /v1/runs/:run_id
func (h *Handler) GetRun(c echo.Context) error {
	run, err := h.service.GetRun(c.Request().Context(), c.Param("run_id"))
	if err != nil {
		return errorJSON(c, err)
	}
	return c.JSON(http.StatusOK, run)
}

// GetTranscript returns the transcript, or its last records when limit is set.
// GET /v1/runs/:run_id/transcript
func (h *Handler) GetTranscript(c echo.Context) error {
	runID := c.Param("run_id")
	limit := 0
	if l := c.QueryParam("limit"); l != "" {
		val, err := strconv.Atoi(l)
		if err != nil || val < 0 {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid limit"})
		}
		limit = val
	}

	records, err := h.service.GetTranscript(c.Request().Context(), runID, limit)
	if err != nil {
		return errorJSON(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"run_id":  runID,
		"records": records,
	})
}

// GetSnapshot returns the last snapshot of a run.
// GET /v1/runs/:run_id/snapshot
func (h *Handler) GetSnapshot(c echo.Context) error {
	snap, err := h.service.GetSnapshot(c.Request().Context(), c.Param("run_id"))
	if err != nil {
		return errorJSON(c, err)
	}
	return c.JSON(http.StatusOK, snap)
}

// GetRunEvents retrieves events for a run.
// GET /v1/runs/:run_id/events
func (h *Handler) GetRunEvents(c echo.Context) error {
	runID := c.Param("run_id")
	limit := 100
	if l := c.QueryParam("limit"); l != "" {
		if val, err := strconv.Atoi(l); err == nil {
			limit = val
		}
	}
	afterTs := int64(0)
	if t := c.QueryParam("after_ts"); t != "" {
		if val, err := strconv.ParseInt(t, 10, 64); err == nil {
			afterTs = val
		}
	}
	var types []string
	if t := c.QueryParam("types"); t != "" {
		types = strings.Split(t, ",")
	}

	events, err := h.service.GetRunEvents(c.Request().Context(), runID, afterTs, types, limit)
	if err != nil {
		return errorJSON(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"events": events,
	})
}

// ListThreads lists snapshot keys, newest first.
// GET /v1/threads
func (h *Handler) ListThreads(c echo.Context) error {
	threads, err := h.service.ListThreads(c.Request().Context())
	if err != nil {
		return errorJSON(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"threads": threads})
}

// ListPresets lists the loaded presets.
// GET /v1/presets
func (h *Handler) ListPresets(c echo.Context) error {
	presets := h.service.ListPresets()
	out := make([]map[string]interface{}, 0, len(presets))
	for _, p := range presets {
		out = append(out, map[string]interface{}{
			"id":           p.ID,
			"description":  p.Description,
			"participants": p.Roster(),
			"scheduler":    p.Scheduler.Impl,
		})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"presets": out})
}
