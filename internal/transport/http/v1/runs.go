package v1

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/roundtable/internal/domain"
	"github.com/xiaot623/roundtable/internal/service"
)

// CreateRun opens a fresh run or resumes a persisted one.
// POST /v1/runs
func (h *Handler) CreateRun(c echo.Context) error {
	var req domain.CreateRunRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}

	ctx := c.Request().Context()
	res, err := h.service.OpenRun(ctx, service.OpenRequest{
		RunID:      req.RunID,
		PresetID:   req.PresetID,
		PresetYAML: req.PresetYAML,
		Resume:     req.Resume,
	})
	if err != nil {
		return errorJSON(c, err)
	}
	return c.JSON(http.StatusCreated, res)
}

// TickRun executes one round.
// POST /v1/runs/:run_id/tick
func (h *Handler) TickRun(c echo.Context) error {
	runID := c.Param("run_id")
	ctx := c.Request().Context()

	res, err := h.service.Tick(ctx, runID)
	if err != nil {
		return errorJSON(c, err)
	}
	return c.JSON(http.StatusOK, res)
}

// RunRounds ticks a run up to the requested number of rounds.
// POST /v1/runs/:run_id/run
func (h *Handler) RunRounds(c echo.Context) error {
	runID := c.Param("run_id")
	var req domain.RunRoundsRequest
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		}
	}
	if req.Rounds < 0 {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "rounds must not be negative"})
	}

	ctx := c.Request().Context()
	out, err := h.service.RunRounds(ctx, runID, req.Rounds)
	if err != nil {
		return errorJSON(c, err)
	}
	return c.JSON(http.StatusOK, out)
}

// ClearStop clears the stop flag of a run.
// POST /v1/runs/:run_id/clear_stop
func (h *Handler) ClearStop(c echo.Context) error {
	runID := c.Param("run_id")
	ctx := c.Request().Context()

	status, err := h.service.ClearStop(ctx, runID)
	if err != nil {
		return errorJSON(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"run_id": runID,
		"status": status,
	})
}

// PostUserMessage queues a message for a user participant.
// POST /v1/runs/:run_id/messages
func (h *Handler) PostUserMessage(c echo.Context) error {
	runID := c.Param("run_id")
	var req domain.UserMessageRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if req.UserID == "" || strings.TrimSpace(req.Text) == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "user_id and text are required"})
	}

	ctx := c.Request().Context()
	pending, err := h.service.PostUserMessage(ctx, runID, req.UserID, req.Text)
	if err != nil {
		return errorJSON(c, err)
	}
	return c.JSON(http.StatusAccepted, map[string]interface{}{
		"run_id":  runID,
		"user_id": req.UserID,
		"pending": pending,
	})
}

// UpdateObjective replaces the objective of a run.
// POST /v1/runs/:run_id/objective
func (h *Handler) UpdateObjective(c echo.Context) error {
	runID := c.Param("run_id")
	var req domain.ObjectiveRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}

	ctx := c.Request().Context()
	if err := h.service.UpdateObjective(ctx, runID, req.Objective); err != nil {
		return errorJSON(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"run_id":    runID,
		"objective": strings.TrimSpace(req.Objective),
	})
}

// PurgeRun deletes a run with its transcript, snapshot and events.
// DELETE /v1/runs/:run_id
func (h *Handler) PurgeRun(c echo.Context) error {
	runID := c.Param("run_id")
	ctx := c.Request().Context()

	if err := h.service.PurgeRun(ctx, runID); err != nil {
		return errorJSON(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}
