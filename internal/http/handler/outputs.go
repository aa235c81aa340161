package handler

import (
	"net/http"
	"strconv"

	"github.com/edirooss/streamdist-server/internal/http/dto"
	"github.com/edirooss/streamdist-server/internal/service"
	"github.com/edirooss/streamdist-server/pkg/jsonx"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// OutputsHandler provides RESTful HTTP handlers for Output resources nested
// under their owning input.
//
// Supported operations:
//   - POST   /inputs/{id}/outputs              → Create a new output
//   - GET    /inputs/{id}/outputs              → List an input's outputs
//   - GET    /inputs/{id}/outputs/{oid}        → Retrieve one output
//   - PUT    /inputs/{id}/outputs/{oid}        → Replace config (atomic stop-then-start)
//   - DELETE /inputs/{id}/outputs/{oid}        → Remove an output
//   - POST   /inputs/{id}/outputs/{oid}/start  → Enable + arm the worker monitor
//   - POST   /inputs/{id}/outputs/{oid}/stop   → Disable + stop the worker
//   - GET    /inputs/{id}/outputs/{oid}/logs   → Recent worker diagnostics
type OutputsHandler struct {
	log *zap.Logger
	svc *service.DistributionService
}

// NewOutputsHandler constructs an OutputsHandler instance.
func NewOutputsHandler(log *zap.Logger, svc *service.DistributionService) *OutputsHandler {
	return &OutputsHandler{
		log: log.Named("outputs"),
		svc: svc,
	}
}

func pathIDs(c *gin.Context) (inputID, outputID int64) {
	inputID, _ = strconv.ParseInt(c.Param("id"), 10, 64) // validated by middleware
	outputID, _ = strconv.ParseInt(c.Param("oid"), 10, 64)
	return
}

// CreateOutput handles POST /inputs/{id}/outputs.
//
// Behavior:
//   - Validates request body (strict JSON).
//   - Persists the output. Enabled outputs start delivering asynchronously;
//     creation succeeds even while the input is stopped — the worker retries
//     until its upstream appears or the policy gives up.
//
// Status Codes:
//   - 201 Created → JSON of created output
//   - 400 Bad Request → Invalid JSON or schema
//   - 404 Not Found → Unknown input
//   - 422 Unprocessable Entity → Validation failed
//   - 500 Internal Server Error
func (h *OutputsHandler) CreateOutput(c *gin.Context) {
	inputID, _ := strconv.ParseInt(c.Param("id"), 10, 64)

	var req dto.OutputBody
	if err := jsonx.ParseStrictJSONBody(c.Request, &req); err != nil {
		c.Error(err)
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}

	out, err := req.ToOutput()
	if err != nil {
		c.Error(err)
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}

	if err := out.Validate(); err != nil {
		c.Error(err)
		c.JSON(http.StatusUnprocessableEntity, gin.H{"message": err.Error()})
		return
	}

	if err := h.svc.CreateOutput(c.Request.Context(), inputID, out); err != nil {
		fail(c, err)
		return
	}

	c.Header("Location", "/api/inputs/"+strconv.FormatInt(inputID, 10)+"/outputs/"+strconv.FormatInt(out.ID, 10))
	c.JSON(http.StatusCreated, out)
}

// GetOutputList handles GET /inputs/{id}/outputs.
//
// Behavior:
//   - Returns all output configurations of the input.
//   - Adds `X-Total-Count` header.
//
// Status Codes:
//   - 200 OK → JSON array of outputs
//   - 404 Not Found → Unknown input
//   - 500 Internal Server Error
func (h *OutputsHandler) GetOutputList(c *gin.Context) {
	inputID, _ := strconv.ParseInt(c.Param("id"), 10, 64)

	outs, err := h.svc.ListOutputs(c.Request.Context(), inputID)
	if err != nil {
		fail(c, err)
		return
	}
	c.Header("X-Total-Count", strconv.Itoa(len(outs)))
	c.JSON(http.StatusOK, outs)
}

// GetOutput handles GET /inputs/{id}/outputs/{oid}.
//
// Status Codes:
//   - 200 OK → JSON of output configuration
//   - 404 Not Found
//   - 500 Internal Server Error
func (h *OutputsHandler) GetOutput(c *gin.Context) {
	inputID, outputID := pathIDs(c)

	out, err := h.svc.GetOutput(c.Request.Context(), inputID, outputID)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

// ReplaceOutput handles PUT /inputs/{id}/outputs/{oid}.
//
// Behavior:
//   - Full replace with atomic apply: the running worker (if any) is stopped
//     before the new configuration takes effect, then restarted when the
//     replacement is enabled. No interleaving with other mutations of the
//     same input.
//
// Status Codes:
//   - 200 OK → JSON of updated output
//   - 400 Bad Request → Invalid JSON or schema
//   - 404 Not Found
//   - 409 Conflict → concurrent mutation in flight
//   - 422 Unprocessable Entity → Validation failed
//   - 500 Internal Server Error
func (h *OutputsHandler) ReplaceOutput(c *gin.Context) {
	inputID, outputID := pathIDs(c)

	var req dto.OutputBody
	if err := jsonx.ParseStrictJSONBody(c.Request, &req); err != nil {
		c.Error(err)
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}

	out, err := req.ToOutput()
	if err != nil {
		c.Error(err)
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}
	out.ID = outputID // identity comes from the path

	if err := out.Validate(); err != nil {
		c.Error(err)
		c.JSON(http.StatusUnprocessableEntity, gin.H{"message": err.Error()})
		return
	}

	if err := h.svc.UpdateOutput(c.Request.Context(), inputID, out); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

// DeleteOutput handles DELETE /inputs/{id}/outputs/{oid}.
//
// Status Codes:
//   - 200 OK → {"id": <oid>}
//   - 404 Not Found
//   - 409 Conflict → concurrent mutation in flight
//   - 500 Internal Server Error
func (h *OutputsHandler) DeleteOutput(c *gin.Context) {
	inputID, outputID := pathIDs(c)

	if err := h.svc.DeleteOutput(c.Request.Context(), inputID, outputID); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": outputID})
}

// StartOutput handles POST /inputs/{id}/outputs/{oid}/start.
//
// Behavior:
//   - Marks the output enabled and arms its monitor loop. The worker comes
//     up asynchronously; progress is visible in status and the event feed.
//   - Starting a running output is a no-op; starting a failed one re-enters
//     the machine with a fresh reconnect budget.
//
// Status Codes:
//   - 202 Accepted → {"status": "starting"}
//   - 404 Not Found
//   - 500 Internal Server Error
func (h *OutputsHandler) StartOutput(c *gin.Context) {
	inputID, outputID := pathIDs(c)

	if err := h.svc.StartOutput(c.Request.Context(), inputID, outputID); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "starting"})
}

// StopOutput handles POST /inputs/{id}/outputs/{oid}/stop.
//
// Behavior:
//   - Stops the worker synchronously (SIGTERM → grace → SIGKILL) and marks
//     the output disabled.
//
// Status Codes:
//   - 200 OK → {"status": "stopped"}
//   - 404 Not Found
//   - 409 Conflict → concurrent mutation in flight
//   - 500 Internal Server Error → worker could not be killed (leak)
func (h *OutputsHandler) StopOutput(c *gin.Context) {
	inputID, outputID := pathIDs(c)

	if err := h.svc.StopOutput(c.Request.Context(), inputID, outputID); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "stopped"})
}

// GetOutputLogs handles GET /inputs/{id}/outputs/{oid}/logs.
//
// Behavior:
//   - Returns up to `n` recent diagnostic lines of the output's worker,
//     oldest first (`?n=` query, default: the full retained tail).
//   - Available regardless of the output's current status.
//
// Status Codes:
//   - 200 OK → {"lines": [...]}
//   - 404 Not Found
func (h *OutputsHandler) GetOutputLogs(c *gin.Context) {
	inputID, outputID := pathIDs(c)

	n, _ := strconv.Atoi(c.DefaultQuery("n", "0"))
	if n < 0 {
		n = 0
	}

	lines, err := h.svc.GetLogs(inputID, outputID, n)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"lines": lines})
}
