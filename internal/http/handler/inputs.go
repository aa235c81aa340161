package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/edirooss/streamdist-server/internal/domain/stream"
	"github.com/edirooss/streamdist-server/internal/http/dto"
	"github.com/edirooss/streamdist-server/internal/service"
	"github.com/edirooss/streamdist-server/pkg/fmtt"
	"github.com/edirooss/streamdist-server/pkg/jsonx"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// InputsHandler provides RESTful HTTP handlers for Input resources and their
// runtime control.
//
// Supported operations:
//   - GET    /inputs              → List all inputs
//   - POST   /inputs              → Create a new input
//   - GET    /inputs/{id}         → Retrieve an input by ID
//   - DELETE /inputs/{id}         → Remove an input (cascades to outputs)
//   - POST   /inputs/{id}/start   → Bind ingest + start enabled outputs
//   - POST   /inputs/{id}/stop    → Stop outputs + release ingest
//   - GET    /inputs/status       → Live status of all inputs
//   - GET    /inputs/{id}/status  → Live status of one input + its outputs
//
// Notes:
//   - Standard REST semantics (RFC 9110).
//   - Start/stop manipulate runtime only; configuration is untouched.
type InputsHandler struct {
	log *zap.Logger
	svc *service.DistributionService
}

// NewInputsHandler constructs an InputsHandler instance.
func NewInputsHandler(log *zap.Logger, svc *service.DistributionService) *InputsHandler {
	return &InputsHandler{
		log: log.Named("inputs"),
		svc: svc,
	}
}

// GetInputList handles GET /inputs.
//
// Behavior:
//   - Returns all configured inputs.
//   - Adds `X-Total-Count` header.
//
// Status Codes:
//   - 200 OK → JSON array of inputs
//   - 500 Internal Server Error
func (h *InputsHandler) GetInputList(c *gin.Context) {
	inputs, err := h.svc.ListInputs(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	c.Header("X-Total-Count", strconv.Itoa(len(inputs))) // RA needs this
	c.JSON(http.StatusOK, inputs)
}

// CreateInput handles POST /inputs.
//
// Behavior:
//   - Validates request body (strict JSON: unknown fields rejected).
//   - Creates a new input with defaults applied. Embedded outputs are
//     registered but nothing starts.
//   - Responds with resource location in `Location` header.
//
// Status Codes:
//   - 201 Created → JSON of created input
//   - 400 Bad Request → Invalid JSON or schema
//   - 422 Unprocessable Entity → Validation failed
//   - 500 Internal Server Error
func (h *InputsHandler) CreateInput(c *gin.Context) {
	var req dto.InputCreate
	if err := jsonx.ParseStrictJSONBody(c.Request, &req); err != nil {
		c.Error(err)
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}

	in, err := req.ToInput()
	if err != nil {
		c.Error(err)
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}

	if err := in.Validate(); err != nil {
		c.Error(err)
		c.JSON(http.StatusUnprocessableEntity, gin.H{"message": err.Error()})
		return
	}
	for _, out := range in.Outputs {
		if err := out.Validate(); err != nil {
			c.Error(err)
			c.JSON(http.StatusUnprocessableEntity, gin.H{"message": err.Error()})
			return
		}
	}

	if err := h.svc.CreateInput(c.Request.Context(), in); err != nil {
		fail(c, err)
		return
	}

	c.Header("Location", "/api/inputs/"+strconv.FormatInt(in.ID, 10))
	c.JSON(http.StatusCreated, in)
}

// GetInput handles GET /inputs/{id}.
//
// Status Codes:
//   - 200 OK → JSON of input
//   - 400 Bad Request → Invalid ID format
//   - 404 Not Found
//   - 500 Internal Server Error
func (h *InputsHandler) GetInput(c *gin.Context) {
	id, _ := strconv.ParseInt(c.Param("id"), 10, 64) // already validated by middleware

	in, err := h.svc.GetInput(c.Request.Context(), id)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, in)
}

// DeleteInput handles DELETE /inputs/{id}.
//
// Behavior:
//   - Stops the input's runtime if running, then deletes the record.
//   - Cascades to outputs, live status and worker log tails.
//
// Status Codes:
//   - 200 OK → {"id": <id>}
//   - 404 Not Found
//   - 409 Conflict → concurrent mutation in flight
//   - 500 Internal Server Error
func (h *InputsHandler) DeleteInput(c *gin.Context) {
	id, _ := strconv.ParseInt(c.Param("id"), 10, 64)

	if err := h.svc.DeleteInput(c.Request.Context(), id); err != nil {
		fail(c, err)
		return
	}

	// RA-friendly response
	c.JSON(http.StatusOK, gin.H{"id": id})
}

// StartInput handles POST /inputs/{id}/start.
//
// Behavior:
//   - Binds the ingest socket and arms every enabled output's monitor.
//     Output workers come up asynchronously; watch status or the event feed.
//   - Idempotent: starting a running input is a no-op.
//
// Status Codes:
//   - 200 OK → live status view of the input
//   - 404 Not Found
//   - 500 Internal Server Error → ingest socket could not be bound
func (h *InputsHandler) StartInput(c *gin.Context) {
	id, _ := strconv.ParseInt(c.Param("id"), 10, 64)

	if err := h.svc.StartInput(c.Request.Context(), id); err != nil {
		fail(c, err)
		return
	}

	view, err := h.svc.GetStatus(id)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

// StopInput handles POST /inputs/{id}/stop.
//
// Behavior:
//   - Stops every output worker (synchronously, bounded by the request
//     context), then releases the ingest socket.
//   - Outputs whose workers could not be terminated are reported in the
//     error; the rest still stop.
//
// Status Codes:
//   - 200 OK → live status view of the input
//   - 404 Not Found
//   - 500 Internal Server Error → one or more workers could not be killed
func (h *InputsHandler) StopInput(c *gin.Context) {
	id, _ := strconv.ParseInt(c.Param("id"), 10, 64)

	if err := h.svc.StopInput(c.Request.Context(), id); err != nil {
		fail(c, err)
		return
	}

	view, err := h.svc.GetStatus(id)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

// Status handles GET /inputs/{id}/status.
//
// Status Codes:
//   - 200 OK → {"input": {...}, "outputs": [...]}
//   - 404 Not Found
func (h *InputsHandler) Status(c *gin.Context) {
	id, _ := strconv.ParseInt(c.Param("id"), 10, 64)

	view, err := h.svc.GetStatus(id)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

// StatusList handles GET /inputs/status.
//
// Status Codes:
//   - 200 OK → JSON array of status views, X-Total-Count set
func (h *InputsHandler) StatusList(c *gin.Context) {
	views := h.svc.ListStatus()
	c.Header("X-Total-Count", strconv.Itoa(len(views)))
	c.JSON(http.StatusOK, views)
}

//
// ----- Helpers -----

// fail classifies a service error into an HTTP response. Transient worker
// failures never surface here; they are reported through status only.
func fail(c *gin.Context, err error) {
	c.Error(err)
	if gin.IsDebugging() {
		fmtt.PrintErrChain(err)
	}

	switch {
	case errors.Is(err, service.ErrInputNotFound), errors.Is(err, service.ErrOutputNotFound):
		c.JSON(http.StatusNotFound, gin.H{"message": err.Error()})
	case errors.Is(err, service.ErrLocked):
		c.JSON(http.StatusConflict, gin.H{"message": err.Error()})
	case errors.Is(err, stream.ErrInvalidConfig):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"message": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"message": err.Error()})
	}
}
