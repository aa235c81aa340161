package handler

import (
	"io"
	"strconv"
	"time"

	"github.com/edirooss/streamdist-server/internal/state"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// subscriberQueueDepth bounds how many undelivered events one SSE client may
// accumulate before the bus starts evicting its oldest. Slow clients lose
// notifications, never state: they can re-read /inputs/status any time.
const subscriberQueueDepth = 64

// heartbeatInterval keeps idle SSE connections alive through proxies.
const heartbeatInterval = 15 * time.Second

// EventsHandler streams status-change events over Server-Sent Events.
//
// Supported operations:
//   - GET /events                → all status events
//   - GET /events?input_id={id}  → events of one input (and its outputs)
type EventsHandler struct {
	log *zap.Logger
	bus *state.Bus
}

// NewEventsHandler constructs an EventsHandler instance.
func NewEventsHandler(log *zap.Logger, bus *state.Bus) *EventsHandler {
	return &EventsHandler{
		log: log.Named("events"),
		bus: bus,
	}
}

// Stream handles GET /events.
//
// Behavior:
//   - Emits one `status` SSE event per status transition, JSON-encoded.
//   - Optional `input_id` query narrows the feed to one input.
//   - Heartbeat comments keep the connection alive; closes on client
//     disconnect.
func (h *EventsHandler) Stream(c *gin.Context) {
	var filterID int64
	if raw := c.Query("input_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			c.AbortWithStatus(400)
			return
		}
		filterID = id
	}

	events, unsub := h.bus.Subscribe(subscriberQueueDepth)
	defer unsub()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no") // nginx: do not buffer the stream

	h.log.Debug("sse subscriber connected", zap.Int64("filter_input_id", filterID))

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	clientGone := c.Request.Context().Done()
	c.Stream(func(w io.Writer) bool {
		select {
		case ev, ok := <-events:
			if !ok {
				return false
			}
			if filterID != 0 && ev.InputID != filterID {
				return true
			}
			c.SSEvent("status", ev)
			return true
		case <-heartbeat.C:
			c.SSEvent("heartbeat", gin.H{"ts": time.Now().Unix()})
			return true
		case <-clientGone:
			return false
		}
	})

	h.log.Debug("sse subscriber disconnected")
}
