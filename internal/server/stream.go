package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

const (
	streamEventChange    = "change"
	streamEventHeartbeat = "heartbeat"
	heartbeatInterval    = 15 * time.Second
)

// handleStream serves the room's change feed as server-sent events. The
// subscription is released when the client disconnects.
func (h *httpHandler) handleStream(c *gin.Context) {
	roomID := c.Param("id")
	if _, err := h.rooms.Get(c.Request.Context(), roomID); err != nil {
		h.respondError(c, err)
		return
	}

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming_unsupported"})
		return
	}

	events, release := h.feed.Subscribe(c.Request.Context(), roomID)
	defer release()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)
	flusher.Flush()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case <-heartbeat.C:
			if !writeEvent(c, flusher, streamEventHeartbeat, []byte(`{}`)) {
				return
			}
		case event, ok := <-events:
			if !ok {
				return
			}
			payload, err := json.Marshal(event)
			if err != nil {
				continue
			}
			if !writeEvent(c, flusher, streamEventChange, payload) {
				return
			}
		}
	}
}

func writeEvent(c *gin.Context, flusher http.Flusher, eventType string, payload []byte) bool {
	if _, err := c.Writer.WriteString("event: " + eventType + "\n"); err != nil {
		return false
	}
	if _, err := c.Writer.WriteString("data: " + string(payload) + "\n\n"); err != nil {
		return false
	}
	flusher.Flush()
	return true
}
