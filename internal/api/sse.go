package api

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/nestwatch/internal/device"
)

// streamInterval is how often the status stream samples a device.
var streamInterval = time.Second

// heartbeatInterval keeps idle proxies from closing the stream.
var heartbeatInterval = 15 * time.Second

// statusEvent is one sample of a device's live state.
type statusEvent struct {
	DeviceID         string        `json:"device_id"`
	Status           device.Status `json:"status"`
	SessionID        string        `json:"session_id,omitempty"`
	PrivacyRemaining int           `json:"privacy_remaining_seconds"`
}

// handleStatusStream pushes a status event whenever the device's state or
// privacy countdown changes, until the client disconnects.
func handleStatusStream(d deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := bindDevice(c)
		if !ok {
			return
		}

		c.Header("Content-Type", "text/event-stream")
		c.Header("Cache-Control", "no-cache")
		c.Header("Connection", "keep-alive")
		c.Header("X-Accel-Buffering", "no")

		ctx := c.Request.Context()
		ticker := time.NewTicker(streamInterval)
		heartbeat := time.NewTicker(heartbeatInterval)
		defer ticker.Stop()
		defer heartbeat.Stop()

		var last *statusEvent
		for {
			evt, err := sampleStatus(c, d, id)
			if err != nil {
				if ctx.Err() == nil {
					log.Printf("api: status stream %s: %v", id, err)
				}
				return
			}
			if last == nil || *evt != *last {
				writeSSE(c.Writer, "status", evt)
				c.Writer.Flush()
				last = evt
			}

			select {
			case <-ctx.Done():
				return
			case <-heartbeat.C:
				fmt.Fprint(c.Writer, ": heartbeat\n\n")
				c.Writer.Flush()
			case <-ticker.C:
			}
		}
	}
}

func sampleStatus(c *gin.Context, d deps, id string) (*statusEvent, error) {
	ctx := c.Request.Context()
	sess, err := d.sessions.Active(ctx, id)
	if err != nil {
		return nil, err
	}
	w, active := d.privacy.Remaining(id)
	evt := &statusEvent{
		DeviceID:         id,
		Status:           device.DeriveStatus(sess != nil, active),
		PrivacyRemaining: w.RemainingSeconds,
	}
	if sess != nil {
		evt.SessionID = sess.SessionID
	}
	return evt, nil
}

// writeSSE writes a single SSE event to w.
func writeSSE(w io.Writer, event string, data any) {
	b, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, b)
}
