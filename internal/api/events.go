package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"ocrdrop/internal/render"
	"ocrdrop/internal/state"
)

const heartbeatInterval = 15 * time.Second

// eventPayload is the data of every SSE message.
type eventPayload struct {
	Version uint64 `json:"version"`
	ID      string `json:"id,omitempty"`
	Grid    string `json:"grid"`
	Detail  string `json:"detail"`
}

func newPayload(st state.State, version uint64, id string) (eventPayload, error) {
	grid, err := render.Grid(st)
	if err != nil {
		return eventPayload{}, err
	}
	detail, err := render.DetailHTML(st)
	if err != nil {
		return eventPayload{}, err
	}
	return eventPayload{Version: version, ID: id, Grid: grid, Detail: detail}, nil
}

// events streams a snapshot followed by one message per state mutation.
func (h *Handler) events(c *gin.Context) {
	token, store, ok := h.workspace(c)
	if !ok {
		return
	}
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming not supported"})
		return
	}
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	sendEvent := func(event string, payload interface{}) error {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		if event != "" {
			if _, err := fmt.Fprintf(c.Writer, "event: %s\n", event); err != nil {
				return err
			}
		}
		if _, err := fmt.Fprintf(c.Writer, "data: %s\n\n", data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	ctx := c.Request.Context()
	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		snap, version, updates, cancel := store.Subscribe()
		payload, err := newPayload(snap, version, "")
		if err != nil {
			cancel()
			h.log.Errorw("render snapshot failed", "error", err)
			return
		}
		if err := sendEvent("snapshot", payload); err != nil {
			cancel()
			return
		}

		resubscribe := false
		for !resubscribe {
			select {
			case <-ctx.Done():
				cancel()
				return
			case <-heartbeat.C:
				if _, err := fmt.Fprint(c.Writer, ": ping\n\n"); err != nil {
					cancel()
					return
				}
				flusher.Flush()
			case upd, ok := <-updates:
				if !ok {
					// dropped for lagging or the workspace closed
					if live, found := h.workspaces.Lookup(token); !found || live != store {
						return
					}
					resubscribe = true
					continue
				}
				payload, err := newPayload(upd.State, upd.Version, upd.Event.RecordID())
				if err != nil {
					cancel()
					h.log.Errorw("render update failed", "error", err)
					return
				}
				if err := sendEvent(string(upd.Event.Kind()), payload); err != nil {
					cancel()
					return
				}
			}
		}
		cancel()
	}
}
