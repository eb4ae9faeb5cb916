package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

const defaultHeartbeat = 15 * time.Second

type streamEvent struct {
	name string
	data any
}

// latestEvents holds at most one pending event; a newer event replaces an unsent one. It has a
// single producer.
type latestEvents chan streamEvent

func newLatestEvents() latestEvents { return make(latestEvents, 1) }

func (l latestEvents) offer(ev streamEvent) {
	select {
	case <-l:
	default:
	}
	select {
	case l <- ev:
	default:
	}
}

// serveStream runs watch for the lifetime of the request and relays its events as server-sent
// events. The watch is stopped and awaited before serveStream returns.
func serveStream(c *gin.Context, heartbeat time.Duration, watch func(ctx context.Context, events latestEvents) error) {
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeat
	}

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	events := newLatestEvents()
	watchDone := make(chan error, 1)
	go func() { watchDone <- watch(ctx, events) }()

	header := c.Writer.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			<-watchDone
			return
		case err := <-watchDone:
			if err != nil {
				_ = c.Error(err)
				c.SSEvent("error", NewErrorResponse(c, "stream unavailable"))
				c.Writer.Flush()
			}
			return
		case ev := <-events:
			c.SSEvent(ev.name, ev.data)
			c.Writer.Flush()
		case t := <-ticker.C:
			c.SSEvent("ping", t.UTC().Format(time.RFC3339))
			c.Writer.Flush()
		}
	}
}
