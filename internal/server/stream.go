package server

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/b0ase/path402/apps/minesim/internal/feed"
	"github.com/b0ase/path402/apps/minesim/internal/mining"
)

const streamKeepAlive = 25 * time.Second

// handleStream sends the device's current record, then every snapshot
// published for it, as server-sent events. Subscribing is not activity.
func (s *Server) handleStream(c *gin.Context) {
	if s.broker == nil {
		writeError(c, http.StatusServiceUnavailable, "stream not enabled")
		return
	}
	deviceID := c.Query("deviceId")
	if err := mining.ValidateDeviceID(deviceID); err != nil {
		fail(c, err)
		return
	}

	ctx := c.Request.Context()
	ch, cancel, err := s.broker.Subscribe(ctx, deviceID)
	if err != nil {
		fail(c, err)
		return
	}
	defer cancel()

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	res, err := s.miner.Projection(ctx, deviceID)
	switch {
	case err == nil:
		c.SSEvent("snapshot", feed.SnapshotOf(res.Record))
	case !errors.Is(err, mining.ErrNotFound):
		log.Warnf("Stream %s: initial snapshot: %v", deviceID, err)
	}
	c.Writer.Flush()

	keepAlive := time.NewTicker(streamKeepAlive)
	defer keepAlive.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case snap, ok := <-ch:
			if !ok {
				return false
			}
			c.SSEvent("snapshot", snap)
			return true
		case <-keepAlive.C:
			c.SSEvent("ping", time.Now().UnixMilli())
			return true
		}
	})
}
