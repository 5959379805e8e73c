package api

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
)

// GetMetrics returns the latest published snapshot, or a fresh one when the
// streamer has not published yet
func (h *Handler) GetMetrics(c *gin.Context) {
	snap, ok := h.streamer.Latest()
	if !ok {
		snap = h.streamer.Collect()
	}
	c.JSON(http.StatusOK, snap)
}

// StreamMetrics sends snapshots as server-sent events until the client
// disconnects
func (h *Handler) StreamMetrics(c *gin.Context) {
	snapshots := h.streamer.Subscribe(c.Request.Context())

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Stream(func(w io.Writer) bool {
		snap, ok := <-snapshots
		if !ok {
			return false
		}
		c.SSEvent("metrics", snap)
		return true
	})
}
