package server

import (
	"io"
	"net/http"
	"sort"

	"github.com/gin-gonic/gin"

	"kegleveld/internal/events"
	"kegleveld/internal/health"
)

// readinessComponents must be present and not in error for /health/ready.
var readinessComponents = []string{health.ComponentSettingsStore, health.ComponentFlowMonitor}

func (s *GinServer) handleGinReadinessCheck(c *gin.Context) {
	ready, snapshot := s.healthTracker.Ready(readinessComponents...)
	payload := gin.H{
		"ready":      ready,
		"status":     s.healthTracker.Overall().String(),
		"components": flattenHealth(snapshot),
	}
	if !ready {
		c.JSON(http.StatusServiceUnavailable, payload)
		return
	}
	c.JSON(http.StatusOK, payload)
}

func (s *GinServer) handleHealthLive(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": s.healthTracker.Overall().String()})
}

func (s *GinServer) handleHealthDetail(c *gin.Context) {
	snapshot := s.healthTracker.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"overall":    s.healthTracker.Overall().String(),
		"components": flattenHealth(snapshot),
		"commands":   s.dispatcher.Names(),
	})
}

func flattenHealth(snapshot map[string]health.Status) []gin.H {
	names := make([]string, 0, len(snapshot))
	for name := range snapshot {
		names = append(names, name)
	}
	sort.Strings(names)
	components := make([]gin.H, 0, len(snapshot))
	for _, name := range names {
		st := snapshot[name]
		components = append(components, gin.H{
			"name":       name,
			"level":      st.Level.String(),
			"message":    st.Message,
			"details":    st.Details,
			"updated_at": st.UpdatedAt,
		})
	}
	return components
}

// handleEventStream handles GET /api/v1/events: engine updates as server-sent
// events named after their topic.
func (s *GinServer) handleEventStream(c *gin.Context) {
	ch := s.events.SubscribeMany(streamBuffer, events.StreamTopics...)
	defer s.events.Unsubscribe(ch)

	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	c.SSEvent("ready", gin.H{"taps": s.engine.Taps(), "mode": s.engine.Mode().Name()})
	c.Writer.Flush()

	ctx := c.Request.Context()
	c.Stream(func(w io.Writer) bool {
		select {
		case evt, ok := <-ch:
			if !ok {
				return false
			}
			c.SSEvent(string(evt.Topic), evt.Payload)
			return true
		case <-ctx.Done():
			return false
		}
	})
}
