package http

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/dkeye/studio/internal/app/mesh"
	"github.com/dkeye/studio/internal/domain"
	"github.com/gin-gonic/gin"
)

const snapshotTimeout = 2 * time.Second

// Snapshotter is the read side of the mesh coordinator.
type Snapshotter interface {
	Snapshot(ctx context.Context) (mesh.Snapshot, error)
}

// SetupDebugRouter serves the coordinator state of a running participant.
func SetupDebugRouter(mode string, s Snapshotter) *gin.Engine {
	r := newEngine(mode)

	snapshot := func(c *gin.Context) (mesh.Snapshot, bool) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), snapshotTimeout)
		defer cancel()
		snap, err := s.Snapshot(ctx)
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, mesh.ErrClosed) {
				status = http.StatusServiceUnavailable
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return mesh.Snapshot{}, false
		}
		return snap, true
	}

	r.GET("/debug/peers", func(c *gin.Context) {
		if snap, ok := snapshot(c); ok {
			c.JSON(http.StatusOK, snap)
		}
	})

	r.GET("/debug/peers/:identity", func(c *gin.Context) {
		snap, ok := snapshot(c)
		if !ok {
			return
		}
		p, found := snap.Peer(domain.Identity(c.Param("identity")))
		if !found {
			c.JSON(http.StatusNotFound, gin.H{"error": "peer not found"})
			return
		}
		c.JSON(http.StatusOK, p)
	})

	return r
}
