package server

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/lexisync/backend/internal/crdt"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const changesFlushInterval = 100

func (h *httpHandler) handleSyncState(c *gin.Context) {
	state, err := projectFrom(c).GetSyncState(c.Request.Context())
	if err != nil {
		h.respondError(c, "sync_state", err)
		return
	}
	c.JSON(http.StatusOK, state)
}

func (h *httpHandler) handleAddCommits(c *gin.Context) {
	var commits []crdt.Commit
	if err := c.ShouldBindJSON(&commits); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	result, err := projectFrom(c).AddCommits(c.Request.Context(), commits)
	if err != nil {
		h.respondError(c, "add_commits", err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// handleChanges streams {"serverSyncState":...,"missingFromClient":[...]} without buffering the
// commit list. A storage failure mid-stream truncates the body so the client fails to decode it.
func (h *httpHandler) handleChanges(c *gin.Context) {
	var clientState crdt.SyncState
	if err := c.ShouldBindJSON(&clientState); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	ctx := c.Request.Context()
	result, err := projectFrom(c).GetChanges(ctx, clientState)
	if err != nil {
		h.respondError(c, "changes", err)
		return
	}
	source := result.MissingFromClient
	if closer, ok := source.(io.Closer); ok {
		defer closer.Close()
	}
	stateJSON, err := json.Marshal(result.ServerSyncState)
	if err != nil {
		h.respondError(c, "changes", err)
		return
	}

	c.Header("Content-Type", "application/json; charset=utf-8")
	c.Status(http.StatusOK)
	writer := c.Writer
	_, _ = writer.WriteString(`{"serverSyncState":`)
	_, _ = writer.Write(stateJSON)
	_, _ = writer.WriteString(`,"missingFromClient":[`)

	sent := 0
	for source.Next(ctx) {
		data, err := json.Marshal(source.Commit())
		if err != nil {
			h.logger.Error("failed to encode commit", zap.String("commit_id", source.Commit().ID.String()), zap.Error(err))
			c.Abort()
			return
		}
		if sent > 0 {
			_, _ = writer.WriteString(",")
		}
		if _, err := writer.Write(data); err != nil {
			h.logger.Info("changes stream closed by client", zap.Int("sent", sent), zap.Error(err))
			c.Abort()
			return
		}
		sent++
		if sent%changesFlushInterval == 0 {
			writer.Flush()
		}
	}
	if err := source.Err(); err != nil {
		h.logger.Error("changes stream failed", zap.Int("sent", sent), zap.Error(err))
		c.Abort()
		return
	}
	_, _ = writer.WriteString("]}")
	h.logger.Debug("changes streamed", zap.String("project_id", projectFrom(c).ID()), zap.Int("sent", sent))
}

func (h *httpHandler) handleSnapshotAtCommit(c *gin.Context) {
	commitID, err := uuid.Parse(c.Param("commitId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_commit_id"})
		return
	}
	snapshot, found, err := projectFrom(c).SnapshotAtCommit(c.Request.Context(), commitID)
	if err != nil {
		h.respondError(c, "snapshot_at_commit", err)
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "commit_not_found"})
		return
	}
	c.JSON(http.StatusOK, snapshot)
}

func (h *httpHandler) handleSnapshot(c *gin.Context) {
	snapshot, err := projectFrom(c).ProjectSnapshot(c.Request.Context())
	if err != nil {
		h.respondError(c, "snapshot", err)
		return
	}
	c.JSON(http.StatusOK, snapshot)
}

type realtimeEventPayload struct {
	ProjectID string `json:"projectId"`
	Added     int    `json:"added,omitempty"`
	Timestamp string `json:"timestamp"`
	Source    string `json:"source"`
}

// handleEvents holds a server-sent event stream open until the client disconnects.
func (h *httpHandler) handleEvents(c *gin.Context) {
	project := projectFrom(c)
	ctx := c.Request.Context()
	stream, cleanup := h.realtime.Subscribe(ctx, project.ID())
	defer cleanup()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	heartbeat := func() {
		c.SSEvent(realtimeEventHeartbeat, realtimeEventPayload{
			ProjectID: project.ID(),
			Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
			Source:    realtimeSourceBackend,
		})
		c.Writer.Flush()
	}
	heartbeat()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case message, ok := <-stream:
			if !ok {
				return
			}
			c.SSEvent(message.EventType, realtimeEventPayload{
				ProjectID: message.ProjectID,
				Added:     message.Added,
				Timestamp: message.Timestamp.Format(time.RFC3339Nano),
				Source:    realtimeSourceBackend,
			})
			c.Writer.Flush()
		case <-ticker.C:
			heartbeat()
		}
	}
}
