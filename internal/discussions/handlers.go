package discussions

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jimdaga/colloquium/internal/apperr"
	"github.com/jimdaga/colloquium/internal/auth"
	"github.com/jimdaga/colloquium/internal/bots"
	"github.com/jimdaga/colloquium/internal/broadcast"
	"github.com/jimdaga/colloquium/internal/models"
)

// HeartbeatInterval is how often idle streams receive a heartbeat event
const HeartbeatInterval = 25 * time.Second

const streamBuffer = 64

// RegisterRoutes mounts the conversation API. optional attaches the caller
// when a token is present; required rejects anonymous requests.
func RegisterRoutes(r gin.IRouter, svc *Service, optional, required gin.HandlerFunc) {
	r.GET("/conversations/:id/messages", optional, ListMessagesHandler(svc))
	r.POST("/conversations/:id/messages", required, PostMessageHandler(svc))
	r.GET("/conversations/:id/stream", optional, StreamHandler(svc, HeartbeatInterval))
	r.POST("/messages/:id/actions/:actionId", required, TriggerActionHandler(svc))
	r.GET("/messages/:id/visibility", optional, VisibilityHandler(svc))
	r.POST("/manuscripts/:id/events", required, EmitEventHandler(svc))
	r.POST("/manuscripts/:id/pipelines", required, StartPipelineHandler(svc))
	r.GET("/manuscripts/:id/files", optional, ListFilesHandler(svc))
	r.GET("/files/:id", optional, DownloadFileHandler(svc))
}

func callerFrom(c *gin.Context) Caller {
	id, ok := auth.IdentityFrom(c)
	if !ok {
		return Caller{}
	}
	userID := id.UserID
	return Caller{UserID: &userID, GlobalRole: id.Role}
}

func idParam(c *gin.Context, name string) (uint, bool) {
	id, err := strconv.ParseUint(c.Param(name), 10, 64)
	if err != nil || id == 0 {
		writeError(c, apperr.Validation("invalid %s %q", name, c.Param(name)))
		return 0, false
	}
	return uint(id), true
}

// writeError maps domain errors to status codes. Unclassified errors are
// logged and reported without detail.
func writeError(c *gin.Context, err error) {
	status := apperr.HTTPStatus(err)
	if status == http.StatusInternalServerError {
		slog.Error("Request failed", "path", c.FullPath(), "error", err)
		c.JSON(status, gin.H{"error": "internal error"})
		return
	}

	var e *apperr.Error
	body := gin.H{"error": err.Error(), "kind": apperr.KindOf(err)}
	if errors.As(err, &e) {
		body["error"] = e.Message
		if e.Details != nil {
			body["details"] = e.Details
		}
	}
	c.JSON(status, body)
}

// ListMessagesHandler returns the messages the caller may see
func ListMessagesHandler(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		convID, ok := idParam(c, "id")
		if !ok {
			return
		}
		var page Page
		if after := c.Query("after"); after != "" {
			v, err := strconv.ParseUint(after, 10, 64)
			if err != nil {
				writeError(c, apperr.Validation("invalid after cursor %q", after))
				return
			}
			page.AfterID = uint(v)
		}
		if limit := c.Query("limit"); limit != "" {
			v, err := strconv.Atoi(limit)
			if err != nil {
				writeError(c, apperr.Validation("invalid limit %q", limit))
				return
			}
			page.Limit = v
		}

		views, err := svc.ListMessages(c.Request.Context(), callerFrom(c), convID, page)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"messages": views})
	}
}

// PostMessageHandler stores a message and dispatches its mentions
func PostMessageHandler(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		convID, ok := idParam(c, "id")
		if !ok {
			return
		}
		var req struct {
			Content string         `json:"content"`
			Privacy models.Privacy `json:"privacy"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			writeError(c, apperr.Validation("invalid request body"))
			return
		}

		res, err := svc.PostMessage(c.Request.Context(), callerFrom(c), PostInput{
			ConversationID: convID,
			Content:        req.Content,
			Privacy:        req.Privacy,
		})
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusCreated, res)
	}
}

// TriggerActionHandler presses a message action button
func TriggerActionHandler(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		msgID, ok := idParam(c, "id")
		if !ok {
			return
		}
		view, err := svc.TriggerAction(c.Request.Context(), callerFrom(c), msgID, c.Param("actionId"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, view)
	}
}

// VisibilityHandler explains a message's current and pending audience
func VisibilityHandler(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		msgID, ok := idParam(c, "id")
		if !ok {
			return
		}
		ev, err := svc.MessageVisibility(c.Request.Context(), callerFrom(c), msgID)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, ev)
	}
}

// EmitEventHandler raises a domain event for the manuscript's event bots
func EmitEventHandler(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		mID, ok := idParam(c, "id")
		if !ok {
			return
		}
		var req struct {
			Name    string         `json:"name"`
			Payload map[string]any `json:"payload"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			writeError(c, apperr.Validation("invalid request body"))
			return
		}

		subscribers, err := svc.EmitEvent(c.Request.Context(), callerFrom(c), mID, req.Name, req.Payload)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"event": req.Name, "bots": subscribers})
	}
}

// StartPipelineHandler queues a sequence of bot commands
func StartPipelineHandler(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		mID, ok := idParam(c, "id")
		if !ok {
			return
		}
		var req struct {
			ConversationID uint                `json:"conversationId"`
			Steps          []bots.PipelineStep `json:"steps"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			writeError(c, apperr.Validation("invalid request body"))
			return
		}

		job, err := svc.StartPipeline(c.Request.Context(), callerFrom(c), mID, req.ConversationID, req.Steps)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusAccepted, job)
	}
}

// StreamHandler serves the conversation's live events as server-sent
// events, filtered for the caller, with a heartbeat every interval
func StreamHandler(svc *Service, interval time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		convID, ok := idParam(c, "id")
		if !ok {
			return
		}
		sink := broadcast.NewChannelSink(streamBuffer)
		sub, err := svc.Subscribe(c.Request.Context(), callerFrom(c), convID, sink)
		if err != nil {
			writeError(c, err)
			return
		}
		defer svc.Unsubscribe(sub)

		c.Header("Cache-Control", "no-cache")
		c.Header("Connection", "keep-alive")
		c.Header("X-Accel-Buffering", "no")

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		c.SSEvent("ready", fmt.Sprintf(`{"subscriberId":%q}`, sub.ID))
		c.Writer.Flush()

		c.Stream(func(w io.Writer) bool {
			select {
			case <-c.Request.Context().Done():
				return false
			case <-sub.Done():
				return false
			case frame := <-sink.Frames():
				c.SSEvent(frame.Event, string(frame.Data))
				return true
			case t := <-ticker.C:
				data, _ := json.Marshal(map[string]int64{"ts": t.Unix()})
				c.SSEvent(broadcast.EventHeartbeat, string(data))
				return true
			}
		})
	}
}
