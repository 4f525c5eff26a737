package query

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	httperr "github.com/weftlab/weft/internal/core/errors"
	"github.com/weftlab/weft/internal/core/storage"
)

// timeRangeQuery is the shared query-parameter shape for timeline endpoints.
type timeRangeQuery struct {
	Start time.Time `form:"start" binding:"required" time_format:"2006-01-02T15:04:05Z07:00"`
	End   time.Time `form:"end" binding:"required" time_format:"2006-01-02T15:04:05Z07:00"`
	Limit int       `form:"limit"`
}

func (q *timeRangeQuery) limit() int {
	if q.Limit <= 0 || q.Limit > 1000 {
		return defaultListLimit
	}
	return q.Limit
}

// HandleGetEvent handles GET /v1/events/:event_id
func (s *Service) HandleGetEvent(c *gin.Context) {
	id, ok := bindUUID(c, "event_id")
	if !ok {
		return
	}

	evt, err := s.events.GetEvent(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeNotFound(c, "Event not found")
			return
		}
		writeInternal(c, "Failed to fetch event", err)
		return
	}
	c.JSON(http.StatusOK, evt)
}

// HandleIdentityTimeline handles GET /v1/identities/:identity_id/events
// Query parameters: start, end, limit.
func (s *Service) HandleIdentityTimeline(c *gin.Context) {
	id, ok := bindUUID(c, "identity_id")
	if !ok {
		return
	}
	var q timeRangeQuery
	if !bindRange(c, &q) {
		return
	}

	events, err := s.events.ListEventsByIdentity(c.Request.Context(), id, q.Start, q.End, q.limit())
	if err != nil {
		writeInternal(c, "Failed to query identity timeline", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events, "count": len(events)})
}

// HandleInstanceTimeline handles GET /v1/instances/:instance_id/events
// Query parameters: start, end, limit.
func (s *Service) HandleInstanceTimeline(c *gin.Context) {
	instanceID := c.Param("instance_id")
	var q timeRangeQuery
	if !bindRange(c, &q) {
		return
	}

	events, err := s.events.ListEventsByInstance(c.Request.Context(), instanceID, q.Start, q.End, q.limit())
	if err != nil {
		writeInternal(c, "Failed to query instance timeline", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events, "count": len(events)})
}

// HandleListDeadLetters handles GET /v1/deadletters
// Query parameters: instance_id (optional), limit.
func (s *Service) HandleListDeadLetters(c *gin.Context) {
	var q struct {
		InstanceID string `form:"instance_id"`
		Limit      int    `form:"limit"`
	}
	if err := c.ShouldBindQuery(&q); err != nil {
		writeBadRequest(c, "Invalid query parameters", err)
		return
	}

	letters, err := s.deadLetters.List(c.Request.Context(), q.InstanceID, q.Limit)
	if err != nil {
		writeInternal(c, "Failed to list dead letters", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dead_letters": letters, "count": len(letters)})
}

// HandleGetDeadLetter handles GET /v1/deadletters/:id
func (s *Service) HandleGetDeadLetter(c *gin.Context) {
	id, ok := bindUUID(c, "id")
	if !ok {
		return
	}

	dl, err := s.deadLetters.Get(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeNotFound(c, "Dead letter not found")
			return
		}
		writeInternal(c, "Failed to fetch dead letter", err)
		return
	}
	c.JSON(http.StatusOK, dl)
}

// HandleReplayDeadLetter handles POST /v1/deadletters/:id/replay
func (s *Service) HandleReplayDeadLetter(c *gin.Context) {
	id, ok := bindUUID(c, "id")
	if !ok {
		return
	}

	if err := s.deadLetters.Replay(c.Request.Context(), id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeNotFound(c, "Dead letter not found")
			return
		}
		writeInternal(c, "Failed to replay dead letter", err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "replayed"})
}

func bindUUID(c *gin.Context, param string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(param))
	if err != nil {
		writeBadRequest(c, "Invalid "+param, err)
		return uuid.Nil, false
	}
	return id, true
}

func bindRange(c *gin.Context, q *timeRangeQuery) bool {
	if err := c.ShouldBindQuery(q); err != nil {
		writeBadRequest(c, "Invalid query parameters", err)
		return false
	}
	if !q.End.After(q.Start) {
		writeBadRequest(c, "end must be after start", nil)
		return false
	}
	return true
}

func writeBadRequest(c *gin.Context, msg string, err error) {
	resp := httperr.ErrorResponse{ErrorType: httperr.HttpValidationError, Message: msg}
	if err != nil {
		resp.Details = err.Error()
	}
	c.JSON(http.StatusBadRequest, resp)
}

func writeNotFound(c *gin.Context, msg string) {
	c.JSON(http.StatusNotFound, httperr.ErrorResponse{
		ErrorType: httperr.HttpNotFoundError,
		Message:   msg,
	})
}

func writeInternal(c *gin.Context, msg string, err error) {
	c.JSON(http.StatusInternalServerError, httperr.ErrorResponse{
		ErrorType: httperr.HttpInternalError,
		Message:   msg,
		Details:   err.Error(),
	})
}
