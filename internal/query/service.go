package query

import (
	"github.com/gin-gonic/gin"

	"github.com/weftlab/weft/internal/core/storage"
	"github.com/weftlab/weft/internal/deadletter"
)

const defaultListLimit = 100

// Service is the read-only query surface over stored events and dead
// letters. Nothing here mutates an Event except the dead-letter replay,
// which resets status through the dead letter handler.
type Service struct {
	events      storage.EventStore
	deadLetters *deadletter.Handler
}

func NewService(events storage.EventStore, deadLetters *deadletter.Handler) *Service {
	if events == nil {
		panic("query: event store must not be nil")
	}
	return &Service{events: events, deadLetters: deadLetters}
}

// RegisterRoutes registers the query API routes.
func (s *Service) RegisterRoutes(r gin.IRouter) {
	r.GET("/v1/events/:event_id", s.HandleGetEvent)
	r.GET("/v1/identities/:identity_id/events", s.HandleIdentityTimeline)
	r.GET("/v1/instances/:instance_id/events", s.HandleInstanceTimeline)

	if s.deadLetters != nil {
		r.GET("/v1/deadletters", s.HandleListDeadLetters)
		r.GET("/v1/deadletters/:id", s.HandleGetDeadLetter)
		r.POST("/v1/deadletters/:id/replay", s.HandleReplayDeadLetter)
	}
}
