package ingest

import (
	"github.com/gin-gonic/gin"

	"github.com/weftlab/weft/internal/core/storage"
	"github.com/weftlab/weft/internal/deadletter"
	"github.com/weftlab/weft/internal/identity"
)

// Service is the synchronous ingestion path: normalize, resolve, persist,
// enqueue. It must return fast; everything after the enqueue is the worker
// pool's problem.
type Service struct {
	resolver         *identity.Resolver
	store            storage.EventStore
	queue            storage.QueueStore
	deadLetters      *deadletter.Handler
	maxBodySizeBytes int
}

func NewService(resolver *identity.Resolver, store storage.EventStore, queue storage.QueueStore, deadLetters *deadletter.Handler, maxBodySizeMB int) *Service {
	if resolver == nil {
		panic("ingest: resolver must not be nil")
	}
	if store == nil {
		panic("ingest: store must not be nil")
	}
	if queue == nil {
		panic("ingest: queue must not be nil")
	}
	if maxBodySizeMB <= 0 {
		maxBodySizeMB = 1 // default to 1MB
	}
	return &Service{
		resolver:         resolver,
		store:            store,
		queue:            queue,
		deadLetters:      deadLetters,
		maxBodySizeBytes: maxBodySizeMB * 1024 * 1024,
	}
}

// RegisterRoutes registers the ingestion service routes.
func (s *Service) RegisterRoutes(r gin.IRouter) {
	// Canonical ingestion endpoint for channel adapters.
	r.POST("/v1/ingest", s.IngestHandler)
}
