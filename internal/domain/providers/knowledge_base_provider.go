package providers

import (
	"context"

	"github.com/zatekoja/preauthagent/internal/domain/entities"
)

// KnowledgeBaseProvider is a retrieval backend holding policy documents and
// clinical notes. Retrieve never returns an error: upstream failures come
// back as an empty result with Failed set and a diagnostic message.
type KnowledgeBaseProvider interface {
	// Retrieve returns the top ranked chunks for query, optionally constrained
	// by an equality filter on a metadata attribute
	Retrieve(ctx context.Context, sourceID, query string, filter *entities.MetadataFilter) entities.RetrievalResult

	// EnsureSource creates the knowledge base if it does not exist
	EnsureSource(ctx context.Context, sourceID string) error

	// Index upserts documents into a knowledge base
	Index(ctx context.Context, sourceID string, docs []entities.KnowledgeDocument) error
}
