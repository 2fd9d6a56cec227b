package search

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/typesense/typesense-go/v2/typesense/api"
	"github.com/typesense/typesense-go/v2/typesense/api/pointer"
	"github.com/zatekoja/preauthagent/internal/domain/entities"
	"github.com/zatekoja/preauthagent/internal/domain/providers"
	tsclient "github.com/zatekoja/preauthagent/internal/infrastructure/clients/typesense"
)

// DefaultTopK is the result-set size used when none is configured.
const DefaultTopK = 5

// KnowledgeBaseAdapter implements knowledge base retrieval using Typesense.
// Each knowledge base is one collection named after its id.
type KnowledgeBaseAdapter struct {
	client *tsclient.Client
	topK   int
}

// Ensure KnowledgeBaseAdapter implements KnowledgeBaseProvider
var _ providers.KnowledgeBaseProvider = (*KnowledgeBaseAdapter)(nil)

// NewKnowledgeBaseAdapter creates a new Typesense knowledge base adapter
func NewKnowledgeBaseAdapter(client *tsclient.Client, topK int) *KnowledgeBaseAdapter {
	if topK <= 0 {
		topK = DefaultTopK
	}
	return &KnowledgeBaseAdapter{client: client, topK: topK}
}

// Retrieve runs query against the sourceID collection.
func (a *KnowledgeBaseAdapter) Retrieve(ctx context.Context, sourceID, query string, filter *entities.MetadataFilter) entities.RetrievalResult {
	logger := log.With().Str("knowledge_base", sourceID).Logger()
	logger.Info().Str("query", query).Msg("retrieving from knowledge base")

	params := &api.SearchCollectionParams{
		Q:       pointer.String(query),
		QueryBy: pointer.String("text"),
		SortBy:  pointer.String("_text_match:desc"),
		PerPage: pointer.Int(a.topK),
		Page:    pointer.Int(1),
		// Long natural-language queries rarely match every token.
		DropTokensThreshold: pointer.Int(a.topK),
	}
	if filter != nil {
		expr := FilterExpression(*filter)
		logger.Info().Str("filter", expr).Msg("applying metadata filter")
		params.FilterBy = pointer.String(expr)
	}

	result, err := a.client.Client().Collection(sourceID).Documents().Search(ctx, params)
	if err != nil {
		logger.Error().Err(err).Msg("knowledge base retrieval failed")
		return entities.RetrievalResult{
			GeneratedText: fmt.Sprintf("An error occurred while retrieving from the Knowledge Base: %v", err),
			SourceChunks:  []entities.SourceChunk{},
			Failed:        true,
		}
	}

	var ranked []rankedHit
	if result.Hits != nil {
		for _, hit := range *result.Hits {
			if hit.Document == nil {
				continue
			}
			doc := *hit.Document

			text, _ := doc["text"].(string)
			if text == "" {
				continue
			}
			location, _ := doc["location"].(string)

			ranked = append(ranked, newRankedHit(hit, entities.SourceChunk{Text: text, Location: location}))
		}
	}

	return entities.RetrievalResult{SourceChunks: rankChunks(ranked, a.topK)}
}

// rankedHit keeps the raw text match score next to the chunk. Typesense text
// match scores are packed integers above 2^53, so ordering uses the integer
// and only the reported score is a float.
type rankedHit struct {
	chunk     entities.SourceChunk
	byVector  bool
	textMatch int64
}

// newRankedHit prefers vector similarity when the collection is embedded and
// falls back to the text match score.
func newRankedHit(hit api.SearchResultHit, chunk entities.SourceChunk) rankedHit {
	r := rankedHit{chunk: chunk}
	switch {
	case hit.VectorDistance != nil:
		r.byVector = true
		r.chunk.Score = 1 - float64(*hit.VectorDistance)
	case hit.TextMatch != nil:
		r.textMatch = *hit.TextMatch
	}
	return r
}

// rankChunks orders hits best first, keeps topK, and reports text match
// scores relative to the best one, in (0, 1].
func rankChunks(ranked []rankedHit, topK int) []entities.SourceChunk {
	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if a.byVector != b.byVector {
			return a.byVector
		}
		if a.byVector {
			return a.chunk.Score > b.chunk.Score
		}
		return a.textMatch > b.textMatch
	})
	if len(ranked) > topK {
		ranked = ranked[:topK]
	}

	var best int64
	for _, r := range ranked {
		if !r.byVector && r.textMatch > best {
			best = r.textMatch
		}
	}

	chunks := make([]entities.SourceChunk, 0, len(ranked))
	for _, r := range ranked {
		if !r.byVector && best > 0 {
			r.chunk.Score = float64(r.textMatch) / float64(best)
		}
		chunks = append(chunks, r.chunk)
	}
	return chunks
}

// FilterExpression renders an equality filter in Typesense filter_by syntax.
func FilterExpression(filter entities.MetadataFilter) string {
	value := strings.ReplaceAll(filter.Value, "`", "")
	return fmt.Sprintf("%s:=`%s`", filter.Key, value)
}

// EnsureSource creates the collection for sourceID if missing.
func (a *KnowledgeBaseAdapter) EnsureSource(ctx context.Context, sourceID string) error {
	return a.client.EnsureCollection(ctx, sourceID)
}

// Index upserts docs into the sourceID collection.
func (a *KnowledgeBaseAdapter) Index(ctx context.Context, sourceID string, docs []entities.KnowledgeDocument) error {
	for _, doc := range docs {
		document := map[string]interface{}{
			"id":       doc.ID,
			"text":     doc.Text,
			"location": doc.Location,
			"ordinal":  doc.Ordinal,
		}
		if doc.PatientID != "" {
			document["patient_id"] = doc.PatientID
		}

		if _, err := a.client.Client().Collection(sourceID).Documents().Upsert(ctx, document); err != nil {
			return fmt.Errorf("failed to index document %s into %s: %w", doc.ID, sourceID, err)
		}
	}

	log.Info().Str("knowledge_base", sourceID).Int("documents", len(docs)).Msg("indexed knowledge base documents")
	return nil
}
