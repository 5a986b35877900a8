package vectorstore

import (
	"context"
	"fmt"

	"github.com/convergio/maoc/internal/domain/memory"
	"github.com/convergio/maoc/internal/domain/valueobject"
)

// RAGAdapter exposes a memory.VectorStore + memory.EmbeddingProvider pair
// (app.go wires LanceDBVectorStore/OllamaEmbedder) as C4's rag.Store
// interface, so the Context
// Injector never depends on the embedding/vector-store concern directly.
type RAGAdapter struct {
	store    memory.VectorStore
	embedder memory.EmbeddingProvider
}

func NewRAGAdapter(store memory.VectorStore, embedder memory.EmbeddingProvider) *RAGAdapter {
	return &RAGAdapter{store: store, embedder: embedder}
}

// Query embeds text and searches the backing vector store, converting each
// MemoryEntry hit into a valueobject.Fact with the entry's similarity score
// used as Trust.
func (a *RAGAdapter) Query(ctx context.Context, query string, topK int) ([]valueobject.Fact, error) {
	vec, err := a.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	hits, err := a.store.Search(ctx, vec, topK, nil)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	facts := make([]valueobject.Fact, 0, len(hits))
	for _, h := range hits {
		trust := float64(h.Score)
		if trust <= 0 {
			trust = 0.5
		}
		facts = append(facts, valueobject.Fact{
			SourceID: h.ID,
			Text:     h.Content,
			Trust:    trust,
			Ts:       h.UpdatedAt,
		})
	}
	return facts, nil
}
