package retrieval

import (
	"context"
	"sync"

	"github.com/iatoolkit/iatoolkit/pkg/llm"
)

// Index pairs the vector store with per-model embedding clients. Filter
// validation happens before the embedding call so a bad filter costs
// nothing upstream.
type Index struct {
	store      *Store
	defaultCfg llm.Config

	mu        sync.Mutex
	embedders map[string]llm.EmbeddingClient
}

func NewIndex(store *Store, embeddingCfg llm.Config) *Index {
	return &Index{
		store:      store,
		defaultCfg: embeddingCfg,
		embedders:  make(map[string]llm.EmbeddingClient),
	}
}

func (ix *Index) embedderFor(model string) (llm.EmbeddingClient, error) {
	cfg := ix.defaultCfg
	if model != "" {
		cfg.Model = model
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()
	if client, ok := ix.embedders[cfg.Model]; ok {
		return client, nil
	}
	client, err := llm.NewEmbeddingClient(cfg)
	if err != nil {
		return nil, err
	}
	ix.embedders[cfg.Model] = client
	return client, nil
}

// Search embeds the query with the tenant's embedding model (empty means
// the service default) and returns the nearest chunks. Zero matches is a
// valid outcome, not an error.
func (ix *Index) Search(ctx context.Context, tenantID, embedModel, query string, filter Filter, topK int) ([]Chunk, error) {
	conds, err := filter.resolve(ModeText)
	if err != nil {
		return nil, err
	}
	embedding, err := ix.embed(ctx, embedModel, query)
	if err != nil {
		return nil, err
	}
	return ix.store.Search(ctx, tenantID, embedding, conds, topK)
}

// SearchImages runs the image-mode variant against the image vectors.
func (ix *Index) SearchImages(ctx context.Context, tenantID, embedModel, query string, filter Filter, topK int) ([]Image, error) {
	conds, err := filter.resolve(ModeImage)
	if err != nil {
		return nil, err
	}
	embedding, err := ix.embed(ctx, embedModel, query)
	if err != nil {
		return nil, err
	}
	return ix.store.SearchImages(ctx, tenantID, embedding, conds, topK)
}

func (ix *Index) embed(ctx context.Context, embedModel, text string) ([]float32, error) {
	client, err := ix.embedderFor(embedModel)
	if err != nil {
		return nil, err
	}
	vecs, err := client.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}
