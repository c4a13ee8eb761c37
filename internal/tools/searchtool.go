package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/iatoolkit/iatoolkit/internal/retrieval"
	"github.com/iatoolkit/iatoolkit/internal/tenant"
)

// DocumentSearchTool exposes the retrieval index to the model.
type DocumentSearchTool struct {
	index *retrieval.Index
}

func NewDocumentSearchTool(index *retrieval.Index) *DocumentSearchTool {
	return &DocumentSearchTool{index: index}
}

func filterParamSchema() map[string]any {
	return map[string]any{
		"type": "array",
		"description": "Optional metadata constraints. Keys use the doc.* namespace for " +
			"document metadata and chunk.* (text) or image.* (images) for unit metadata.",
		"items": map[string]any{
			"type": "object",
			"properties": map[string]any{
				"key":   map[string]any{"type": "string"},
				"value": map[string]any{},
			},
			"required": []string{"key"},
		},
	}
}

func (t *DocumentSearchTool) Definition() Definition {
	return Definition{
		Name: "iat_document_search",
		Description: "Semantic search over the tenant's ingested documents. " +
			"Returns the most relevant text chunks with their document context.",
		Parameters: objectSchema(map[string]any{
			"query": map[string]any{
				"type":        "string",
				"description": "Natural-language search query.",
			},
			"metadata_filter": filterParamSchema(),
			"top_k": map[string]any{
				"type":        "integer",
				"description": "Maximum number of chunks to return (default 5).",
			},
		}, []string{"query"}),
		Handler: t.Execute,
	}
}

// ImageDefinition registers the image-mode variant under its own name.
func (t *DocumentSearchTool) ImageDefinition() Definition {
	return Definition{
		Name: "iat_image_search",
		Description: "Semantic search over images extracted from the tenant's documents. " +
			"Returns image references with page and caption metadata.",
		Parameters: objectSchema(map[string]any{
			"query": map[string]any{
				"type":        "string",
				"description": "Natural-language description of the image to find.",
			},
			"metadata_filter": filterParamSchema(),
			"top_k": map[string]any{
				"type":        "integer",
				"description": "Maximum number of images to return (default 5).",
			},
		}, []string{"query"}),
		Handler: t.ExecuteImages,
	}
}

func (t *DocumentSearchTool) Execute(ctx context.Context, tn *tenant.Tenant, args map[string]any) (string, error) {
	query, filter, topK, err := parseSearchArgs(args)
	if err != nil {
		return "", err
	}
	chunks, err := t.index.Search(ctx, tn.ID, tn.EmbeddingModel, query, filter, topK)
	if err != nil {
		return "", err
	}
	if len(chunks) == 0 {
		return "No matching content was found for this query and filter.", nil
	}

	type hit struct {
		Filename  string         `json:"filename"`
		Text      string         `json:"text"`
		Score     float64        `json:"score"`
		DocMeta   map[string]any `json:"doc_meta,omitempty"`
		ChunkMeta map[string]any `json:"chunk_meta,omitempty"`
	}
	hits := make([]hit, 0, len(chunks))
	for _, c := range chunks {
		hits = append(hits, hit{
			Filename:  c.Filename,
			Text:      c.Text,
			Score:     c.Score,
			DocMeta:   c.DocMeta,
			ChunkMeta: c.ChunkMeta,
		})
	}
	encoded, err := json.Marshal(hits)
	if err != nil {
		return "", fmt.Errorf("encode search results: %v", err)
	}
	return string(encoded), nil
}

func (t *DocumentSearchTool) ExecuteImages(ctx context.Context, tn *tenant.Tenant, args map[string]any) (string, error) {
	query, filter, topK, err := parseSearchArgs(args)
	if err != nil {
		return "", err
	}
	images, err := t.index.SearchImages(ctx, tn.ID, tn.EmbeddingModel, query, filter, topK)
	if err != nil {
		return "", err
	}
	if len(images) == 0 {
		return "No matching images were found for this query and filter.", nil
	}

	type hit struct {
		DocumentID string         `json:"document_id"`
		StorageKey string         `json:"storage_key"`
		Page       int            `json:"page"`
		ImageIndex int            `json:"image_index"`
		Score      float64        `json:"score"`
		Meta       map[string]any `json:"meta,omitempty"`
	}
	hits := make([]hit, 0, len(images))
	for _, img := range images {
		hits = append(hits, hit{
			DocumentID: img.DocumentID,
			StorageKey: img.StorageKey,
			Page:       img.Page,
			ImageIndex: img.ImageIndex,
			Score:      img.Score,
			Meta:       img.Meta,
		})
	}
	encoded, err := json.Marshal(hits)
	if err != nil {
		return "", fmt.Errorf("encode image results: %v", err)
	}
	return string(encoded), nil
}

func parseSearchArgs(args map[string]any) (string, retrieval.Filter, int, error) {
	query, _ := args["query"].(string)
	if query == "" {
		return "", nil, 0, fmt.Errorf("query must be a non-empty string")
	}

	var filter retrieval.Filter
	switch raw := args["metadata_filter"].(type) {
	case nil:
	case []any:
		for i, entry := range raw {
			obj, ok := entry.(map[string]any)
			if !ok {
				return "", nil, 0, fmt.Errorf("metadata_filter[%d] must be an object with key/value", i)
			}
			key, ok := obj["key"].(string)
			if !ok {
				return "", nil, 0, fmt.Errorf("metadata_filter[%d] is missing 'key'", i)
			}
			filter = append(filter, retrieval.Condition{Key: key, Value: obj["value"]})
		}
	case map[string]any:
		for key, value := range raw {
			filter = append(filter, retrieval.Condition{Key: key, Value: value})
		}
	default:
		return "", nil, 0, fmt.Errorf("metadata_filter must be a list of {key, value} objects")
	}

	topK := 0
	if raw, ok := args["top_k"].(float64); ok {
		topK = int(raw)
	}
	return query, filter, topK, nil
}
