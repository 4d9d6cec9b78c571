package tools

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"

	openai "github.com/sashabaranov/go-openai"
)

// Embedder produces embedding vectors for a batch of texts.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// OpenAIEmbedder backs Embedder with the OpenAI embeddings endpoint.
type OpenAIEmbedder struct {
	client *openai.Client
	model  string
}

// NewOpenAIEmbedder creates an embedder for the given model.
func NewOpenAIEmbedder(apiKey, baseURL, model string) *OpenAIEmbedder {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAIEmbedder{client: openai.NewClientWithConfig(cfg), model: model}
}

func (e *OpenAIEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: texts,
		Model: openai.EmbeddingModel(e.model),
	})
	if err != nil {
		return nil, fmt.Errorf("embed: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("embed: got %d vectors for %d texts", len(resp.Data), len(texts))
	}
	out := make([][]float32, len(texts))
	for _, d := range resp.Data {
		out[d.Index] = d.Embedding
	}
	return out, nil
}

// SemanticSelector ranks tools by cosine similarity between the prompt and
// each tool's name plus description. Tool vectors are cached against a
// fingerprint of the tool set, so they are recomputed only when the set
// changes. Any embedding failure degrades to returning all tools.
type SemanticSelector struct {
	embedder  Embedder
	threshold float64
	topK      int
	logger    *slog.Logger

	mu          sync.Mutex
	fingerprint string
	vectors     [][]float32
}

// NewSemanticSelector creates a selector with the given similarity floor
// and result cap.
func NewSemanticSelector(embedder Embedder, threshold float64, topK int, logger *slog.Logger) *SemanticSelector {
	return &SemanticSelector{
		embedder:  embedder,
		threshold: threshold,
		topK:      topK,
		logger:    logger,
	}
}

func (s *SemanticSelector) Select(ctx context.Context, prompt string, available []Tool) ([]Tool, error) {
	if len(available) == 0 {
		return available, nil
	}

	toolVectors, err := s.toolVectors(ctx, available)
	if err != nil {
		if s.logger != nil {
			s.logger.Warn("semantic selection degraded to all tools", "error", err)
		}
		return available, nil
	}

	promptVecs, err := s.embedder.Embed(ctx, []string{prompt})
	if err != nil || len(promptVecs) != 1 {
		if s.logger != nil {
			s.logger.Warn("semantic selection degraded to all tools", "error", err)
		}
		return available, nil
	}
	promptVec := promptVecs[0]

	type scored struct {
		tool  Tool
		score float64
		pos   int
	}
	var matches []scored
	for i, t := range available {
		score := cosine(promptVec, toolVectors[i])
		if score >= s.threshold {
			matches = append(matches, scored{tool: t, score: score, pos: i})
		}
	}
	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].score != matches[j].score {
			return matches[i].score > matches[j].score
		}
		return matches[i].pos < matches[j].pos
	})

	limit := len(matches)
	if s.topK > 0 && limit > s.topK {
		limit = s.topK
	}
	out := make([]Tool, 0, limit)
	for _, m := range matches[:limit] {
		out = append(out, m.tool)
	}
	return out, nil
}

// toolVectors returns cached embeddings for the tool set, recomputing when
// the fingerprint of names and descriptions changes.
func (s *SemanticSelector) toolVectors(ctx context.Context, available []Tool) ([][]float32, error) {
	texts := make([]string, len(available))
	h := sha256.New()
	for i, t := range available {
		spec := t.Spec()
		texts[i] = spec.Name + ": " + spec.Description
		h.Write([]byte(texts[i]))
		h.Write([]byte{0})
	}
	fp := hex.EncodeToString(h.Sum(nil))

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fingerprint == fp {
		return s.vectors, nil
	}

	vectors, err := s.embedder.Embed(ctx, texts)
	if err != nil {
		return nil, err
	}
	s.fingerprint = fp
	s.vectors = vectors
	return vectors, nil
}

func cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// NewSelector builds the strategy named in config.
func NewSelector(strategy string, limit int, threshold float64, topK int, embedder Embedder, logger *slog.Logger) Selector {
	switch strings.ToLower(strategy) {
	case "keyword":
		return &KeywordSelector{Limit: limit}
	case "semantic":
		if embedder != nil {
			return NewSemanticSelector(embedder, threshold, topK, logger)
		}
		if logger != nil {
			logger.Warn("semantic selection requested without an embedder, using all tools")
		}
		return &AllSelector{Limit: limit}
	default:
		return &AllSelector{Limit: limit}
	}
}
