package match

import (
	"context"
	"fmt"
	"math"
	"sync"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"prodintel/internal/observability"
)

const embedBatchSize = 100

// Embedder turns texts into vectors, one per input, in input order.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

type OpenAIEmbedder struct {
	client *openai.Client
	Model  openai.EmbeddingModel
}

func NewOpenAIEmbedder(apiKey string) *OpenAIEmbedder {
	return &OpenAIEmbedder{client: openai.NewClient(apiKey), Model: openai.SmallEmbedding3}
}

func (e *OpenAIEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Model: e.Model,
		Input: texts,
	})
	if err != nil {
		return nil, err
	}
	out := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index >= 0 && d.Index < len(out) {
			out[d.Index] = d.Embedding
		}
	}
	return out, nil
}

// EmbeddingMatcher calls two names similar when the cosine similarity of
// their embeddings reaches Threshold. Vectors come from Prepare; a name
// without one is judged by Fallback.
type EmbeddingMatcher struct {
	Threshold float64
	Fallback  Matcher

	embedder Embedder
	log      *zap.Logger

	mu      sync.RWMutex
	vectors map[string][]float32
}

func NewEmbeddingMatcher(e Embedder, fallback Matcher, log *zap.Logger) *EmbeddingMatcher {
	if fallback == nil {
		fallback = PrefixMatcher{}
	}
	return &EmbeddingMatcher{
		Threshold: DefaultEmbeddingThreshold,
		Fallback:  fallback,
		embedder:  e,
		log:       observability.OrNop(log).Named("match"),
		vectors:   make(map[string][]float32),
	}
}

// Prepare embeds every name not seen before, in batches.
func (m *EmbeddingMatcher) Prepare(ctx context.Context, names []string) error {
	var missing []string
	seen := make(map[string]bool)
	m.mu.RLock()
	for _, n := range names {
		k := Fold(n)
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		if _, ok := m.vectors[k]; !ok {
			missing = append(missing, k)
		}
	}
	m.mu.RUnlock()

	for _, batch := range batches(missing, embedBatchSize) {
		vecs, err := m.embedder.Embed(ctx, batch)
		if err != nil {
			return fmt.Errorf("embed %d names: %w", len(batch), err)
		}
		m.mu.Lock()
		for i, v := range vecs {
			if i < len(batch) && len(v) > 0 {
				m.vectors[batch[i]] = v
			}
		}
		m.mu.Unlock()
	}
	m.log.Debug("prepared embeddings", zap.Int("new", len(missing)))
	return nil
}

func (m *EmbeddingMatcher) Similar(reference, candidate string) bool {
	m.mu.RLock()
	a, okA := m.vectors[Fold(reference)]
	b, okB := m.vectors[Fold(candidate)]
	m.mu.RUnlock()
	if !okA || !okB {
		return m.Fallback.Similar(reference, candidate)
	}
	return cosine(a, b) >= m.Threshold
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func batches(items []string, size int) [][]string {
	var out [][]string
	for len(items) > size {
		out = append(out, items[:size])
		items = items[size:]
	}
	if len(items) > 0 {
		out = append(out, items)
	}
	return out
}

// Preparer is implemented by matchers that want every name up front.
type Preparer interface {
	Prepare(ctx context.Context, names []string) error
}
