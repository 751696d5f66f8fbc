package embeddings

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
)

// LocalProvider is a deterministic, dependency-free embedder used when no
// API key is configured and in tests. It hashes word tokens into a fixed
// number of buckets and L2-normalizes the result. Quality is far below a
// real model but similar texts still land near each other.
type LocalProvider struct {
	dim int
}

var _ Provider = (*LocalProvider)(nil)

// NewLocal creates a local hash embedder with the given dimension.
func NewLocal(dim int) *LocalProvider {
	if dim <= 0 {
		dim = 256
	}
	return &LocalProvider{dim: dim}
}

func (p *LocalProvider) Name() string   { return "local" }
func (p *LocalProvider) Dimension() int { return p.dim }

func (p *LocalProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	vec := make([]float32, p.dim)
	for _, token := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New32a()
		h.Write([]byte(token))
		vec[h.Sum32()%uint32(p.dim)]++
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm > 0 {
		scale := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= scale
		}
	}
	return vec, nil
}

func (p *LocalProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec, err := p.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

// New builds a provider from config, falling back to the local embedder
// when no provider or key is set.
func New(cfg Config) (Provider, error) {
	switch cfg.Provider {
	case "", "local":
		return NewLocal(0), nil
	case "openai":
		return NewOpenAI(cfg)
	default:
		return NewOpenAI(cfg)
	}
}
