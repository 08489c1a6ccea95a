package embed

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type countingEmbedder struct {
	calls int
}

func (c *countingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	c.calls++
	return []float32{1, 2, 3}, nil
}

func (c *countingEmbedder) Model() string   { return "test-model" }
func (c *countingEmbedder) Dimensions() int { return 3 }

type mapCache struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMapCache() *mapCache { return &mapCache{data: make(map[string][]byte)} }

func (m *mapCache) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v, ok := m.data[key]; ok {
		return v, nil
	}
	return nil, errMiss
}

func (m *mapCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func (m *mapCache) Del(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *mapCache) Close() error { return nil }

var errMiss = errors.New("miss")

func TestCachedEmbedderMemoises(t *testing.T) {
	inner := &countingEmbedder{}
	cached := NewCachedEmbedder(inner, newMapCache(), time.Minute)

	ctx := context.Background()
	first, err := cached.Embed(ctx, "node not ready")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := cached.Embed(ctx, "node not ready")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if inner.calls != 1 {
		t.Fatalf("inner called %d times, want 1", inner.calls)
	}
	if len(first) != len(second) {
		t.Fatalf("vector lengths differ: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("cached vector differs at %d", i)
		}
	}
}

func TestCachedEmbedderDistinctTexts(t *testing.T) {
	inner := &countingEmbedder{}
	cached := NewCachedEmbedder(inner, newMapCache(), time.Minute)

	ctx := context.Background()
	if _, err := cached.Embed(ctx, "pod crashloop"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := cached.Embed(ctx, "node pressure"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if inner.calls != 2 {
		t.Fatalf("inner called %d times, want 2", inner.calls)
	}
}

func TestCachedEmbedderNilProvider(t *testing.T) {
	inner := &countingEmbedder{}
	cached := NewCachedEmbedder(inner, nil, 0)

	for i := 0; i < 3; i++ {
		if _, err := cached.Embed(context.Background(), "same text"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if inner.calls != 3 {
		t.Fatalf("noop cache must always delegate, got %d calls", inner.calls)
	}
}

func TestVectorRoundTrip(t *testing.T) {
	v := []float32{0.25, -1.5, 3.75}
	decoded := DecodeVector(EncodeVector(v))
	if len(decoded) != len(v) {
		t.Fatalf("decoded length %d, want %d", len(decoded), len(v))
	}
	for i := range v {
		if decoded[i] != v[i] {
			t.Fatalf("decoded[%d] = %v, want %v", i, decoded[i], v[i])
		}
	}
	if DecodeVector([]byte{1, 2, 3}) != nil {
		t.Fatalf("malformed input must decode to nil")
	}
}

func TestCosineSimilarity(t *testing.T) {
	a := []float32{1, 0, 0}
	if got := CosineSimilarity(a, a); got < 0.999 {
		t.Fatalf("identical vectors similarity = %v, want ~1", got)
	}
	if got := CosineSimilarity(a, []float32{0, 1, 0}); got != 0 {
		t.Fatalf("orthogonal similarity = %v, want 0", got)
	}
	if got := CosineSimilarity(a, []float32{1, 0}); got != 0 {
		t.Fatalf("mismatched lengths similarity = %v, want 0", got)
	}
}
