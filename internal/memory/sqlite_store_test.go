package memory

import (
	"context"
	"crypto/sha256"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/sentinelstack/sentinel-agent/internal/models"
	"github.com/sentinelstack/sentinel-agent/internal/utils"
)

// fakeEmbedder returns fixed vectors for known texts and a deterministic
// hash-derived unit vector otherwise, so identical text always embeds
// identically and unrelated texts score low.
type fakeEmbedder struct {
	model   string
	dims    int
	vectors map[string][]float32
}

func newFakeEmbedder(dims int) *fakeEmbedder {
	return &fakeEmbedder{model: "fake-model", dims: dims, vectors: map[string][]float32{}}
}

func (f *fakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if v, ok := f.vectors[text]; ok {
		return v, nil
	}
	sum := sha256.Sum256([]byte(text))
	v := make([]float32, f.dims)
	var norm float64
	for i := range v {
		v[i] = float32(int8(sum[i%len(sum)]))
		norm += float64(v[i]) * float64(v[i])
	}
	scale := float32(1 / math.Sqrt(norm))
	for i := range v {
		v[i] *= scale
	}
	return v, nil
}

func (f *fakeEmbedder) Model() string   { return f.model }
func (f *fakeEmbedder) Dimensions() int { return f.dims }

func openTestStore(t *testing.T, embedder *fakeEmbedder) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "issues.db"), embedder)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestAddIssueDeduplicates(t *testing.T) {
	store := openTestStore(t, newFakeEmbedder(8))
	ctx := context.Background()

	first, err := store.AddIssue(ctx, "Node worker-1 is NotReady", "cordon+drain worker-1", models.OutcomeResolved)
	if err != nil {
		t.Fatalf("first add: %v", err)
	}
	if first.UseCount != 1 {
		t.Fatalf("useCount = %d, want 1", first.UseCount)
	}

	// Same issue after normalization: case and whitespace differ.
	second, err := store.AddIssue(ctx, "node  worker-1 is notready", "restart kubelet on worker-1", models.OutcomeResolved)
	if err != nil {
		t.Fatalf("second add: %v", err)
	}

	if second.ID != first.ID {
		t.Fatalf("ids differ: %s vs %s", second.ID, first.ID)
	}
	if second.UseCount != 2 {
		t.Fatalf("useCount = %d, want 2", second.UseCount)
	}
	if second.SolutionAction != "restart kubelet on worker-1" {
		t.Fatalf("solution not refreshed: %q", second.SolutionAction)
	}

	all, err := store.All(ctx)
	if err != nil {
		t.Fatalf("all: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("store holds %d records, want 1", len(all))
	}
}

func TestFindSimilarRoundTrip(t *testing.T) {
	store := openTestStore(t, newFakeEmbedder(8))
	ctx := context.Background()

	added, err := store.AddIssue(ctx, "pod payments-api CrashLoopBackOff", "rollout restart deployment payments-api", models.OutcomeResolved)
	if err != nil {
		t.Fatalf("add: %v", err)
	}

	hits, err := store.FindSimilar(ctx, "pod payments-api CrashLoopBackOff", 3, 0.8)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(hits) == 0 {
		t.Fatalf("expected the just-added record as a hit")
	}
	if hits[0].Record.ID != added.ID {
		t.Fatalf("top hit id = %s, want %s", hits[0].Record.ID, added.ID)
	}
	if hits[0].Similarity < 0.99 {
		t.Fatalf("identical text similarity = %v, want >= 0.99", hits[0].Similarity)
	}
}

func TestFindSimilarThresholdGate(t *testing.T) {
	store := openTestStore(t, newFakeEmbedder(8))
	ctx := context.Background()

	if _, err := store.AddIssue(ctx, "disk pressure on node infra-2", "expand pvc", models.OutcomeResolved); err != nil {
		t.Fatalf("add: %v", err)
	}

	// A threshold above any achievable similarity returns nothing, never
	// the lowest-distance record.
	hits, err := store.FindSimilar(ctx, "disk pressure on node infra-2", 5, 1.01)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(hits) != 0 {
		t.Fatalf("expected no hits above impossible threshold, got %d", len(hits))
	}
	if hits == nil {
		t.Fatalf("result must be empty, not nil")
	}
}

func TestFindSimilarTopKBounds(t *testing.T) {
	store := openTestStore(t, newFakeEmbedder(8))
	ctx := context.Background()

	texts := []string{"issue alpha", "issue beta", "issue gamma"}
	for _, text := range texts {
		if _, err := store.AddIssue(ctx, text, "noop", models.OutcomeEscalated); err != nil {
			t.Fatalf("add %q: %v", text, err)
		}
	}

	hits, err := store.FindSimilar(ctx, "issue alpha", 0, 0)
	if err != nil {
		t.Fatalf("topK=0: %v", err)
	}
	if len(hits) != 0 {
		t.Fatalf("topK=0 returned %d hits", len(hits))
	}

	hits, err = store.FindSimilar(ctx, "issue alpha", 100, -1)
	if err != nil {
		t.Fatalf("topK>size: %v", err)
	}
	if len(hits) != len(texts) {
		t.Fatalf("topK>size returned %d hits, want %d", len(hits), len(texts))
	}
}

func TestFindSimilarTieBreakPrefersUseCount(t *testing.T) {
	embedder := newFakeEmbedder(3)
	shared := []float32{1, 0, 0}
	embedder.vectors["well-worn issue"] = shared
	embedder.vectors["fresh issue"] = shared
	embedder.vectors["query issue"] = shared

	store := openTestStore(t, embedder)
	ctx := context.Background()

	if _, err := store.AddIssue(ctx, "fresh issue", "solution b", models.OutcomeResolved); err != nil {
		t.Fatalf("add fresh: %v", err)
	}
	if _, err := store.AddIssue(ctx, "well-worn issue", "solution a", models.OutcomeResolved); err != nil {
		t.Fatalf("add worn: %v", err)
	}
	if _, err := store.AddIssue(ctx, "well-worn issue", "solution a", models.OutcomeResolved); err != nil {
		t.Fatalf("re-add worn: %v", err)
	}

	hits, err := store.FindSimilar(ctx, "query issue", 2, 0.9)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("got %d hits, want 2", len(hits))
	}
	if hits[0].Record.UseCount != 2 {
		t.Fatalf("top hit useCount = %d, want the well-worn record first", hits[0].Record.UseCount)
	}
}

func TestModelMismatchRejectedOnReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "issues.db")
	ctx := context.Background()

	store, err := NewSQLiteStore(ctx, path, newFakeEmbedder(8))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := store.AddIssue(ctx, "some issue", "some fix", models.OutcomeResolved); err != nil {
		t.Fatalf("add: %v", err)
	}
	store.Close()

	other := newFakeEmbedder(8)
	other.model = "other-model"
	_, err = NewSQLiteStore(ctx, path, other)
	if err == nil {
		t.Fatalf("expected model mismatch to fail open")
	}
	if utils.KindOf(err) != utils.KindConfiguration {
		t.Fatalf("kind = %v, want configuration error", utils.KindOf(err))
	}
}

func TestDeleteAndPrune(t *testing.T) {
	store := openTestStore(t, newFakeEmbedder(8))
	ctx := context.Background()

	kept, err := store.AddIssue(ctx, "recent issue", "fix", models.OutcomeResolved)
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	stale, err := store.AddIssue(ctx, "stale issue", "fix", models.OutcomeResolved)
	if err != nil {
		t.Fatalf("add: %v", err)
	}

	// Age the stale record directly; Prune compares last_used_at.
	old := time.Now().UTC().Add(-48 * time.Hour).Format(time.RFC3339Nano)
	if _, err := store.db.ExecContext(ctx, `UPDATE issues SET last_used_at = ? WHERE id = ?`, old, stale.ID); err != nil {
		t.Fatalf("age record: %v", err)
	}

	dropped, err := store.Prune(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if dropped != 1 {
		t.Fatalf("pruned %d records, want 1", dropped)
	}

	if err := store.Delete(ctx, kept.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := store.Delete(ctx, "missing-id"); err != nil {
		t.Fatalf("deleting absent id must not error: %v", err)
	}

	all, err := store.All(ctx)
	if err != nil {
		t.Fatalf("all: %v", err)
	}
	if len(all) != 0 {
		t.Fatalf("store holds %d records, want 0", len(all))
	}
}
