package embedding

import (
	"context"
	"fmt"
	"math"
	"testing"
	"time"
)

// stubProvider is a deterministic in-memory provider for tests.
type stubProvider struct {
	dim        int
	fail       bool
	embedCalls int
	batchCalls int
}

func (s *stubProvider) Name() string      { return "stub" }
func (s *stubProvider) Dimension() int    { return s.dim }
func (s *stubProvider) IsAvailable() bool { return !s.fail }

func stubVec(text string, dim int) []float64 {
	vec := make([]float64, dim)
	for i, r := range text {
		vec[(i+int(r))%dim] += 1.0
	}
	normalize(vec)
	return vec
}

func (s *stubProvider) Embed(ctx context.Context, text string) ([]float64, error) {
	s.embedCalls++
	if s.fail {
		return nil, fmt.Errorf("stub provider down")
	}
	return stubVec(text, s.dim), nil
}

func (s *stubProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float64, error) {
	s.batchCalls++
	if s.fail {
		return nil, fmt.Errorf("stub provider down")
	}
	out := make([][]float64, len(texts))
	for i, t := range texts {
		out[i] = stubVec(t, s.dim)
	}
	return out, nil
}

// TestCosineSimilaritySymmetry verifies cos(a,b) == cos(b,a).
func TestCosineSimilaritySymmetry(t *testing.T) {
	a := []float64{0.3, 0.5, 0.1, 0.8}
	b := []float64{0.9, 0.2, 0.4, 0.1}

	ab := CosineSimilarity(a, b)
	ba := CosineSimilarity(b, a)
	if math.Abs(ab-ba) > 1e-12 {
		t.Errorf("cosine not symmetric: %v vs %v", ab, ba)
	}
	if ab <= 0 || ab >= 1 {
		t.Errorf("expected similarity in (0,1) for these vectors, got %v", ab)
	}
}

// TestCosineSimilarityDimensionMismatch verifies mismatched dimensions
// return 0 rather than an error or a bogus value.
func TestCosineSimilarityDimensionMismatch(t *testing.T) {
	a := []float64{1, 0, 0}
	b := []float64{1, 0}

	if sim := CosineSimilarity(a, b); sim != 0 {
		t.Errorf("expected 0 for dimension mismatch, got %v", sim)
	}
	if sim := CosineSimilarity(nil, nil); sim != 0 {
		t.Errorf("expected 0 for empty vectors, got %v", sim)
	}
}

// TestCachedEmbedHitMiss verifies the second embed of the same text is
// served from cache and counted as a hit.
func TestCachedEmbedHitMiss(t *testing.T) {
	stub := &stubProvider{dim: 8}
	cache := NewCached(stub, 10, 0)
	ctx := context.Background()

	v1, err := cache.Embed(ctx, "hello world")
	if err != nil {
		t.Fatalf("embed failed: %v", err)
	}
	v2, err := cache.Embed(ctx, "hello world")
	if err != nil {
		t.Fatalf("second embed failed: %v", err)
	}

	if stub.embedCalls != 1 {
		t.Errorf("expected 1 provider call, got %d", stub.embedCalls)
	}
	if CosineSimilarity(v1, v2) < 0.999 {
		t.Errorf("cached vector differs from original")
	}

	stats := cache.Stats()
	if stats.Hits != 1 || stats.Misses != 1 {
		t.Errorf("expected 1 hit / 1 miss, got %d / %d", stats.Hits, stats.Misses)
	}
	if stats.HitRate != 0.5 {
		t.Errorf("expected hit rate 0.5, got %v", stats.HitRate)
	}
}

// TestCachedEvictionByEntries verifies LRU eviction honors the entry
// budget and evicts the least recently used text first.
func TestCachedEvictionByEntries(t *testing.T) {
	stub := &stubProvider{dim: 4}
	cache := NewCached(stub, 2, 0)
	ctx := context.Background()

	cache.Embed(ctx, "first")
	cache.Embed(ctx, "second")
	cache.Embed(ctx, "first") // refresh "first" so "second" is LRU
	cache.Embed(ctx, "third") // evicts "second"

	before := stub.embedCalls
	cache.Embed(ctx, "first")
	if stub.embedCalls != before {
		t.Errorf("'first' should still be cached")
	}
	cache.Embed(ctx, "second")
	if stub.embedCalls != before+1 {
		t.Errorf("'second' should have been evicted and re-embedded")
	}
}

// TestCachedEmbedBatchStitchesOrder verifies a batch with cached and
// uncached texts delegates only the misses and returns results in
// input order.
func TestCachedEmbedBatchStitchesOrder(t *testing.T) {
	stub := &stubProvider{dim: 8}
	cache := NewCached(stub, 10, 0)
	ctx := context.Background()

	warm, err := cache.Embed(ctx, "warm")
	if err != nil {
		t.Fatalf("warmup failed: %v", err)
	}

	texts := []string{"cold-a", "warm", "cold-b"}
	vecs, err := cache.EmbedBatch(ctx, texts)
	if err != nil {
		t.Fatalf("batch failed: %v", err)
	}
	if len(vecs) != 3 {
		t.Fatalf("expected 3 vectors, got %d", len(vecs))
	}
	if CosineSimilarity(vecs[1], warm) < 0.999 {
		t.Errorf("cached text not stitched back at its original index")
	}
	if stub.batchCalls != 1 {
		t.Errorf("expected exactly 1 batch call for the misses, got %d", stub.batchCalls)
	}

	// All three should now be cache hits.
	before := stub.batchCalls
	if _, err := cache.EmbedBatch(ctx, texts); err != nil {
		t.Fatalf("second batch failed: %v", err)
	}
	if stub.batchCalls != before {
		t.Errorf("fully cached batch should not call the provider")
	}
}

// TestFallbackSwitchesAfterThreeFailures verifies the wrapper degrades
// to the local embedder on the third consecutive primary failure and
// serves that call locally.
func TestFallbackSwitchesAfterThreeFailures(t *testing.T) {
	primary := &stubProvider{dim: 8, fail: true}
	fb := NewFallback(primary, NewTFIDF())
	ctx := context.Background()

	// First two failures surface as errors.
	for i := 0; i < 2; i++ {
		if _, err := fb.Embed(ctx, "some text"); err == nil {
			t.Fatalf("failure %d should surface an error", i+1)
		}
	}

	// Third failure crosses the threshold and is served locally.
	vec, err := fb.Embed(ctx, "some text about coffee")
	if err != nil {
		t.Fatalf("third call should degrade to local embedder: %v", err)
	}
	if len(vec) != TFIDFDimension {
		t.Errorf("expected local dimension %d, got %d", TFIDFDimension, len(vec))
	}
	if fb.Dimension() != TFIDFDimension {
		t.Errorf("wrapper should report the active (local) dimension")
	}

	// While degraded, the primary is not called.
	calls := primary.embedCalls
	if _, err := fb.Embed(ctx, "more text"); err != nil {
		t.Fatalf("degraded embed failed: %v", err)
	}
	if primary.embedCalls != calls {
		t.Errorf("primary should rest during cooldown")
	}
}

// TestFallbackRetriesPrimaryAfterCooldown verifies the primary is
// probed again once the cooldown has elapsed.
func TestFallbackRetriesPrimaryAfterCooldown(t *testing.T) {
	primary := &stubProvider{dim: 8, fail: true}
	fb := NewFallback(primary, NewTFIDF())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		fb.Embed(ctx, "text")
	}
	fb.mu.Lock()
	if !fb.usingLocal {
		fb.mu.Unlock()
		t.Fatal("expected degraded state after three failures")
	}
	fb.cooldownUntil = time.Now().Add(-time.Second) // force cooldown expiry
	fb.mu.Unlock()

	primary.fail = false
	vec, err := fb.Embed(ctx, "recovered")
	if err != nil {
		t.Fatalf("embed after recovery failed: %v", err)
	}
	if len(vec) != 8 {
		t.Errorf("expected primary dimension 8 after recovery, got %d", len(vec))
	}
}

// TestTFIDFVectorsAreNormalized verifies unit length and the fixed
// dimension.
func TestTFIDFVectorsAreNormalized(t *testing.T) {
	tf := NewTFIDF()
	vec, err := tf.Embed(context.Background(), "User loves Italian food and cooking pasta")
	if err != nil {
		t.Fatalf("embed failed: %v", err)
	}
	if len(vec) != TFIDFDimension {
		t.Fatalf("expected dim %d, got %d", TFIDFDimension, len(vec))
	}

	var norm float64
	for _, v := range vec {
		norm += v * v
	}
	if math.Abs(math.Sqrt(norm)-1.0) > 1e-9 {
		t.Errorf("expected unit vector, norm=%v", math.Sqrt(norm))
	}
}

// TestTFIDFSimilarTextsScoreHigher verifies related texts land closer
// than unrelated ones.
func TestTFIDFSimilarTextsScoreHigher(t *testing.T) {
	tf := NewTFIDF()
	ctx := context.Background()

	food1, _ := tf.Embed(ctx, "User loves Italian food and pasta restaurants")
	food2, _ := tf.Embed(ctx, "Favorite restaurant serves Italian food")
	car, _ := tf.Embed(ctx, "User drives a Toyota to the office")

	simFood := CosineSimilarity(food1, food2)
	simCar := CosineSimilarity(food1, car)
	if simFood <= simCar {
		t.Errorf("food/food similarity (%v) should beat food/car (%v)", simFood, simCar)
	}
}
