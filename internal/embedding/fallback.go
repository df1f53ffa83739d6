package embedding

import (
	"context"
	"sync"
	"time"

	"github.com/vthunder/engram/internal/logging"
)

const (
	// fallbackFailureThreshold is how many consecutive primary
	// failures trigger the switch to the local embedder.
	fallbackFailureThreshold = 3
	// fallbackCooldown is how long the primary rests before a retry.
	fallbackCooldown = 5 * time.Minute
)

// Fallback wraps a primary provider and silently degrades to a local
// TF-IDF embedder after repeated failures, retrying the primary after
// a cooldown.
type Fallback struct {
	primary Provider
	local   Provider

	mu            sync.Mutex
	failures      int
	usingLocal    bool
	cooldownUntil time.Time
}

// NewFallback wraps primary with local as the degraded path. A nil
// local defaults to a fresh TF-IDF embedder.
func NewFallback(primary, local Provider) *Fallback {
	if local == nil {
		local = NewTFIDF()
	}
	return &Fallback{primary: primary, local: local}
}

// active returns the provider to use for the next call.
func (f *Fallback) active() Provider {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.usingLocal && time.Now().After(f.cooldownUntil) {
		// Cooldown elapsed: give the primary another chance.
		f.usingLocal = false
		f.failures = 0
		logging.Info("embedding", "fallback cooldown elapsed, retrying primary %s", f.primary.Name())
	}
	if f.usingLocal {
		return f.local
	}
	return f.primary
}

// recordFailure counts a primary failure and switches to the local
// embedder once the threshold is reached.
func (f *Fallback) recordFailure(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.failures++
	if f.failures >= fallbackFailureThreshold && !f.usingLocal {
		f.usingLocal = true
		f.cooldownUntil = time.Now().Add(fallbackCooldown)
		logging.Info("embedding", "primary %s failed %d times (%v), degrading to %s for %s",
			f.primary.Name(), f.failures, err, f.local.Name(), fallbackCooldown)
	}
}

func (f *Fallback) recordSuccess() {
	f.mu.Lock()
	f.failures = 0
	f.mu.Unlock()
}

// Name returns the active provider's name.
func (f *Fallback) Name() string { return f.active().Name() }

// Dimension reports the active provider's dimension: callers see the
// dimension their next vector will actually have.
func (f *Fallback) Dimension() int { return f.active().Dimension() }

// IsAvailable reports true when either path can embed.
func (f *Fallback) IsAvailable() bool {
	return f.primary.IsAvailable() || f.local.IsAvailable()
}

// Embed embeds via the active provider, falling back on this very call
// when the primary failure crosses the threshold.
func (f *Fallback) Embed(ctx context.Context, text string) ([]float64, error) {
	p := f.active()
	vec, err := p.Embed(ctx, text)
	if err == nil {
		if p == f.primary {
			f.recordSuccess()
		}
		return vec, nil
	}
	if p != f.primary {
		return nil, err
	}

	f.recordFailure(err)
	if f.active() == f.local {
		return f.local.Embed(ctx, text)
	}
	return nil, err
}

// EmbedBatch behaves like Embed; a batch counts as one failure.
func (f *Fallback) EmbedBatch(ctx context.Context, texts []string) ([][]float64, error) {
	p := f.active()
	vecs, err := p.EmbedBatch(ctx, texts)
	if err == nil {
		if p == f.primary {
			f.recordSuccess()
		}
		return vecs, nil
	}
	if p != f.primary {
		return nil, err
	}

	f.recordFailure(err)
	if f.active() == f.local {
		return f.local.EmbedBatch(ctx, texts)
	}
	return nil, err
}
