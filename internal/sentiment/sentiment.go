// Package sentiment supplies an optional news-sentiment tilt for entry
// confidence. Correctness never depends on it: absent or failing providers
// degrade to a neutral score.
package sentiment

import (
	"context"
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// Provider returns a score in [-1, 1] for a pair. Positive favors the long
// leg narrative, negative the short.
type Provider interface {
	Score(ctx context.Context, pairID string) (float64, error)
}

// Clamp bounds a raw score to [-1, 1].
func Clamp(score float64) float64 {
	if score > 1 {
		return 1
	}
	if score < -1 {
		return -1
	}
	return score
}

// Neutral is a Provider that always reports zero.
type Neutral struct{}

// Score implements Provider.
func (Neutral) Score(context.Context, string) (float64, error) { return 0, nil }

// FileProvider serves scores from a YAML map of pair id to score, reloadable
// at runtime. Stands in for an external news service in offline runs.
type FileProvider struct {
	path   string
	mu     sync.RWMutex
	scores map[string]float64
}

// NewFileProvider loads the initial score map from path.
func NewFileProvider(path string) (*FileProvider, error) {
	p := &FileProvider{path: path}
	if err := p.Reload(); err != nil {
		return nil, err
	}
	return p, nil
}

// Reload re-reads the score map from disk.
func (p *FileProvider) Reload() error {
	data, err := os.ReadFile(p.path)
	if err != nil {
		return fmt.Errorf("read sentiment file: %w", err)
	}
	scores := make(map[string]float64)
	if err := yaml.Unmarshal(data, &scores); err != nil {
		return fmt.Errorf("decode sentiment file: %w", err)
	}
	p.mu.Lock()
	p.scores = scores
	p.mu.Unlock()
	return nil
}

// Score implements Provider. Unknown pairs score neutral.
func (p *FileProvider) Score(_ context.Context, pairID string) (float64, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return Clamp(p.scores[pairID]), nil
}
