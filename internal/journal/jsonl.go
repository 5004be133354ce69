// Package journal persists the append-only decision and trade logs.
package journal

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/El-Monte/multi-agentic-trading/internal/execution"
	"github.com/El-Monte/multi-agentic-trading/internal/portfolio"
)

// JSONLRecorder appends decisions and fills as JSON lines for later analysis.
type JSONLRecorder struct {
	mu        sync.Mutex
	fills     *json.Encoder
	decisions *json.Encoder
	files     []*os.File
}

// NewJSONLRecorder creates/opens both target files. Either path may be empty
// to skip that log.
func NewJSONLRecorder(fillsPath, decisionsPath string) (*JSONLRecorder, error) {
	r := &JSONLRecorder{}
	open := func(path string) (*json.Encoder, error) {
		if path == "" {
			return nil, nil
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
		file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, err
		}
		r.files = append(r.files, file)
		return json.NewEncoder(file), nil
	}

	var err error
	if r.fills, err = open(fillsPath); err != nil {
		return nil, err
	}
	if r.decisions, err = open(decisionsPath); err != nil {
		r.Close()
		return nil, err
	}
	return r, nil
}

// RecordFill writes a single fill line.
func (r *JSONLRecorder) RecordFill(fill execution.Fill) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fills == nil {
		return nil
	}
	return r.fills.Encode(fill)
}

// RecordDecision writes a single decision line.
func (r *JSONLRecorder) RecordDecision(d portfolio.Decision) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.decisions == nil {
		return nil
	}
	return r.decisions.Encode(d)
}

// Close flushes and closes the underlying files.
func (r *JSONLRecorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var first error
	for _, f := range r.files {
		if err := f.Close(); err != nil && first == nil {
			first = err
		}
	}
	r.files = nil
	r.fills = nil
	r.decisions = nil
	return first
}
