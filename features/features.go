// Package features holds the runtime-togglable capability flags. Checks are
// cheap and safe to call from any goroutine; toggling takes effect for the
// next check, never retroactively for running tasks.
package features

import (
	"fmt"
	"sync"

	"github.com/drpcorg/zadacha/zadacha_errors"
)

type RuntimeFeatures struct {
	VectorStore bool `json:"vectorStore" yaml:"vector_store"`
}

type Features struct {
	mu      sync.RWMutex
	runtime RuntimeFeatures
}

func New(initial RuntimeFeatures) *Features {
	return &Features{runtime: initial}
}

func (f *Features) Runtime() RuntimeFeatures {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.runtime
}

func (f *Features) SetRuntime(runtime RuntimeFeatures) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runtime = runtime
}

// CheckVectorStore fails with the named action when the vector store
// capability is off.
func (f *Features) CheckVectorStore(action string) error {
	if f.Runtime().VectorStore {
		return nil
	}
	return fmt.Errorf("%w: %s", zadacha_errors.ErrVectorSearchDisabled, action)
}
