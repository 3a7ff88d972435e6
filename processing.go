package zadacha

import (
	"sync"
	"time"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/drpcorg/zadacha/tasks"
)

// ProcessingTasks mirrors the batch currently being executed. Readers use
// it to answer "is this task running right now" without touching storage;
// the loop owns all writes.
type ProcessingTasks struct {
	mu        sync.RWMutex
	startedAt time.Time
	ids       *roaring.Bitmap
}

func NewProcessingTasks() *ProcessingTasks {
	return &ProcessingTasks{ids: roaring.New()}
}

// Start publishes the batch members as processing.
func (p *ProcessingTasks) Start(startedAt time.Time, ids *roaring.Bitmap) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.startedAt = startedAt
	p.ids = ids.Clone()
}

// Stop empties the set once the batch has been committed.
func (p *ProcessingTasks) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.startedAt = time.Time{}
	p.ids = roaring.New()
}

func (p *ProcessingTasks) Contains(uid tasks.TaskID) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.ids.Contains(uid)
}

// Snapshot returns the batch start time and a copy of the member set.
func (p *ProcessingTasks) Snapshot() (time.Time, *roaring.Bitmap) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.startedAt, p.ids.Clone()
}
