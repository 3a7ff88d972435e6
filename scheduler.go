package zadacha

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/drpcorg/zadacha/features"
	"github.com/drpcorg/zadacha/filestore"
	"github.com/drpcorg/zadacha/indexmapper"
	"github.com/drpcorg/zadacha/taskdb"
	"github.com/drpcorg/zadacha/tasks"
	"github.com/drpcorg/zadacha/utils"
	"github.com/drpcorg/zadacha/zadacha_errors"
)

// Scheduler owns the task history, the secondary indices over it, the
// content files and the index registry. Every state change flows through
// one writer: either Enqueue (registration) or the Run loop (execution).
// Readers work on Pebble snapshots and never block the writer.
type Scheduler struct {
	dir  string
	opts Options
	log  utils.Logger

	db     *pebble.DB
	store  *taskdb.Store
	files  *filestore.FileStore
	mapper *indexmapper.IndexMapper

	processing *ProcessingTasks
	features   *features.Features
	embedders  *xsync.MapOf[string, map[string]EmbedderConfig]

	mustStop *MustStopProcessing
	wakeUp   chan struct{}

	iteration atomic.Uint64
	closed    atomic.Bool

	// Test hooks. Nil outside tests: the loop never blocks on them.
	breakpoints     chan Breakpoint
	plannedFailures map[plannedFailure]struct{}
}

// Open prepares the directory layout, opens the task store and recovers
// from a previous crash: tasks left in the processing status are returned
// to enqueued, so interrupted batches are re-executed from scratch.
func Open(dir string, opts Options) (*Scheduler, error) {
	opts.SetDefaults(dir)

	for _, sub := range []string{"", "indexes"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := pebble.Open(filepath.Join(dir, "tasks"), &pebble.Options{})
	if err != nil {
		return nil, err
	}

	store, err := taskdb.New(db, opts.Logger, opts.PebbleWriteOptions)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	files, err := filestore.New(filepath.Join(dir, "update_files"))
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	mapper, err := indexmapper.New(db, dir, opts.IndexCacheSize, opts.Logger)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := mapper.SweepOrphans(); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &Scheduler{
		dir:        dir,
		opts:       opts,
		log:        opts.Logger,
		db:         db,
		store:      store,
		files:      files,
		mapper:     mapper,
		processing: NewProcessingTasks(),
		features:   features.New(opts.Features),
		embedders:  xsync.NewMapOf[string, map[string]EmbedderConfig](),
		mustStop:   &MustStopProcessing{},
		wakeUp:     make(chan struct{}, 1),
	}
	if err := s.requeueInterrupted(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// requeueInterrupted moves every task stranded in the processing status
// back to enqueued in one transaction.
func (s *Scheduler) requeueInterrupted() error {
	wb := s.store.WriteBatch()
	defer wb.Close()

	stranded, err := s.store.StatusBucket(wb, tasks.StatusProcessing)
	if err != nil {
		return err
	}
	if stranded.IsEmpty() {
		return nil
	}
	it := stranded.Iterator()
	for it.HasNext() {
		t, err := s.store.Get(wb, it.Next())
		if err != nil {
			return err
		}
		t.Status = tasks.StatusEnqueued
		t.StartedAt = nil
		if err := s.store.Update(wb, &t); err != nil {
			return err
		}
	}
	if err := s.store.Commit(wb); err != nil {
		return err
	}
	s.log.Warn("requeued tasks interrupted by restart", "count", stranded.GetCardinality())
	return nil
}

func (s *Scheduler) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return zadacha_errors.ErrClosed
	}
	err := s.mapper.Close()
	if dberr := s.db.Close(); err == nil {
		err = dberr
	}
	return err
}

// Enqueue registers the task, assigns it the next uid and wakes the loop.
// A task cancelation additionally tells the running batch to stop early.
func (s *Scheduler) Enqueue(ctx context.Context, t tasks.Task) (tasks.Task, error) {
	if s.closed.Load() {
		return tasks.Task{}, zadacha_errors.ErrClosed
	}
	if err := s.validate(&t); err != nil {
		return tasks.Task{}, err
	}
	t.Status = tasks.StatusEnqueued
	t.EnqueuedAt = time.Now().UTC()

	wb := s.store.WriteBatch()
	defer wb.Close()
	if err := s.store.Register(wb, &t); err != nil {
		return tasks.Task{}, err
	}
	if err := s.store.Commit(wb); err != nil {
		return tasks.Task{}, err
	}
	EnqueuedTasks.WithLabelValues(t.Kind.String()).Inc()
	s.log.DebugCtx(ctx, "task enqueued", "uid", t.UID, "kind", t.Kind.String(), "index", t.IndexUID)

	if t.Kind == tasks.KindTaskCancelation {
		s.mustStop.MustStop()
	}
	s.WakeUp()
	return t, nil
}

func (s *Scheduler) validate(t *tasks.Task) error {
	switch t.Kind {
	case tasks.KindTaskCancelation, tasks.KindTaskDeletion:
		if t.Content == nil || len(t.Content.TaskUIDs) == 0 {
			return fmt.Errorf("%s needs at least one target task uid", t.Kind)
		}
	case tasks.KindIndexSwap:
		if t.Content == nil || len(t.Content.Swaps) == 0 {
			return fmt.Errorf("%s needs at least one pair of indexes", t.Kind)
		}
		for _, swap := range t.Content.Swaps {
			if swap.Indexes[0] == swap.Indexes[1] {
				return fmt.Errorf("cannot swap index %q with itself", swap.Indexes[0])
			}
		}
	case tasks.KindSettingsUpdate:
		if t.Content != nil && settingsHaveEmbedders(t.Content.Settings) {
			if err := s.features.CheckVectorStore("passing embedders in a settings update"); err != nil {
				return err
			}
		}
	}
	return nil
}

func settingsHaveEmbedders(settings json.RawMessage) bool {
	if len(settings) == 0 {
		return false
	}
	var probe struct {
		Embedders json.RawMessage `json:"embedders"`
	}
	if err := json.Unmarshal(settings, &probe); err != nil {
		return false
	}
	return len(probe.Embedders) > 0
}

// WakeUp nudges the loop. Coalesces: an already pending wake-up is enough.
func (s *Scheduler) WakeUp() {
	select {
	case s.wakeUp <- struct{}{}:
	default:
	}
}

// GetTask returns the task record by uid.
func (s *Scheduler) GetTask(uid tasks.TaskID) (tasks.Task, error) {
	if s.closed.Load() {
		return tasks.Task{}, zadacha_errors.ErrClosed
	}
	return s.store.Get(s.db, uid)
}

// Tasks evaluates the query over a point-in-time snapshot.
func (s *Scheduler) Tasks(q *tasks.Query) ([]tasks.Task, error) {
	if s.closed.Load() {
		return nil, zadacha_errors.ErrClosed
	}
	snap := s.store.Snapshot()
	defer snap.Close()
	return s.store.TasksMatching(snap, q)
}

// TaskIDs evaluates the query and returns matching uids only.
func (s *Scheduler) TaskIDs(q *tasks.Query) ([]tasks.TaskID, error) {
	if s.closed.Load() {
		return nil, zadacha_errors.ErrClosed
	}
	snap := s.store.Snapshot()
	defer snap.Close()
	matched, err := s.store.TaskIDsMatching(snap, q)
	if err != nil {
		return nil, err
	}
	return matched.ToArray(), nil
}

// IndexNames lists registered indexes in lexicographic order.
func (s *Scheduler) IndexNames() ([]string, error) {
	if s.closed.Load() {
		return nil, zadacha_errors.ErrClosed
	}
	return s.mapper.Names(s.db)
}

// IndexStats returns the last stats committed for the index.
func (s *Scheduler) IndexStats(name string) (indexmapper.IndexStats, error) {
	if s.closed.Load() {
		return indexmapper.IndexStats{}, zadacha_errors.ErrClosed
	}
	return s.mapper.Stats(s.db, name)
}

// NewContentFile opens a fresh content file for a document payload. The
// caller writes the payload, closes the file and passes its id to the
// document-addition task constructor.
func (s *Scheduler) NewContentFile() (*filestore.ContentFile, error) {
	if s.closed.Load() {
		return nil, zadacha_errors.ErrClosed
	}
	return s.files.NewContentFile()
}

// ContentFiles lists every stored content file.
func (s *Scheduler) ContentFiles() ([]uuid.UUID, error) {
	if s.closed.Load() {
		return nil, zadacha_errors.ErrClosed
	}
	return s.files.All()
}

func (s *Scheduler) Features() *features.Features {
	return s.features
}

// Processing reports the currently executing batch.
func (s *Scheduler) Processing() (time.Time, []tasks.TaskID) {
	startedAt, ids := s.processing.Snapshot()
	return startedAt, ids.ToArray()
}
