package zadacha

import (
	"github.com/RoaringBitmap/roaring/v2"
	"github.com/cockroachdb/pebble"

	"github.com/drpcorg/zadacha/tasks"
)

// batch is one unit of execution: either a single global task or a run of
// kind-compatible tasks against one index, in uid order.
type batch struct {
	tasks []tasks.Task
	index string
}

func (b *batch) ids() *roaring.Bitmap {
	ids := roaring.New()
	for _, t := range b.tasks {
		ids.Add(t.UID)
	}
	return ids
}

func (b *batch) kind() tasks.Kind {
	return b.tasks[0].Kind
}

// Global kinds take a whole batch for themselves, in strict priority
// order: a cancelation must run before the work it cancels, a deletion
// must not race a dump that would still export the deleted history.
var soloKinds = []tasks.Kind{
	tasks.KindTaskCancelation,
	tasks.KindTaskDeletion,
	tasks.KindDumpCreation,
	tasks.KindIndexSwap,
}

type batchClass int

const (
	classDocuments batchClass = iota
	classSettings
	classAlone
)

func classOf(k tasks.Kind) batchClass {
	switch k {
	case tasks.KindDocumentAdditionOrUpdate, tasks.KindDocumentDeletion,
		tasks.KindDocumentDeletionByFilter, tasks.KindDocumentClear:
		return classDocuments
	case tasks.KindSettingsUpdate:
		return classSettings
	default:
		return classAlone
	}
}

// createNextBatch picks what runs next, or nil when nothing is enqueued.
// Priority kinds go alone; otherwise the oldest enqueued task fixes the
// target index and the batch greedily extends with that index's enqueued
// tasks while their kinds share a class.
func (s *Scheduler) createNextBatch(r pebble.Reader) (*batch, error) {
	enqueued, err := s.store.StatusBucket(r, tasks.StatusEnqueued)
	if err != nil {
		return nil, err
	}
	if enqueued.IsEmpty() {
		return nil, nil
	}

	for _, kind := range soloKinds {
		bucket, err := s.store.KindBucket(r, kind)
		if err != nil {
			return nil, err
		}
		ready := roaring.And(enqueued, bucket)
		if ready.IsEmpty() {
			continue
		}
		t, err := s.store.Get(r, ready.Minimum())
		if err != nil {
			return nil, err
		}
		return &batch{tasks: []tasks.Task{t}, index: t.IndexUID}, nil
	}

	first, err := s.store.Get(r, enqueued.Minimum())
	if err != nil {
		return nil, err
	}
	b := &batch{tasks: []tasks.Task{first}, index: first.IndexUID}
	if s.opts.DisableAutobatching || classOf(first.Kind) == classAlone {
		return b, nil
	}

	sameIndex, err := s.store.IndexBucket(r, first.IndexUID)
	if err != nil {
		return nil, err
	}
	candidates := roaring.And(enqueued, sameIndex)
	candidates.Remove(first.UID)

	it := candidates.Iterator()
	for it.HasNext() && len(b.tasks) < s.opts.MaxNumberOfBatchedTasks {
		t, err := s.store.Get(r, it.Next())
		if err != nil {
			return nil, err
		}
		if classOf(t.Kind) != classOf(first.Kind) {
			break
		}
		b.tasks = append(b.tasks, t)
	}
	return b, nil
}
