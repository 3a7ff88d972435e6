package zadacha

import (
	"context"
	"fmt"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/drpcorg/zadacha/tasks"
)

// cleanupTaskQueue prunes the oldest finished tasks once the history grows
// past MaxNumberOfTasks. The prune goes through a regular taskDeletion
// task, so it is serialized with everything else and visible in the
// history itself. Unfinished tasks are never pruned.
func (s *Scheduler) cleanupTaskQueue(ctx context.Context) {
	snap := s.store.Snapshot()
	defer snap.Close()

	all, err := s.store.AllTaskIDs(snap)
	if err != nil {
		s.log.ErrorCtx(ctx, "cleanup failed to list tasks", "err", err)
		return
	}
	total := all.GetCardinality()
	if total <= s.opts.MaxNumberOfTasks {
		return
	}

	finished := roaring.New()
	for _, status := range []tasks.Status{tasks.StatusSucceeded, tasks.StatusFailed, tasks.StatusCanceled} {
		bucket, err := s.store.StatusBucket(snap, status)
		if err != nil {
			s.log.ErrorCtx(ctx, "cleanup failed to read a status bucket", "err", err)
			return
		}
		finished.Or(bucket)
	}
	if finished.IsEmpty() {
		s.log.WarnCtx(ctx, "task history over capacity but nothing finished to prune", "total", total)
		return
	}

	excess := total - s.opts.MaxNumberOfTasks
	victims := make([]tasks.TaskID, 0, excess)
	it := finished.Iterator()
	for it.HasNext() && uint64(len(victims)) < excess {
		victims = append(victims, it.Next())
	}

	query := fmt.Sprintf("?from=%d&limit=%d&status=succeeded,failed,canceled",
		victims[len(victims)-1], len(victims))
	if _, err := s.Enqueue(ctx, tasks.TaskDeletion(query, victims)); err != nil {
		s.log.ErrorCtx(ctx, "cleanup failed to enqueue the deletion", "err", err)
		return
	}
	s.log.InfoCtx(ctx, "cleanup enqueued a task history prune",
		"total", total, "pruning", len(victims))
}
