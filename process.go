package zadacha

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/cockroachdb/pebble"

	"github.com/drpcorg/zadacha/indexmapper"
	"github.com/drpcorg/zadacha/tasks"
	"github.com/drpcorg/zadacha/zadacha_errors"
)

var errAbortedBatch = errors.New("batch aborted for a pending cancelation")

// processBatch drives one batch through processing to its terminal state.
// Task-level faults are recorded on the task records; the returned error
// is reserved for storage failures the loop cannot recover from.
//
// The commit discipline is two transactions: the first marks every member
// processing, the second carries the whole outcome. An abort or a batch
// failure discards the second transaction, so domain bookkeeping in the
// task store never lands partially.
func (s *Scheduler) processBatch(ctx context.Context, b *batch) error {
	startedAt := time.Now().UTC()
	wb := s.store.WriteBatch()
	for i := range b.tasks {
		t := &b.tasks[i]
		t.Status = tasks.StatusProcessing
		t.StartedAt = &startedAt
		if err := s.store.Update(wb, t); err != nil {
			wb.Close()
			return err
		}
	}
	if err := s.store.Commit(wb); err != nil {
		wb.Close()
		return err
	}
	wb.Close()

	s.processing.Start(startedAt, b.ids())
	BatchSize.Observe(float64(len(b.tasks)))
	ProcessingBatch.Set(float64(len(b.tasks)))
	defer func() {
		s.processing.Stop()
		ProcessingBatch.Set(0)
		s.mustStop.Reset()
	}()

	wb = s.store.WriteBatch()
	defer wb.Close()
	var post []func()
	execErr := s.executeBatch(ctx, wb, b, &post)
	if execErr == nil {
		execErr = s.plannedFailure(pointBeforeCommit)
	}

	switch {
	case execErr == nil:
		finishedAt := time.Now().UTC()
		for i := range b.tasks {
			t := &b.tasks[i]
			if t.Status == tasks.StatusProcessing {
				t.Status = tasks.StatusSucceeded
			}
			t.FinishedAt = &finishedAt
			if err := s.store.Update(wb, t); err != nil {
				return err
			}
			post = appendContentFileCleanup(post, s, t)
		}
		if err := s.store.Commit(wb); err != nil {
			return err
		}
		for _, fn := range post {
			fn()
		}
		for i := range b.tasks {
			FinishedTasks.WithLabelValues(b.tasks[i].Kind.String(), b.tasks[i].Status.String()).Inc()
		}
		s.log.DebugCtx(ctx, "batch committed",
			"kind", b.kind().String(), "size", len(b.tasks), "index", b.index)
		return nil

	case errors.Is(execErr, errAbortedBatch):
		return s.requeueBatch(ctx, b)

	default:
		return s.failBatch(ctx, b, execErr)
	}
}

// requeueBatch discards everything the batch did to the task store and
// returns its members to the queue, from their persisted processing state.
func (s *Scheduler) requeueBatch(ctx context.Context, b *batch) error {
	rb := s.store.WriteBatch()
	defer rb.Close()
	for _, uid := range b.ids().ToArray() {
		t, err := s.store.Get(rb, uid)
		if err != nil {
			return err
		}
		t.Status = tasks.StatusEnqueued
		t.StartedAt = nil
		if err := s.store.Update(rb, &t); err != nil {
			return err
		}
	}
	if err := s.store.Commit(rb); err != nil {
		return err
	}
	s.log.InfoCtx(ctx, "batch aborted, tasks returned to the queue", "size", len(b.tasks))
	return nil
}

// failBatch records the batch-wide error on every member's persisted
// record. Member outcomes from the discarded attempt do not survive.
func (s *Scheduler) failBatch(ctx context.Context, b *batch, execErr error) error {
	rb := s.store.WriteBatch()
	defer rb.Close()
	finishedAt := time.Now().UTC()
	var post []func()
	for _, uid := range b.ids().ToArray() {
		t, err := s.store.Get(rb, uid)
		if err != nil {
			return err
		}
		failTask(&t, tasks.InternalError(execErr))
		t.FinishedAt = &finishedAt
		if err := s.store.Update(rb, &t); err != nil {
			return err
		}
		post = appendContentFileCleanup(post, s, &t)
		FinishedTasks.WithLabelValues(t.Kind.String(), t.Status.String()).Inc()
	}
	if err := s.store.Commit(rb); err != nil {
		return err
	}
	for _, fn := range post {
		fn()
	}
	s.log.ErrorCtx(ctx, "batch failed", "err", execErr, "kind", b.kind().String(), "size", len(b.tasks))
	return nil
}

// appendContentFileCleanup schedules the task's content file for removal
// once the terminal state is committed.
func appendContentFileCleanup(post []func(), s *Scheduler, t *tasks.Task) []func() {
	if t.Content == nil || t.Content.ContentFile == nil {
		return post
	}
	id := *t.Content.ContentFile
	return append(post, func() {
		if err := s.files.Delete(id); err != nil && !errors.Is(err, zadacha_errors.ErrContentFileNotFound) {
			s.log.Warn("failed to delete content file", "id", id.String(), "err", err)
		}
	})
}

func (s *Scheduler) executeBatch(ctx context.Context, wb *pebble.Batch, b *batch, post *[]func()) error {
	switch b.kind() {
	case tasks.KindTaskCancelation:
		return s.executeCancelation(wb, &b.tasks[0], post)
	case tasks.KindTaskDeletion:
		return s.executeTaskDeletion(wb, &b.tasks[0], post)
	case tasks.KindDumpCreation:
		return s.executeDump(ctx, &b.tasks[0])
	case tasks.KindIndexSwap:
		return s.executeSwap(wb, &b.tasks[0])
	default:
		return s.executeIndexBatch(ctx, wb, b, post)
	}
}

func (s *Scheduler) executeCancelation(wb *pebble.Batch, t *tasks.Task, post *[]func()) error {
	matched := roaring.New()
	for _, uid := range t.Content.TaskUIDs {
		matched.Add(uid)
	}
	canceled, err := s.store.CancelMatched(wb, matched, t.UID, time.Now().UTC())
	if err != nil {
		return err
	}
	it := canceled.Iterator()
	for it.HasNext() {
		victim, err := s.store.Get(wb, it.Next())
		if err != nil {
			return err
		}
		*post = appendContentFileCleanup(*post, s, &victim)
	}
	ensureDetails(t).CanceledTasks = ptr(canceled.GetCardinality())
	return nil
}

func (s *Scheduler) executeTaskDeletion(wb *pebble.Batch, t *tasks.Task, post *[]func()) error {
	var deleted uint64
	for _, uid := range t.Content.TaskUIDs {
		target, err := s.store.Get(wb, uid)
		if errors.Is(err, zadacha_errors.ErrTaskNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if !target.Status.Finished() {
			continue
		}
		removed, err := s.store.Delete(wb, uid)
		if err != nil {
			return err
		}
		*post = appendContentFileCleanup(*post, s, &removed)
		deleted++
	}
	ensureDetails(t).DeletedTasks = &deleted
	return nil
}

func (s *Scheduler) executeSwap(wb *pebble.Batch, t *tasks.Task) error {
	var missing []string
	for _, swap := range t.Content.Swaps {
		for _, name := range swap.Indexes {
			exists, err := s.mapper.Exists(wb, name)
			if err != nil {
				return err
			}
			if !exists {
				missing = append(missing, name)
			}
		}
	}
	if len(missing) > 0 {
		failTask(t, tasks.UserError("index_not_found",
			fmt.Sprintf("indexes %v not found", missing)))
		return nil
	}
	for _, swap := range t.Content.Swaps {
		if err := s.store.SwapIndexes(wb, swap.Indexes[0], swap.Indexes[1]); err != nil {
			return err
		}
		if err := s.mapper.Swap(wb, swap.Indexes[0], swap.Indexes[1]); err != nil {
			return err
		}
	}
	return nil
}

// executeIndexBatch handles index lifecycle kinds and document or settings
// runs. Members run in uid order; one member's user fault never blocks the
// members after it.
func (s *Scheduler) executeIndexBatch(ctx context.Context, wb *pebble.Batch, b *batch, post *[]func()) error {
	name := b.index

	switch b.kind() {
	case tasks.KindIndexCreation:
		t := &b.tasks[0]
		exists, err := s.mapper.Exists(wb, name)
		if err != nil {
			return err
		}
		if exists {
			failTask(t, tasks.UserError("index_already_exists",
				fmt.Sprintf("index %q already exists", name)))
			return nil
		}
		var pk *string
		if t.Content != nil {
			pk = t.Content.PrimaryKey
		}
		_, err = s.mapper.Create(wb, name, pk)
		return err

	case tasks.KindIndexUpdate:
		t := &b.tasks[0]
		idx, err := s.mapper.Resolve(wb, name)
		if errors.Is(err, zadacha_errors.ErrIndexNotFound) {
			failTask(t, tasks.UserError("index_not_found", fmt.Sprintf("index %q not found", name)))
			return nil
		}
		if err != nil {
			return err
		}
		if t.Content == nil || t.Content.PrimaryKey == nil {
			return nil
		}
		current, err := idx.PrimaryKey()
		if err != nil {
			return err
		}
		if current != "" && current != *t.Content.PrimaryKey {
			stats, err := idx.Stats()
			if err != nil {
				return err
			}
			if stats.NumberOfDocuments > 0 {
				failTask(t, tasks.UserError("index_primary_key_already_exists",
					fmt.Sprintf("index %q already has documents under primary key %q", name, current)))
				return nil
			}
		}
		return idx.SetPrimaryKey(*t.Content.PrimaryKey)

	case tasks.KindIndexDeletion:
		t := &b.tasks[0]
		stats, err := s.mapper.Stats(wb, name)
		if errors.Is(err, zadacha_errors.ErrIndexNotFound) {
			failTask(t, tasks.UserError("index_not_found", fmt.Sprintf("index %q not found", name)))
			return nil
		}
		if err != nil {
			return err
		}
		id, err := s.mapper.Delete(wb, name)
		if err != nil {
			return err
		}
		ensureDetails(t).DeletedDocuments = ptr(stats.NumberOfDocuments)
		*post = append(*post, func() {
			if err := s.mapper.RemoveIndexDir(id); err != nil {
				s.log.Warn("failed to remove index directory", "index", name, "err", err)
			}
		})
		return nil
	}

	idx, err := s.resolveForRun(wb, b)
	if err != nil || idx == nil {
		return err
	}

	for i := range b.tasks {
		if ctx.Err() != nil || s.mustStop.Get() {
			return errAbortedBatch
		}
		if err := s.plannedFailure(pointInsideBatch); err != nil {
			return err
		}
		if err := s.executeMember(idx, &b.tasks[i]); err != nil {
			return err
		}
	}

	stats, err := idx.Stats()
	if err != nil {
		return err
	}
	return s.mapper.PutStats(wb, idx.UUID, stats)
}

// resolveForRun opens the batch's target index, creating it when a member
// kind implies creation. nil index with nil error means every member has
// already been failed.
func (s *Scheduler) resolveForRun(wb *pebble.Batch, b *batch) (*indexmapper.Index, error) {
	idx, err := s.mapper.Resolve(wb, b.index)
	if err == nil {
		return idx, nil
	}
	if !errors.Is(err, zadacha_errors.ErrIndexNotFound) {
		return nil, err
	}

	creates := false
	for i := range b.tasks {
		switch b.tasks[i].Kind {
		case tasks.KindDocumentAdditionOrUpdate, tasks.KindSettingsUpdate:
			creates = true
		}
	}
	if !creates {
		for i := range b.tasks {
			failTask(&b.tasks[i], tasks.UserError("index_not_found",
				fmt.Sprintf("index %q not found", b.index)))
		}
		return nil, nil
	}
	return s.mapper.Create(wb, b.index, nil)
}

func (s *Scheduler) executeMember(idx *indexmapper.Index, t *tasks.Task) error {
	switch t.Kind {
	case tasks.KindDocumentAdditionOrUpdate:
		if t.Content == nil || t.Content.ContentFile == nil {
			failTask(t, tasks.UserError("missing_payload", "document addition without a content file"))
			return nil
		}
		payload, err := s.files.Read(*t.Content.ContentFile)
		if err != nil {
			failTask(t, tasks.InternalError(err))
			return nil
		}
		indexed, err := idx.PutDocuments(payload)
		if userFault(t, err) {
			return nil
		}
		if err != nil {
			return err
		}
		ensureDetails(t).IndexedDocuments = &indexed

	case tasks.KindDocumentDeletion:
		deleted, err := idx.DeleteDocuments(t.Content.DocumentIDs)
		if err != nil {
			return err
		}
		ensureDetails(t).DeletedDocuments = &deleted

	case tasks.KindDocumentDeletionByFilter:
		deleted, err := idx.DeleteByFilter(t.Content.Filter)
		if userFault(t, err) {
			return nil
		}
		if err != nil {
			return err
		}
		ensureDetails(t).DeletedDocuments = &deleted

	case tasks.KindDocumentClear:
		deleted, err := idx.Clear()
		if err != nil {
			return err
		}
		ensureDetails(t).DeletedDocuments = &deleted

	case tasks.KindSettingsUpdate:
		if err := idx.PutSettings(t.Content.Settings); err != nil {
			return err
		}
		s.setEmbedders(t.IndexUID, t.Content.Settings)
	}
	return nil
}

// userFault records err on the task when it is a user error and reports
// whether it was one.
func userFault(t *tasks.Task, err error) bool {
	var terr *tasks.TaskError
	if errors.As(err, &terr) {
		failTask(t, terr)
		return true
	}
	return false
}

// failTask marks the task failed and zero-fills the outcome counters its
// kind promises, so failed records stay shaped like succeeded ones.
func failTask(t *tasks.Task, terr *tasks.TaskError) {
	t.Status = tasks.StatusFailed
	t.Error = terr
	d := ensureDetails(t)
	switch t.Kind {
	case tasks.KindDocumentAdditionOrUpdate:
		if d.IndexedDocuments == nil {
			d.IndexedDocuments = ptr(uint64(0))
		}
	case tasks.KindDocumentDeletion, tasks.KindDocumentDeletionByFilter,
		tasks.KindDocumentClear, tasks.KindIndexDeletion:
		if d.DeletedDocuments == nil {
			d.DeletedDocuments = ptr(uint64(0))
		}
	case tasks.KindTaskCancelation:
		if d.CanceledTasks == nil {
			d.CanceledTasks = ptr(uint64(0))
		}
	case tasks.KindTaskDeletion:
		if d.DeletedTasks == nil {
			d.DeletedTasks = ptr(uint64(0))
		}
	}
}

func ensureDetails(t *tasks.Task) *tasks.Details {
	if t.Details == nil {
		t.Details = &tasks.Details{}
	}
	return t.Details
}

func ptr[T any](v T) *T { return &v }
