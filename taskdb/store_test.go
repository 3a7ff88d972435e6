package taskdb

import (
	"log/slog"
	"testing"
	"time"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/cockroachdb/pebble"
	"github.com/stretchr/testify/assert"

	"github.com/drpcorg/zadacha/tasks"
	"github.com/drpcorg/zadacha/utils"
	"github.com/drpcorg/zadacha/zadacha_errors"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	db, err := pebble.Open(t.TempDir(), &pebble.Options{})
	assert.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	s, err := New(db, utils.NewDefaultLogger(slog.LevelError), pebble.NoSync)
	assert.NoError(t, err)
	return s
}

func register(t *testing.T, s *Store, task tasks.Task) tasks.Task {
	t.Helper()
	task.Status = tasks.StatusEnqueued
	if task.EnqueuedAt.IsZero() {
		task.EnqueuedAt = time.Now().UTC()
	}
	wb := s.WriteBatch()
	defer wb.Close()
	assert.NoError(t, s.Register(wb, &task))
	assert.NoError(t, s.Commit(wb))
	return task
}

func setStatus(t *testing.T, s *Store, uid tasks.TaskID, st tasks.Status) tasks.Task {
	t.Helper()
	wb := s.WriteBatch()
	defer wb.Close()
	task, err := s.Get(wb, uid)
	assert.NoError(t, err)
	task.Status = st
	if st.Finished() {
		now := time.Now().UTC()
		task.FinishedAt = &now
	}
	assert.NoError(t, s.Update(wb, &task))
	assert.NoError(t, s.Commit(wb))
	return task
}

func TestStore_RegisterAssignsSequentialUIDs(t *testing.T) {
	s := testStore(t)

	a := register(t, s, tasks.DocumentClear("movies"))
	b := register(t, s, tasks.DocumentClear("movies"))
	c := register(t, s, tasks.DumpCreation())
	assert.Equal(t, tasks.TaskID(0), a.UID)
	assert.Equal(t, tasks.TaskID(1), b.UID)
	assert.Equal(t, tasks.TaskID(2), c.UID)

	next, err := s.NextUID(s.DB())
	assert.NoError(t, err)
	assert.Equal(t, tasks.TaskID(3), next)
}

func TestStore_UIDsNeverReused(t *testing.T) {
	s := testStore(t)

	register(t, s, tasks.DocumentClear("movies"))
	second := register(t, s, tasks.DocumentClear("movies"))
	setStatus(t, s, second.UID, tasks.StatusSucceeded)

	wb := s.WriteBatch()
	_, err := s.Delete(wb, second.UID)
	assert.NoError(t, err)
	assert.NoError(t, s.Commit(wb))
	wb.Close()

	third := register(t, s, tasks.DocumentClear("movies"))
	assert.Equal(t, tasks.TaskID(2), third.UID)
}

func TestStore_GetUnknown(t *testing.T) {
	s := testStore(t)
	_, err := s.Get(s.DB(), 42)
	assert.ErrorIs(t, err, zadacha_errors.ErrTaskNotFound)
}

func TestStore_UpdateMovesBuckets(t *testing.T) {
	s := testStore(t)
	task := register(t, s, tasks.DocumentClear("movies"))

	started := time.Now().UTC()
	wb := s.WriteBatch()
	task.Status = tasks.StatusProcessing
	task.StartedAt = &started
	assert.NoError(t, s.Update(wb, &task))
	assert.NoError(t, s.Commit(wb))
	wb.Close()

	enqueued, err := s.StatusBucket(s.DB(), tasks.StatusEnqueued)
	assert.NoError(t, err)
	assert.True(t, enqueued.IsEmpty())
	processing, err := s.StatusBucket(s.DB(), tasks.StatusProcessing)
	assert.NoError(t, err)
	assert.True(t, processing.Contains(task.UID))

	startedBuckets, err := s.TimeBuckets(s.DB(), StartedAtBuckets)
	assert.NoError(t, err)
	assert.Len(t, startedBuckets, 1)
	assert.True(t, startedBuckets[0].Tasks.Contains(task.UID))
	assert.Equal(t, started.UnixNano(), startedBuckets[0].Key.UnixNano())

	finished := started.Add(time.Second)
	wb = s.WriteBatch()
	task.Status = tasks.StatusSucceeded
	task.FinishedAt = &finished
	assert.NoError(t, s.Update(wb, &task))
	assert.NoError(t, s.Commit(wb))
	wb.Close()

	processing, err = s.StatusBucket(s.DB(), tasks.StatusProcessing)
	assert.NoError(t, err)
	assert.True(t, processing.IsEmpty())
	succeeded, err := s.StatusBucket(s.DB(), tasks.StatusSucceeded)
	assert.NoError(t, err)
	assert.True(t, succeeded.Contains(task.UID))
	finishedBuckets, err := s.TimeBuckets(s.DB(), FinishedAtBuckets)
	assert.NoError(t, err)
	assert.Len(t, finishedBuckets, 1)
	assert.True(t, finishedBuckets[0].Tasks.Contains(task.UID))
}

func TestStore_CancelMatched(t *testing.T) {
	s := testStore(t)
	victim := register(t, s, tasks.DocumentClear("movies"))
	done := register(t, s, tasks.DocumentClear("movies"))
	setStatus(t, s, done.UID, tasks.StatusSucceeded)
	canceler := register(t, s, tasks.TaskCancelation("?uids=0,1,2,9", []tasks.TaskID{0, 1, 2, 9}))

	// Targets a live task, a finished one, the canceler itself and a
	// missing uid; only the live one may move.
	matched := roaring.BitmapOf(victim.UID, done.UID, canceler.UID, 9)
	now := time.Now().UTC()
	wb := s.WriteBatch()
	canceled, err := s.CancelMatched(wb, matched, canceler.UID, now)
	assert.NoError(t, err)
	assert.NoError(t, s.Commit(wb))
	wb.Close()
	assert.Equal(t, []uint32{victim.UID}, canceled.ToArray())

	got, err := s.Get(s.DB(), victim.UID)
	assert.NoError(t, err)
	assert.Equal(t, tasks.StatusCanceled, got.Status)
	assert.Equal(t, canceler.UID, *got.CanceledBy)
	assert.NotNil(t, got.FinishedAt)

	gotDone, err := s.Get(s.DB(), done.UID)
	assert.NoError(t, err)
	assert.Equal(t, tasks.StatusSucceeded, gotDone.Status)
	assert.Nil(t, gotDone.CanceledBy)

	bucket, err := s.CanceledByBucket(s.DB(), canceler.UID)
	assert.NoError(t, err)
	assert.Equal(t, []uint32{victim.UID}, bucket.ToArray())

	// A second pass over the same matched set is a no-op.
	wb = s.WriteBatch()
	again, err := s.CancelMatched(wb, matched, canceler.UID, now)
	assert.NoError(t, err)
	assert.NoError(t, s.Commit(wb))
	wb.Close()
	assert.True(t, again.IsEmpty())
}

func TestStore_DeleteRemovesEverywhere(t *testing.T) {
	s := testStore(t)
	victim := register(t, s, tasks.DocumentClear("movies"))
	canceler := register(t, s, tasks.TaskCancelation("?uids=0", []tasks.TaskID{victim.UID}))

	wb := s.WriteBatch()
	_, err := s.CancelMatched(wb, roaring.BitmapOf(victim.UID), canceler.UID, time.Now().UTC())
	assert.NoError(t, err)
	assert.NoError(t, s.Commit(wb))
	wb.Close()
	setStatus(t, s, canceler.UID, tasks.StatusSucceeded)

	wb = s.WriteBatch()
	removed, err := s.Delete(wb, victim.UID)
	assert.NoError(t, err)
	assert.NoError(t, s.Commit(wb))
	wb.Close()
	assert.Equal(t, victim.UID, removed.UID)

	_, err = s.Get(s.DB(), victim.UID)
	assert.ErrorIs(t, err, zadacha_errors.ErrTaskNotFound)

	canceledStatus, err := s.StatusBucket(s.DB(), tasks.StatusCanceled)
	assert.NoError(t, err)
	assert.True(t, canceledStatus.IsEmpty())
	indexBucket, err := s.IndexBucket(s.DB(), "movies")
	assert.NoError(t, err)
	assert.False(t, indexBucket.Contains(victim.UID))
	canceledBy, err := s.CanceledByBucket(s.DB(), canceler.UID)
	assert.NoError(t, err)
	assert.True(t, canceledBy.IsEmpty())
	for _, kind := range []TimeBucketKind{EnqueuedAtBuckets, StartedAtBuckets, FinishedAtBuckets} {
		buckets, err := s.TimeBuckets(s.DB(), kind)
		assert.NoError(t, err)
		for _, bucket := range buckets {
			assert.False(t, bucket.Tasks.Contains(victim.UID))
		}
	}
}

func TestStore_SwapIndexesRewritesHistory(t *testing.T) {
	s := testStore(t)
	onA := register(t, s, tasks.DocumentClear("a"))
	onB := register(t, s, tasks.DocumentClear("b"))
	swapTask := register(t, s, tasks.IndexesSwap([]tasks.Swap{{Indexes: [2]string{"a", "b"}}}))

	wb := s.WriteBatch()
	assert.NoError(t, s.SwapIndexes(wb, "a", "b"))
	assert.NoError(t, s.Commit(wb))
	wb.Close()

	gotA, err := s.Get(s.DB(), onA.UID)
	assert.NoError(t, err)
	assert.Equal(t, "b", gotA.IndexUID)
	gotB, err := s.Get(s.DB(), onB.UID)
	assert.NoError(t, err)
	assert.Equal(t, "a", gotB.IndexUID)

	// The swap record's own pair reads swapped as well.
	gotSwap, err := s.Get(s.DB(), swapTask.UID)
	assert.NoError(t, err)
	assert.Equal(t, [2]string{"b", "a"}, gotSwap.Content.Swaps[0].Indexes)

	bucketA, err := s.IndexBucket(s.DB(), "a")
	assert.NoError(t, err)
	assert.Equal(t, []uint32{onB.UID, swapTask.UID}, bucketA.ToArray())
	bucketB, err := s.IndexBucket(s.DB(), "b")
	assert.NoError(t, err)
	assert.Equal(t, []uint32{onA.UID, swapTask.UID}, bucketB.ToArray())
}

func TestStore_TaskIDsMatching(t *testing.T) {
	s := testStore(t)
	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	register(t, s, tasks.Task{Kind: tasks.KindDocumentClear, IndexUID: "a", EnqueuedAt: base})
	register(t, s, tasks.Task{Kind: tasks.KindDocumentClear, IndexUID: "b", EnqueuedAt: base.Add(time.Minute)})
	register(t, s, tasks.Task{Kind: tasks.KindSettingsUpdate, IndexUID: "a", EnqueuedAt: base.Add(2 * time.Minute)})
	setStatus(t, s, 2, tasks.StatusSucceeded)

	match := func(q *tasks.Query) []uint32 {
		t.Helper()
		ids, err := s.TaskIDsMatching(s.DB(), q)
		assert.NoError(t, err)
		return ids.ToArray()
	}

	assert.Equal(t, []uint32{0, 1, 2}, match(&tasks.Query{}))
	assert.Equal(t, []uint32{2}, match(&tasks.Query{Statuses: []tasks.Status{tasks.StatusSucceeded}}))
	assert.Equal(t, []uint32{0, 1}, match(&tasks.Query{Kinds: []tasks.Kind{tasks.KindDocumentClear}}))
	assert.Equal(t, []uint32{0, 2}, match(&tasks.Query{IndexUIDs: []string{"a"}}))
	assert.Equal(t, []uint32{0}, match(&tasks.Query{
		UIDs:  []tasks.TaskID{0, 2},
		Kinds: []tasks.Kind{tasks.KindDocumentClear},
	}))

	after := base
	assert.Equal(t, []uint32{1, 2}, match(&tasks.Query{AfterEnqueuedAt: &after}))
	before := base.Add(2 * time.Minute)
	assert.Equal(t, []uint32{0, 1}, match(&tasks.Query{BeforeEnqueuedAt: &before}))
	assert.Equal(t, []uint32{1}, match(&tasks.Query{AfterEnqueuedAt: &after, BeforeEnqueuedAt: &before}))
}

func TestStore_TasksMatchingPagination(t *testing.T) {
	s := testStore(t)
	for i := 0; i < 5; i++ {
		register(t, s, tasks.DocumentClear("movies"))
	}

	uidsOf := func(matched []tasks.Task) []uint32 {
		out := make([]uint32, 0, len(matched))
		for _, task := range matched {
			out = append(out, task.UID)
		}
		return out
	}

	from := tasks.TaskID(2)
	matched, err := s.TasksMatching(s.DB(), &tasks.Query{From: &from})
	assert.NoError(t, err)
	assert.Equal(t, []uint32{2, 3, 4}, uidsOf(matched))

	matched, err = s.TasksMatching(s.DB(), &tasks.Query{From: &from, Reverse: true})
	assert.NoError(t, err)
	assert.Equal(t, []uint32{2, 1, 0}, uidsOf(matched))

	limit := uint32(2)
	matched, err = s.TasksMatching(s.DB(), &tasks.Query{Limit: &limit, Reverse: true})
	assert.NoError(t, err)
	assert.Equal(t, []uint32{4, 3}, uidsOf(matched))
}

func TestStore_EachTaskOrder(t *testing.T) {
	s := testStore(t)
	for i := 0; i < 5; i++ {
		register(t, s, tasks.DocumentClear("movies"))
	}

	var uids []uint32
	for task, err := range s.EachTask(s.DB()) {
		assert.NoError(t, err)
		uids = append(uids, task.UID)
	}
	assert.Equal(t, []uint32{0, 1, 2, 3, 4}, uids)

	all, err := s.AllTaskIDs(s.DB())
	assert.NoError(t, err)
	assert.Equal(t, uint64(5), all.GetCardinality())
}

func TestStore_FormatGuard(t *testing.T) {
	db, err := pebble.Open(t.TempDir(), &pebble.Options{})
	assert.NoError(t, err)
	defer db.Close()

	assert.NoError(t, db.Set(keyFormat, []byte("999"), pebble.Sync))
	_, err = New(db, utils.NewDefaultLogger(slog.LevelError), pebble.NoSync)
	assert.Error(t, err)
}
