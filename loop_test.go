package zadacha

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/drpcorg/zadacha/tasks"
)

func TestRunDrainsQueue(t *testing.T) {
	s := testScheduler(t, Options{})
	s.breakpoints = make(chan Breakpoint, 8)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	assert.Equal(t, BreakpointLoopStarted, <-s.breakpoints)

	reg := enqueue(t, s, tasks.IndexCreation("movies", nil))
	assert.Equal(t, BreakpointBatchCreated, <-s.breakpoints)
	assert.Equal(t, BreakpointBatchProcessed, <-s.breakpoints)
	assert.Equal(t, BreakpointQueueDrained, <-s.breakpoints)

	cancel()
	assert.NoError(t, <-done)

	got, err := s.GetTask(reg.UID)
	assert.NoError(t, err)
	assert.Equal(t, tasks.StatusSucceeded, got.Status)
	startedAt, processing := s.Processing()
	assert.True(t, startedAt.IsZero())
	assert.Empty(t, processing)
	assert.NoError(t, s.Verify())
}

func TestMustStopAbortsAndRequeues(t *testing.T) {
	s := testScheduler(t, Options{})
	a := addDocuments(t, s, "movies", `[{"id": 1}]`, 1)
	b := addDocuments(t, s, "movies", `[{"id": 2}]`, 1)

	snap := s.store.Snapshot()
	batch, err := s.createNextBatch(snap)
	snap.Close()
	assert.NoError(t, err)
	if assert.NotNil(t, batch) {
		assert.Len(t, batch.tasks, 2)
	}

	// A cancelation lands while the batch is running.
	s.mustStop.MustStop()
	assert.NoError(t, s.processBatch(context.Background(), batch))

	for _, uid := range []tasks.TaskID{a.UID, b.UID} {
		got, err := s.GetTask(uid)
		assert.NoError(t, err)
		assert.Equal(t, tasks.StatusEnqueued, got.Status)
		assert.Nil(t, got.StartedAt)
		assert.Nil(t, got.FinishedAt)
	}
	assert.NoError(t, s.Verify())

	// The flag resets with the batch; the next tick runs it to completion.
	processed, err := s.tick(context.Background())
	assert.NoError(t, err)
	assert.True(t, processed)
	got, err := s.GetTask(a.UID)
	assert.NoError(t, err)
	assert.Equal(t, tasks.StatusSucceeded, got.Status)
}

func TestCancelationPriorityAndIdempotence(t *testing.T) {
	s := testScheduler(t, Options{})
	ctx := context.Background()

	victim := addDocuments(t, s, "movies", `[{"id": 1}]`, 1)
	dump := enqueue(t, s, tasks.DumpCreation())
	canceler := enqueue(t, s, tasks.TaskCancelation("?uids=0", []tasks.TaskID{victim.UID}))

	// The cancelation outranks both older tasks.
	processed, err := s.tick(ctx)
	assert.NoError(t, err)
	assert.True(t, processed)

	got, err := s.GetTask(victim.UID)
	assert.NoError(t, err)
	assert.Equal(t, tasks.StatusCanceled, got.Status)
	assert.Nil(t, got.StartedAt)
	assert.NotNil(t, got.FinishedAt)
	if assert.NotNil(t, got.CanceledBy) {
		assert.Equal(t, canceler.UID, *got.CanceledBy)
	}
	gotDump, err := s.GetTask(dump.UID)
	assert.NoError(t, err)
	assert.Equal(t, tasks.StatusEnqueued, gotDump.Status)

	drain(t, s)
	first, err := s.GetTask(canceler.UID)
	assert.NoError(t, err)
	assert.Equal(t, tasks.StatusSucceeded, first.Status)
	assert.Equal(t, uint64(1), *first.Details.CanceledTasks)

	// Canceling an already finished task changes nothing.
	again := enqueue(t, s, tasks.TaskCancelation("?uids=0", []tasks.TaskID{victim.UID}))
	drain(t, s)
	second, err := s.GetTask(again.UID)
	assert.NoError(t, err)
	assert.Equal(t, tasks.StatusSucceeded, second.Status)
	assert.Equal(t, uint64(0), *second.Details.CanceledTasks)
	got, err = s.GetTask(victim.UID)
	assert.NoError(t, err)
	assert.Equal(t, canceler.UID, *got.CanceledBy)

	// The canceled addition's payload was released.
	files, err := s.ContentFiles()
	assert.NoError(t, err)
	assert.Empty(t, files)
	assert.NoError(t, s.Verify())
}

func TestPlannedFailureFailsWholeBatch(t *testing.T) {
	s := testScheduler(t, Options{})
	s.plannedFailures = map[plannedFailure]struct{}{
		{iteration: 1, point: pointInsideBatch}: {},
	}

	a := addDocuments(t, s, "movies", `[{"id": 1}]`, 1)
	b := addDocuments(t, s, "movies", `[{"id": 2}]`, 1)

	processed, err := s.tick(context.Background())
	assert.NoError(t, err)
	assert.True(t, processed)

	for _, uid := range []tasks.TaskID{a.UID, b.UID} {
		got, err := s.GetTask(uid)
		assert.NoError(t, err)
		assert.Equal(t, tasks.StatusFailed, got.Status)
		if assert.NotNil(t, got.Error) {
			assert.Equal(t, tasks.ErrorTypeInternal, got.Error.Type)
		}
		assert.Equal(t, uint64(0), *got.Details.IndexedDocuments)
		assert.NotNil(t, got.FinishedAt)
	}
	files, err := s.ContentFiles()
	assert.NoError(t, err)
	assert.Empty(t, files)
	assert.NoError(t, s.Verify())

	// The failure fired once; fresh work proceeds normally.
	c := addDocuments(t, s, "movies", `[{"id": 3}]`, 1)
	drain(t, s)
	got, err := s.GetTask(c.UID)
	assert.NoError(t, err)
	assert.Equal(t, tasks.StatusSucceeded, got.Status)
}

func TestFailureBeforeCommitLeavesConsistentStore(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, testOptions())
	assert.NoError(t, err)
	s.plannedFailures = map[plannedFailure]struct{}{
		{iteration: 1, point: pointBeforeCommit}: {},
	}

	reg := addDocuments(t, s, "movies", `[{"id": 1}]`, 1)
	processed, err := s.tick(context.Background())
	assert.NoError(t, err)
	assert.True(t, processed)

	got, err := s.GetTask(reg.UID)
	assert.NoError(t, err)
	assert.Equal(t, tasks.StatusFailed, got.Status)
	if assert.NotNil(t, got.Error) {
		assert.Equal(t, tasks.ErrorTypeInternal, got.Error.Type)
	}

	// The implied index creation never committed.
	names, err := s.IndexNames()
	assert.NoError(t, err)
	assert.Empty(t, names)
	assert.NoError(t, s.Verify())

	// Its directory stays on disk until the next startup sweeps it.
	entries, err := os.ReadDir(filepath.Join(dir, "indexes"))
	assert.NoError(t, err)
	assert.Len(t, entries, 1)

	assert.NoError(t, s.Close())
	s, err = Open(dir, testOptions())
	assert.NoError(t, err)
	defer s.Close()

	entries, err = os.ReadDir(filepath.Join(dir, "indexes"))
	assert.NoError(t, err)
	assert.Empty(t, entries)
	assert.NoError(t, s.Verify())
}

func TestBatchStopsAtClassBoundary(t *testing.T) {
	s := testScheduler(t, Options{})
	ctx := context.Background()

	a := addDocuments(t, s, "movies", `[{"id": 1}]`, 1)
	b := enqueue(t, s, tasks.DocumentDeletion("movies", []string{"x"}))
	st := enqueue(t, s, tasks.SettingsUpdate("movies", json.RawMessage("{}")))
	c := enqueue(t, s, tasks.DocumentClear("movies"))

	// First batch: the two document tasks, stopping at the settings task.
	processed, err := s.tick(ctx)
	assert.NoError(t, err)
	assert.True(t, processed)

	gotA, err := s.GetTask(a.UID)
	assert.NoError(t, err)
	gotB, err := s.GetTask(b.UID)
	assert.NoError(t, err)
	assert.Equal(t, tasks.StatusSucceeded, gotA.Status)
	assert.Equal(t, tasks.StatusSucceeded, gotB.Status)
	assert.True(t, gotA.FinishedAt.Equal(*gotB.FinishedAt))

	gotSt, err := s.GetTask(st.UID)
	assert.NoError(t, err)
	assert.Equal(t, tasks.StatusEnqueued, gotSt.Status)

	// Second batch: the settings task alone.
	processed, err = s.tick(ctx)
	assert.NoError(t, err)
	assert.True(t, processed)
	gotSt, err = s.GetTask(st.UID)
	assert.NoError(t, err)
	assert.Equal(t, tasks.StatusSucceeded, gotSt.Status)
	gotC, err := s.GetTask(c.UID)
	assert.NoError(t, err)
	assert.Equal(t, tasks.StatusEnqueued, gotC.Status)
	assert.False(t, gotSt.FinishedAt.Equal(*gotA.FinishedAt))

	drain(t, s)
	gotC, err = s.GetTask(c.UID)
	assert.NoError(t, err)
	assert.Equal(t, tasks.StatusSucceeded, gotC.Status)
	assert.NoError(t, s.Verify())
}

func TestDisableAutobatching(t *testing.T) {
	s := testScheduler(t, Options{DisableAutobatching: true})
	ctx := context.Background()

	a := addDocuments(t, s, "movies", `[{"id": 1}]`, 1)
	b := addDocuments(t, s, "movies", `[{"id": 2}]`, 1)

	processed, err := s.tick(ctx)
	assert.NoError(t, err)
	assert.True(t, processed)

	gotA, err := s.GetTask(a.UID)
	assert.NoError(t, err)
	assert.Equal(t, tasks.StatusSucceeded, gotA.Status)
	gotB, err := s.GetTask(b.UID)
	assert.NoError(t, err)
	assert.Equal(t, tasks.StatusEnqueued, gotB.Status)

	drain(t, s)
	gotB, err = s.GetTask(b.UID)
	assert.NoError(t, err)
	assert.Equal(t, tasks.StatusSucceeded, gotB.Status)
}

func TestBatchRespectsCap(t *testing.T) {
	s := testScheduler(t, Options{MaxNumberOfBatchedTasks: 2})
	ctx := context.Background()

	enqueue(t, s, tasks.IndexCreation("movies", nil))
	drain(t, s)

	first := enqueue(t, s, tasks.DocumentClear("movies"))
	second := enqueue(t, s, tasks.DocumentClear("movies"))
	third := enqueue(t, s, tasks.DocumentClear("movies"))

	processed, err := s.tick(ctx)
	assert.NoError(t, err)
	assert.True(t, processed)

	gotFirst, err := s.GetTask(first.UID)
	assert.NoError(t, err)
	gotSecond, err := s.GetTask(second.UID)
	assert.NoError(t, err)
	gotThird, err := s.GetTask(third.UID)
	assert.NoError(t, err)
	assert.Equal(t, tasks.StatusSucceeded, gotFirst.Status)
	assert.Equal(t, tasks.StatusSucceeded, gotSecond.Status)
	assert.Equal(t, tasks.StatusEnqueued, gotThird.Status)

	drain(t, s)
	gotThird, err = s.GetTask(third.UID)
	assert.NoError(t, err)
	assert.Equal(t, tasks.StatusSucceeded, gotThird.Status)
}
