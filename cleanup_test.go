package zadacha

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/drpcorg/zadacha/tasks"
	"github.com/drpcorg/zadacha/zadacha_errors"
)

func TestCleanupPrunesHistory(t *testing.T) {
	s := testScheduler(t, Options{MaxNumberOfTasks: 3})
	ctx := context.Background()
	pk := "id"

	for _, name := range []string{"a", "b", "c"} {
		enqueue(t, s, tasks.IndexCreation(name, &pk))
	}
	drain(t, s)

	// At capacity, not over it: nothing to prune.
	s.cleanupTaskQueue(ctx)
	ids, err := s.TaskIDs(&tasks.Query{})
	assert.NoError(t, err)
	assert.Len(t, ids, 3)

	enqueue(t, s, tasks.IndexCreation("d", &pk))
	drain(t, s)

	// One over: the oldest finished task goes, through a regular
	// taskDeletion visible in the history.
	s.cleanupTaskQueue(ctx)
	drain(t, s)

	_, err = s.GetTask(0)
	assert.ErrorIs(t, err, zadacha_errors.ErrTaskNotFound)

	prune, err := s.GetTask(4)
	assert.NoError(t, err)
	assert.Equal(t, tasks.KindTaskDeletion, prune.Kind)
	assert.Equal(t, tasks.StatusSucceeded, prune.Status)
	assert.Equal(t, uint64(1), *prune.Details.DeletedTasks)
	assert.Equal(t, uint64(1), *prune.Details.MatchedTasks)
	assert.Equal(t, "?from=0&limit=1&status=succeeded,failed,canceled", prune.Details.OriginalFilter)

	ids, err = s.TaskIDs(&tasks.Query{})
	assert.NoError(t, err)
	assert.Equal(t, []tasks.TaskID{1, 2, 3, 4}, ids)
	assert.NoError(t, s.Verify())
}
