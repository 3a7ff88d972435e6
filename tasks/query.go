package tasks

import "time"

// Query filters the task history. Nil or empty components act as "all".
// Evaluation happens entirely on the store's secondary indices; see the
// taskdb package.
type Query struct {
	Limit *uint32
	// From is the uid the (uid-ordered) result starts at, inclusive.
	From *TaskID
	// Reverse flips the order to descending uid.
	Reverse bool

	UIDs       []TaskID
	Statuses   []Status
	Kinds      []Kind
	IndexUIDs  []string
	CanceledBy []TaskID

	BeforeEnqueuedAt *time.Time
	AfterEnqueuedAt  *time.Time
	BeforeStartedAt  *time.Time
	AfterStartedAt   *time.Time
	BeforeFinishedAt *time.Time
	AfterFinishedAt  *time.Time
}

// Empty reports whether the query has no filtering component, i.e. it
// matches every task.
func (q *Query) Empty() bool {
	return len(q.UIDs) == 0 && len(q.Statuses) == 0 && len(q.Kinds) == 0 &&
		len(q.IndexUIDs) == 0 && len(q.CanceledBy) == 0 &&
		q.BeforeEnqueuedAt == nil && q.AfterEnqueuedAt == nil &&
		q.BeforeStartedAt == nil && q.AfterStartedAt == nil &&
		q.BeforeFinishedAt == nil && q.AfterFinishedAt == nil
}
