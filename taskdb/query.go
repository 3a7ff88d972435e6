package taskdb

import (
	"time"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/cockroachdb/pebble"

	"github.com/drpcorg/zadacha/tasks"
)

// TaskIDsMatching evaluates the filter purely on the secondary indices:
// the matched set starts as every known uid and each present component
// intersects it with a union of the relevant buckets. The record table is
// never scanned.
func (s *Store) TaskIDsMatching(r pebble.Reader, q *tasks.Query) (*roaring.Bitmap, error) {
	matched, err := s.AllTaskIDs(r)
	if err != nil {
		return nil, err
	}
	if len(q.UIDs) > 0 {
		matched.And(roaring.BitmapOf(q.UIDs...))
	}
	if len(q.Statuses) > 0 {
		union := roaring.New()
		for _, st := range q.Statuses {
			bm, err := s.StatusBucket(r, st)
			if err != nil {
				return nil, err
			}
			union.Or(bm)
		}
		matched.And(union)
	}
	if len(q.Kinds) > 0 {
		union := roaring.New()
		for _, k := range q.Kinds {
			bm, err := s.KindBucket(r, k)
			if err != nil {
				return nil, err
			}
			union.Or(bm)
		}
		matched.And(union)
	}
	if len(q.IndexUIDs) > 0 {
		union := roaring.New()
		for _, name := range q.IndexUIDs {
			bm, err := s.IndexBucket(r, name)
			if err != nil {
				return nil, err
			}
			union.Or(bm)
		}
		matched.And(union)
	}
	if len(q.CanceledBy) > 0 {
		union := roaring.New()
		for _, canceler := range q.CanceledBy {
			bm, err := s.CanceledByBucket(r, canceler)
			if err != nil {
				return nil, err
			}
			union.Or(bm)
		}
		matched.And(union)
	}

	for _, rng := range []struct {
		prefix        byte
		after, before *time.Time
	}{
		{prefixEnqueued, q.AfterEnqueuedAt, q.BeforeEnqueuedAt},
		{prefixStarted, q.AfterStartedAt, q.BeforeStartedAt},
		{prefixFinished, q.AfterFinishedAt, q.BeforeFinishedAt},
	} {
		if rng.after == nil && rng.before == nil {
			continue
		}
		union, err := s.timeRange(r, rng.prefix, rng.after, rng.before)
		if err != nil {
			return nil, err
		}
		matched.And(union)
	}
	return matched, nil
}

// timeRange unions every bucket with after < instant < before. Both bounds
// are exclusive; a nil bound is open.
func (s *Store) timeRange(r pebble.Reader, prefix byte, after, before *time.Time) (*roaring.Bitmap, error) {
	lo, hi := prefixBounds(prefix)
	if after != nil {
		lo = timeKey(prefix, after.Add(time.Nanosecond))
	}
	if before != nil {
		hi = timeKey(prefix, *before)
	}
	it := r.NewIter(&pebble.IterOptions{LowerBound: lo, UpperBound: hi})
	defer it.Close()
	union := roaring.New()
	for ok := it.First(); ok; ok = it.Next() {
		bm := roaring.New()
		if err := bm.UnmarshalBinary(it.Value()); err != nil {
			return nil, err
		}
		union.Or(bm)
	}
	return union, it.Error()
}

// TasksMatching materializes the filtered history in uid order, ascending
// unless the query is reversed. From bounds the walk inclusively on the
// query's side of the order; Limit caps the result length.
func (s *Store) TasksMatching(r pebble.Reader, q *tasks.Query) ([]tasks.Task, error) {
	ids, err := s.TaskIDsMatching(r, q)
	if err != nil {
		return nil, err
	}

	var selected []tasks.TaskID
	full := func() bool {
		return q.Limit != nil && uint32(len(selected)) >= *q.Limit
	}
	if q.Reverse {
		it := ids.ReverseIterator()
		for it.HasNext() && !full() {
			uid := it.Next()
			if q.From != nil && uid > *q.From {
				continue
			}
			selected = append(selected, uid)
		}
	} else {
		it := ids.Iterator()
		for it.HasNext() && !full() {
			uid := it.Next()
			if q.From != nil && uid < *q.From {
				continue
			}
			selected = append(selected, uid)
		}
	}

	out := make([]tasks.Task, 0, len(selected))
	for _, uid := range selected {
		t, err := s.Get(r, uid)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}
