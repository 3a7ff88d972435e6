package taskdb

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/cockroachdb/pebble"

	"github.com/drpcorg/zadacha/tasks"
	"github.com/drpcorg/zadacha/utils"
	"github.com/drpcorg/zadacha/zadacha_errors"
)

const formatVersion = "1"

// Store is the task record table plus its secondary indices over a shared
// Pebble database. It performs no locking of its own: the single-writer
// discipline is the scheduler's, and every mutation goes through a caller
// supplied indexed batch.
type Store struct {
	db  *pebble.DB
	log utils.Logger
	wo  *pebble.WriteOptions
}

func New(db *pebble.DB, log utils.Logger, wo *pebble.WriteOptions) (*Store, error) {
	s := &Store{db: db, log: log, wo: wo}
	if err := s.checkFormat(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) checkFormat() error {
	val, closer, err := s.db.Get(keyFormat)
	if errors.Is(err, pebble.ErrNotFound) {
		return s.db.Set(keyFormat, []byte(formatVersion), s.wo)
	}
	if err != nil {
		return err
	}
	defer closer.Close()
	if string(val) != formatVersion {
		return fmt.Errorf("task store format %q, this build reads %q", val, formatVersion)
	}
	return nil
}

// WriteBatch opens a write transaction. Reads through the returned batch
// observe its own pending writes.
func (s *Store) WriteBatch() *pebble.Batch {
	return s.db.NewIndexedBatch()
}

// Commit applies the batch atomically. Any failure here is fatal for the
// caller: there is no partial-commit path.
func (s *Store) Commit(b *pebble.Batch) error {
	return b.Commit(s.wo)
}

// Snapshot opens a point-in-time read transaction.
func (s *Store) Snapshot() *pebble.Snapshot {
	return s.db.NewSnapshot()
}

func (s *Store) DB() *pebble.DB { return s.db }

// NextUID reads the uid the next registered task will receive.
func (s *Store) NextUID(r pebble.Reader) (tasks.TaskID, error) {
	val, closer, err := r.Get(keyNextUID)
	if errors.Is(err, pebble.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	defer closer.Close()
	return binary.BigEndian.Uint32(val), nil
}

// Register assigns the next uid to the task and inserts it into the record
// table and the kind, index and enqueued-at buckets, plus its status
// bucket. The uid counter only ever moves forward, so uids are never
// reused, not even when the newest record has been pruned.
func (s *Store) Register(b *pebble.Batch, t *tasks.Task) error {
	uid, err := s.NextUID(b)
	if err != nil {
		return err
	}
	t.UID = uid

	if err := s.putTask(b, t); err != nil {
		return err
	}
	if err := addToBucket(b, StatusKey(t.Status), uid); err != nil {
		return err
	}
	if err := addToBucket(b, KindKey(t.Kind), uid); err != nil {
		return err
	}
	for _, name := range t.Indexes() {
		if err := addToBucket(b, IndexKey(name), uid); err != nil {
			return err
		}
	}
	if err := addToBucket(b, EnqueuedAtKey(t.EnqueuedAt), uid); err != nil {
		return err
	}
	return b.Set(keyNextUID, binary.BigEndian.AppendUint32(nil, uid+1), nil)
}

func (s *Store) putTask(b *pebble.Batch, t *tasks.Task) error {
	data, err := json.Marshal(t)
	if err != nil {
		return err
	}
	return b.Set(TaskKey(t.UID), data, nil)
}

// Get is a point lookup by uid.
func (s *Store) Get(r pebble.Reader, uid tasks.TaskID) (tasks.Task, error) {
	val, closer, err := r.Get(TaskKey(uid))
	if errors.Is(err, pebble.ErrNotFound) {
		return tasks.Task{}, zadacha_errors.ErrTaskNotFound
	}
	if err != nil {
		return tasks.Task{}, err
	}
	defer closer.Close()
	var t tasks.Task
	if err := json.Unmarshal(val, &t); err != nil {
		return tasks.Task{}, fmt.Errorf("corrupted task record %d: %w", uid, err)
	}
	return t, nil
}

// Update rewrites the record and moves the task between buckets wherever
// the new value differs from the stored one. Kind, target indexes and
// enqueued-at are fixed at registration and are not diffed.
func (s *Store) Update(b *pebble.Batch, t *tasks.Task) error {
	old, err := s.Get(b, t.UID)
	if err != nil {
		return err
	}

	if old.Status != t.Status {
		if err := removeFromBucket(b, StatusKey(old.Status), t.UID, false); err != nil {
			return err
		}
		if err := addToBucket(b, StatusKey(t.Status), t.UID); err != nil {
			return err
		}
	}
	if err := s.diffTime(b, prefixStarted, old.StartedAt, t.StartedAt, t.UID); err != nil {
		return err
	}
	if err := s.diffTime(b, prefixFinished, old.FinishedAt, t.FinishedAt, t.UID); err != nil {
		return err
	}
	if old.CanceledBy == nil && t.CanceledBy != nil {
		if err := addToBucket(b, CanceledByKey(*t.CanceledBy), t.UID); err != nil {
			return err
		}
	}
	return s.putTask(b, t)
}

func (s *Store) diffTime(b *pebble.Batch, prefix byte, old, new *time.Time, uid tasks.TaskID) error {
	if old == nil && new == nil {
		return nil
	}
	if old != nil && new != nil && old.Equal(*new) {
		return nil
	}
	if old != nil {
		if err := removeFromBucket(b, timeKey(prefix, *old), uid, true); err != nil {
			return err
		}
	}
	if new != nil {
		if err := addToBucket(b, timeKey(prefix, *new), uid); err != nil {
			return err
		}
	}
	return nil
}

// CancelMatched cancels every matched task that has not finished yet and
// returns the set actually canceled. Finished tasks and the canceler
// itself are skipped, so cancelation is idempotent and best-effort.
func (s *Store) CancelMatched(b *pebble.Batch, matched *roaring.Bitmap, canceler tasks.TaskID, now time.Time) (*roaring.Bitmap, error) {
	canceled := roaring.New()
	it := matched.Iterator()
	for it.HasNext() {
		uid := it.Next()
		if uid == canceler {
			continue
		}
		t, err := s.Get(b, uid)
		if errors.Is(err, zadacha_errors.ErrTaskNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if t.Status.Finished() {
			continue
		}
		t.Status = tasks.StatusCanceled
		t.CanceledBy = &canceler
		t.FinishedAt = &now
		if err := s.Update(b, &t); err != nil {
			return nil, err
		}
		canceled.Add(uid)
	}
	return canceled, nil
}

// Delete removes the task from the record table and every bucket it
// appears in, and drops its canceled-by bucket if it was a canceler. The
// deleted record is returned so the caller can release resources the task
// still references (content files). Callers only delete finished tasks.
func (s *Store) Delete(b *pebble.Batch, uid tasks.TaskID) (tasks.Task, error) {
	t, err := s.Get(b, uid)
	if err != nil {
		return tasks.Task{}, err
	}

	if err := removeFromBucket(b, StatusKey(t.Status), uid, false); err != nil {
		return tasks.Task{}, err
	}
	if err := removeFromBucket(b, KindKey(t.Kind), uid, false); err != nil {
		return tasks.Task{}, err
	}
	for _, name := range t.Indexes() {
		if err := removeFromBucket(b, IndexKey(name), uid, false); err != nil {
			return tasks.Task{}, err
		}
	}
	if err := removeFromBucket(b, EnqueuedAtKey(t.EnqueuedAt), uid, true); err != nil {
		return tasks.Task{}, err
	}
	if t.StartedAt != nil {
		if err := removeFromBucket(b, StartedAtKey(*t.StartedAt), uid, true); err != nil {
			return tasks.Task{}, err
		}
	}
	if t.FinishedAt != nil {
		if err := removeFromBucket(b, FinishedAtKey(*t.FinishedAt), uid, true); err != nil {
			return tasks.Task{}, err
		}
	}
	if t.CanceledBy != nil {
		if err := removeFromBucket(b, CanceledByKey(*t.CanceledBy), uid, true); err != nil {
			return tasks.Task{}, err
		}
	}
	// The task may itself have canceled others.
	if err := b.Delete(CanceledByKey(uid), nil); err != nil {
		return tasks.Task{}, err
	}
	if err := b.Delete(TaskKey(uid), nil); err != nil {
		return tasks.Task{}, err
	}
	return t, nil
}

// SwapIndexes exchanges the two names' buckets and rewrites every member
// record to carry the other name, pending swap pairs included. History
// then reads as if each index had always lived under the other's name.
func (s *Store) SwapIndexes(b *pebble.Batch, nameA, nameB string) error {
	bucketA, err := readBitmap(b, IndexKey(nameA))
	if err != nil {
		return err
	}
	bucketB, err := readBitmap(b, IndexKey(nameB))
	if err != nil {
		return err
	}

	swapName := func(name string) string {
		switch name {
		case nameA:
			return nameB
		case nameB:
			return nameA
		}
		return name
	}

	it := roaring.Or(bucketA, bucketB).Iterator()
	for it.HasNext() {
		t, err := s.Get(b, it.Next())
		if err != nil {
			return err
		}
		t.IndexUID = swapName(t.IndexUID)
		if t.Content != nil {
			for i, swap := range t.Content.Swaps {
				t.Content.Swaps[i] = tasks.Swap{Indexes: [2]string{
					swapName(swap.Indexes[0]), swapName(swap.Indexes[1]),
				}}
			}
		}
		if t.Details != nil {
			for i, swap := range t.Details.Swaps {
				t.Details.Swaps[i] = tasks.Swap{Indexes: [2]string{
					swapName(swap.Indexes[0]), swapName(swap.Indexes[1]),
				}}
			}
		}
		if err := s.putTask(b, &t); err != nil {
			return err
		}
	}

	if err := writeBitmap(b, IndexKey(nameA), bucketB); err != nil {
		return err
	}
	return writeBitmap(b, IndexKey(nameB), bucketA)
}

// AllTaskIDs collects the uids of every record, scanning keys only.
func (s *Store) AllTaskIDs(r pebble.Reader) (*roaring.Bitmap, error) {
	all := roaring.New()
	lo, hi := prefixBounds(prefixTask)
	it := r.NewIter(&pebble.IterOptions{LowerBound: lo, UpperBound: hi})
	defer it.Close()
	for ok := it.First(); ok; ok = it.Next() {
		all.Add(taskKeyUID(it.Key()))
	}
	return all, it.Error()
}

// EachTask yields every record in uid order. Iteration stops at the first
// storage or decoding error, which is yielded with a zero task.
func (s *Store) EachTask(r pebble.Reader) iter.Seq2[tasks.Task, error] {
	return func(yield func(tasks.Task, error) bool) {
		lo, hi := prefixBounds(prefixTask)
		it := r.NewIter(&pebble.IterOptions{LowerBound: lo, UpperBound: hi})
		defer it.Close()
		for ok := it.First(); ok; ok = it.Next() {
			var t tasks.Task
			if err := json.Unmarshal(it.Value(), &t); err != nil {
				yield(tasks.Task{}, fmt.Errorf("corrupted task record %d: %w", taskKeyUID(it.Key()), err))
				return
			}
			if !yield(t, nil) {
				return
			}
		}
		if err := it.Error(); err != nil {
			yield(tasks.Task{}, err)
		}
	}
}

func (s *Store) StatusBucket(r pebble.Reader, st tasks.Status) (*roaring.Bitmap, error) {
	return readBitmap(r, StatusKey(st))
}

func (s *Store) KindBucket(r pebble.Reader, k tasks.Kind) (*roaring.Bitmap, error) {
	return readBitmap(r, KindKey(k))
}

func (s *Store) IndexBucket(r pebble.Reader, name string) (*roaring.Bitmap, error) {
	return readBitmap(r, IndexKey(name))
}

func (s *Store) CanceledByBucket(r pebble.Reader, canceler tasks.TaskID) (*roaring.Bitmap, error) {
	return readBitmap(r, CanceledByKey(canceler))
}

// Bucket is one secondary-index entry with its decoded key, in the
// iteration order of the underlying prefix.
type Bucket[K any] struct {
	Key   K
	Tasks *roaring.Bitmap
}

func collectBuckets[K any](r pebble.Reader, prefix byte, decode func([]byte) K) ([]Bucket[K], error) {
	lo, hi := prefixBounds(prefix)
	it := r.NewIter(&pebble.IterOptions{LowerBound: lo, UpperBound: hi})
	defer it.Close()
	var out []Bucket[K]
	for ok := it.First(); ok; ok = it.Next() {
		bm := roaring.New()
		if err := bm.UnmarshalBinary(it.Value()); err != nil {
			return nil, fmt.Errorf("corrupted bitmap at %q: %w", it.Key(), err)
		}
		out = append(out, Bucket[K]{Key: decode(it.Key()), Tasks: bm})
	}
	return out, it.Error()
}

// StatusBuckets returns every status bucket present, in status-byte order.
func (s *Store) StatusBuckets(r pebble.Reader) ([]Bucket[tasks.Status], error) {
	return collectBuckets(r, prefixStatus, func(key []byte) tasks.Status {
		return tasks.Status(key[1])
	})
}

// KindBuckets returns every kind bucket present, in kind-byte order.
func (s *Store) KindBuckets(r pebble.Reader) ([]Bucket[tasks.Kind], error) {
	return collectBuckets(r, prefixKind, func(key []byte) tasks.Kind {
		return tasks.Kind(key[1])
	})
}

// IndexBuckets returns every index-name bucket in lexicographic order.
func (s *Store) IndexBuckets(r pebble.Reader) ([]Bucket[string], error) {
	return collectBuckets(r, prefixIndex, func(key []byte) string { return string(key[1:]) })
}

// CanceledByBuckets returns every canceler's bucket in uid order.
func (s *Store) CanceledByBuckets(r pebble.Reader) ([]Bucket[tasks.TaskID], error) {
	return collectBuckets(r, prefixCanceledBy, func(key []byte) tasks.TaskID {
		return binary.BigEndian.Uint32(key[1:])
	})
}

// TimeBucketKind selects one of the three timestamp index families.
type TimeBucketKind byte

const (
	EnqueuedAtBuckets TimeBucketKind = prefixEnqueued
	StartedAtBuckets  TimeBucketKind = prefixStarted
	FinishedAtBuckets TimeBucketKind = prefixFinished
)

// TimeBuckets returns the family's buckets in chronological order.
func (s *Store) TimeBuckets(r pebble.Reader, kind TimeBucketKind) ([]Bucket[time.Time], error) {
	return collectBuckets(r, byte(kind), func(key []byte) time.Time {
		biased := binary.BigEndian.Uint64(key[1:])
		return time.Unix(0, int64(biased^(1<<63)))
	})
}
