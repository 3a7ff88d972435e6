package zadacha

import (
	"bytes"
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/cockroachdb/pebble"

	"github.com/drpcorg/zadacha/taskdb"
	"github.com/drpcorg/zadacha/tasks"
	"github.com/drpcorg/zadacha/zadacha_errors"
)

const stateSeparator = "----------------------------------------------------------------------"

// StateString is DumpState into a string, for tests and the CLI.
func (s *Scheduler) StateString() (string, error) {
	var buf bytes.Buffer
	if err := s.DumpState(&buf); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// DumpState writes a deterministic text export of the whole scheduler
// state under one read snapshot: the same state always renders the same
// bytes. It verifies that records and secondary indices agree first and
// refuses to export an inconsistent store.
func (s *Scheduler) DumpState(w io.Writer) error {
	snap := s.store.Snapshot()
	defer snap.Close()

	if err := s.VerifyConsistency(snap); err != nil {
		return err
	}

	fmt.Fprintf(w, "### Autobatching Enabled = %t\n", !s.opts.DisableAutobatching)
	fmt.Fprintln(w, "### Processing Tasks:")
	_, processing := s.processing.Snapshot()
	fmt.Fprintln(w, snapshotBitmap(processing))
	fmt.Fprintln(w, stateSeparator)

	fmt.Fprintln(w, "### All Tasks:")
	for t, err := range s.store.EachTask(snap) {
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%d %s\n", t.UID, snapshotTask(&t))
	}
	fmt.Fprintln(w, stateSeparator)

	fmt.Fprintln(w, "### Status:")
	statusBuckets, err := s.store.StatusBuckets(snap)
	if err != nil {
		return err
	}
	for _, bucket := range statusBuckets {
		fmt.Fprintf(w, "%s %s\n", bucket.Key, snapshotBitmap(bucket.Tasks))
	}
	fmt.Fprintln(w, stateSeparator)

	fmt.Fprintln(w, "### Kind:")
	kindBuckets, err := s.store.KindBuckets(snap)
	if err != nil {
		return err
	}
	for _, bucket := range kindBuckets {
		fmt.Fprintf(w, "%s %s\n", bucket.Key, snapshotBitmap(bucket.Tasks))
	}
	fmt.Fprintln(w, stateSeparator)

	fmt.Fprintln(w, "### Index Tasks:")
	indexBuckets, err := s.store.IndexBuckets(snap)
	if err != nil {
		return err
	}
	for _, bucket := range indexBuckets {
		fmt.Fprintf(w, "%s %s\n", bucket.Key, snapshotBitmap(bucket.Tasks))
	}
	fmt.Fprintln(w, stateSeparator)

	fmt.Fprintln(w, "### Index Mapper:")
	names, err := s.mapper.Names(snap)
	if err != nil {
		return err
	}
	for _, name := range names {
		stats, err := s.mapper.Stats(snap, name)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%s: { number_of_documents: %d, field_distribution: %s }\n",
			name, stats.NumberOfDocuments, snapshotFieldDistribution(stats.FieldDistribution))
	}
	fmt.Fprintln(w, stateSeparator)

	fmt.Fprintln(w, "### Canceled By:")
	canceledBuckets, err := s.store.CanceledByBuckets(snap)
	if err != nil {
		return err
	}
	for _, bucket := range canceledBuckets {
		fmt.Fprintf(w, "%d %s\n", bucket.Key, snapshotBitmap(bucket.Tasks))
	}
	fmt.Fprintln(w, stateSeparator)

	for _, family := range []struct {
		title string
		kind  taskdb.TimeBucketKind
	}{
		{"### Enqueued At:", taskdb.EnqueuedAtBuckets},
		{"### Started At:", taskdb.StartedAtBuckets},
		{"### Finished At:", taskdb.FinishedAtBuckets},
	} {
		fmt.Fprintln(w, family.title)
		buckets, err := s.store.TimeBuckets(snap, family.kind)
		if err != nil {
			return err
		}
		for _, bucket := range buckets {
			fmt.Fprintf(w, "[timestamp] %s\n", snapshotBitmap(bucket.Tasks))
		}
		fmt.Fprintln(w, stateSeparator)
	}

	fmt.Fprintln(w, "### File Store:")
	files, err := s.files.All()
	if err != nil {
		return err
	}
	for _, id := range files {
		fmt.Fprintln(w, id.String())
	}
	fmt.Fprintln(w, stateSeparator)
	return nil
}

func snapshotBitmap(bm *roaring.Bitmap) string {
	var sb strings.Builder
	sb.WriteByte('[')
	it := bm.Iterator()
	for it.HasNext() {
		fmt.Fprintf(&sb, "%d,", it.Next())
	}
	sb.WriteByte(']')
	return sb.String()
}

func snapshotTask(t *tasks.Task) string {
	var sb strings.Builder
	sb.WriteByte('{')
	fmt.Fprintf(&sb, "uid: %d, status: %s, ", t.UID, t.Status)
	if t.CanceledBy != nil {
		fmt.Fprintf(&sb, "canceled_by: %d, ", *t.CanceledBy)
	}
	if t.Error != nil {
		fmt.Fprintf(&sb, "error: { message: %q, code: %q, type: %q }, ",
			t.Error.Message, t.Error.Code, t.Error.Type)
	}
	if t.Details != nil {
		fmt.Fprintf(&sb, "details: %s, ", snapshotDetails(t.Details))
	}
	if t.Kind.HasIndex() {
		fmt.Fprintf(&sb, "kind: %s(%q)", t.Kind, t.IndexUID)
	} else {
		fmt.Fprintf(&sb, "kind: %s", t.Kind)
	}
	sb.WriteByte('}')
	return sb.String()
}

func snapshotDetails(d *tasks.Details) string {
	var parts []string
	add := func(format string, args ...any) {
		parts = append(parts, fmt.Sprintf(format, args...))
	}
	if d.ReceivedDocuments != nil {
		add("received_documents: %d", *d.ReceivedDocuments)
	}
	if d.IndexedDocuments != nil {
		add("indexed_documents: %d", *d.IndexedDocuments)
	}
	if d.ProvidedIDs != nil {
		add("provided_ids: %d", *d.ProvidedIDs)
	}
	if d.DeletedDocuments != nil {
		add("deleted_documents: %d", *d.DeletedDocuments)
	}
	if d.OriginalFilter != "" {
		add("original_filter: %q", d.OriginalFilter)
	}
	if len(d.Settings) > 0 {
		add("settings: %s", d.Settings)
	}
	if d.PrimaryKey != nil {
		add("primary_key: %q", *d.PrimaryKey)
	}
	if len(d.Swaps) > 0 {
		var pairs []string
		for _, swap := range d.Swaps {
			pairs = append(pairs, fmt.Sprintf("(%q, %q)", swap.Indexes[0], swap.Indexes[1]))
		}
		add("swaps: [%s]", strings.Join(pairs, ", "))
	}
	if d.MatchedTasks != nil {
		add("matched_tasks: %d", *d.MatchedTasks)
	}
	if d.CanceledTasks != nil {
		add("canceled_tasks: %d", *d.CanceledTasks)
	}
	if d.DeletedTasks != nil {
		add("deleted_tasks: %d", *d.DeletedTasks)
	}
	if d.DumpUID != nil {
		add("dump_uid: %q", *d.DumpUID)
	}
	if len(parts) == 0 {
		return "{}"
	}
	return "{ " + strings.Join(parts, ", ") + " }"
}

func snapshotFieldDistribution(fd map[string]uint64) string {
	keys := slices.Sorted(maps.Keys(fd))
	var sb strings.Builder
	sb.WriteByte('{')
	for i, key := range keys {
		if i > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "%q: %d", key, fd[key])
	}
	sb.WriteByte('}')
	return sb.String()
}

// Verify runs the consistency check over a fresh snapshot.
func (s *Scheduler) Verify() error {
	snap := s.store.Snapshot()
	defer snap.Close()
	return s.VerifyConsistency(snap)
}

// VerifyConsistency recomputes from the task records what every secondary
// index must contain and compares bucket by bucket. A mismatch means the
// store can no longer be trusted and comes back as ErrInconsistent.
func (s *Scheduler) VerifyConsistency(snap *pebble.Snapshot) error {
	expectStatus := map[tasks.Status]*roaring.Bitmap{}
	expectKind := map[tasks.Kind]*roaring.Bitmap{}
	expectIndex := map[string]*roaring.Bitmap{}
	expectCanceled := map[tasks.TaskID]*roaring.Bitmap{}
	expectEnqueued := map[int64]*roaring.Bitmap{}
	expectStarted := map[int64]*roaring.Bitmap{}
	expectFinished := map[int64]*roaring.Bitmap{}

	addTime := func(m map[int64]*roaring.Bitmap, nanos int64, uid tasks.TaskID) {
		if m[nanos] == nil {
			m[nanos] = roaring.New()
		}
		m[nanos].Add(uid)
	}

	all := roaring.New()
	nextUID, err := s.store.NextUID(snap)
	if err != nil {
		return err
	}
	for t, err := range s.store.EachTask(snap) {
		if err != nil {
			return err
		}
		if t.UID >= nextUID {
			return s.violation("task %d is newer than the uid allocator (%d)", t.UID, nextUID)
		}
		all.Add(t.UID)
		if expectStatus[t.Status] == nil {
			expectStatus[t.Status] = roaring.New()
		}
		expectStatus[t.Status].Add(t.UID)
		if expectKind[t.Kind] == nil {
			expectKind[t.Kind] = roaring.New()
		}
		expectKind[t.Kind].Add(t.UID)
		for _, name := range t.Indexes() {
			if expectIndex[name] == nil {
				expectIndex[name] = roaring.New()
			}
			expectIndex[name].Add(t.UID)
		}
		if t.CanceledBy != nil {
			if expectCanceled[*t.CanceledBy] == nil {
				expectCanceled[*t.CanceledBy] = roaring.New()
			}
			expectCanceled[*t.CanceledBy].Add(t.UID)
		}
		addTime(expectEnqueued, t.EnqueuedAt.UnixNano(), t.UID)
		if t.StartedAt != nil {
			addTime(expectStarted, t.StartedAt.UnixNano(), t.UID)
		}
		if t.FinishedAt != nil {
			addTime(expectFinished, t.FinishedAt.UnixNano(), t.UID)
		}
	}

	covered := roaring.New()
	for _, status := range tasks.AllStatuses {
		bucket, err := s.store.StatusBucket(snap, status)
		if err != nil {
			return err
		}
		if !bucketsEqual(expectStatus[status], bucket) {
			return s.violation("status %s bucket disagrees with the records", status)
		}
		covered.Or(bucket)
	}
	if !covered.Equals(all) {
		return s.violation("union of status buckets does not cover all records")
	}

	covered.Clear()
	for _, kind := range tasks.AllKinds {
		bucket, err := s.store.KindBucket(snap, kind)
		if err != nil {
			return err
		}
		if !bucketsEqual(expectKind[kind], bucket) {
			return s.violation("kind %s bucket disagrees with the records", kind)
		}
		covered.Or(bucket)
	}
	if !covered.Equals(all) {
		return s.violation("union of kind buckets does not cover all records")
	}

	indexBuckets, err := s.store.IndexBuckets(snap)
	if err != nil {
		return err
	}
	seenIndexes := map[string]bool{}
	for _, bucket := range indexBuckets {
		seenIndexes[bucket.Key] = true
		if !bucketsEqual(expectIndex[bucket.Key], bucket.Tasks) {
			return s.violation("index %q bucket disagrees with the records", bucket.Key)
		}
	}
	for name := range expectIndex {
		if !seenIndexes[name] {
			return s.violation("index %q referenced by records has no bucket", name)
		}
	}

	canceledBuckets, err := s.store.CanceledByBuckets(snap)
	if err != nil {
		return err
	}
	seenCancelers := map[tasks.TaskID]bool{}
	for _, bucket := range canceledBuckets {
		seenCancelers[bucket.Key] = true
		if !bucketsEqual(expectCanceled[bucket.Key], bucket.Tasks) {
			return s.violation("canceled-by %d bucket disagrees with the records", bucket.Key)
		}
	}
	for canceler := range expectCanceled {
		if !seenCancelers[canceler] {
			return s.violation("canceler %d referenced by records has no bucket", canceler)
		}
	}

	for _, family := range []struct {
		name   string
		kind   taskdb.TimeBucketKind
		expect map[int64]*roaring.Bitmap
	}{
		{"enqueued-at", taskdb.EnqueuedAtBuckets, expectEnqueued},
		{"started-at", taskdb.StartedAtBuckets, expectStarted},
		{"finished-at", taskdb.FinishedAtBuckets, expectFinished},
	} {
		buckets, err := s.store.TimeBuckets(snap, family.kind)
		if err != nil {
			return err
		}
		got := map[int64]*roaring.Bitmap{}
		for _, bucket := range buckets {
			got[bucket.Key.UnixNano()] = bucket.Tasks
		}
		if len(got) != len(family.expect) {
			return s.violation("%s has %d buckets, the records imply %d", family.name, len(got), len(family.expect))
		}
		for nanos, want := range family.expect {
			if !bucketsEqual(want, got[nanos]) {
				return s.violation("a %s bucket disagrees with the records", family.name)
			}
		}
	}

	processingBucket, err := s.store.StatusBucket(snap, tasks.StatusProcessing)
	if err != nil {
		return err
	}
	_, processing := s.processing.Snapshot()
	if !processing.IsEmpty() {
		outside := roaring.AndNot(processing, processingBucket)
		if !outside.IsEmpty() {
			return s.violation("in-memory processing set lists tasks outside the processing status")
		}
	}
	return nil
}

// bucketsEqual treats a missing expectation and an empty bucket as equal:
// status, kind and index buckets survive emptying out.
func bucketsEqual(want, got *roaring.Bitmap) bool {
	if want == nil {
		return got == nil || got.IsEmpty()
	}
	if got == nil {
		return want.IsEmpty()
	}
	return want.Equals(got)
}

func (s *Scheduler) violation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", zadacha_errors.ErrInconsistent, fmt.Sprintf(format, args...))
}
