// Package indexmapper is the registry of search indexes: it resolves an
// index name to a handle over that index's own storage and applies index
// lifecycle changes (create, delete, swap).
//
// The name->uuid mapping and the per-index stats live in the scheduler's
// database ('N' and 'Z' prefixes, see the taskdb package docs), so a
// lifecycle change commits in the same batch as the task that caused it.
// The index data itself lives in a separate Pebble database per index
// under <base>/indexes/<uuid>. Swapping two names exchanges their uuids
// and never touches the data.
//
// Each open index holds a full Pebble instance, which is too costly to
// keep around for every index. An LRU cache bounds the number of open
// handles; evicted indexes are closed and transparently reopened on the
// next resolve. Handles are used by the scheduler loop and by read-only
// tooling, never concurrently for writes.
package indexmapper

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/drpcorg/zadacha/taskdb"
	"github.com/drpcorg/zadacha/utils"
	"github.com/drpcorg/zadacha/zadacha_errors"
)

var OpenHandles = prometheus.NewGauge(prometheus.GaugeOpts{
	Namespace: "zadacha",
	Subsystem: "index_mapper",
	Name:      "open_handles",
})

var Evictions = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "zadacha",
	Subsystem: "index_mapper",
	Name:      "evictions",
})

var Resolves = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "zadacha",
	Subsystem: "index_mapper",
	Name:      "resolves",
}, []string{"result"})

type IndexMapper struct {
	db      *pebble.DB
	baseDir string
	log     utils.Logger

	cache *lru.Cache[uuid.UUID, *Index]
	locks *xsync.MapOf[string, *sync.Mutex]
}

func New(db *pebble.DB, baseDir string, cacheSize int, log utils.Logger) (*IndexMapper, error) {
	if err := os.MkdirAll(filepath.Join(baseDir, "indexes"), 0o755); err != nil {
		return nil, err
	}
	m := &IndexMapper{
		db:      db,
		baseDir: baseDir,
		log:     log,
		locks:   xsync.NewMapOf[string, *sync.Mutex](),
	}
	cache, err := lru.NewWithEvict(cacheSize, func(id uuid.UUID, index *Index) {
		Evictions.Inc()
		OpenHandles.Dec()
		if err := index.Close(); err != nil {
			log.Error("failed to close evicted index", "uuid", id.String(), "err", err)
		}
	})
	if err != nil {
		return nil, err
	}
	m.cache = cache
	return m, nil
}

func (m *IndexMapper) indexDir(id uuid.UUID) string {
	return filepath.Join(m.baseDir, "indexes", id.String())
}

func (m *IndexMapper) nameLock(name string) *sync.Mutex {
	lock, _ := m.locks.LoadOrStore(name, &sync.Mutex{})
	return lock
}

// mapping reads the uuid a name currently points at.
func (m *IndexMapper) mapping(r pebble.Reader, name string) (uuid.UUID, error) {
	val, closer, err := r.Get(taskdb.MappingKey(name))
	if errors.Is(err, pebble.ErrNotFound) {
		return uuid.Nil, zadacha_errors.ErrIndexNotFound
	}
	if err != nil {
		return uuid.Nil, err
	}
	defer closer.Close()
	id, err := uuid.FromBytes(val)
	if err != nil {
		return uuid.Nil, fmt.Errorf("corrupted mapping for index %q: %w", name, err)
	}
	return id, nil
}

// Exists reports whether the name is registered, without opening anything.
func (m *IndexMapper) Exists(r pebble.Reader, name string) (bool, error) {
	_, err := m.mapping(r, name)
	if errors.Is(err, zadacha_errors.ErrIndexNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Names lists every registered index name in lexicographic order.
func (m *IndexMapper) Names(r pebble.Reader) ([]string, error) {
	it := r.NewIter(&pebble.IterOptions{
		LowerBound: taskdb.MappingKey(""),
		UpperBound: []byte{taskdb.MappingKey("")[0] + 1},
	})
	defer it.Close()
	var names []string
	for ok := it.First(); ok; ok = it.Next() {
		names = append(names, string(it.Key()[1:]))
	}
	return names, it.Error()
}

// Resolve returns an open handle for the name, reopening an evicted index
// if needed. Reads go through the supplied reader so a resolve inside a
// write transaction sees mappings created earlier in that transaction.
func (m *IndexMapper) Resolve(r pebble.Reader, name string) (*Index, error) {
	id, err := m.mapping(r, name)
	if err != nil {
		Resolves.WithLabelValues("miss").Inc()
		return nil, err
	}

	lock := m.nameLock(name)
	lock.Lock()
	defer lock.Unlock()

	if index, ok := m.cache.Get(id); ok {
		Resolves.WithLabelValues("hit").Inc()
		return index, nil
	}
	index, err := openIndex(m.indexDir(id), id)
	if err != nil {
		Resolves.WithLabelValues("error").Inc()
		return nil, err
	}
	Resolves.WithLabelValues("open").Inc()
	OpenHandles.Inc()
	m.cache.Add(id, index)
	return index, nil
}

// Create registers the name in the batch and opens the index storage. The
// directory exists as soon as this returns, but the mapping only becomes
// visible when the batch commits; an aborted commit leaves an orphan
// directory, removed by the next startup sweep.
func (m *IndexMapper) Create(b *pebble.Batch, name string, primaryKey *string) (*Index, error) {
	lock := m.nameLock(name)
	lock.Lock()
	defer lock.Unlock()

	exists, err := m.Exists(b, name)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, zadacha_errors.ErrIndexExists
	}

	id := uuid.New()
	index, err := openIndex(m.indexDir(id), id)
	if err != nil {
		return nil, err
	}
	if primaryKey != nil {
		if err := index.SetPrimaryKey(*primaryKey); err != nil {
			_ = index.Close()
			return nil, err
		}
	}
	if err := b.Set(taskdb.MappingKey(name), id[:], nil); err != nil {
		_ = index.Close()
		return nil, err
	}
	if err := m.PutStats(b, id, IndexStats{FieldDistribution: map[string]uint64{}}); err != nil {
		_ = index.Close()
		return nil, err
	}
	OpenHandles.Inc()
	m.cache.Add(id, index)
	return index, nil
}

// Delete unregisters the name and closes the handle. The data directory
// outlives the batch; the caller removes it with RemoveIndexDir once the
// batch has committed, so a failed commit cannot lose index data.
func (m *IndexMapper) Delete(b *pebble.Batch, name string) (uuid.UUID, error) {
	lock := m.nameLock(name)
	lock.Lock()
	defer lock.Unlock()

	id, err := m.mapping(b, name)
	if err != nil {
		return uuid.Nil, err
	}
	if err := b.Delete(taskdb.MappingKey(name), nil); err != nil {
		return uuid.Nil, err
	}
	if err := b.Delete(taskdb.StatsKey(id), nil); err != nil {
		return uuid.Nil, err
	}
	m.cache.Remove(id)
	return id, nil
}

// RemoveIndexDir deletes the index data from disk. Post-commit only.
func (m *IndexMapper) RemoveIndexDir(id uuid.UUID) error {
	return os.RemoveAll(m.indexDir(id))
}

// Swap exchanges the storage behind the two names. Task history stays
// untouched and open handles stay valid: they are keyed by uuid.
func (m *IndexMapper) Swap(b *pebble.Batch, nameA, nameB string) error {
	idA, err := m.mapping(b, nameA)
	if err != nil {
		return err
	}
	idB, err := m.mapping(b, nameB)
	if err != nil {
		return err
	}
	if err := b.Set(taskdb.MappingKey(nameA), idB[:], nil); err != nil {
		return err
	}
	return b.Set(taskdb.MappingKey(nameB), idA[:], nil)
}

// SweepOrphans removes index directories no mapping references. Aborted
// index creations leave these behind; sweeping at startup keeps the data
// dir bounded by the registered indexes.
func (m *IndexMapper) SweepOrphans() error {
	live := map[uuid.UUID]bool{}
	it := m.db.NewIter(&pebble.IterOptions{
		LowerBound: taskdb.MappingKey(""),
		UpperBound: []byte{taskdb.MappingKey("")[0] + 1},
	})
	for ok := it.First(); ok; ok = it.Next() {
		id, err := uuid.FromBytes(it.Value())
		if err != nil {
			_ = it.Close()
			return fmt.Errorf("corrupted mapping for index %q: %w", string(it.Key()[1:]), err)
		}
		live[id] = true
	}
	if err := it.Close(); err != nil {
		return err
	}

	entries, err := os.ReadDir(filepath.Join(m.baseDir, "indexes"))
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		id, err := uuid.Parse(entry.Name())
		if err != nil || live[id] {
			continue
		}
		m.log.Warn("removing orphan index directory", "uuid", entry.Name())
		if err := os.RemoveAll(filepath.Join(m.baseDir, "indexes", entry.Name())); err != nil {
			return err
		}
	}
	return nil
}

// Stats reads the persisted statistics for the name. They are recomputed
// by the scheduler after every batch that touches the index, in the same
// transaction as the task transitions, precisely so this read is
// consistent with the task history around it.
func (m *IndexMapper) Stats(r pebble.Reader, name string) (IndexStats, error) {
	id, err := m.mapping(r, name)
	if err != nil {
		return IndexStats{}, err
	}
	val, closer, err := r.Get(taskdb.StatsKey(id))
	if errors.Is(err, pebble.ErrNotFound) {
		return IndexStats{FieldDistribution: map[string]uint64{}}, nil
	}
	if err != nil {
		return IndexStats{}, err
	}
	defer closer.Close()
	return decodeStats(val)
}

// PutStats persists statistics for the index into the batch.
func (m *IndexMapper) PutStats(b *pebble.Batch, id uuid.UUID, stats IndexStats) error {
	data, err := encodeStats(stats)
	if err != nil {
		return err
	}
	return b.Set(taskdb.StatsKey(id), data, nil)
}

// Close releases every open handle through the eviction callback.
func (m *IndexMapper) Close() error {
	m.cache.Purge()
	return nil
}
