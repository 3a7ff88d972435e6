package indexmapper

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/cockroachdb/pebble"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/drpcorg/zadacha/utils"
	"github.com/drpcorg/zadacha/zadacha_errors"
)

func testMapper(t *testing.T, cacheSize int) (*IndexMapper, *pebble.DB, string) {
	t.Helper()
	base := t.TempDir()
	db, err := pebble.Open(filepath.Join(base, "tasks"), &pebble.Options{})
	assert.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	m, err := New(db, base, cacheSize, utils.NewDefaultLogger(slog.LevelError))
	assert.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m, db, base
}

func commit(t *testing.T, b *pebble.Batch) {
	t.Helper()
	assert.NoError(t, b.Commit(pebble.NoSync))
}

func TestMapper_CreateResolve(t *testing.T) {
	m, db, _ := testMapper(t, 4)

	b := db.NewIndexedBatch()
	pk := "id"
	created, err := m.Create(b, "movies", &pk)
	assert.NoError(t, err)
	commit(t, b)

	got, err := m.Resolve(db, "movies")
	assert.NoError(t, err)
	assert.Equal(t, created.UUID, got.UUID)

	gotPK, err := got.PrimaryKey()
	assert.NoError(t, err)
	assert.Equal(t, "id", gotPK)

	stats, err := m.Stats(db, "movies")
	assert.NoError(t, err)
	assert.Equal(t, IndexStats{FieldDistribution: map[string]uint64{}}, stats)

	exists, err := m.Exists(db, "movies")
	assert.NoError(t, err)
	assert.True(t, exists)

	_, err = m.Resolve(db, "ghost")
	assert.ErrorIs(t, err, zadacha_errors.ErrIndexNotFound)
}

func TestMapper_CreateDuplicate(t *testing.T) {
	m, db, _ := testMapper(t, 4)

	b := db.NewIndexedBatch()
	_, err := m.Create(b, "movies", nil)
	assert.NoError(t, err)

	// The second create sees the first through the same batch, before any commit.
	_, err = m.Create(b, "movies", nil)
	assert.ErrorIs(t, err, zadacha_errors.ErrIndexExists)
}

func TestMapper_Names(t *testing.T) {
	m, db, _ := testMapper(t, 4)

	b := db.NewIndexedBatch()
	for _, name := range []string{"zebra", "ants", "movies"} {
		_, err := m.Create(b, name, nil)
		assert.NoError(t, err)
	}
	commit(t, b)

	names, err := m.Names(db)
	assert.NoError(t, err)
	assert.Equal(t, []string{"ants", "movies", "zebra"}, names)
}

func TestMapper_Delete(t *testing.T) {
	m, db, base := testMapper(t, 4)

	b := db.NewIndexedBatch()
	created, err := m.Create(b, "movies", nil)
	assert.NoError(t, err)
	commit(t, b)

	b = db.NewIndexedBatch()
	id, err := m.Delete(b, "movies")
	assert.NoError(t, err)
	assert.Equal(t, created.UUID, id)
	commit(t, b)
	assert.NoError(t, m.RemoveIndexDir(id))

	_, err = m.Resolve(db, "movies")
	assert.ErrorIs(t, err, zadacha_errors.ErrIndexNotFound)
	_, err = m.Stats(db, "movies")
	assert.ErrorIs(t, err, zadacha_errors.ErrIndexNotFound)
	_, err = os.Stat(filepath.Join(base, "indexes", id.String()))
	assert.True(t, os.IsNotExist(err))

	b = db.NewIndexedBatch()
	_, err = m.Delete(b, "movies")
	assert.ErrorIs(t, err, zadacha_errors.ErrIndexNotFound)
}

func TestMapper_EvictionReopensTransparently(t *testing.T) {
	m, db, _ := testMapper(t, 1)

	b := db.NewIndexedBatch()
	first, err := m.Create(b, "first", nil)
	assert.NoError(t, err)
	_, err = first.PutDocuments([]byte(`[{"id": 1}, {"id": 2}]`))
	assert.NoError(t, err)

	// Creating a second index overflows the single-slot cache and closes
	// the first handle behind our back.
	_, err = m.Create(b, "second", nil)
	assert.NoError(t, err)
	commit(t, b)

	got, err := m.Resolve(db, "first")
	assert.NoError(t, err)
	assert.Equal(t, first.UUID, got.UUID)
	stats, err := got.Stats()
	assert.NoError(t, err)
	assert.Equal(t, uint64(2), stats.NumberOfDocuments)
}

func TestMapper_SwapExchangesStorage(t *testing.T) {
	m, db, _ := testMapper(t, 4)

	b := db.NewIndexedBatch()
	ia, err := m.Create(b, "a", nil)
	assert.NoError(t, err)
	ib, err := m.Create(b, "b", nil)
	assert.NoError(t, err)
	_, err = ia.PutDocuments([]byte(`[{"id": "a1"}]`))
	assert.NoError(t, err)
	_, err = ib.PutDocuments([]byte(`[{"id": "b1"}, {"id": "b2"}]`))
	assert.NoError(t, err)
	commit(t, b)

	b = db.NewIndexedBatch()
	assert.NoError(t, m.Swap(b, "a", "b"))
	commit(t, b)

	ra, err := m.Resolve(db, "a")
	assert.NoError(t, err)
	assert.Equal(t, ib.UUID, ra.UUID)
	stats, err := ra.Stats()
	assert.NoError(t, err)
	assert.Equal(t, uint64(2), stats.NumberOfDocuments)

	rb, err := m.Resolve(db, "b")
	assert.NoError(t, err)
	assert.Equal(t, ia.UUID, rb.UUID)

	b = db.NewIndexedBatch()
	assert.ErrorIs(t, m.Swap(b, "a", "ghost"), zadacha_errors.ErrIndexNotFound)
	assert.NoError(t, b.Close())
}

func TestMapper_StatsRoundTrip(t *testing.T) {
	m, db, _ := testMapper(t, 4)

	b := db.NewIndexedBatch()
	idx, err := m.Create(b, "movies", nil)
	assert.NoError(t, err)
	in := IndexStats{
		NumberOfDocuments: 3,
		FieldDistribution: map[string]uint64{"id": 3, "title": 2},
	}
	assert.NoError(t, m.PutStats(b, idx.UUID, in))
	commit(t, b)

	out, err := m.Stats(db, "movies")
	assert.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestMapper_SweepOrphans(t *testing.T) {
	m, db, base := testMapper(t, 4)

	b := db.NewIndexedBatch()
	kept, err := m.Create(b, "kept", nil)
	assert.NoError(t, err)
	commit(t, b)

	// An aborted creation leaves a directory without a mapping.
	orphan := uuid.New()
	assert.NoError(t, os.MkdirAll(filepath.Join(base, "indexes", orphan.String()), 0o755))
	assert.NoError(t, os.MkdirAll(filepath.Join(base, "indexes", "not-a-uuid"), 0o755))
	assert.NoError(t, os.WriteFile(filepath.Join(base, "indexes", "stray-file"), nil, 0o644))

	assert.NoError(t, m.SweepOrphans())

	_, err = os.Stat(filepath.Join(base, "indexes", orphan.String()))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(base, "indexes", kept.UUID.String()))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(base, "indexes", "not-a-uuid"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(base, "indexes", "stray-file"))
	assert.NoError(t, err)
}
