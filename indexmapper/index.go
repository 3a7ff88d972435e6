package indexmapper

import (
	"encoding/json"
	"fmt"
	"iter"
	"strings"

	"github.com/cockroachdb/pebble"
	"github.com/google/uuid"

	"github.com/drpcorg/zadacha/tasks"
)

// Index is a handle over one index's own storage. The scheduler drives all
// writes; the handle only needs enough document semantics to give every
// task kind an observable, countable effect. Ranking and retrieval live in
// the search engine proper, not here.
//
// Key layout, one Pebble database per index:
//
//   - 'D' + document id -> document JSON
//   - 'M' + "primaryKey" -> primary key field name
//   - 'M' + "settings"   -> settings JSON as last accepted
type Index struct {
	UUID uuid.UUID

	db *pebble.DB
}

var indexWriteOptions = pebble.NoSync

func openIndex(dir string, id uuid.UUID) (*Index, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, err
	}
	return &Index{UUID: id, db: db}, nil
}

func (idx *Index) Close() error {
	return idx.db.Close()
}

func docKey(docid string) []byte {
	return append([]byte{'D'}, docid...)
}

var (
	keyPrimaryKey = []byte("MprimaryKey")
	keySettings   = []byte("Msettings")
)

// IndexStats is the per-index summary the scheduler persists next to the
// task history after every batch touching the index.
type IndexStats struct {
	NumberOfDocuments uint64            `json:"numberOfDocuments"`
	FieldDistribution map[string]uint64 `json:"fieldDistribution"`
}

func encodeStats(stats IndexStats) ([]byte, error) {
	return json.Marshal(stats)
}

func decodeStats(data []byte) (IndexStats, error) {
	var stats IndexStats
	if err := json.Unmarshal(data, &stats); err != nil {
		return IndexStats{}, err
	}
	if stats.FieldDistribution == nil {
		stats.FieldDistribution = map[string]uint64{}
	}
	return stats, nil
}

func (idx *Index) PrimaryKey() (string, error) {
	val, closer, err := idx.db.Get(keyPrimaryKey)
	if err == pebble.ErrNotFound {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	defer closer.Close()
	return string(val), nil
}

func (idx *Index) SetPrimaryKey(pk string) error {
	return idx.db.Set(keyPrimaryKey, []byte(pk), indexWriteOptions)
}

func (idx *Index) Settings() (json.RawMessage, error) {
	val, closer, err := idx.db.Get(keySettings)
	if err == pebble.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	out := make(json.RawMessage, len(val))
	copy(out, val)
	return out, nil
}

func (idx *Index) PutSettings(settings json.RawMessage) error {
	return idx.db.Set(keySettings, settings, indexWriteOptions)
}

// PutDocuments upserts a JSON array of documents in one batch. The primary
// key is taken from the index, or inferred from the first document and
// persisted. Returns how many documents were written.
func (idx *Index) PutDocuments(payload []byte) (uint64, error) {
	var docs []map[string]json.RawMessage
	if err := json.Unmarshal(payload, &docs); err != nil {
		return 0, tasks.UserError("invalid_document_payload", fmt.Sprintf("payload is not a JSON array of documents: %s", err))
	}
	if len(docs) == 0 {
		return 0, nil
	}

	pk, err := idx.PrimaryKey()
	if err != nil {
		return 0, err
	}
	if pk == "" {
		pk = guessPrimaryKey(docs[0])
		if pk == "" {
			return 0, tasks.UserError("primary_key_inference_failed",
				"no primary key candidate found in the first document; set one on the index")
		}
		if err := idx.SetPrimaryKey(pk); err != nil {
			return 0, err
		}
	}

	batch := idx.db.NewBatch()
	defer batch.Close()
	for _, doc := range docs {
		raw, ok := doc[pk]
		if !ok {
			return 0, tasks.UserError("missing_document_id",
				fmt.Sprintf("a document is missing the primary key %q", pk))
		}
		docid, ok := documentID(raw)
		if !ok {
			return 0, tasks.UserError("invalid_document_id",
				fmt.Sprintf("the primary key %q must be a string or an integer", pk))
		}
		data, err := json.Marshal(doc)
		if err != nil {
			return 0, err
		}
		if err := batch.Set(docKey(docid), data, nil); err != nil {
			return 0, err
		}
	}
	if err := batch.Commit(indexWriteOptions); err != nil {
		return 0, err
	}
	return uint64(len(docs)), nil
}

// guessPrimaryKey picks the field named "id" or the first field whose name
// ends in "id", case-insensitively.
func guessPrimaryKey(doc map[string]json.RawMessage) string {
	var candidate string
	for field := range doc {
		lower := strings.ToLower(field)
		if lower == "id" {
			return field
		}
		if strings.HasSuffix(lower, "id") && (candidate == "" || field < candidate) {
			candidate = field
		}
	}
	return candidate
}

func documentID(raw json.RawMessage) (string, bool) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, s != ""
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String(), true
	}
	return "", false
}

// DeleteDocuments removes documents by id and reports how many existed.
func (idx *Index) DeleteDocuments(ids []string) (uint64, error) {
	batch := idx.db.NewIndexedBatch()
	defer batch.Close()
	var deleted uint64
	for _, docid := range ids {
		_, closer, err := batch.Get(docKey(docid))
		if err == pebble.ErrNotFound {
			continue
		}
		if err != nil {
			return 0, err
		}
		closer.Close()
		if err := batch.Delete(docKey(docid), nil); err != nil {
			return 0, err
		}
		deleted++
	}
	return deleted, batch.Commit(indexWriteOptions)
}

// DeleteByFilter removes every document matching `field = value`. That
// single equality is the whole filter contract here; the engine's real
// filter language stays out of the scheduler's scope.
func (idx *Index) DeleteByFilter(filter string) (uint64, error) {
	field, want, ok := parseFilter(filter)
	if !ok {
		return 0, tasks.UserError("invalid_document_filter",
			fmt.Sprintf("cannot parse filter %q, expected `field = value`", filter))
	}

	batch := idx.db.NewBatch()
	defer batch.Close()
	var deleted uint64
	it := idx.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte{'D'},
		UpperBound: []byte{'E'},
	})
	for ok := it.First(); ok; ok = it.Next() {
		var doc map[string]json.RawMessage
		if err := json.Unmarshal(it.Value(), &doc); err != nil {
			continue
		}
		raw, found := doc[field]
		if !found || scalarString(raw) != want {
			continue
		}
		key := make([]byte, len(it.Key()))
		copy(key, it.Key())
		if err := batch.Delete(key, nil); err != nil {
			_ = it.Close()
			return 0, err
		}
		deleted++
	}
	if err := it.Close(); err != nil {
		return 0, err
	}
	return deleted, batch.Commit(indexWriteOptions)
}

func parseFilter(filter string) (field, value string, ok bool) {
	parts := strings.SplitN(filter, "=", 2)
	if len(parts) != 2 {
		return "", "", false
	}
	field = strings.TrimSpace(parts[0])
	value = strings.TrimSpace(parts[1])
	value = strings.Trim(value, `"'`)
	return field, value, field != ""
}

func scalarString(raw json.RawMessage) string {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return ""
	}
	switch val := v.(type) {
	case string:
		return val
	case float64, bool:
		return fmt.Sprintf("%v", val)
	case nil:
		return "null"
	default:
		return ""
	}
}

// Clear removes every document, keeping settings and the primary key.
func (idx *Index) Clear() (uint64, error) {
	stats, err := idx.Stats()
	if err != nil {
		return 0, err
	}
	if err := idx.db.DeleteRange([]byte{'D'}, []byte{'E'}, indexWriteOptions); err != nil {
		return 0, err
	}
	return stats.NumberOfDocuments, nil
}

// Documents yields every document's JSON in primary-key order. Iteration
// stops at the first storage error, yielded with a nil document.
func (idx *Index) Documents() iter.Seq2[json.RawMessage, error] {
	return func(yield func(json.RawMessage, error) bool) {
		it := idx.db.NewIter(&pebble.IterOptions{
			LowerBound: []byte{'D'},
			UpperBound: []byte{'E'},
		})
		defer it.Close()
		for ok := it.First(); ok; ok = it.Next() {
			doc := make(json.RawMessage, len(it.Value()))
			copy(doc, it.Value())
			if !yield(doc, nil) {
				return
			}
		}
		if err := it.Error(); err != nil {
			yield(nil, err)
		}
	}
}

// Stats walks the documents and recomputes the summary: total count and,
// per top-level field, how many documents carry it.
func (idx *Index) Stats() (IndexStats, error) {
	stats := IndexStats{FieldDistribution: map[string]uint64{}}
	it := idx.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte{'D'},
		UpperBound: []byte{'E'},
	})
	for ok := it.First(); ok; ok = it.Next() {
		stats.NumberOfDocuments++
		var doc map[string]json.RawMessage
		if err := json.Unmarshal(it.Value(), &doc); err != nil {
			continue
		}
		for field := range doc {
			stats.FieldDistribution[field]++
		}
	}
	if err := it.Close(); err != nil {
		return IndexStats{}, err
	}
	return stats, nil
}
