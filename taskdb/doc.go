// Package taskdb is the durable task store: the primary task record table
// plus every secondary index the scheduler queries, all in one Pebble
// keyspace so that a single batch commits them together.
//
// # Overview
//
// The store keeps two families of data:
//
//  1. Task records
//     One JSON document per task, keyed by uid. Records are mutated in
//     place by uid; uids themselves are allocated from a persisted counter
//     and never reused, even after history pruning deletes the highest
//     record.
//
//  2. Secondary indices
//     Mappings from a discriminator (status, kind, index name, canceling
//     task, timestamp) to a compressed set of task uids. Every bucket is a
//     serialized roaring bitmap. Filters are evaluated purely on these
//     bitmaps; the record table is only read to materialize final results.
//
// # Key layout in Pebble
//
//   - Task records:    'T' + uid (u32, BE)          -> task JSON
//   - Status buckets:  'S' + status byte            -> roaring bitmap
//   - Kind buckets:    'K' + kind byte              -> roaring bitmap
//   - Index buckets:   'I' + index name             -> roaring bitmap
//   - Canceled-by:     'C' + canceler uid (u32, BE) -> roaring bitmap
//   - Enqueued-at:     'E' + time (u64, BE, biased) -> roaring bitmap
//   - Started-at:      'A' + time (u64, BE, biased) -> roaring bitmap
//   - Finished-at:     'F' + time (u64, BE, biased) -> roaring bitmap
//   - Meta:            'M' + name                   -> store metadata
//
// Timestamp keys are unix nanoseconds with the sign bit flipped, so the
// big-endian byte order equals time order even for pre-1970 instants.
// Nanosecond granularity disambiguates same-instant events.
//
// Two more prefixes live in the same keyspace but are owned by the index
// mapper, which shares the scheduler's database so that index lifecycle
// changes commit atomically with task transitions:
//
//   - Index mapping:   'N' + index name             -> index uuid (16 bytes)
//   - Index stats:     'Z' + index uuid (16 bytes)  -> stats JSON
//
// # Transactions
//
// Writers prepare an indexed *pebble.Batch (reads through the batch observe
// its own pending writes), apply any number of store operations, and commit
// once. Readers use *pebble.Snapshot for a point-in-time view that neither
// blocks nor is blocked by the writer. Status buckets and records therefore
// can never be observed out of sync by a reader holding a single snapshot.
package taskdb
