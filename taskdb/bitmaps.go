package taskdb

import (
	"errors"
	"fmt"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/cockroachdb/pebble"
)

// readBitmap loads the bucket at key. A missing key is an empty bucket.
func readBitmap(r pebble.Reader, key []byte) (*roaring.Bitmap, error) {
	val, closer, err := r.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return roaring.New(), nil
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	bm := roaring.New()
	if err := bm.UnmarshalBinary(val); err != nil {
		return nil, fmt.Errorf("corrupted bitmap at %q: %w", key, err)
	}
	return bm, nil
}

// writeBitmap stores the bucket, keeping the key even when the set drained
// empty. A once-touched bucket stays visible, which keeps snapshot exports
// stable across a fill-then-drain cycle.
func writeBitmap(b *pebble.Batch, key []byte, bm *roaring.Bitmap) error {
	data, err := bm.ToBytes()
	if err != nil {
		return err
	}
	return b.Set(key, data, nil)
}

// writeOrDropBitmap deletes the key instead of storing an empty set. Used
// for the unbounded key families (timestamps, canceled-by) where dead
// buckets would accumulate forever.
func writeOrDropBitmap(b *pebble.Batch, key []byte, bm *roaring.Bitmap) error {
	if bm.IsEmpty() {
		return b.Delete(key, nil)
	}
	return writeBitmap(b, key, bm)
}

func addToBucket(b *pebble.Batch, key []byte, uid uint32) error {
	bm, err := readBitmap(b, key)
	if err != nil {
		return err
	}
	bm.Add(uid)
	return writeBitmap(b, key, bm)
}

func removeFromBucket(b *pebble.Batch, key []byte, uid uint32, dropEmpty bool) error {
	bm, err := readBitmap(b, key)
	if err != nil {
		return err
	}
	bm.Remove(uid)
	if dropEmpty {
		return writeOrDropBitmap(b, key, bm)
	}
	return writeBitmap(b, key, bm)
}
