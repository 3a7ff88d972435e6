package taskdb

import (
	"encoding/binary"
	"time"

	"github.com/google/uuid"

	"github.com/drpcorg/zadacha/tasks"
)

const (
	prefixTask       = 'T'
	prefixStatus     = 'S'
	prefixKind       = 'K'
	prefixIndex      = 'I'
	prefixCanceledBy = 'C'
	prefixEnqueued   = 'E'
	prefixStarted    = 'A'
	prefixFinished   = 'F'
	prefixMeta       = 'M'
	prefixMapping    = 'N'
	prefixStats      = 'Z'
)

func TaskKey(uid tasks.TaskID) []byte {
	return binary.BigEndian.AppendUint32([]byte{prefixTask}, uid)
}

func taskKeyUID(key []byte) tasks.TaskID {
	return binary.BigEndian.Uint32(key[1:])
}

func StatusKey(s tasks.Status) []byte {
	return []byte{prefixStatus, byte(s)}
}

func KindKey(k tasks.Kind) []byte {
	return []byte{prefixKind, byte(k)}
}

func IndexKey(name string) []byte {
	return append([]byte{prefixIndex}, name...)
}

func CanceledByKey(canceler tasks.TaskID) []byte {
	return binary.BigEndian.AppendUint32([]byte{prefixCanceledBy}, canceler)
}

// timeKey biases the sign bit so that big-endian ordering of the key equals
// chronological ordering of the instant.
func timeKey(prefix byte, t time.Time) []byte {
	biased := uint64(t.UnixNano()) ^ (1 << 63)
	return binary.BigEndian.AppendUint64([]byte{prefix}, biased)
}

func EnqueuedAtKey(t time.Time) []byte { return timeKey(prefixEnqueued, t) }
func StartedAtKey(t time.Time) []byte  { return timeKey(prefixStarted, t) }
func FinishedAtKey(t time.Time) []byte { return timeKey(prefixFinished, t) }

var (
	keyNextUID = []byte{prefixMeta, 'n', 'e', 'x', 't', 'u', 'i', 'd'}
	keyFormat  = []byte{prefixMeta, 'f', 'o', 'r', 'm', 'a', 't'}
)

// MappingKey and StatsKey belong to the index mapper, which shares this
// keyspace. See the package documentation.

func MappingKey(name string) []byte {
	return append([]byte{prefixMapping}, name...)
}

func StatsKey(id uuid.UUID) []byte {
	return append([]byte{prefixStats}, id[:]...)
}

// prefixBounds covers every key starting with the given prefix byte.
func prefixBounds(prefix byte) (lower, upper []byte) {
	return []byte{prefix}, []byte{prefix + 1}
}
