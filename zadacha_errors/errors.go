// Provides common zadacha errors definitions.
package zadacha_errors

import "errors"

var (
	ErrTaskNotFound  = errors.New("zadacha: unknown task")
	ErrIndexNotFound = errors.New("zadacha: unknown index")
	ErrIndexExists   = errors.New("zadacha: index already exists")

	ErrContentFileNotFound  = errors.New("zadacha: unknown content file")
	ErrCorruptedContentFile = errors.New("zadacha: content file checksum mismatch")

	ErrVectorSearchDisabled = errors.New("zadacha: vector search feature is not enabled")
	ErrClosed               = errors.New("zadacha: no scheduler open")

	ErrInconsistent = errors.New("zadacha: task store failed a consistency check")
)
