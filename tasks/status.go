package tasks

import (
	"encoding/json"
	"fmt"
)

// Status of a task. The byte value doubles as the status bucket key suffix
// in the store, so it must never change for an existing database.
type Status byte

const (
	StatusEnqueued   Status = 'e'
	StatusProcessing Status = 'p'
	StatusSucceeded  Status = 's'
	StatusFailed     Status = 'f'
	StatusCanceled   Status = 'c'
)

// AllStatuses lists every status, in lifecycle order.
var AllStatuses = []Status{
	StatusEnqueued,
	StatusProcessing,
	StatusSucceeded,
	StatusFailed,
	StatusCanceled,
}

func (s Status) String() string {
	switch s {
	case StatusEnqueued:
		return "enqueued"
	case StatusProcessing:
		return "processing"
	case StatusSucceeded:
		return "succeeded"
	case StatusFailed:
		return "failed"
	case StatusCanceled:
		return "canceled"
	default:
		return fmt.Sprintf("unknown(%c)", byte(s))
	}
}

// Finished reports whether the status is terminal. A finished task is
// immutable except for history pruning.
func (s Status) Finished() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCanceled:
		return true
	default:
		return false
	}
}

func ParseStatus(s string) (Status, error) {
	for _, st := range AllStatuses {
		if st.String() == s {
			return st, nil
		}
	}
	return 0, fmt.Errorf("unknown status %q, expected one of enqueued, processing, succeeded, failed, canceled", s)
}

func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Status) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	parsed, err := ParseStatus(name)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
