package tasks

import (
	"encoding/json"
	"fmt"
)

// Kind of operation a task performs. Fixed at enqueue time. The byte value
// doubles as the kind bucket key suffix in the store.
type Kind byte

const (
	KindDocumentAdditionOrUpdate Kind = 'A'
	KindDocumentDeletion         Kind = 'D'
	KindDocumentDeletionByFilter Kind = 'F'
	KindDocumentClear            Kind = 'C'
	KindSettingsUpdate           Kind = 'S'
	KindIndexCreation            Kind = 'N'
	KindIndexUpdate              Kind = 'U'
	KindIndexDeletion            Kind = 'X'
	KindIndexSwap                Kind = 'W'
	KindTaskCancelation          Kind = 'K'
	KindTaskDeletion             Kind = 'R'
	KindDumpCreation             Kind = 'M'
)

var AllKinds = []Kind{
	KindDocumentAdditionOrUpdate,
	KindDocumentDeletion,
	KindDocumentDeletionByFilter,
	KindDocumentClear,
	KindSettingsUpdate,
	KindIndexCreation,
	KindIndexUpdate,
	KindIndexDeletion,
	KindIndexSwap,
	KindTaskCancelation,
	KindTaskDeletion,
	KindDumpCreation,
}

func (k Kind) String() string {
	switch k {
	case KindDocumentAdditionOrUpdate:
		return "documentAdditionOrUpdate"
	case KindDocumentDeletion:
		return "documentDeletion"
	case KindDocumentDeletionByFilter:
		return "documentDeletionByFilter"
	case KindDocumentClear:
		return "documentClear"
	case KindSettingsUpdate:
		return "settingsUpdate"
	case KindIndexCreation:
		return "indexCreation"
	case KindIndexUpdate:
		return "indexUpdate"
	case KindIndexDeletion:
		return "indexDeletion"
	case KindIndexSwap:
		return "indexSwap"
	case KindTaskCancelation:
		return "taskCancelation"
	case KindTaskDeletion:
		return "taskDeletion"
	case KindDumpCreation:
		return "dumpCreation"
	default:
		return fmt.Sprintf("unknown(%c)", byte(k))
	}
}

// HasIndex reports whether tasks of this kind target a single named index.
// Swap tasks reference indexes through their swap pairs instead, and the
// task-level kinds reference none at all.
func (k Kind) HasIndex() bool {
	switch k {
	case KindIndexSwap, KindTaskCancelation, KindTaskDeletion, KindDumpCreation:
		return false
	default:
		return true
	}
}

func ParseKind(s string) (Kind, error) {
	for _, k := range AllKinds {
		if k.String() == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown task kind %q", s)
}

func (k Kind) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

func (k *Kind) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	parsed, err := ParseKind(name)
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}
