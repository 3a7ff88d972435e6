package tasks

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// TaskID is a store-wide unique, monotonically increasing task identifier.
// It is deliberately 32-bit so that uid sets compress well.
type TaskID = uint32

// Task is one durably recorded request to mutate search-engine state.
//
// Content carries the enqueue-time payload and never changes; Details is
// refined as execution progresses. Status, the timestamps, CanceledBy and
// Error are owned by the scheduler loop.
type Task struct {
	UID        TaskID     `json:"uid"`
	IndexUID   string     `json:"indexUid,omitempty"`
	Status     Status     `json:"status"`
	Kind       Kind       `json:"kind"`
	EnqueuedAt time.Time  `json:"enqueuedAt"`
	StartedAt  *time.Time `json:"startedAt,omitempty"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
	CanceledBy *TaskID    `json:"canceledBy,omitempty"`
	Error      *TaskError `json:"error,omitempty"`
	Details    *Details   `json:"details,omitempty"`
	Content    *Content   `json:"content,omitempty"`
}

// Content is the immutable payload a task was enqueued with. Field subsets
// are per kind; unrelated fields stay empty.
type Content struct {
	ContentFile *uuid.UUID      `json:"contentFile,omitempty"`
	DocumentIDs []string        `json:"documentIds,omitempty"`
	Filter      string          `json:"filter,omitempty"`
	Settings    json.RawMessage `json:"settings,omitempty"`
	PrimaryKey  *string         `json:"primaryKey,omitempty"`
	Swaps       []Swap          `json:"swaps,omitempty"`
	TaskUIDs    []TaskID        `json:"taskUids,omitempty"`
	Query       string          `json:"query,omitempty"`
}

// Details describes a task's progress and outcome. Counter fields use
// pointers so "not yet known" and zero stay distinct in the record.
type Details struct {
	ReceivedDocuments *uint64         `json:"receivedDocuments,omitempty"`
	IndexedDocuments  *uint64         `json:"indexedDocuments,omitempty"`
	ProvidedIDs       *uint64         `json:"providedIds,omitempty"`
	DeletedDocuments  *uint64         `json:"deletedDocuments,omitempty"`
	OriginalFilter    string          `json:"originalFilter,omitempty"`
	Settings          json.RawMessage `json:"settings,omitempty"`
	PrimaryKey        *string         `json:"primaryKey,omitempty"`
	Swaps             []Swap          `json:"swaps,omitempty"`
	MatchedTasks      *uint64         `json:"matchedTasks,omitempty"`
	CanceledTasks     *uint64         `json:"canceledTasks,omitempty"`
	DeletedTasks      *uint64         `json:"deletedTasks,omitempty"`
	DumpUID           *string         `json:"dumpUid,omitempty"`
}

// Swap is one pair of index names whose underlying data exchange places.
type Swap struct {
	Indexes [2]string `json:"indexes"`
}

// TaskError is the recorded failure of a task, shaped for API consumers.
type TaskError struct {
	Message string `json:"message"`
	Code    string `json:"code"`
	Type    string `json:"type"`
	Link    string `json:"link,omitempty"`
}

func (e *TaskError) Error() string { return e.Message }

const (
	ErrorTypeInvalidRequest = "invalid_request"
	ErrorTypeInternal       = "internal"
)

// UserError records a fault attributable to the request content.
func UserError(code, message string) *TaskError {
	return &TaskError{Message: message, Code: code, Type: ErrorTypeInvalidRequest}
}

// InternalError records an execution fault not caused by the request.
func InternalError(err error) *TaskError {
	return &TaskError{Message: err.Error(), Code: "internal", Type: ErrorTypeInternal}
}

// Indexes returns every index name the task references: the single target
// for most kinds, both sides of every pair for a swap.
func (t *Task) Indexes() []string {
	if t.Kind == KindIndexSwap && t.Content != nil {
		var names []string
		for _, swap := range t.Content.Swaps {
			names = append(names, swap.Indexes[0], swap.Indexes[1])
		}
		return names
	}
	if t.IndexUID != "" {
		return []string{t.IndexUID}
	}
	return nil
}

func ptr[T any](v T) *T { return &v }

// Constructors below build the enqueue-time shape of each kind: content
// plus the initial details the original request is echoed through.

func DocumentAddition(indexUID string, contentFile uuid.UUID, receivedDocuments uint64) Task {
	return Task{
		Kind:     KindDocumentAdditionOrUpdate,
		IndexUID: indexUID,
		Content:  &Content{ContentFile: &contentFile},
		Details:  &Details{ReceivedDocuments: &receivedDocuments},
	}
}

func DocumentDeletion(indexUID string, documentIDs []string) Task {
	return Task{
		Kind:     KindDocumentDeletion,
		IndexUID: indexUID,
		Content:  &Content{DocumentIDs: documentIDs},
		Details:  &Details{ProvidedIDs: ptr(uint64(len(documentIDs)))},
	}
}

func DocumentDeletionByFilter(indexUID string, filter string) Task {
	return Task{
		Kind:     KindDocumentDeletionByFilter,
		IndexUID: indexUID,
		Content:  &Content{Filter: filter},
		Details:  &Details{OriginalFilter: filter},
	}
}

func DocumentClear(indexUID string) Task {
	return Task{
		Kind:     KindDocumentClear,
		IndexUID: indexUID,
	}
}

func SettingsUpdate(indexUID string, settings json.RawMessage) Task {
	return Task{
		Kind:     KindSettingsUpdate,
		IndexUID: indexUID,
		Content:  &Content{Settings: settings},
		Details:  &Details{Settings: settings},
	}
}

func IndexCreation(indexUID string, primaryKey *string) Task {
	return Task{
		Kind:     KindIndexCreation,
		IndexUID: indexUID,
		Content:  &Content{PrimaryKey: primaryKey},
		Details:  &Details{PrimaryKey: primaryKey},
	}
}

func IndexUpdate(indexUID string, primaryKey *string) Task {
	return Task{
		Kind:     KindIndexUpdate,
		IndexUID: indexUID,
		Content:  &Content{PrimaryKey: primaryKey},
		Details:  &Details{PrimaryKey: primaryKey},
	}
}

func IndexDeletion(indexUID string) Task {
	return Task{
		Kind:     KindIndexDeletion,
		IndexUID: indexUID,
	}
}

func IndexesSwap(swaps []Swap) Task {
	return Task{
		Kind:    KindIndexSwap,
		Content: &Content{Swaps: swaps},
		Details: &Details{Swaps: swaps},
	}
}

func TaskCancelation(query string, taskUIDs []TaskID) Task {
	return Task{
		Kind:    KindTaskCancelation,
		Content: &Content{Query: query, TaskUIDs: taskUIDs},
		Details: &Details{OriginalFilter: query, MatchedTasks: ptr(uint64(len(taskUIDs)))},
	}
}

func TaskDeletion(query string, taskUIDs []TaskID) Task {
	return Task{
		Kind:    KindTaskDeletion,
		Content: &Content{Query: query, TaskUIDs: taskUIDs},
		Details: &Details{OriginalFilter: query, MatchedTasks: ptr(uint64(len(taskUIDs)))},
	}
}

func DumpCreation() Task {
	return Task{
		Kind:    KindDumpCreation,
		Details: &Details{},
	}
}
