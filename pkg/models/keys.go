package models

import "strings"

// Key is the two-part address of every stored document.
type Key struct {
	// PK is the partition key.
	PK string `json:"pk"`
	// SK is the sort key.
	SK string `json:"sk"`
}

// Kind identifies the entity type stored under a key.
type Kind string

const (
	// KindUnknown is returned for keys that match no known entity layout.
	KindUnknown Kind = ""
	// KindGradingTask is a submission grading parent.
	KindGradingTask Kind = "grading_task"
	// KindBatch groups several grading tasks.
	KindBatch Kind = "batch"
	// KindSession is an interview session parent.
	KindSession Kind = "session"
	// KindSubTask is a child of any parent.
	KindSubTask Kind = "subtask"
)

const (
	gradingTaskPK  = "GRADING-TASK"
	gradingBatchPK = "GRADING-BATCH"
	sessionPrefix  = "SESSION#"
	sessionSK      = "SESSION"
	subTaskMarker  = "#SUBTASK#"
	notificationPK = "NOTIFICATION"
)

// Composite joins both key parts with '#'.
func (k Key) Composite() string {
	return k.PK + "#" + k.SK
}

// IsZero reports whether neither key part is set.
func (k Key) IsZero() bool {
	return k.PK == "" && k.SK == ""
}

// String implements fmt.Stringer.
func (k Key) String() string {
	return "(" + k.PK + ", " + k.SK + ")"
}

// GradingTaskKey returns the key of the grading task with the given id.
func GradingTaskKey(id string) Key {
	return Key{PK: gradingTaskPK, SK: id}
}

// GradingTaskPartition is the partition holding every grading task.
func GradingTaskPartition() string {
	return gradingTaskPK
}

// BatchKey returns the key of the grading batch with the given id.
func BatchKey(id string) Key {
	return Key{PK: gradingBatchPK, SK: id}
}

// SessionKey returns the key of the session with the given id.
func SessionKey(id string) Key {
	return Key{PK: sessionPrefix + id, SK: sessionSK}
}

// NotificationKey returns the key of the record of the named notification.
func NotificationKey(name string) Key {
	return Key{PK: notificationPK, SK: name}
}

// SubTaskPrefix returns the sort key prefix shared by every child of parent.
// A begins_with query on (parent.PK, SubTaskPrefix(parent)) returns all of them.
func SubTaskPrefix(parent Key) string {
	return parent.Composite() + subTaskMarker
}

// SubTaskKey returns the key of the child id of parent.
func SubTaskKey(parent Key, id string) Key {
	return Key{PK: parent.PK, SK: SubTaskPrefix(parent) + id}
}

// KindOf classifies a key by its layout.
func KindOf(k Key) Kind {
	switch {
	case strings.Contains(k.SK, subTaskMarker):
		return KindSubTask
	case k.PK == gradingTaskPK:
		return KindGradingTask
	case k.PK == gradingBatchPK:
		return KindBatch
	case strings.HasPrefix(k.PK, sessionPrefix) && k.SK == sessionSK:
		return KindSession
	default:
		return KindUnknown
	}
}
