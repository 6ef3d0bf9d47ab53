package models

import (
	"time"

	"github.com/google/uuid"
)

// MessageType discriminates queue messages.
type MessageType string

const (
	// MessagePlan asks the orchestrator to decompose a parent.
	MessagePlan MessageType = "plan"
	// MessageExecuteSubTask runs one sub-task through the reasoning engine.
	MessageExecuteSubTask MessageType = "execute-subtask"
	// MessageSendNotification delivers an outbound status notification.
	MessageSendNotification MessageType = "send-notification"
	// MessageCheckSessionExpiration forces an expired session to completion.
	MessageCheckSessionExpiration MessageType = "check-session-expiration"
)

// Message is the retryable envelope carried by every queue.
// Retries and Errors are incremented and prepended, never reset.
type Message struct {
	// ID is assigned on first send and kept across retries.
	ID      string      `json:"id"`
	Type    MessageType `json:"type"`
	Retries int         `json:"retries,omitempty"`
	Errors  []string    `json:"errors,omitempty"`

	ParentKey    *Key          `json:"parentKey,omitempty"`
	SubTaskKey   *Key          `json:"subTaskKey,omitempty"`
	SessionID    string        `json:"sessionId,omitempty"`
	Notification *Notification `json:"notification,omitempty"`
}

// NewMessage returns a message of type t with a fresh id.
func NewMessage(t MessageType) Message {
	return Message{ID: uuid.NewString(), Type: t}
}

// PlanMessage asks for decomposition of parent.
func PlanMessage(parent Key) Message {
	m := NewMessage(MessagePlan)
	m.ParentKey = &parent
	return m
}

// ExecuteMessage asks for execution of the sub-task at key.
func ExecuteMessage(parent, subTask Key) Message {
	m := NewMessage(MessageExecuteSubTask)
	m.ParentKey = &parent
	m.SubTaskKey = &subTask
	return m
}

// IncrementRetry bumps the retry counter and records err in front of earlier errors.
func (m *Message) IncrementRetry(err error, now time.Time) {
	m.Retries++
	m.Errors = append([]string{FormatError(now, err.Error())}, m.Errors...)
}

// NotificationStatus is the externally visible status of a parent.
type NotificationStatus string

const (
	NotificationCompleted NotificationStatus = "completed"
	NotificationGraded    NotificationStatus = "graded"
	NotificationRejected  NotificationStatus = "rejected"
	NotificationError     NotificationStatus = "error"
)

// NotificationPayload is the body sent to a parent's callback URL.
type NotificationPayload struct {
	Status       NotificationStatus `json:"status"`
	AssessmentID string             `json:"assessmentId"`
	Score        string             `json:"score,omitempty"`
	Summary      string             `json:"summary,omitempty"`
	Error        string             `json:"error,omitempty"`
	Results      []RuleResult       `json:"results,omitempty"`
}

// Notification is a scheduled outbound call.
type Notification struct {
	CallbackURL string              `json:"callbackUrl"`
	Method      string              `json:"method"`
	Payload     NotificationPayload `json:"payload"`
}
