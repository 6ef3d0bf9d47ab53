package models

import (
	"time"

	"github.com/google/uuid"
)

// SessionStatus is a state of the interview session state machine.
// Every forward edge is a conditional write on the exact predecessor.
type SessionStatus string

const (
	SessionInitializing SessionStatus = "initializing"
	SessionReady        SessionStatus = "ready"
	SessionStarted      SessionStatus = "started"
	SessionCompleted    SessionStatus = "completed"
	SessionGraded       SessionStatus = "graded"
)

// Predecessor returns the status a session must be in to move to s.
func (s SessionStatus) Predecessor() (SessionStatus, bool) {
	switch s {
	case SessionReady:
		return SessionInitializing, true
	case SessionStarted:
		return SessionReady, true
	case SessionCompleted:
		return SessionStarted, true
	case SessionGraded:
		return SessionCompleted, true
	default:
		return "", false
	}
}

// SessionErrorAbandoned flags a session completed by the expiration path.
const SessionErrorAbandoned = "Abandoned"

// Question is a single interview question with the candidate's answer.
type Question struct {
	ID     string `json:"id" yaml:"id"`
	Text   string `json:"text" yaml:"text"`
	Answer string `json:"answer,omitempty" yaml:"answer"`
	// Calibration questions are graded but excluded from the score.
	Calibration bool `json:"calibration,omitempty" yaml:"calibration"`
}

// SessionGrading is the aggregated result of a session.
type SessionGrading struct {
	Score   *float64 `json:"score,omitempty"`
	Summary string   `json:"summary"`
	// Questions holds the per-question verdicts keyed by question id.
	Questions map[string]Verdict `json:"questions,omitempty"`
}

// Session is the interview-style parent.
type Session struct {
	Key
	ID     string        `json:"id"`
	Status SessionStatus `json:"status"`
	Progress
	ExternalOrderID string     `json:"externalOrderId,omitempty"`
	SkillID         string     `json:"skillId,omitempty"`
	Questions       []Question `json:"questions,omitempty"`
	// DurationLimit is the session length in minutes.
	DurationLimit int `json:"durationLimit"`
	// IsTimeboxed sessions expire right after the limit; others get a multiplier.
	IsTimeboxed bool `json:"isTimeboxed"`
	// NoDelayIfScoreAbove skips the notification delay for scores at or above it.
	NoDelayIfScoreAbove *float64 `json:"noDelayIfScoreAbove,omitempty"`
	// ForceNoDelay skips the notification delay unconditionally.
	ForceNoDelay bool            `json:"forceNoDelay,omitempty"`
	CallbackURL  string          `json:"callbackUrl,omitempty"`
	StartTime    *time.Time      `json:"startTime,omitempty"`
	EndTime      *time.Time      `json:"endTime,omitempty"`
	Grading      *SessionGrading `json:"result,omitempty"`
	Error        string          `json:"error,omitempty"`
	Errors       []string        `json:"errors,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
}

// NewSession creates an initializing session with a fresh id.
func NewSession(durationLimit int, timeboxed bool) *Session {
	id := uuid.NewString()
	return &Session{
		Key:           SessionKey(id),
		ID:            id,
		Status:        SessionInitializing,
		DurationLimit: durationLimit,
		IsTimeboxed:   timeboxed,
		CreatedAt:     time.Now().UTC(),
	}
}

// Abandoned reports whether the session was completed by the expiration path.
func (s Session) Abandoned() bool {
	return s.Error == SessionErrorAbandoned
}

// Score returns the graded score, if any.
func (s Session) Score() *float64 {
	if s.Grading == nil {
		return nil
	}
	return s.Grading.Score
}
