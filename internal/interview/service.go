package interview

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/ShayCichocki/gradeflow/internal/queue"
	"github.com/ShayCichocki/gradeflow/internal/store"
	"github.com/ShayCichocki/gradeflow/pkg/models"
)

// ErrInvalidTransition is returned when a session is not in the status an
// operation requires.
var ErrInvalidTransition = errors.New("invalid session transition")

// ErrInvalidSession is returned for session requests that cannot be served.
var ErrInvalidSession = errors.New("invalid session")

const (
	fieldStartTime = "startTime"
	fieldEndTime   = "endTime"
	fieldQuestions = "questions"
)

// CreateRequest describes a new session.
type CreateRequest struct {
	ExternalOrderID     string            `json:"externalOrderId"`
	SkillID             string            `json:"skillId"`
	Questions           []models.Question `json:"questions"`
	DurationLimit       int               `json:"durationLimit"`
	IsTimeboxed         bool              `json:"isTimeboxed"`
	NoDelayIfScoreAbove *float64          `json:"noDelayIfScoreAbove,omitempty"`
	ForceNoDelay        bool              `json:"forceNoDelay,omitempty"`
	CallbackURL         string            `json:"callbackUrl,omitempty"`
}

// Service drives sessions through their state machine. Every transition is
// a conditional write on the exact predecessor status.
type Service struct {
	store           store.Store
	defaultDuration int
	now             func() time.Time
}

// NewService returns a session service. defaultDuration, in minutes, is used
// when a request has no limit.
func NewService(s store.Store, defaultDuration int) *Service {
	return &Service{store: s, defaultDuration: defaultDuration, now: time.Now}
}

// Create stores a new session and moves it to ready.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*models.Session, error) {
	if len(req.Questions) == 0 {
		return nil, fmt.Errorf("%w: no questions", ErrInvalidSession)
	}
	seen := make(map[string]bool, len(req.Questions))
	for _, q := range req.Questions {
		if q.ID == "" || seen[q.ID] {
			return nil, fmt.Errorf("%w: question ids must be unique and non-empty", ErrInvalidSession)
		}
		seen[q.ID] = true
	}
	duration := req.DurationLimit
	if duration <= 0 {
		duration = s.defaultDuration
	}

	sess := models.NewSession(duration, req.IsTimeboxed)
	sess.ExternalOrderID = req.ExternalOrderID
	sess.SkillID = req.SkillID
	sess.Questions = req.Questions
	sess.NoDelayIfScoreAbove = req.NoDelayIfScoreAbove
	sess.ForceNoDelay = req.ForceNoDelay
	sess.CallbackURL = req.CallbackURL
	if err := store.PutDocs(ctx, s.store, sess); err != nil {
		return nil, fmt.Errorf("store session: %w", err)
	}
	if err := s.transition(ctx, sess.ID, models.SessionReady, nil); err != nil {
		return nil, err
	}
	sess.Status = models.SessionReady
	log.Printf("[interview] created session %s with %d questions", sess.ID, len(sess.Questions))
	return sess, nil
}

// Start moves a ready session to started.
func (s *Service) Start(ctx context.Context, id string) error {
	return s.transition(ctx, id, models.SessionStarted, map[string]any{fieldStartTime: s.now().UTC()})
}

// Complete records the answers and moves a started session to completed.
// Answers are keyed by question id; unknown ids are rejected.
func (s *Service) Complete(ctx context.Context, id string, answers map[string]string) error {
	sess, err := store.GetAs[models.Session](ctx, s.store, models.SessionKey(id))
	if err != nil {
		return err
	}
	if sess.Status != models.SessionStarted {
		return fmt.Errorf("%w: session %s is %s", ErrInvalidTransition, id, sess.Status)
	}
	questions := append([]models.Question(nil), sess.Questions...)
	index := make(map[string]int, len(questions))
	for i, q := range questions {
		index[q.ID] = i
	}
	for qid, answer := range answers {
		i, ok := index[qid]
		if !ok {
			return fmt.Errorf("%w: unknown question %q", ErrInvalidSession, qid)
		}
		questions[i].Answer = answer
	}
	return s.transition(ctx, id, models.SessionCompleted, map[string]any{
		fieldQuestions: questions,
		fieldEndTime:   s.now().UTC(),
	})
}

// Expire completes a session that is still started, flagging it abandoned.
// It is a no-op for sessions that moved on.
func (s *Service) Expire(ctx context.Context, id string) error {
	err := s.transition(ctx, id, models.SessionCompleted, map[string]any{
		models.FieldError: models.SessionErrorAbandoned,
		fieldEndTime:      s.now().UTC(),
	})
	if errors.Is(err, ErrInvalidTransition) {
		log.Printf("[interview] session %s is no longer started, skipping expiration", id)
		return nil
	}
	if err == nil {
		log.Printf("[interview] session %s expired", id)
	}
	return err
}

// HandleExpiration is the check-session-expiration queue handler.
func (s *Service) HandleExpiration(ctx context.Context, msg models.Message) error {
	if msg.SessionID == "" {
		return queue.NonRetryablef("expiration message %s has no session id", msg.ID)
	}
	err := s.Expire(ctx, msg.SessionID)
	if errors.Is(err, store.ErrNotFound) {
		return queue.NonRetryable(err)
	}
	return err
}

// Register adds the expiration handler to a consumer.
func (s *Service) Register(cons *queue.Consumer, p queue.Policy) {
	cons.Handle(models.MessageCheckSessionExpiration, p, s.HandleExpiration)
}

// Get returns a session and its question sub-tasks.
func (s *Service) Get(ctx context.Context, id string) (*models.Session, []models.SubTask, error) {
	sess, err := store.GetAs[models.Session](ctx, s.store, models.SessionKey(id))
	if err != nil {
		return nil, nil, err
	}
	subs, err := store.QueryAs[models.SubTask](ctx, s.store, sess.PK, models.SubTaskPrefix(sess.Key))
	if err != nil {
		return nil, nil, err
	}
	return sess, subs, nil
}

func (s *Service) transition(ctx context.Context, id string, to models.SessionStatus, set map[string]any) error {
	from, ok := to.Predecessor()
	if !ok {
		return fmt.Errorf("%w: nothing leads to %s", ErrInvalidTransition, to)
	}
	fields := map[string]any{
		models.FieldStatus:     to,
		models.FieldModifiedAt: s.now().UTC(),
	}
	for k, v := range set {
		fields[k] = v
	}
	_, err := s.store.Update(ctx, models.SessionKey(id), store.Update{
		Set:        fields,
		Conditions: []store.Condition{store.Equals(models.FieldStatus, from)},
	})
	if store.IsConditionFailed(err) {
		return fmt.Errorf("%w: session %s is not %s", ErrInvalidTransition, id, from)
	}
	if err != nil {
		return fmt.Errorf("move session %s to %s: %w", id, to, err)
	}
	return nil
}
