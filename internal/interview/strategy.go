// Package interview grades interview sessions: every question of a completed
// session becomes a sub-task and the session score is the average of the
// question scores.
package interview

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"strings"
	"text/template"

	"github.com/ShayCichocki/gradeflow/internal/engine"
	"github.com/ShayCichocki/gradeflow/internal/fanout"
	"github.com/ShayCichocki/gradeflow/internal/queue"
	"github.com/ShayCichocki/gradeflow/internal/store"
	"github.com/ShayCichocki/gradeflow/pkg/models"
)

// Statuses maps the session state machine onto the orchestrator. A session
// is planned and graded while completed; a failed grading still ends in
// graded, with the error set.
var Statuses = fanout.Statuses{
	Ready:   string(models.SessionCompleted),
	Running: string(models.SessionCompleted),
	Done:    string(models.SessionGraded),
	Failed:  string(models.SessionGraded),
}

// NoAnswer is the summary recorded for questions left unanswered.
const NoAnswer = "No answer provided"

// GradedSummary is the session summary when every question was graded on
// its own.
const GradedSummary = "Every question has been graded individually so there is no overall summary"

const (
	defaultSystemPrompt = `You are grading a candidate's answer to an interview question.
Score correctness from 0 to 10 and explain what would have improved the score in no more than 300 characters.
Answer only by calling the grade_submission tool.`
	defaultUserPrompt = "Question: {{.Text}}\nAnswer: {{.Answer}}"
)

// Strategy grades the questions of a session.
type Strategy struct {
	engine engine.Engine
	system *template.Template
	user   *template.Template
}

// NewStrategy returns a session strategy. Empty templates use the defaults;
// both are rendered with the models.Question.
func NewStrategy(e engine.Engine, systemTmpl, userTmpl string) (*Strategy, error) {
	if systemTmpl == "" {
		systemTmpl = defaultSystemPrompt
	}
	if userTmpl == "" {
		userTmpl = defaultUserPrompt
	}
	system, err := template.New("system").Parse(systemTmpl)
	if err != nil {
		return nil, fmt.Errorf("parse system prompt: %w", err)
	}
	user, err := template.New("user").Parse(userTmpl)
	if err != nil {
		return nil, fmt.Errorf("parse user prompt: %w", err)
	}
	return &Strategy{engine: e, system: system, user: user}, nil
}

func (s *Strategy) Kind() models.Kind         { return models.KindSession }
func (s *Strategy) Statuses() fanout.Statuses { return Statuses }

// Decompose emits one sub-task per question. Unanswered questions get an
// empty prompt and are scored without the engine.
func (s *Strategy) Decompose(_ context.Context, parent *store.Record) ([]models.SubTask, error) {
	var sess models.Session
	if err := parent.Decode(&sess); err != nil {
		return nil, queue.NonRetryable(err)
	}
	subs := make([]models.SubTask, 0, len(sess.Questions))
	seen := make(map[string]bool, len(sess.Questions))
	for _, q := range sess.Questions {
		if q.ID == "" || seen[q.ID] {
			return nil, queue.NonRetryablef("session %s has a missing or duplicate question id %q", sess.ID, q.ID)
		}
		seen[q.ID] = true

		var prompt models.Prompt
		if strings.TrimSpace(q.Answer) != "" {
			var err error
			if prompt, err = s.prompt(q); err != nil {
				return nil, queue.NonRetryable(err)
			}
		}
		subs = append(subs, models.NewSubTask(sess.Key, q.ID, prompt))
	}
	log.Printf("[interview] session %s has %d questions to grade", sess.ID, len(subs))
	return subs, nil
}

func (s *Strategy) prompt(q models.Question) (models.Prompt, error) {
	var sys, user bytes.Buffer
	if err := s.system.Execute(&sys, q); err != nil {
		return models.Prompt{}, fmt.Errorf("render system prompt: %w", err)
	}
	if err := s.user.Execute(&user, q); err != nil {
		return models.Prompt{}, fmt.Errorf("render user prompt: %w", err)
	}
	return models.Prompt{System: sys.String(), User: user.String()}, nil
}

// Execute grades one answer.
func (s *Strategy) Execute(ctx context.Context, sub models.SubTask) (*models.Verdict, error) {
	if sub.Prompt.Empty() {
		zero := 0.0
		return &models.Verdict{Result: "Fail", Confidence: 1, Reasoning: NoAnswer, Score: &zero}, nil
	}
	return s.engine.Evaluate(ctx, sub.Prompt)
}

// Aggregate averages the scores of the non-calibration questions.
func (s *Strategy) Aggregate(_ context.Context, parent *store.Record, subs []models.SubTask) (map[string]any, error) {
	var sess models.Session
	if err := parent.Decode(&sess); err != nil {
		return nil, queue.NonRetryable(err)
	}
	calibration := make(map[string]bool, len(sess.Questions))
	for _, q := range sess.Questions {
		calibration[q.ID] = q.Calibration
	}

	grading := models.SessionGrading{
		Summary:   GradedSummary,
		Questions: make(map[string]models.Verdict, len(subs)),
	}
	var scores []float64
	for _, sub := range subs {
		grading.Questions[sub.ID] = *sub.Result
		if calibration[sub.ID] || sub.Result.Score == nil {
			continue
		}
		scores = append(scores, *sub.Result.Score)
	}
	grading.Score = Average(scores)
	return map[string]any{models.FieldResult: grading}, nil
}

// Average returns the mean of scores, or nil when there are none.
func Average(scores []float64) *float64 {
	if len(scores) == 0 {
		return nil
	}
	var total float64
	for _, s := range scores {
		total += s
	}
	avg := total / float64(len(scores))
	return &avg
}
