package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/anthropics/anthropic-sdk-go"
	"go.opentelemetry.io/otel/attribute"

	"github.com/ShayCichocki/gradeflow/internal/observability"
	"github.com/ShayCichocki/gradeflow/internal/queue"
	"github.com/ShayCichocki/gradeflow/pkg/models"
)

// GradeToolName is the tool the model is forced to call with its verdict.
const GradeToolName = "grade_submission"

// ErrNoVerdict is returned when the response carries no usable grading call.
var ErrNoVerdict = errors.New("engine: response has no verdict")

func gradeTool() anthropic.ToolUnionParam {
	return anthropic.ToolUnionParam{
		OfTool: &anthropic.ToolParam{
			Name:        GradeToolName,
			Description: anthropic.String("Record the grading verdict for the submission."),
			InputSchema: anthropic.ToolInputSchemaParam{
				Properties: map[string]interface{}{
					"result": map[string]interface{}{
						"type":        "string",
						"description": "Categorical outcome, e.g. Pass or Fail",
					},
					"confidence": map[string]interface{}{
						"type":        "number",
						"description": "Confidence in the result between 0 and 1",
					},
					"reasoning": map[string]interface{}{
						"type":        "string",
						"description": "Why the result was chosen",
					},
					"feedback": map[string]interface{}{
						"type":        "string",
						"description": "Feedback addressed to the candidate",
					},
					"score": map[string]interface{}{
						"type":        "number",
						"description": "Optional numeric grade between 0 and 10",
					},
				},
				Required: []string{"result", "confidence", "reasoning"},
			},
		},
	}
}

// Evaluate sends p to the model and decodes the forced tool call into a verdict.
// Client errors other than timeouts and throttling are non-retryable.
func (c *Client) Evaluate(ctx context.Context, p models.Prompt) (v *models.Verdict, err error) {
	if p.Empty() {
		return nil, queue.NonRetryablef("engine: empty prompt")
	}
	model := c.model
	if p.Model != "" {
		model = c.TranslateModel(anthropic.Model(p.Model))
	}

	ctx, span := observability.StartSpan(ctx, "engine.evaluate", attribute.String("model", string(model)))
	defer func() { observability.EndSpan(span, err) }()

	params := anthropic.MessageNewParams{
		Model:     model,
		MaxTokens: c.maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(p.User)),
		},
		Tools:      []anthropic.ToolUnionParam{gradeTool()},
		ToolChoice: anthropic.ToolChoiceUnionParam{OfTool: &anthropic.ToolChoiceToolParam{Name: GradeToolName}},
	}
	if p.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: p.System}}
	}

	resp, err := c.inner.Messages.New(ctx, params)
	if err != nil {
		return nil, classify(err)
	}
	c.tracker.Add(resp.Usage.InputTokens, resp.Usage.OutputTokens)
	span.SetAttributes(
		attribute.Int64("tokens.input", resp.Usage.InputTokens),
		attribute.Int64("tokens.output", resp.Usage.OutputTokens),
	)
	return DecodeVerdict(resp.Content)
}

func classify(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		code := apiErr.StatusCode
		if code >= 400 && code < 500 && code != http.StatusRequestTimeout && code != http.StatusTooManyRequests {
			return queue.NonRetryable(fmt.Errorf("engine rejected request (%d): %w", code, err))
		}
	}
	return fmt.Errorf("engine call failed: %w", err)
}

type gradeInput struct {
	Result     string   `json:"result"`
	Confidence float64  `json:"confidence"`
	Reasoning  string   `json:"reasoning"`
	Feedback   string   `json:"feedback"`
	Score      *float64 `json:"score"`
}

// DecodeVerdict extracts the verdict from the grading tool call in blocks.
func DecodeVerdict(blocks []anthropic.ContentBlockUnion) (*models.Verdict, error) {
	for _, b := range blocks {
		if b.Type != "tool_use" || b.Name != GradeToolName {
			continue
		}
		var in gradeInput
		if err := json.Unmarshal(b.Input, &in); err != nil {
			return nil, fmt.Errorf("%w: decode tool input: %v", ErrNoVerdict, err)
		}
		if in.Result == "" {
			return nil, fmt.Errorf("%w: result is empty", ErrNoVerdict)
		}
		v := &models.Verdict{
			Result:     in.Result,
			Confidence: min(max(in.Confidence, 0), 1),
			Reasoning:  in.Reasoning,
			Feedback:   in.Feedback,
		}
		if in.Score != nil {
			s := min(max(*in.Score, 0), 10)
			v.Score = &s
		}
		return v, nil
	}
	return nil, ErrNoVerdict
}
