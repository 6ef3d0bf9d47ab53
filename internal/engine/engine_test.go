package engine

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/ShayCichocki/gradeflow/internal/queue"
	"github.com/ShayCichocki/gradeflow/pkg/models"
)

const toolResponse = `{
  "id": "msg_01",
  "type": "message",
  "role": "assistant",
  "model": "claude-sonnet-4-20250514",
  "content": [
    {"type": "text", "text": "Grading now."},
    {"type": "tool_use", "id": "toolu_01", "name": "grade_submission",
     "input": {"result": "Pass", "confidence": 1.4, "reasoning": "meets the rule", "score": 8}}
  ],
  "stop_reason": "tool_use",
  "stop_sequence": null,
  "usage": {"input_tokens": 120, "output_tokens": 30}
}`

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := NewClient(context.Background(), ClientConfig{APIKey: "test-key", BaseURL: srv.URL, MaxRetries: 1})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c
}

func TestEvaluate(t *testing.T) {
	var body map[string]any
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/v1/messages") {
			t.Errorf("path = %s", r.URL.Path)
		}
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, toolResponse)
	})

	v, err := c.Evaluate(context.Background(), models.Prompt{System: "You grade.", User: "Answer: 42"})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if v.Result != "Pass" || v.Reasoning != "meets the rule" {
		t.Errorf("verdict = %+v", v)
	}
	if v.Confidence != 1 {
		t.Errorf("confidence = %v, want clamped to 1", v.Confidence)
	}
	if v.Score == nil || *v.Score != 8 {
		t.Errorf("score = %v, want 8", v.Score)
	}

	choice, _ := body["tool_choice"].(map[string]any)
	if choice["name"] != GradeToolName {
		t.Errorf("tool_choice = %v", body["tool_choice"])
	}
	if in, out := c.Tracker().Total(); in != 120 || out != 30 {
		t.Errorf("tokens = %d/%d, want 120/30", in, out)
	}
}

func TestEvaluateClientErrorIsNonRetryable(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"type":"error","error":{"type":"invalid_request_error","message":"prompt is too long"}}`)
	})

	_, err := c.Evaluate(context.Background(), models.Prompt{User: "x"})
	if !queue.IsNonRetryable(err) {
		t.Errorf("error = %v, want non-retryable", err)
	}
}

func TestEvaluateServerErrorIsRetryable(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("x-should-retry", "false")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = io.WriteString(w, `{"type":"error","error":{"type":"api_error","message":"overloaded"}}`)
	})

	_, err := c.Evaluate(context.Background(), models.Prompt{User: "x"})
	if err == nil || queue.IsNonRetryable(err) {
		t.Errorf("error = %v, want retryable", err)
	}
}

func TestEvaluateEmptyPrompt(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("empty prompt reached the API")
	})
	if _, err := c.Evaluate(context.Background(), models.Prompt{}); !queue.IsNonRetryable(err) {
		t.Errorf("error = %v, want non-retryable", err)
	}
}

func TestDecodeVerdict(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr bool
		want    string
	}{
		{
			name:    "tool call",
			content: `[{"type":"tool_use","id":"t","name":"grade_submission","input":{"result":"Fail","confidence":0.7,"reasoning":"r"}}]`,
			want:    "Fail",
		},
		{
			name:    "text only",
			content: `[{"type":"text","text":"I think it passes"}]`,
			wantErr: true,
		},
		{
			name:    "other tool",
			content: `[{"type":"tool_use","id":"t","name":"lookup","input":{"result":"Pass"}}]`,
			wantErr: true,
		},
		{
			name:    "empty result",
			content: `[{"type":"tool_use","id":"t","name":"grade_submission","input":{"confidence":0.2,"reasoning":"r"}}]`,
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var blocks []anthropic.ContentBlockUnion
			if err := json.Unmarshal([]byte(tt.content), &blocks); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			v, err := DecodeVerdict(blocks)
			if tt.wantErr {
				if !errors.Is(err, ErrNoVerdict) {
					t.Errorf("error = %v, want ErrNoVerdict", err)
				}
				if queue.IsNonRetryable(err) {
					t.Error("missing verdict must stay retryable")
				}
				return
			}
			if err != nil {
				t.Fatalf("DecodeVerdict: %v", err)
			}
			if v.Result != tt.want {
				t.Errorf("result = %s, want %s", v.Result, tt.want)
			}
		})
	}
}

func TestNewClient_NoAPIKey(t *testing.T) {
	original := os.Getenv("ANTHROPIC_API_KEY")
	defer os.Setenv("ANTHROPIC_API_KEY", original)
	os.Unsetenv("ANTHROPIC_API_KEY")

	if _, err := NewClient(context.Background(), ClientConfig{}); err == nil {
		t.Fatal("NewClient should fail without API key")
	}
}

func TestNewClient_DefaultModel(t *testing.T) {
	c, err := NewClient(context.Background(), ClientConfig{APIKey: "k"})
	if err != nil {
		t.Fatal(err)
	}
	if c.Model() != anthropic.ModelClaudeSonnet4_20250514 {
		t.Errorf("Model = %s", c.Model())
	}
	if c.TranslateModel(anthropic.ModelClaudeHaiku4_5_20251001) != anthropic.ModelClaudeHaiku4_5_20251001 {
		t.Error("non-Bedrock client translated a model name")
	}
}

func TestTranslateModelForBedrock(t *testing.T) {
	got := translateModelForBedrock(anthropic.ModelClaudeSonnet4_20250514)
	if got != "us.anthropic.claude-sonnet-4-20250514-v1:0" {
		t.Errorf("translate = %s", got)
	}
	if translateModelForBedrock("custom-model") != "custom-model" {
		t.Error("unknown model should pass through")
	}
}

func TestTokenTracker(t *testing.T) {
	tracker := NewTokenTracker()
	tracker.Add(1_000_000, 1_000_000)
	tracker.Add(0, 0)

	if tracker.Calls() != 2 {
		t.Errorf("Calls = %d, want 2", tracker.Calls())
	}
	if cost := tracker.Cost(); cost != 18.0 {
		t.Errorf("Cost = %f, want 18", cost)
	}
}
