package timer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sfn"
	"github.com/aws/aws-sdk-go-v2/service/sfn/types"

	"github.com/ShayCichocki/gradeflow/pkg/models"
)

// StateMachineDefinition is the Amazon States Language for the timer state
// machine StepFunctions starts: wait, then send the message to the queue.
const StateMachineDefinition = `{
  "Comment": "gradeflow durable timer",
  "StartAt": "Wait",
  "States": {
    "Wait": {
      "Type": "Wait",
      "SecondsPath": "$.delaySeconds",
      "Next": "Send"
    },
    "Send": {
      "Type": "Task",
      "Resource": "arn:aws:states:::sqs:sendMessage",
      "Parameters": {
        "QueueUrl.$": "$.queueUrl",
        "MessageBody.$": "$.message"
      },
      "End": true
    }
  }
}`

const maxExecutionName = 80

// SFNAPI is the part of the Step Functions client used by StepFunctions.
type SFNAPI interface {
	StartExecution(ctx context.Context, in *sfn.StartExecutionInput, optFns ...func(*sfn.Options)) (*sfn.StartExecutionOutput, error)
}

// StepFunctions runs one execution of the timer state machine per timer.
// Execution names are unique per state machine, which makes Schedule idempotent.
type StepFunctions struct {
	client          SFNAPI
	stateMachineARN string
	queueURLs       map[string]string
}

// NewStepFunctions returns a scheduler starting executions of stateMachineARN.
// queueURLs maps target names to SQS queue URLs.
func NewStepFunctions(client SFNAPI, stateMachineARN string, queueURLs map[string]string) *StepFunctions {
	return &StepFunctions{client: client, stateMachineARN: stateMachineARN, queueURLs: queueURLs}
}

type executionInput struct {
	DelaySeconds int64          `json:"delaySeconds"`
	QueueURL     string         `json:"queueUrl"`
	Message      models.Message `json:"message"`
}

func (s *StepFunctions) Schedule(ctx context.Context, name, target string, msg models.Message, delay time.Duration) error {
	url, ok := s.queueURLs[target]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownTarget, target)
	}
	in, err := json.Marshal(executionInput{
		DelaySeconds: int64(delay / time.Second),
		QueueURL:     url,
		Message:      msg,
	})
	if err != nil {
		return fmt.Errorf("encode execution input: %w", err)
	}

	_, err = s.client.StartExecution(ctx, &sfn.StartExecutionInput{
		StateMachineArn: aws.String(s.stateMachineARN),
		Name:            aws.String(ExecutionName(name)),
		Input:           aws.String(string(in)),
	})
	var exists *types.ExecutionAlreadyExists
	if errors.As(err, &exists) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("start timer %s: %w", name, err)
	}
	return nil
}

// ExecutionName maps name onto the characters and length Step Functions
// accepts. Names that must be shortened keep a hash of the original.
func ExecutionName(name string) string {
	clean := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '-'
	}, name)
	if len(clean) <= maxExecutionName && clean == name {
		return clean
	}
	sum := sha256.Sum256([]byte(name))
	suffix := hex.EncodeToString(sum[:8])
	keep := min(len(clean), maxExecutionName-len(suffix)-1)
	return clean[:keep] + "-" + suffix
}
