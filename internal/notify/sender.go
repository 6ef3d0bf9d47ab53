package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/ShayCichocki/gradeflow/internal/queue"
	"github.com/ShayCichocki/gradeflow/pkg/models"
)

// DefaultTimeout bounds one callback request.
const DefaultTimeout = 2 * time.Minute

// ErrRejected is returned when the callback answered without {"success": true}.
var ErrRejected = errors.New("notify: callback did not report success")

// Sender performs the callback requests.
type Sender struct {
	client *retryablehttp.Client
}

// SenderOption configures a Sender.
type SenderOption func(*retryablehttp.Client)

// WithTimeout overrides DefaultTimeout.
func WithTimeout(d time.Duration) SenderOption {
	return func(c *retryablehttp.Client) { c.HTTPClient.Timeout = d }
}

// WithTransportRetries sets the number of immediate retries on connection
// errors and 5xx responses. Longer backoff is left to the queue.
func WithTransportRetries(n int) SenderOption {
	return func(c *retryablehttp.Client) { c.RetryMax = n }
}

// NewSender returns a sender with a two minute timeout and two transport retries.
func NewSender(opts ...SenderOption) *Sender {
	c := retryablehttp.NewClient()
	c.HTTPClient.Timeout = DefaultTimeout
	c.RetryMax = 2
	c.RetryWaitMin = 500 * time.Millisecond
	c.RetryWaitMax = 5 * time.Second
	c.Logger = nil
	for _, opt := range opts {
		opt(c)
	}
	return &Sender{client: c}
}

type callbackResponse struct {
	Success bool `json:"success"`
}

// Send delivers n. Only a response body carrying {"success": true} counts.
func (s *Sender) Send(ctx context.Context, n models.Notification) error {
	method := n.Method
	if method == "" {
		method = http.MethodPost
	}
	body, err := json.Marshal(n.Payload)
	if err != nil {
		return queue.NonRetryable(fmt.Errorf("encode notification: %w", err))
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, n.CallbackURL, bytes.NewReader(body))
	if err != nil {
		return queue.NonRetryable(fmt.Errorf("build callback request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("callback %s %s: %w", method, n.CallbackURL, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read callback response: %w", err)
	}
	var out callbackResponse
	if err := json.Unmarshal(raw, &out); err != nil || !out.Success {
		return fmt.Errorf("%w: status %d body %q", ErrRejected, resp.StatusCode, truncate(string(raw), 200))
	}
	return nil
}

// Handle is the send-notification queue handler.
func (s *Sender) Handle(ctx context.Context, msg models.Message) error {
	if msg.Notification == nil {
		return queue.NonRetryablef("message %s carries no notification", msg.ID)
	}
	n := *msg.Notification
	if err := s.Send(ctx, n); err != nil {
		return err
	}
	log.Printf("[notify] delivered %s for %s", n.Payload.Status, n.Payload.AssessmentID)
	return nil
}

// Register adds the send-notification handler to a consumer.
func (s *Sender) Register(cons *queue.Consumer) {
	cons.Handle(models.MessageSendNotification, queue.NotificationPolicy(), s.Handle)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
