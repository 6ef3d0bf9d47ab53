package orchestrator

import (
	"time"

	"github.com/ShayCichocki/gradeflow/internal/engine"
	"github.com/ShayCichocki/gradeflow/internal/grading"
	"github.com/ShayCichocki/gradeflow/internal/interview"
	"github.com/ShayCichocki/gradeflow/internal/notify"
	"github.com/ShayCichocki/gradeflow/internal/queue"
	"github.com/ShayCichocki/gradeflow/internal/report"
)

// RequiredConfig contains the minimal required configuration for an Orchestrator.
// All fields are required and have no defaults.
type RequiredConfig struct {
	// Backends is the infrastructure to run on.
	Backends Backends
	// Engine grades every sub-task.
	Engine engine.Engine
}

// Option configures an Orchestrator. Use With* functions to create Options.
type Option func(*orchestratorOptions)

type orchestratorOptions struct {
	fetcher       grading.Fetcher
	prompts       grading.PromptBuilder
	rules         grading.RuleSource
	uploader      report.Uploader
	sessionSystem string
	sessionUser   string
	policy        queue.Policy
	concurrency   int
	batchSize     int
	notifyDelay   func() time.Duration
	expiration    func() interview.ExpirationConfig
	sender        []notify.SenderOption
	roles         []Role
	now           func() time.Time
}

func defaultOptions() orchestratorOptions {
	return orchestratorOptions{
		policy:      queue.DefaultPolicy(),
		concurrency: 8,
		batchSize:   queue.MaxBatchSend,
		notifyDelay: func() time.Duration { return 0 },
		expiration: func() interview.ExpirationConfig {
			return interview.ExpirationConfig{DefaultDuration: 60, Multiplier: 1}
		},
		roles: AllRoles,
		now:   time.Now,
	}
}

// WithFetcher sets how submission links are downloaded.
func WithFetcher(f grading.Fetcher) Option {
	return func(o *orchestratorOptions) { o.fetcher = f }
}

// WithPrompts sets the grading prompt builder.
func WithPrompts(p grading.PromptBuilder) Option {
	return func(o *orchestratorOptions) { o.prompts = p }
}

// WithRules sets where rules are looked up for orders that carry none.
func WithRules(r grading.RuleSource) Option {
	return func(o *orchestratorOptions) { o.rules = r }
}

// WithUploader enables batch reports.
func WithUploader(u report.Uploader) Option {
	return func(o *orchestratorOptions) { o.uploader = u }
}

// WithSessionPrompts overrides the interview question prompt templates.
func WithSessionPrompts(system, user string) Option {
	return func(o *orchestratorOptions) {
		o.sessionSystem = system
		o.sessionUser = user
	}
}

// WithPolicy sets the retry policy of the tasks queue.
func WithPolicy(p queue.Policy) Option {
	return func(o *orchestratorOptions) { o.policy = p }
}

// WithConcurrency sets how many deliveries of a batch are handled at once.
func WithConcurrency(n int) Option {
	return func(o *orchestratorOptions) { o.concurrency = n }
}

// WithBatchSize sets how many messages a consumer receives at once.
func WithBatchSize(n int) Option {
	return func(o *orchestratorOptions) { o.batchSize = n }
}

// WithNotificationDelay sets the default notification delay. It is read on
// every notification so a reloaded configuration applies immediately.
func WithNotificationDelay(f func() time.Duration) Option {
	return func(o *orchestratorOptions) { o.notifyDelay = f }
}

// WithExpiration sets the session expiration configuration, read on every
// started session.
func WithExpiration(f func() interview.ExpirationConfig) Option {
	return func(o *orchestratorOptions) { o.expiration = f }
}

// WithSenderOptions configures the callback HTTP client.
func WithSenderOptions(opts ...notify.SenderOption) Option {
	return func(o *orchestratorOptions) { o.sender = append(o.sender, opts...) }
}

// WithRoles restricts which loops Run starts.
func WithRoles(roles ...Role) Option {
	return func(o *orchestratorOptions) { o.roles = roles }
}

// WithClock overrides the time source used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *orchestratorOptions) { o.now = now }
}
