package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodbstreams"
	"github.com/aws/aws-sdk-go-v2/service/sfn"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	kgo "github.com/segmentio/kafka-go"

	"github.com/ShayCichocki/gradeflow/internal/config"
	"github.com/ShayCichocki/gradeflow/internal/engine"
	"github.com/ShayCichocki/gradeflow/internal/feed"
	"github.com/ShayCichocki/gradeflow/internal/grading"
	"github.com/ShayCichocki/gradeflow/internal/notify"
	"github.com/ShayCichocki/gradeflow/internal/orchestrator"
	"github.com/ShayCichocki/gradeflow/internal/queue"
	"github.com/ShayCichocki/gradeflow/internal/report"
	"github.com/ShayCichocki/gradeflow/internal/state"
	"github.com/ShayCichocki/gradeflow/internal/store"
	"github.com/ShayCichocki/gradeflow/internal/timer"
	"github.com/ShayCichocki/gradeflow/pkg/models"
)

// feedCursor names the SQLite outbox position of the stream role.
const feedCursor = "gradeflow"

// backendSet is what buildBackends produced, plus the handles commands
// like dlq and cleanup need directly.
type backendSet struct {
	orchestrator.Backends
	db *state.DB
}

// buildBackends assembles the store, queues, timers and feed named by cfg.
func buildBackends(ctx context.Context, cfg *config.Config) (*backendSet, error) {
	var (
		set     backendSet
		closers []func() error
		awsCfg  *aws.Config
	)
	set.Close = func() error {
		var errs []error
		for i := len(closers) - 1; i >= 0; i-- {
			errs = append(errs, closers[i]())
		}
		return errors.Join(errs...)
	}
	fail := func(err error) (*backendSet, error) {
		_ = set.Close()
		return nil, err
	}
	openDB := func() (*state.DB, error) {
		if set.db != nil {
			return set.db, nil
		}
		path := cfg.Store.SQLitePath
		if path == "" {
			path = state.DefaultDBPath()
		}
		db, err := state.Open(path)
		if err != nil {
			return nil, err
		}
		if err := db.Migrate(); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate %s: %w", path, err)
		}
		log.Printf("[config] using sqlite database %s", path)
		set.db = db
		closers = append(closers, db.Close)
		return db, nil
	}
	loadAWS := func() (aws.Config, error) {
		if awsCfg != nil {
			return *awsCfg, nil
		}
		c, err := loadAWSConfig(ctx, cfg.AWS)
		if err != nil {
			return aws.Config{}, err
		}
		awsCfg = &c
		return c, nil
	}

	switch cfg.Store.Backend {
	case config.BackendMemory:
		s := store.NewMemory()
		set.Store = s
		set.Feed = feed.NewMemorySource(s)
	case config.BackendSQLite:
		db, err := openDB()
		if err != nil {
			return fail(err)
		}
		set.Store = store.NewSQLite(db)
		set.Feed = feed.NewSQLiteOutbox(db, feedCursor, cfg.Store.PollInterval)
	case config.BackendAWS:
		c, err := loadAWS()
		if err != nil {
			return fail(err)
		}
		set.Store = store.NewDynamo(dynamodb.NewFromConfig(c, func(o *dynamodb.Options) {
			if cfg.AWS.Endpoint != "" {
				o.BaseEndpoint = aws.String(cfg.AWS.Endpoint)
			}
		}), cfg.Store.Table)
		if cfg.Store.StreamARN != "" {
			streams := dynamodbstreams.NewFromConfig(c, func(o *dynamodbstreams.Options) {
				if cfg.AWS.Endpoint != "" {
					o.BaseEndpoint = aws.String(cfg.AWS.Endpoint)
				}
			})
			set.Feed = feed.NewDynamoStream(streams, cfg.Store.StreamARN, false)
		}
	default:
		return fail(fmt.Errorf("unknown store backend %q", cfg.Store.Backend))
	}

	switch cfg.Queue.Backend {
	case config.BackendMemory:
		set.Tasks = queue.NewMemory()
		set.Notifications = queue.NewMemory()
	case config.BackendSQLite:
		db, err := openDB()
		if err != nil {
			return fail(err)
		}
		set.Tasks = queue.NewSQLite(db, orchestrator.QueueTasks)
		set.Notifications = queue.NewSQLite(db, orchestrator.QueueNotifications)
	case config.BackendAWS:
		c, err := loadAWS()
		if err != nil {
			return fail(err)
		}
		client := sqs.NewFromConfig(c, func(o *sqs.Options) {
			if cfg.AWS.Endpoint != "" {
				o.BaseEndpoint = aws.String(cfg.AWS.Endpoint)
			}
		})
		set.Tasks = queue.NewSQS(client, cfg.Queue.TasksURL, cfg.Queue.TasksDeadLetterURL)
		set.Notifications = queue.NewSQS(client, cfg.Queue.NotificationsURL, cfg.Queue.NotificationsDeadLetterURL)
	case config.BackendKafka:
		brokers := queue.SplitBrokers(cfg.Queue.Brokers)
		for _, q := range []struct {
			topic string
			dst   *orchestrator.Queue
		}{
			{cfg.Queue.TasksTopic, &set.Tasks},
			{cfg.Queue.NotificationsTopic, &set.Notifications},
		} {
			k, err := queue.NewKafka(queue.KafkaConfig{Brokers: brokers, Topic: q.topic, GroupID: cfg.Queue.GroupID})
			if err != nil {
				return fail(err)
			}
			closers = append(closers, k.Close)
			*q.dst = k
		}
	default:
		return fail(fmt.Errorf("unknown queue backend %q", cfg.Queue.Backend))
	}

	targets := set.Targets()
	switch cfg.Timer.Backend {
	case config.BackendMemory:
		m := timer.NewMemory(targets, time.Now())
		set.Timers = m
		set.Relay = orchestrator.MemoryRelay(m, cfg.Timer.Interval)
	case config.BackendSQLite:
		db, err := openDB()
		if err != nil {
			return fail(err)
		}
		t := timer.NewSQLite(db)
		set.Timers = t
		set.Relay = func(ctx context.Context) error { return t.Run(ctx, targets, cfg.Timer.Interval) }
	case config.BackendAWS:
		c, err := loadAWS()
		if err != nil {
			return fail(err)
		}
		client := sfn.NewFromConfig(c, func(o *sfn.Options) {
			if cfg.AWS.Endpoint != "" {
				o.BaseEndpoint = aws.String(cfg.AWS.Endpoint)
			}
		})
		sf := timer.NewStepFunctions(client, cfg.Timer.StateMachineARN, map[string]string{
			orchestrator.QueueTasks:         cfg.Queue.TasksURL,
			orchestrator.QueueNotifications: cfg.Queue.NotificationsURL,
		})
		// Short delays ride on the queue's own delivery delay.
		set.Timers = timer.NewDirect(targets, sf)
	case config.BackendKafka:
		brokers := queue.SplitBrokers(cfg.Queue.Brokers)
		writer := queue.NewKafkaWriter(brokers, cfg.Timer.Topic)
		k := timer.NewKafka(writer)
		closers = append(closers, writer.Close)
		set.Timers = k
		set.Relay = func(ctx context.Context) error {
			reader := kgo.NewReader(kgo.ReaderConfig{
				Brokers: brokers,
				Topic:   cfg.Timer.Topic,
				GroupID: cfg.Queue.GroupID + ".timers",
			})
			defer reader.Close()
			return timer.NewKafkaRelay(reader, k, targets).Run(ctx)
		}
	default:
		return fail(fmt.Errorf("unknown timer backend %q", cfg.Timer.Backend))
	}
	return &set, nil
}

func loadAWSConfig(ctx context.Context, c config.AWSConfig) (aws.Config, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if c.Region != "" {
		opts = append(opts, awsconfig.WithRegion(c.Region))
	}
	if c.Profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(c.Profile))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("load aws config: %w", err)
	}
	return cfg, nil
}

// newEngine returns the Claude client, or a placeholder that fails every
// call for processes that never grade.
func newEngine(ctx context.Context, cfg *config.Config, needed bool) (engine.Engine, error) {
	if !needed {
		return engine.Func(func(context.Context, models.Prompt) (*models.Verdict, error) {
			return nil, errors.New("no grading engine in this process")
		}), nil
	}
	ccfg := cfg.Anthropic
	key, source, err := config.APIKey(cfg)
	if err != nil {
		return nil, err
	}
	ccfg.APIKey = key
	client, err := engine.NewClient(ctx, ccfg)
	if err != nil {
		return nil, fmt.Errorf("create engine: %w", err)
	}
	log.Printf("[engine] model %s, key from %s", client.Model(), source)
	go func() {
		<-ctx.Done()
		t := client.Tracker()
		in, out := t.Total()
		log.Printf("[engine] %d calls, %d input / %d output tokens, ~$%.2f", t.Calls(), in, out, t.Cost())
	}()
	return client, nil
}

// newOrchestrator builds an orchestrator for roles on the backends of the
// live configuration. Notification delay and session expiration follow
// config reloads.
func newOrchestrator(ctx context.Context, roles ...orchestrator.Role) (*orchestrator.Orchestrator, *backendSet, error) {
	cfg := live.Current()
	set, err := buildBackends(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	o, err := assemble(ctx, cfg, set, roles)
	if err != nil {
		_ = set.Close()
		return nil, nil, err
	}
	return o, set, nil
}

func assemble(ctx context.Context, cfg *config.Config, set *backendSet, roles []orchestrator.Role) (*orchestrator.Orchestrator, error) {
	grades := false
	for _, r := range roles {
		if r == orchestrator.RoleTasks {
			grades = true
		}
	}
	e, err := newEngine(ctx, cfg, grades)
	if err != nil {
		return nil, err
	}
	prompts, err := grading.NewTemplateBuilder(cfg.Grading.Prompts)
	if err != nil {
		return nil, fmt.Errorf("grading prompts: %w", err)
	}
	opts := []orchestrator.Option{
		orchestrator.WithRoles(roles...),
		orchestrator.WithPrompts(prompts),
		orchestrator.WithFetcher(grading.NewHTTPFetcher(cfg.Grading.FetchTimeout)),
		orchestrator.WithSessionPrompts(cfg.Sessions.SystemPrompt, cfg.Sessions.UserPrompt),
		orchestrator.WithPolicy(cfg.Retries.Policy()),
		orchestrator.WithConcurrency(cfg.Worker.Concurrency),
		orchestrator.WithBatchSize(cfg.Worker.BatchSize),
		orchestrator.WithNotificationDelay(live.NotificationDelay),
		orchestrator.WithExpiration(live.Expiration),
		orchestrator.WithSenderOptions(notify.WithTimeout(cfg.Notifications.Timeout)),
	}
	if cfg.Grading.RulesFile != "" {
		rules, err := grading.LoadFileRules(cfg.Grading.RulesFile)
		if err != nil {
			return nil, err
		}
		opts = append(opts, orchestrator.WithRules(rules))
		go watchRules(ctx, cfg.Grading.RulesFile, rules)
	}
	uploader, err := report.NewUploader(ctx, cfg.Reports)
	if err != nil {
		return nil, fmt.Errorf("reports: %w", err)
	}
	opts = append(opts, orchestrator.WithUploader(uploader))

	live.OnChange(func(c *config.Config) {
		log.Printf("[config] notification delay %s, session duration %dm x%.2f",
			c.Notifications.Delay, c.Sessions.DefaultDuration, c.Sessions.Multiplier)
	})
	return orchestrator.NewOrchestrator(orchestrator.RequiredConfig{Backends: set.Backends, Engine: e}, opts...)
}

func watchRules(ctx context.Context, path string, rules *grading.FileRules) {
	err := config.WatchFile(ctx, path, func() {
		if err := rules.Reload(); err != nil {
			log.Printf("[grading] keeping previous rules: %v", err)
			return
		}
		log.Printf("[grading] reloaded rules from %s", path)
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("[grading] rules watcher stopped: %v", err)
	}
}
