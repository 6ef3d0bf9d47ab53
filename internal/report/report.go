// Package report renders completed grading batches as CSV and stores them.
package report

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/ShayCichocki/gradeflow/internal/grading"
	"github.com/ShayCichocki/gradeflow/internal/store"
	"github.com/ShayCichocki/gradeflow/pkg/models"
)

// Uploader stores a report and returns its location.
type Uploader interface {
	Upload(ctx context.Context, name string, data []byte) (string, error)
}

// Config selects where reports go. An empty endpoint writes to Dir.
type Config struct {
	Endpoint  string `mapstructure:"endpoint"`
	Bucket    string `mapstructure:"bucket"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Region    string `mapstructure:"region"`
	UseSSL    bool   `mapstructure:"use_ssl"`
	Dir       string `mapstructure:"dir"`
}

// NewUploader returns the uploader selected by cfg.
func NewUploader(ctx context.Context, cfg Config) (Uploader, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		dir := cfg.Dir
		if dir == "" {
			dir = "reports"
		}
		return Dir(dir), nil
	}
	return NewMinio(ctx, cfg)
}

// Minio uploads to an S3-compatible bucket.
type Minio struct {
	client *minio.Client
	bucket string
}

// NewMinio connects to cfg.Endpoint and creates the bucket if needed.
func NewMinio(ctx context.Context, cfg Config) (*Minio, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		bucket = "gradeflow-reports"
	}
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", bucket, err)
		}
	}
	return &Minio{client: client, bucket: bucket}, nil
}

func (m *Minio) Upload(ctx context.Context, name string, data []byte) (string, error) {
	_, err := m.client.PutObject(ctx, m.bucket, name, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "text/csv"})
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", name, err)
	}
	return "s3://" + m.bucket + "/" + name, nil
}

// Dir writes reports below a local directory.
type Dir string

func (d Dir) Upload(_ context.Context, name string, data []byte) (string, error) {
	path := filepath.Join(string(d), filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("create report directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("write report: %w", err)
	}
	return path, nil
}

// Batches builds and stores batch reports.
type Batches struct {
	store    store.Store
	uploader Uploader
	now      func() time.Time
}

// NewBatches returns a batch reporter.
func NewBatches(s store.Store, u Uploader) *Batches {
	return &Batches{store: s, uploader: u, now: time.Now}
}

// Report writes the CSV of batch and records its location on the batch.
// A batch that already has a report is left alone.
func (b *Batches) Report(ctx context.Context, batch models.Batch) error {
	if batch.ReportLocation != "" {
		return nil
	}
	tasks, err := grading.BatchTasks(ctx, b.store, batch)
	if err != nil {
		return fmt.Errorf("load tasks of batch %s: %w", batch.ID, err)
	}
	var buf bytes.Buffer
	if err := WriteCSV(&buf, tasks); err != nil {
		return err
	}
	location, err := b.uploader.Upload(ctx, "batches/"+batch.ID+".csv", buf.Bytes())
	if err != nil {
		return err
	}
	_, err = b.store.Update(ctx, batch.Key, store.Update{
		Set: map[string]any{
			"reportLocation":       location,
			models.FieldModifiedAt: b.now().UTC(),
		},
		Conditions: []store.Condition{store.Missing("reportLocation")},
	})
	if err != nil && !store.IsConditionFailed(err) {
		return fmt.Errorf("record report of batch %s: %w", batch.ID, err)
	}
	log.Printf("[report] batch %s report at %s", batch.ID, location)
	return nil
}

var header = []string{"taskId", "applicationStepResultId", "status", "ruleId", "ruleName", "result", "confidence", "reasoning", "feedback", "error"}

// WriteCSV writes one row per task rule result; tasks without results get a
// single row carrying their status and error.
func WriteCSV(w io.Writer, tasks []models.GradingTask) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(header); err != nil {
		return err
	}
	for _, t := range tasks {
		if len(t.Results) == 0 {
			row := []string{t.ID, t.ApplicationStepResultID, string(t.Status), "", "", "", "", "", "", t.Error}
			if err := cw.Write(row); err != nil {
				return err
			}
			continue
		}
		for _, r := range t.Results {
			row := []string{
				t.ID, t.ApplicationStepResultID, string(t.Status),
				r.RuleID, r.RuleName, r.Result,
				strconv.FormatFloat(r.Confidence, 'f', 2, 64),
				r.Reasoning, r.Feedback, t.Error,
			}
			if err := cw.Write(row); err != nil {
				return err
			}
		}
	}
	cw.Flush()
	return cw.Error()
}
