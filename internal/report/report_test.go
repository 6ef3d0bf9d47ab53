package report

import (
	"bytes"
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"

	"github.com/ShayCichocki/gradeflow/internal/store"
	"github.com/ShayCichocki/gradeflow/pkg/models"
)

func TestWriteCSV(t *testing.T) {
	graded := models.GradingTask{ID: "t1", Status: models.TaskStatusDone, Results: []models.RuleResult{
		{RuleID: "r1", RuleName: "Clarity", Verdict: models.Verdict{Result: "Pass", Confidence: 0.9, Reasoning: "clear, concise"}},
		{RuleID: "r2", RuleName: "Depth", Verdict: models.Verdict{Result: "Unknown", Confidence: 1}},
	}}
	failed := models.GradingTask{ID: "t2", Status: models.TaskStatusError, Error: "no sections"}

	var buf bytes.Buffer
	if err := WriteCSV(&buf, []models.GradingTask{graded, failed}); err != nil {
		t.Fatal(err)
	}
	rows, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 4 {
		t.Fatalf("rows = %d, want header + 3", len(rows))
	}
	if rows[1][3] != "r1" || rows[1][6] != "0.90" || rows[1][7] != "clear, concise" {
		t.Errorf("row 1 = %v", rows[1])
	}
	if rows[3][0] != "t2" || rows[3][2] != "error" || rows[3][9] != "no sections" {
		t.Errorf("row 3 = %v", rows[3])
	}
}

func TestBatchReport(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	dir := t.TempDir()

	batch := models.NewBatch(1, models.BatchData{})
	task := models.NewGradingTask(models.ModeUnstructured, nil)
	task.BatchID = batch.ID
	task.Status = models.TaskStatusDone
	batch.TaskIDs = []string{task.ID}
	other := models.NewGradingTask(models.ModeUnstructured, nil)
	if err := store.PutDocs(ctx, s, batch, task, other); err != nil {
		t.Fatal(err)
	}

	r := NewBatches(s, Dir(dir))
	if err := r.Report(ctx, *batch); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, "batches", batch.ID+".csv")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	rows, err := csv.NewReader(bytes.NewReader(data)).ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 2 || rows[1][0] != task.ID {
		t.Errorf("rows = %v", rows)
	}

	stored, err := store.GetAs[models.Batch](ctx, s, batch.Key)
	if err != nil {
		t.Fatal(err)
	}
	if stored.ReportLocation != path {
		t.Errorf("reportLocation = %q, want %q", stored.ReportLocation, path)
	}
	if err := r.Report(ctx, *stored); err != nil {
		t.Fatalf("second report: %v", err)
	}
}

func TestNewUploaderDefaultsToDir(t *testing.T) {
	u, err := NewUploader(context.Background(), Config{Dir: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := u.(Dir); !ok {
		t.Errorf("uploader = %T, want Dir", u)
	}
}
