// Package httpapi exposes grading orders and interview sessions over HTTP.
package httpapi

import (
	"context"

	"github.com/ShayCichocki/gradeflow/internal/grading"
	"github.com/ShayCichocki/gradeflow/internal/interview"
	"github.com/ShayCichocki/gradeflow/pkg/models"
)

// GradingService creates and reads grading tasks.
type GradingService interface {
	Order(ctx context.Context, req grading.OrderRequest) (*models.GradingTask, error)
	OrderBatch(ctx context.Context, req grading.BatchRequest) (*models.Batch, []*models.GradingTask, error)
	Task(ctx context.Context, id string) (*models.GradingTask, []models.SubTask, error)
	Batch(ctx context.Context, id string) (*models.Batch, error)
}

// SessionService drives interview sessions.
type SessionService interface {
	Create(ctx context.Context, req interview.CreateRequest) (*models.Session, error)
	Start(ctx context.Context, id string) error
	Complete(ctx context.Context, id string, answers map[string]string) error
	Get(ctx context.Context, id string) (*models.Session, []models.SubTask, error)
}

// App holds the handler dependencies.
type App struct {
	Grading  GradingService
	Sessions SessionService
}
