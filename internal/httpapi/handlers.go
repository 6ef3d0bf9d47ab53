package httpapi

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ShayCichocki/gradeflow/internal/grading"
	"github.com/ShayCichocki/gradeflow/internal/interview"
	"github.com/ShayCichocki/gradeflow/internal/store"
	"github.com/ShayCichocki/gradeflow/pkg/models"
)

// maxBody bounds request bodies.
const maxBody = 1 << 20

type orderResponse struct {
	TaskID string `json:"taskId"`
}

type batchResponse struct {
	BatchID string   `json:"batchId"`
	TaskIDs []string `json:"taskIds"`
}

type taskResponse struct {
	Task     *models.GradingTask `json:"task"`
	SubTasks []models.SubTask    `json:"subTasks"`
}

type sessionResponse struct {
	Session  *models.Session  `json:"session"`
	SubTasks []models.SubTask `json:"subTasks,omitempty"`
}

// CompleteRequest carries the answers keyed by question id.
type CompleteRequest struct {
	Answers map[string]string `json:"answers"`
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, grading.ErrInvalidOrder), errors.Is(err, interview.ErrInvalidSession):
		status = http.StatusBadRequest
	case errors.Is(err, interview.ErrInvalidTransition):
		status = http.StatusConflict
	}
	msg := err.Error()
	if status == http.StatusInternalServerError {
		log.Printf("[api] %s %s: %v", r.Method, r.URL.Path, err)
		msg = "internal error"
	}
	writeJSON(w, status, map[string]string{"error": msg})
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON: " + err.Error()})
		return false
	}
	return true
}

func (a *App) createOrder(w http.ResponseWriter, r *http.Request) {
	var req grading.OrderRequest
	if !decode(w, r, &req) {
		return
	}
	task, err := a.Grading.Order(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, orderResponse{TaskID: task.ID})
}

func (a *App) createBatch(w http.ResponseWriter, r *http.Request) {
	var req grading.BatchRequest
	if !decode(w, r, &req) {
		return
	}
	batch, tasks, err := a.Grading.OrderBatch(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	resp := batchResponse{BatchID: batch.ID, TaskIDs: make([]string, len(tasks))}
	for i, t := range tasks {
		resp.TaskIDs[i] = t.ID
	}
	writeJSON(w, http.StatusAccepted, resp)
}

func (a *App) getTask(w http.ResponseWriter, r *http.Request) {
	task, subs, err := a.Grading.Task(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, taskResponse{Task: task, SubTasks: subs})
}

func (a *App) getBatch(w http.ResponseWriter, r *http.Request) {
	batch, err := a.Grading.Batch(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, batch)
}

func (a *App) createSession(w http.ResponseWriter, r *http.Request) {
	var req interview.CreateRequest
	if !decode(w, r, &req) {
		return
	}
	sess, err := a.Sessions.Create(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sessionResponse{Session: sess})
}

func (a *App) getSession(w http.ResponseWriter, r *http.Request) {
	sess, subs, err := a.Sessions.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{Session: sess, SubTasks: subs})
}

func (a *App) startSession(w http.ResponseWriter, r *http.Request) {
	if err := a.Sessions.Start(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) completeSession(w http.ResponseWriter, r *http.Request) {
	var req CompleteRequest
	if !decode(w, r, &req) {
		return
	}
	if err := a.Sessions.Complete(r.Context(), chi.URLParam(r, "id"), req.Answers); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
