package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mohans/genqueue/job"
	"github.com/mohans/genqueue/queue"
)

type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, errCode, msg string) {
	var b errorBody
	b.Error.Code = errCode
	b.Error.Message = msg
	writeJSON(w, code, b)
}

func (a *App) createJob(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, a.opts.MaxBodyBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "body_too_large", err.Error())
		return
	}
	j, err := a.jobs.Create(r.Context(), body)
	switch {
	case errors.Is(err, job.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, job.ErrEnqueueFailed) && j != nil:
		// The record exists either way: FAILED with ENQUEUE_FAILED, or still
		// PENDING for the reconcile sweep. Pollers see the outcome via Get.
		a.log.Warn().Err(err).Str("job_id", j.ID).Str("status", string(j.Status)).Msg("job accepted but not queued")
		w.Header().Set("Location", "/v1/jobs/"+j.ID)
		setETag(w, j)
		writeJSON(w, http.StatusAccepted, j)
	case err != nil:
		a.log.Error().Err(err).Msg("create job failed")
		writeError(w, http.StatusInternalServerError, "internal", "could not create job")
	default:
		w.Header().Set("Location", "/v1/jobs/"+j.ID)
		setETag(w, j)
		writeJSON(w, http.StatusAccepted, j)
	}
}

func (a *App) getJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	since, conditional := parseETag(r.Header.Get("If-None-Match"))
	var (
		j        *job.Job
		modified = true
		err      error
	)
	if conditional {
		j, modified, err = a.jobs.GetIfModified(r.Context(), id, since)
	} else {
		j, err = a.jobs.Get(r.Context(), id)
	}
	switch {
	case errors.Is(err, job.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "job not found")
		return
	case err != nil:
		a.log.Error().Err(err).Str("job_id", id).Msg("get job failed")
		writeError(w, http.StatusInternalServerError, "internal", "could not load job")
		return
	}
	if !modified {
		w.Header().Set("ETag", r.Header.Get("If-None-Match"))
		w.WriteHeader(http.StatusNotModified)
		return
	}
	setETag(w, j)
	writeJSON(w, http.StatusOK, j)
}

func (a *App) cancelJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	j, err := a.jobs.Cancel(r.Context(), id)
	switch {
	case errors.Is(err, job.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "job not found")
	case errors.Is(err, job.ErrNotCancellable):
		writeError(w, http.StatusConflict, "not_cancellable", "job is not queued yet; retry shortly")
	case err != nil:
		a.log.Error().Err(err).Str("job_id", id).Msg("cancel job failed")
		writeError(w, http.StatusInternalServerError, "internal", "could not cancel job")
	default:
		setETag(w, j)
		writeJSON(w, http.StatusOK, j)
	}
}

// pushDelivery lets an external dispatcher hand a task to this process.
// 503 asks the dispatcher to redeliver.
func (a *App) pushDelivery(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, a.opts.MaxBodyBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "body_too_large", err.Error())
		return
	}
	p, err := queue.ParsePayload(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_payload", err.Error())
		return
	}
	d := queue.Delivery{Payload: p, TaskID: r.Header.Get("X-Task-ID")}
	if n, err := strconv.Atoi(r.Header.Get("X-Retry-Count")); err == nil {
		d.Retry = n
	}
	if dl, ok := r.Context().Deadline(); ok {
		d.Deadline = dl
	}
	if err := a.workers.Handle(r.Context(), d); err != nil {
		a.log.Warn().Err(err).Str("job_id", p.JobID).Int("attempt", p.Attempt).Msg("pushed delivery needs redelivery")
		w.Header().Set("Retry-After", "5")
		writeError(w, http.StatusServiceUnavailable, "retry", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ack"})
}

func setETag(w http.ResponseWriter, j *job.Job) {
	w.Header().Set("ETag", `"`+strconv.FormatInt(j.UpdatedAt.UnixNano(), 10)+`"`)
}

func parseETag(v string) (time.Time, bool) {
	v = strings.TrimPrefix(strings.TrimSpace(v), "W/")
	v = strings.Trim(v, `"`)
	if v == "" {
		return time.Time{}, false
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.Unix(0, n), true
}
