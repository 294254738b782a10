package job

import (
	"encoding/json"
	"time"
)

// Status represents the lifecycle state of a job.
// Kept as string for readability in storage and on the wire.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusQueued     Status = "QUEUED"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusCancelled  Status = "CANCELLED"
)

// ErrorCode classifies a terminal failure.
type ErrorCode string

const (
	CodeEnqueueFailed     ErrorCode = "ENQUEUE_FAILED"
	CodeGeneratorFailed   ErrorCode = "GENERATOR_FAILED"
	CodeAttemptsExhausted ErrorCode = "ATTEMPTS_EXHAUSTED"
	CodeInternal          ErrorCode = "INTERNAL"
)

// Progress is the fine-grained progress of a running job.
type Progress struct {
	CurrentStep    string   `json:"current_step"`
	TotalSteps     int      `json:"total_steps"`
	Percentage     float64  `json:"percentage"`
	CompletedSteps []string `json:"completed_steps"`
}

// ErrorInfo is the structured error of a FAILED job.
type ErrorInfo struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Details string    `json:"details,omitempty"`
}

// Job is the persisted representation of one generation request.
type Job struct {
	ID           string          `json:"id"`
	Status       Status          `json:"status"`
	Request      json.RawMessage `json:"request"`
	Progress     Progress        `json:"progress"`
	Result       json.RawMessage `json:"result,omitempty"`
	Error        *ErrorInfo      `json:"error,omitempty"`
	AttemptCount int             `json:"attempt_count"`
	Version      int64           `json:"version"` // optimistic concurrency token
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
}

// Clone returns a deep copy so callers can mutate without aliasing stored state.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	c.Request = cloneRaw(j.Request)
	c.Result = cloneRaw(j.Result)
	if j.Progress.CompletedSteps != nil {
		c.Progress.CompletedSteps = append([]string(nil), j.Progress.CompletedSteps...)
	}
	if j.Error != nil {
		e := *j.Error
		c.Error = &e
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// Touch advances UpdatedAt and Version. UpdatedAt strictly increases even
// when the wall clock does not.
func (j *Job) Touch(now time.Time) {
	now = now.UTC()
	if !now.After(j.UpdatedAt) {
		now = j.UpdatedAt.Add(time.Nanosecond)
	}
	j.UpdatedAt = now
	j.Version++
}

func cloneRaw(b json.RawMessage) json.RawMessage {
	if b == nil {
		return nil
	}
	return append(json.RawMessage(nil), b...)
}
