package job

import "fmt"

var transitions = map[Status][]Status{
	StatusPending:    {StatusQueued, StatusFailed},
	StatusQueued:     {StatusQueued, StatusProcessing, StatusCancelled},
	StatusProcessing: {StatusProcessing, StatusQueued, StatusCompleted, StatusFailed, StatusCancelled},
}

// Terminal reports whether no further transition is possible from s.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusQueued, StatusProcessing, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// CanTransition reports whether from -> to is an edge of the job state machine.
// Self-edges on QUEUED and PROCESSING model in-place writes (progress,
// reconciliation touch) that keep the status unchanged.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// CheckTransition returns ErrInvalidTransition when from -> to is not allowed.
func CheckTransition(from, to Status) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// Validate checks the record-level invariants that hold after every write.
func (j *Job) Validate() error {
	if j.ID == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidJob)
	}
	if !j.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidJob, j.Status)
	}
	if j.Result != nil && j.Status != StatusCompleted {
		return fmt.Errorf("%w: result set in status %s", ErrInvalidJob, j.Status)
	}
	if j.Error != nil && j.Status != StatusFailed {
		return fmt.Errorf("%w: error set in status %s", ErrInvalidJob, j.Status)
	}
	if j.Status == StatusFailed && j.Error == nil {
		return fmt.Errorf("%w: failed job without error", ErrInvalidJob)
	}
	return nil
}
