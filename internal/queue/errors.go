package queue

import (
	"errors"
	"fmt"
)

var (
	// ErrBadRequest marks a malformed or missing submission.
	ErrBadRequest = errors.New("bad request")
	// ErrFileTooLarge is the bad request raised by the upload size limit.
	ErrFileTooLarge = fmt.Errorf("%w: file too large", ErrBadRequest)
	// ErrUnsupportedMedia marks an upload rejected by the format whitelist.
	ErrUnsupportedMedia = errors.New("unsupported media type")
	// ErrNotFound is returned for job ids this process never issued.
	ErrNotFound = errors.New("job not found")
	// ErrNotReady is returned when a job has no artifact yet.
	ErrNotReady = errors.New("job result not ready")
	// ErrJobAlreadyRunning is returned when a second worker is requested
	// for a job that already has one.
	ErrJobAlreadyRunning = errors.New("job already running")
	// ErrInvalidTransition is returned when an update would break the job
	// state machine.
	ErrInvalidTransition = errors.New("invalid job transition")

	ErrEngineOpen   = errors.New("transcription engine could not open audio")
	ErrEngineStream = errors.New("transcription engine failed mid-stream")
)

// Engine failure stages.
const (
	StageOpen   = "open"
	StageStream = "stream"
)

// EngineError is a stage-aware segment source failure.
type EngineError struct {
	Stage string
	Err   error
}

func (e *EngineError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%v: %v", e.sentinel(), e.Err)
}

// Unwrap exposes underlying error for errors.Is / errors.As.
func (e *EngineError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is matches ErrEngineOpen or ErrEngineStream according to Stage.
func (e *EngineError) Is(target error) bool {
	return e != nil && target == e.sentinel()
}

func (e *EngineError) sentinel() error {
	if e.Stage == StageOpen {
		return ErrEngineOpen
	}
	return ErrEngineStream
}
