package orchestration

import (
	"errors"
	"fmt"
)

var (
	// ErrNoIntake is returned when a run has no raw intake text.
	ErrNoIntake = errors.New("no patient intake data provided")
	// ErrMemoryUnavailable wraps history retrieval failures.
	ErrMemoryUnavailable = errors.New("memory unavailable")
	// ErrStorageUnavailable wraps case persistence failures.
	ErrStorageUnavailable = errors.New("storage unavailable")
	// ErrFieldAlreadySet is returned by CaseState.Apply on an overwrite.
	ErrFieldAlreadySet = errors.New("case state field already set")
	// ErrMissingPrerequisite is returned when a stage runs before its inputs exist.
	ErrMissingPrerequisite = errors.New("missing prerequisite")
)

// ExtractionError reports an inference failure inside a required stage.
type ExtractionError struct {
	Stage StageName
	Err   error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("extraction failed: %v", e.Err)
}

func (e *ExtractionError) Unwrap() error {
	return e.Err
}

func fieldSet(field string) error {
	return fmt.Errorf("%w: %s", ErrFieldAlreadySet, field)
}

func missing(stage StageName, field string) error {
	return fmt.Errorf("%w: %s stage needs %s", ErrMissingPrerequisite, stage, field)
}

// errorKind labels err for metrics.
func errorKind(err error) string {
	var extraction *ExtractionError
	switch {
	case errors.Is(err, ErrNoIntake):
		return "input_error"
	case errors.Is(err, ErrMemoryUnavailable):
		return "memory_unavailable"
	case errors.Is(err, ErrStorageUnavailable):
		return "storage_unavailable"
	case errors.As(err, &extraction):
		return "extraction_error"
	default:
		return "internal"
	}
}
