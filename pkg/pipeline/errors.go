package pipeline

import (
	"errors"
	"fmt"
	"time"
)

// Stage names a pipeline step.
type Stage string

// Pipeline stages in execution order.
const (
	StageConfigure Stage = "configure"
	StageExtract   Stage = "extract"
	StageAnonymize Stage = "anonymize"
	StageReport    Stage = "report"
	StageStore     Stage = "store"
)

var (
	// ErrTimeout matches every TimeoutError.
	ErrTimeout = errors.New("pipeline timeout")

	// ErrInvalidConfig is returned by New for unusable run configuration.
	ErrInvalidConfig = errors.New("invalid pipeline config")
)

// TimeoutError reports that a stage exceeded its deadline.
type TimeoutError struct {
	Stage   Stage
	Timeout time.Duration
	Err     error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s stage exceeded timeout of %s: %v", e.Stage, e.Timeout, e.Err)
}

func (e *TimeoutError) Unwrap() error {
	return e.Err
}

// Is reports whether target is ErrTimeout.
func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

// StageError is the single failure envelope returned by Run. Processed is
// the number of records the stage had handled when it failed.
type StageError struct {
	Stage     Stage
	Processed int
	RunID     string
	Err       error
}

func (e *StageError) Error() string {
	if e.RunID == "" {
		return fmt.Sprintf("%s stage failed after %d records: %v", e.Stage, e.Processed, e.Err)
	}
	return fmt.Sprintf("%s stage failed after %d records (run %s): %v", e.Stage, e.Processed, e.RunID, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

func invalidConfig(format string, args ...any) error {
	return &StageError{
		Stage: StageConfigure,
		Err:   fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...)),
	}
}
