package report

import (
	"errors"
	"fmt"
)

// ErrInvalidMetricSpec matches every InvalidMetricSpecError.
var ErrInvalidMetricSpec = errors.New("invalid metric spec")

// InvalidMetricSpecError rejects a metric spec at configuration time.
type InvalidMetricSpecError struct {
	Metric string
	Reason string
}

func (e *InvalidMetricSpecError) Error() string {
	if e.Metric == "" {
		return fmt.Sprintf("invalid metric spec: %s", e.Reason)
	}
	return fmt.Sprintf("invalid metric spec %q: %s", e.Metric, e.Reason)
}

// Is reports whether target is ErrInvalidMetricSpec.
func (e *InvalidMetricSpecError) Is(target error) bool {
	return target == ErrInvalidMetricSpec
}

func invalid(metric, format string, args ...any) error {
	return &InvalidMetricSpecError{Metric: metric, Reason: fmt.Sprintf(format, args...)}
}
