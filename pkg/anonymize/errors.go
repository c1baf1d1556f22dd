package anonymize

import (
	"errors"
	"fmt"
)

var (
	// ErrFieldMissing matches every FieldMissingError.
	ErrFieldMissing = errors.New("policy field missing")

	// ErrInvalidPolicy is returned by Policy.Validate.
	ErrInvalidPolicy = errors.New("invalid field policy")
)

// Issue reasons.
const (
	// ReasonMissing marks a policy field absent or null in a record.
	ReasonMissing = "missing"
	// ReasonOutputConflict marks a rule output that would overwrite a field
	// outside the policy; the write is skipped.
	ReasonOutputConflict = "output_conflict"
)

// FieldMissingError reports a record lacking a field named in the policy.
type FieldMissingError struct {
	RecordID string
	Field    string
}

func (e *FieldMissingError) Error() string {
	return fmt.Sprintf("record %s is missing policy field %q", e.RecordID, e.Field)
}

// Is reports whether target is ErrFieldMissing.
func (e *FieldMissingError) Is(target error) bool {
	return target == ErrFieldMissing
}

func invalidPolicy(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidPolicy, fmt.Sprintf(format, args...))
}
