package pagination

import (
	"errors"
	"fmt"
)

// ErrIncomplete matches every DataCompletenessError.
var ErrIncomplete = errors.New("record set incomplete")

// DataCompletenessError reports that the unique record count does not match
// the total declared by the service.
type DataCompletenessError struct {
	Declared     int
	Unique       int
	Duplicates   int
	PagesFetched int
}

func (e *DataCompletenessError) Error() string {
	return fmt.Sprintf("data completeness check failed: declared %d records, got %d unique (%d duplicates across %d pages)",
		e.Declared, e.Unique, e.Duplicates, e.PagesFetched)
}

// Is reports whether target is ErrIncomplete.
func (e *DataCompletenessError) Is(target error) bool {
	return target == ErrIncomplete
}

// ExtractError wraps a fetch failure with the progress made before it.
type ExtractError struct {
	PagesFetched int
	TotalPages   int
	Records      int
	Err          error
}

func (e *ExtractError) Error() string {
	return fmt.Sprintf("extraction failed (partial data: %d/%d pages, %d records): %v",
		e.PagesFetched, e.TotalPages, e.Records, e.Err)
}

func (e *ExtractError) Unwrap() error {
	return e.Err
}
