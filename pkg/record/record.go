// Package record defines the person records flowing through the pipeline:
// raw records as read from the person service, the deduplicated record set,
// and their anonymized counterparts.
package record

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/spf13/cast"
)

// DefaultIdentityField is the field used for deduplication when none is configured.
const DefaultIdentityField = "id"

// PathSeparator joins nested object keys into flat field paths ("address.country").
const PathSeparator = "."

var (
	// ErrNotObject is returned when a record is not a JSON object.
	ErrNotObject = errors.New("record is not a JSON object")

	// ErrMissingIdentity is returned when a record has no usable identity value.
	ErrMissingIdentity = errors.New("record identity missing")
)

// RawRecord is one person as returned by the service, flattened to field paths.
type RawRecord struct {
	// ID is the identity field value coerced to a string.
	ID string

	// Fields maps flattened field paths to their decoded values.
	// Numbers are kept as json.Number so identities and coordinates survive untouched.
	Fields map[string]any
}

// Duplicate records a later occurrence of an identity already seen on an earlier page.
type Duplicate struct {
	ID        string `json:"id"`
	Page      int    `json:"page"`
	FirstPage int    `json:"first_page"`
}

// RecordSet is an ordered collection of raw records unique by identity.
type RecordSet struct {
	Records       []RawRecord
	Duplicates    []Duplicate
	DeclaredTotal int
	PagesFetched  int
}

// Len returns the number of unique records.
func (s *RecordSet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Records)
}

// AnonymizedRecord is a record after the field policy was applied.
type AnonymizedRecord struct {
	ID     string
	Fields map[string]any
}

// MarshalJSON encodes the record as a flat object. encoding/json sorts map
// keys, so output is stable for equal records.
func (r AnonymizedRecord) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.Fields)
}

// Issue is a per-record problem recorded during anonymization without aborting the run.
type Issue struct {
	RecordID string `json:"record_id"`
	Field    string `json:"field"`
	Reason   string `json:"reason"`
}

// AnonymizedSet is the anonymizer output in input order.
type AnonymizedSet struct {
	Records []AnonymizedRecord
	Issues  []Issue
}

// Len returns the number of anonymized records.
func (s *AnonymizedSet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Records)
}

// Decode parses one JSON object into a RawRecord, flattening nested objects.
// Unknown fields are kept; only a non-object value or a missing identity fails.
func Decode(raw json.RawMessage, identityField string) (RawRecord, error) {
	if identityField == "" {
		identityField = DefaultIdentityField
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return RawRecord{}, fmt.Errorf("%w: %v", ErrNotObject, err)
	}
	if obj == nil {
		return RawRecord{}, ErrNotObject
	}

	fields := make(map[string]any, len(obj))
	flatten("", obj, fields)

	idValue, ok := fields[identityField]
	if !ok || idValue == nil {
		return RawRecord{}, fmt.Errorf("%w: field %q", ErrMissingIdentity, identityField)
	}
	id := String(idValue)
	if id == "" {
		return RawRecord{}, fmt.Errorf("%w: field %q is empty", ErrMissingIdentity, identityField)
	}

	return RawRecord{ID: id, Fields: fields}, nil
}

func flatten(prefix string, obj map[string]any, out map[string]any) {
	for key, value := range obj {
		path := key
		if prefix != "" {
			path = prefix + PathSeparator + key
		}
		if nested, ok := value.(map[string]any); ok {
			flatten(path, nested, out)
			continue
		}
		out[path] = value
	}
}

// Lookup returns the value stored under a flattened field path.
func Lookup(fields map[string]any, path string) (any, bool) {
	v, ok := fields[path]
	return v, ok
}

// String renders a field value as text. Nil becomes the empty string and
// values cast cannot handle fall back to their fmt representation.
func String(v any) string {
	if v == nil {
		return ""
	}
	if n, ok := v.(json.Number); ok {
		return n.String()
	}
	s, err := cast.ToStringE(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return s
}

// Keys returns the field paths of a record in sorted order.
func Keys(fields map[string]any) []string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
