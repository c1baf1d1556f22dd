package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Sternrassler/persons-etl/pkg/record"
	"github.com/spf13/cast"
)

// Batch is one decoded page of person records plus pagination metadata.
type Batch struct {
	Page         int
	Records      []record.RawRecord
	TotalRecords int
	TotalPages   int
	HasMore      bool
}

// decodeEnvelope validates a page body. "data" and "total" are required;
// "status", "code", "total_pages" and "has_more" are honored when they parse
// and ignored otherwise, and any other key is ignored.
func decodeEnvelope(body []byte, page, pageSize int, identityField string) (*Batch, error) {
	var env map[string]json.RawMessage
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if env == nil {
		return nil, fmt.Errorf("%w: empty body", ErrMalformedEnvelope)
	}

	if raw, ok := env["status"]; ok {
		var status string
		if err := json.Unmarshal(raw, &status); err == nil && !strings.EqualFold(status, "OK") {
			return nil, fmt.Errorf("%w: status %q", ErrMalformedEnvelope, status)
		}
	}
	if code, ok := optionalInt(env, "code"); ok && code != 200 {
		return nil, fmt.Errorf("%w: code %d", ErrMalformedEnvelope, code)
	}

	rawData, ok := env["data"]
	if !ok {
		return nil, fmt.Errorf("%w: missing data", ErrMalformedEnvelope)
	}
	var items []json.RawMessage
	if err := json.Unmarshal(rawData, &items); err != nil {
		return nil, fmt.Errorf("%w: data is not an array: %v", ErrMalformedEnvelope, err)
	}

	total, ok := optionalInt(env, "total")
	if !ok {
		return nil, fmt.Errorf("%w: missing or invalid total", ErrMalformedEnvelope)
	}
	if total < 0 {
		return nil, fmt.Errorf("%w: negative total %d", ErrMalformedEnvelope, total)
	}

	totalPages, ok := optionalInt(env, "total_pages")
	if !ok || totalPages < 0 {
		totalPages = pagesFor(total, pageSize)
	}

	hasMore := page < totalPages
	if raw, ok := env["has_more"]; ok {
		if v, err := cast.ToBoolE(rawValue(raw)); err == nil {
			hasMore = v
		}
	}

	records := make([]record.RawRecord, 0, len(items))
	for i, item := range items {
		rec, err := record.Decode(item, identityField)
		if err != nil {
			return nil, fmt.Errorf("%w: record %d: %v", ErrMalformedEnvelope, i, err)
		}
		records = append(records, rec)
	}

	return &Batch{
		Page:         page,
		Records:      records,
		TotalRecords: total,
		TotalPages:   totalPages,
		HasMore:      hasMore,
	}, nil
}

// pagesFor returns ceil(total/pageSize).
func pagesFor(total, pageSize int) int {
	if total <= 0 || pageSize <= 0 {
		return 0
	}
	return (total + pageSize - 1) / pageSize
}

func optionalInt(env map[string]json.RawMessage, key string) (int, bool) {
	raw, ok := env[key]
	if !ok {
		return 0, false
	}
	value := rawValue(raw)
	if value == nil {
		return 0, false
	}
	v, err := cast.ToIntE(value)
	if err != nil {
		return 0, false
	}
	return v, true
}

// rawValue decodes a scalar JSON value, returning numbers as their decimal text.
func rawValue(raw json.RawMessage) any {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil
	}
	if n, ok := v.(json.Number); ok {
		return n.String()
	}
	return v
}
