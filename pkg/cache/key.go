package cache

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// KeyPrefix namespaces all cache keys written by this package.
const KeyPrefix = "persons"

// CacheKey identifies one cached page request.
type CacheKey struct {
	// Endpoint is the service path (e.g. "/api/v1/persons").
	Endpoint string

	// QueryParams are the request parameters (page, quantity, locale, seed).
	QueryParams url.Values
}

// String generates a deterministic cache key string.
// Format: persons:endpoint:query1=val1:query2=val2
//
// Example:
//
//	persons:api/v1/persons:_locale=de_DE:_page=2:_quantity=100:_seed=42
func (k CacheKey) String() string {
	parts := []string{KeyPrefix}

	endpoint := strings.Trim(k.Endpoint, "/")
	if endpoint != "" {
		parts = append(parts, endpoint)
	}

	if len(k.QueryParams) > 0 {
		queryKeys := make([]string, 0, len(k.QueryParams))
		for key := range k.QueryParams {
			queryKeys = append(queryKeys, key)
		}
		sort.Strings(queryKeys)

		for _, key := range queryKeys {
			parts = append(parts, fmt.Sprintf("%s=%s", key, k.QueryParams.Get(key)))
		}
	}

	return strings.Join(parts, ":")
}
