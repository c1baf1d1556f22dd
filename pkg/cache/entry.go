package cache

import "time"

// CacheEntry is a stored page body.
type CacheEntry struct {
	// Data is the raw response body.
	Data []byte `json:"data"`

	// StoredAt is when the page was written.
	StoredAt time.Time `json:"stored_at"`
}

// NewEntry wraps a response body for storage.
func NewEntry(data []byte) *CacheEntry {
	return &CacheEntry{
		Data:     data,
		StoredAt: time.Now().UTC(),
	}
}

// Age returns how long ago the entry was stored.
func (e *CacheEntry) Age() time.Duration {
	return time.Since(e.StoredAt)
}
