// Package pagination drives a PageFetcher across every page of the persons
// endpoint and assembles a complete, deduplicated record set.
//
// The person service declares the total record count on every page. This
// package fetches page 1 to learn that total, then fetches the remaining
// pages with a bounded worker pool and hands every batch to a single
// collector goroutine.
//
// Example usage:
//
//	extractor := pagination.NewExtractor(personClient, pagination.DefaultConfig(), logger)
//	set, err := extractor.ExtractAll(ctx, 100)
//
// The extractor:
//   - Fetches the first page to determine total pages and records
//   - Spawns a worker pool (default 4 workers)
//   - Merges batches in page order so the first occurrence of an identity wins
//   - Flags duplicates found on later pages instead of dropping them silently
//   - Fails with DataCompletenessError when unique records differ from the declared total
package pagination
