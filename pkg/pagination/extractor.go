package pagination

import (
	"context"
	"fmt"
	"time"

	"github.com/Sternrassler/persons-etl/pkg/client"
	"github.com/Sternrassler/persons-etl/pkg/record"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

var (
	pagesFetchedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "persons_etl_pages_fetched_total",
		Help: "Total pages fetched by the extractor",
	})

	duplicatesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "persons_etl_duplicate_records_total",
		Help: "Total records flagged as duplicates of an earlier identity",
	})

	extractionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "persons_etl_extraction_duration_seconds",
		Help:    "Duration of full extractions in seconds",
		Buckets: []float64{0.5, 1, 5, 10, 30, 60, 120},
	})
)

// Config holds extractor configuration.
type Config struct {
	// MaxConcurrency is the maximum number of parallel page requests.
	// The client limiter still paces requests, so more workers only help
	// while responses are slow.
	MaxConcurrency int
	// PageTimeout bounds one page fetch including its retries.
	PageTimeout time.Duration
	// BufferSize for the page queue and result channel.
	BufferSize int
}

// DefaultConfig returns a safe default configuration for the public service.
func DefaultConfig() Config {
	return Config{
		MaxConcurrency: 4,
		PageTimeout:    2 * time.Minute,
		BufferSize:     64,
	}
}

// PageFetcher fetches a single page. *client.Client implements it.
type PageFetcher interface {
	FetchPage(ctx context.Context, page, pageSize int) (*client.Batch, error)
}

// Extractor assembles complete record sets from a PageFetcher.
type Extractor struct {
	fetcher PageFetcher
	config  Config
	logger  zerolog.Logger
}

// NewExtractor creates a new extractor.
func NewExtractor(fetcher PageFetcher, config Config, logger zerolog.Logger) *Extractor {
	defaults := DefaultConfig()
	if config.MaxConcurrency <= 0 {
		config.MaxConcurrency = defaults.MaxConcurrency
	}
	if config.PageTimeout <= 0 {
		config.PageTimeout = defaults.PageTimeout
	}
	if config.BufferSize <= 0 {
		config.BufferSize = defaults.BufferSize
	}

	return &Extractor{
		fetcher: fetcher,
		config:  config,
		logger:  logger,
	}
}

// ExtractAll fetches every page and returns the deduplicated record set.
// Any page failure aborts the extraction with an *ExtractError; a unique
// count that differs from the declared total yields *DataCompletenessError.
func (e *Extractor) ExtractAll(ctx context.Context, pageSize int) (*record.RecordSet, error) {
	start := time.Now()
	defer func() { extractionDuration.Observe(time.Since(start).Seconds()) }()

	first, err := e.fetch(ctx, 1, pageSize)
	if err != nil {
		return nil, &ExtractError{Err: fmt.Errorf("fetch first page: %w", err)}
	}
	pagesFetchedTotal.Inc()

	declared := first.TotalRecords
	totalPages := first.TotalPages
	if totalPages < 1 {
		totalPages = 1
	}

	e.logger.Info().
		Int("total_records", declared).
		Int("total_pages", totalPages).
		Int("page_size", pageSize).
		Msg("Starting page extraction")

	batches := map[int]*client.Batch{1: first}

	if totalPages > 1 && first.HasMore {
		if err := e.fetchRemaining(ctx, pageSize, totalPages, declared, batches); err != nil {
			return nil, err
		}
	}

	set := merge(batches, totalPages)
	set.DeclaredTotal = declared

	for _, dup := range set.Duplicates {
		e.logger.Warn().
			Str("id", dup.ID).
			Int("page", dup.Page).
			Int("first_page", dup.FirstPage).
			Msg("Duplicate record identity")
	}
	duplicatesTotal.Add(float64(len(set.Duplicates)))

	if set.Len() != declared {
		return nil, &DataCompletenessError{
			Declared:     declared,
			Unique:       set.Len(),
			Duplicates:   len(set.Duplicates),
			PagesFetched: set.PagesFetched,
		}
	}

	e.logger.Info().
		Int("records", set.Len()).
		Int("pages", set.PagesFetched).
		Int("duplicates", len(set.Duplicates)).
		Dur("duration", time.Since(start)).
		Msg("Extraction complete")

	return set, nil
}

// fetchRemaining fetches pages 2..totalPages into batches. Workers only
// fetch; the calling goroutine is the single owner of batches.
func (e *Extractor) fetchRemaining(ctx context.Context, pageSize, totalPages, declared int, batches map[int]*client.Batch) error {
	g, gctx := errgroup.WithContext(ctx)

	pageQueue := make(chan int, e.config.BufferSize)
	pageResults := make(chan *client.Batch, e.config.BufferSize)

	g.Go(func() error {
		defer close(pageQueue)
		for page := 2; page <= totalPages; page++ {
			select {
			case pageQueue <- page:
			case <-gctx.Done():
				return nil
			}
		}
		return nil
	})

	workers := e.config.MaxConcurrency
	if workers > totalPages-1 {
		workers = totalPages - 1
	}
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			return e.worker(gctx, i, pageSize, pageQueue, pageResults)
		})
	}

	done := make(chan error, 1)
	go func() {
		done <- g.Wait()
		close(pageResults)
	}()

	records := len(batches[1].Records)
	for batch := range pageResults {
		batches[batch.Page] = batch
		records += len(batch.Records)
		pagesFetchedTotal.Inc()

		if batch.TotalRecords != declared {
			e.logger.Warn().
				Int("page", batch.Page).
				Int("declared_first_page", declared).
				Int("declared", batch.TotalRecords).
				Msg("Page declares a different total")
		}

		if len(batches)%50 == 0 {
			e.logger.Info().
				Int("fetched", len(batches)).
				Int("total", totalPages).
				Float64("progress_pct", float64(len(batches))/float64(totalPages)*100).
				Msg("Fetch progress")
		}
	}

	if err := <-done; err != nil {
		e.logger.Warn().
			Err(err).
			Int("fetched_pages", len(batches)).
			Int("total_pages", totalPages).
			Msg("Worker error, aborting extraction")
		return &ExtractError{
			PagesFetched: len(batches),
			TotalPages:   totalPages,
			Records:      records,
			Err:          err,
		}
	}
	return nil
}

// worker processes pages from the queue until it drains or a fetch fails.
func (e *Extractor) worker(ctx context.Context, workerID, pageSize int, pageQueue <-chan int, results chan<- *client.Batch) error {
	pagesProcessed := 0

	for page := range pageQueue {
		if err := ctx.Err(); err != nil {
			e.logger.Debug().
				Int("worker_id", workerID).
				Int("pages_processed", pagesProcessed).
				Msg("Worker stopping (context cancelled)")
			return err
		}

		batch, err := e.fetch(ctx, page, pageSize)
		if err != nil {
			e.logger.Warn().
				Err(err).
				Int("worker_id", workerID).
				Int("page", page).
				Msg("Page fetch failed")
			return fmt.Errorf("fetch page %d: %w", page, err)
		}

		select {
		case results <- batch:
		case <-ctx.Done():
			return ctx.Err()
		}
		pagesProcessed++
	}

	if pagesProcessed > 0 {
		e.logger.Debug().
			Int("worker_id", workerID).
			Int("pages_processed", pagesProcessed).
			Msg("Worker completed")
	}
	return nil
}

func (e *Extractor) fetch(ctx context.Context, page, pageSize int) (*client.Batch, error) {
	pageCtx, cancel := context.WithTimeout(ctx, e.config.PageTimeout)
	defer cancel()

	batch, err := e.fetcher.FetchPage(pageCtx, page, pageSize)
	if err != nil {
		return nil, err
	}
	// Fetchers may leave Page unset; the queue position is authoritative.
	batch.Page = page
	return batch, nil
}

// merge walks batches in page order so the first-seen occurrence of an
// identity does not depend on arrival order.
func merge(batches map[int]*client.Batch, totalPages int) *record.RecordSet {
	set := &record.RecordSet{}
	firstSeen := make(map[string]int)

	for page := 1; page <= totalPages; page++ {
		batch, ok := batches[page]
		if !ok {
			continue
		}
		set.PagesFetched++
		for _, rec := range batch.Records {
			if firstPage, dup := firstSeen[rec.ID]; dup {
				set.Duplicates = append(set.Duplicates, record.Duplicate{
					ID:        rec.ID,
					Page:      page,
					FirstPage: firstPage,
				})
				continue
			}
			firstSeen[rec.ID] = page
			set.Records = append(set.Records, rec)
		}
	}

	if set.Records == nil {
		set.Records = []record.RawRecord{}
	}
	return set
}
