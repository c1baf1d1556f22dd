// Package pipeline sequences extraction, anonymization, reporting and
// storage for one run. The Orchestrator is the only place that decides
// whether a failure ends the run; every abort comes back as a *StageError.
package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/Sternrassler/persons-etl/pkg/anonymize"
	"github.com/Sternrassler/persons-etl/pkg/cache"
	"github.com/Sternrassler/persons-etl/pkg/client"
	"github.com/Sternrassler/persons-etl/pkg/logging"
	"github.com/Sternrassler/persons-etl/pkg/pagination"
	"github.com/Sternrassler/persons-etl/pkg/record"
	"github.com/Sternrassler/persons-etl/pkg/report"
	"github.com/Sternrassler/persons-etl/pkg/sink"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

var (
	runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "persons_etl_runs_total",
		Help: "Total pipeline runs by outcome",
	}, []string{"status"})

	stageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "persons_etl_stage_duration_seconds",
		Help:    "Pipeline stage duration in seconds",
		Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 30, 120},
	}, []string{"stage"})

	recordsExtracted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "persons_etl_records_extracted_total",
		Help: "Total unique records extracted",
	})
)

// ExtractedAtField carries the run start time on every anonymized record.
const ExtractedAtField = "extracted_ts_utc"

// extractedAtLayout renders ExtractedAtField with millisecond precision.
const extractedAtLayout = "2006-01-02 15:04:05.000"

// Deps are the collaborators of an Orchestrator. Fetcher defaults to a
// person service client built from Config; Sink may be nil to skip storage.
type Deps struct {
	Fetcher pagination.PageFetcher
	Cache   *cache.Manager
	Sink    sink.Sink
	Logger  *zerolog.Logger
	Clock   func() time.Time
}

// RunResult is the output of a successful run.
type RunResult struct {
	RunID      string
	StartedAt  time.Time
	Records    int
	Duplicates []record.Duplicate
	Issues     []record.Issue
	Report     *report.Result
	Anonymized *record.AnonymizedSet
	Durations  map[Stage]time.Duration
}

// Orchestrator runs the pipeline for a validated Config.
type Orchestrator struct {
	cfg       Config
	fetcher   pagination.PageFetcher
	sink      sink.Sink
	engine    *report.Engine
	logger    zerolog.Logger
	clock     func() time.Time
	extractor pagination.Config
}

// New validates cfg and wires the collaborators. Field policy and metric
// spec errors surface here, before any request is made.
func New(cfg Config, deps Deps) (*Orchestrator, error) {
	if cfg.IdentityField == "" {
		cfg.IdentityField = record.DefaultIdentityField
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	engine, err := report.NewEngine(cfg.MetricSpecs, cfg.KnownFields())
	if err != nil {
		return nil, &StageError{Stage: StageConfigure, Err: err}
	}

	logger := logging.NewLogger(logging.ComponentPipeline)
	if deps.Logger != nil {
		logger = *deps.Logger
	}

	fetcher := deps.Fetcher
	if fetcher == nil {
		clientLogger := logging.Child(&logger, logging.ComponentClient)
		c, err := client.New(client.Config{
			BaseURL:           cfg.BaseURL,
			Endpoint:          cfg.Endpoint,
			Locale:            cfg.Locale,
			Seed:              cfg.Seed,
			IdentityField:     cfg.IdentityField,
			Retry:             client.RetryConfigFromBase(cfg.RetryAttempts, cfg.BackoffBase),
			RequestsPerSecond: cfg.RequestsPerSecond,
			Burst:             1,
			Cache:             deps.Cache,
			Logger:            &clientLogger,
		})
		if err != nil {
			return nil, invalidConfig("%v", err)
		}
		fetcher = c
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	extractorCfg := pagination.DefaultConfig()
	if cfg.MaxConcurrency > 0 {
		extractorCfg.MaxConcurrency = cfg.MaxConcurrency
	}

	return &Orchestrator{
		cfg:       cfg,
		fetcher:   fetcher,
		sink:      deps.Sink,
		engine:    engine,
		logger:    logger,
		clock:     clock,
		extractor: extractorCfg,
	}, nil
}

// Run executes extract, anonymize, report and store for a fresh run.
func (o *Orchestrator) Run(ctx context.Context) (*RunResult, error) {
	start := time.Now()
	res := &RunResult{
		RunID:     uuid.NewString(),
		StartedAt: o.clock().UTC(),
		Durations: make(map[Stage]time.Duration),
	}
	logger := o.logger.With().Str("run_id", res.RunID).Logger()

	logger.Info().
		Int("page_size", o.cfg.PageSize).
		Dur("timeout", o.cfg.Timeout).
		Int("metrics", len(o.cfg.MetricSpecs)).
		Msg("Pipeline run starting")

	err := o.run(ctx, res, logger)
	if err != nil {
		runsTotal.WithLabelValues("failed").Inc()
		var stageErr *StageError
		if errors.As(err, &stageErr) {
			stageErr.RunID = res.RunID
			logger.Error().
				Err(stageErr.Err).
				Str("stage", string(stageErr.Stage)).
				Int("processed", stageErr.Processed).
				Msg("Pipeline run aborted")
		}
		return nil, err
	}

	runsTotal.WithLabelValues("ok").Inc()
	logger.Info().
		Int("records", res.Records).
		Int("duplicates", len(res.Duplicates)).
		Int("issues", len(res.Issues)).
		Dur("duration", time.Since(start)).
		Msg("Pipeline run complete")
	return res, nil
}

func (o *Orchestrator) run(ctx context.Context, res *RunResult, logger zerolog.Logger) error {
	// Extract
	var set *record.RecordSet
	err := o.stage(res, StageExtract, func() error {
		var err error
		set, err = o.extract(ctx, logger)
		return err
	})
	if err != nil {
		return err
	}
	res.Duplicates = set.Duplicates
	recordsExtracted.Add(float64(set.Len()))

	// Anonymize
	var anon *record.AnonymizedSet
	err = o.stage(res, StageAnonymize, func() error {
		if err := ctx.Err(); err != nil {
			return &StageError{Stage: StageAnonymize, Err: err}
		}
		var err error
		anon, err = anonymize.Anonymize(set, o.policy(res, logger))
		if err != nil {
			return &StageError{Stage: StageAnonymize, Processed: processedBefore(set, err), Err: err}
		}
		stamp := res.StartedAt.Format(extractedAtLayout)
		for i := range anon.Records {
			anon.Records[i].Fields[ExtractedAtField] = stamp
		}
		return nil
	})
	if err != nil {
		return err
	}
	if len(anon.Issues) > 0 {
		anonLogger := logging.Child(&logger, logging.ComponentAnonymizer)
		for _, issue := range anon.Issues {
			anonLogger.Debug().
				Str("record_id", issue.RecordID).
				Str("field", issue.Field).
				Str("reason", issue.Reason).
				Msg("Anonymization issue")
		}
		anonLogger.Warn().
			Int("issues", len(anon.Issues)).
			Int("records", anon.Len()).
			Msg("Anonymization completed with per-record issues")
	}
	res.Issues = anon.Issues
	res.Anonymized = anon
	res.Records = anon.Len()

	// Report
	_ = o.stage(res, StageReport, func() error {
		res.Report = o.engine.Compute(anon)
		reportLogger := logging.Child(&logger, logging.ComponentReport)
		reportLogger.Debug().
			Int("records", res.Report.Records).
			Int("metrics", len(res.Report.Metrics)).
			Msg("Report computed")
		return nil
	})

	// Store
	if o.sink == nil {
		return nil
	}
	return o.stage(res, StageStore, func() error {
		return o.store(ctx, res)
	})
}

func (o *Orchestrator) stage(res *RunResult, stage Stage, fn func() error) error {
	start := time.Now()
	err := fn()
	elapsed := time.Since(start)
	res.Durations[stage] = elapsed
	stageDuration.WithLabelValues(string(stage)).Observe(elapsed.Seconds())
	o.logger.Debug().Str("stage", string(stage)).Dur("duration", elapsed).Msg("Stage finished")
	return err
}

func (o *Orchestrator) extract(ctx context.Context, logger zerolog.Logger) (*record.RecordSet, error) {
	ectx := ctx
	if o.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ectx, cancel = context.WithTimeout(ctx, o.cfg.Timeout)
		defer cancel()
	}

	extractor := pagination.NewExtractor(o.fetcher, o.extractor,
		logging.Child(&logger, logging.ComponentExtractor))

	set, err := extractor.ExtractAll(ectx, o.cfg.PageSize)
	if err == nil {
		return set, nil
	}

	processed := 0
	var extractErr *pagination.ExtractError
	if errors.As(err, &extractErr) {
		processed = extractErr.Records
	}
	var incomplete *pagination.DataCompletenessError
	if errors.As(err, &incomplete) {
		processed = incomplete.Unique
	}

	// A page deadline expiring inside a live run is a page failure, not
	// the run budget running out.
	if errors.Is(ectx.Err(), context.DeadlineExceeded) {
		err = &TimeoutError{Stage: StageExtract, Timeout: o.cfg.Timeout, Err: err}
	}
	return nil, &StageError{Stage: StageExtract, Processed: processed, Err: err}
}

// policy resolves the salt and reference date for this run.
func (o *Orchestrator) policy(res *RunResult, logger zerolog.Logger) anonymize.Policy {
	p := o.cfg.FieldPolicy
	if p.HashSalt == "" {
		p.HashSalt = o.cfg.HashSalt
	}
	if p.HashSalt == "" && usesHash(p) {
		p.HashSalt = uuid.NewString()
		logger.Warn().Msg("No hash salt configured, using a per-run salt; hashes differ between runs")
	}
	if p.Now.IsZero() {
		p.Now = res.StartedAt
	}
	if p.OnMissing == "" {
		p.OnMissing = anonymize.MissingContinue
	}
	return p
}

func usesHash(p anonymize.Policy) bool {
	for _, rule := range p.Rules {
		if rule.Strategy == anonymize.StrategyHash {
			return true
		}
	}
	return false
}

// processedBefore returns the index of the record an abort happened on.
func processedBefore(set *record.RecordSet, err error) int {
	var missing *anonymize.FieldMissingError
	if !errors.As(err, &missing) {
		return 0
	}
	for i, rec := range set.Records {
		if rec.ID == missing.RecordID {
			return i
		}
	}
	return 0
}

func (o *Orchestrator) store(ctx context.Context, res *RunResult) error {
	records, err := EncodeRecords(res.Anonymized)
	if err != nil {
		return &StageError{Stage: StageStore, Processed: res.Records, Err: err}
	}
	if err := o.sink.Write(ctx, RecordsLocation(res.RunID), records); err != nil {
		return &StageError{Stage: StageStore, Processed: res.Records, Err: err}
	}

	rep, err := EncodeReport(res.Report)
	if err != nil {
		return &StageError{Stage: StageStore, Processed: res.Records, Err: err}
	}
	if err := o.sink.Write(ctx, ReportLocation(res.RunID), rep); err != nil {
		return &StageError{Stage: StageStore, Processed: res.Records, Err: err}
	}

	o.logger.Info().
		Str("run_id", res.RunID).
		Str("records", RecordsLocation(res.RunID)).
		Str("report", ReportLocation(res.RunID)).
		Msg("Run payloads stored")
	return nil
}
