package pipeline

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Sternrassler/persons-etl/internal/testutil"
	"github.com/Sternrassler/persons-etl/pkg/anonymize"
	"github.com/Sternrassler/persons-etl/pkg/client"
	"github.com/Sternrassler/persons-etl/pkg/logging"
	"github.com/Sternrassler/persons-etl/pkg/pagination"
	"github.com/Sternrassler/persons-etl/pkg/report"
	"github.com/Sternrassler/persons-etl/pkg/sink"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var fixedStart = time.Date(2024, 6, 15, 8, 30, 0, 123456789, time.UTC)

func testConfig(baseURL string) Config {
	cfg := DefaultConfig()
	cfg.BaseURL = baseURL
	cfg.PageSize = 10
	cfg.RequestsPerSecond = 0
	cfg.BackoffBase = 10 * time.Millisecond
	cfg.Timeout = 10 * time.Second
	cfg.HashSalt = "test-salt"
	return cfg
}

func newOrchestrator(t *testing.T, cfg Config, s sink.Sink) *Orchestrator {
	t.Helper()
	logger := zerolog.Nop()
	o, err := New(cfg, Deps{Sink: s, Logger: &logger, Clock: func() time.Time { return fixedStart }})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return o
}

func TestRun_EndToEnd(t *testing.T) {
	mock := testutil.NewMockPersons(25)
	defer mock.Close()

	root := t.TempDir()
	o := newOrchestrator(t, testConfig(mock.URL()), sink.NewFileSink(root))

	res, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if res.Records != 25 || len(res.Duplicates) != 0 || len(res.Issues) != 0 {
		t.Errorf("result = %d records, %d dups, %d issues", res.Records, len(res.Duplicates), len(res.Issues))
	}
	if res.RunID == "" || !res.StartedAt.Equal(fixedStart) {
		t.Errorf("run id %q started %v", res.RunID, res.StartedAt)
	}
	for _, stage := range []Stage{StageExtract, StageAnonymize, StageReport, StageStore} {
		if _, ok := res.Durations[stage]; !ok {
			t.Errorf("missing duration for %s", stage)
		}
	}

	first := res.Anonymized.Records[0].Fields
	if _, ok := first["email"]; ok {
		t.Error("email should be replaced by email_domain")
	}
	if first["firstname"] != anonymize.DefaultRedactToken {
		t.Errorf("firstname = %v", first["firstname"])
	}
	if first[ExtractedAtField] != "2024-06-15 08:30:00.123" {
		t.Errorf("%s = %v", ExtractedAtField, first[ExtractedAtField])
	}

	// ids 1..25: countries cycle by id%5 and domains by id%4, so Germany
	// (id%5==0) with a gmail domain (id%4 in {0,2}) is ids 10 and 20.
	if v, _ := res.Report.Metrics[report.MetricGermanGmailPct].Scalar(); v != 8 {
		t.Errorf("german gmail pct = %v, want 8", v)
	}

	recordsFile, err := os.Open(filepath.Join(root, res.RunID, RecordsFile))
	if err != nil {
		t.Fatalf("records payload missing: %v", err)
	}
	defer recordsFile.Close()
	lines := 0
	scanner := bufio.NewScanner(recordsFile)
	for scanner.Scan() {
		var obj map[string]any
		if err := json.Unmarshal(scanner.Bytes(), &obj); err != nil {
			t.Fatalf("line %d not JSON: %v", lines, err)
		}
		lines++
	}
	if lines != 25 {
		t.Errorf("ndjson lines = %d, want 25", lines)
	}

	reportBytes, err := os.ReadFile(filepath.Join(root, res.RunID, ReportFile))
	if err != nil {
		t.Fatalf("report payload missing: %v", err)
	}
	want, _ := EncodeReport(res.Report)
	if !bytes.Equal(reportBytes, want) {
		t.Error("stored report differs from encoded result")
	}
}

func TestRun_TransientTwiceThenSuccess(t *testing.T) {
	mock := testutil.NewMockPersons(25)
	defer mock.Close()
	mock.FailPage(2, testutil.Failure{StatusCode: http.StatusServiceUnavailable, Times: 2})

	res, err := newOrchestrator(t, testConfig(mock.URL()), nil).Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Records != 25 {
		t.Errorf("records = %d, want 25", res.Records)
	}
	if _, ok := res.Durations[StageStore]; ok {
		t.Error("store stage should be skipped without a sink")
	}
}

func TestRun_ExtractionTimeout(t *testing.T) {
	mock := testutil.NewMockPersons(5)
	mock.Delay = 500 * time.Millisecond
	defer mock.Close()

	cfg := testConfig(mock.URL())
	cfg.Timeout = 100 * time.Millisecond

	_, err := newOrchestrator(t, cfg, nil).Run(context.Background())

	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("error = %v, want ErrTimeout", err)
	}
	var timeout *TimeoutError
	if !errors.As(err, &timeout) || timeout.Timeout != cfg.Timeout {
		t.Errorf("timeout error = %+v", timeout)
	}
	var stageErr *StageError
	if !errors.As(err, &stageErr) || stageErr.Stage != StageExtract || stageErr.RunID == "" {
		t.Errorf("stage error = %+v", stageErr)
	}
}

func TestRun_PacedExtractionTimeout(t *testing.T) {
	mock := testutil.NewMockPersons(30)
	defer mock.Close()

	cfg := testConfig(mock.URL())
	cfg.RequestsPerSecond = 0.5
	cfg.Timeout = time.Second

	start := time.Now()
	_, err := newOrchestrator(t, cfg, nil).Run(context.Background())
	elapsed := time.Since(start)

	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("error = %v, want ErrTimeout", err)
	}
	if elapsed < 900*time.Millisecond {
		t.Errorf("run aborted after %v, expected to use the whole timeout", elapsed)
	}
	var stageErr *StageError
	if !errors.As(err, &stageErr) || stageErr.Stage != StageExtract {
		t.Errorf("stage error = %+v", stageErr)
	}
}

type deadlineFetcher struct{}

func (deadlineFetcher) FetchPage(context.Context, int, int) (*client.Batch, error) {
	return nil, fmt.Errorf("%w: %w", client.ErrContextCancelled, context.DeadlineExceeded)
}

func TestRun_PageDeadlineIsNotRunTimeout(t *testing.T) {
	cfg := testConfig("http://localhost")
	logger := zerolog.Nop()
	o, err := New(cfg, Deps{Fetcher: deadlineFetcher{}, Logger: &logger})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	_, err = o.Run(context.Background())
	if err == nil {
		t.Fatal("Run() succeeded, want extract failure")
	}
	if errors.Is(err, ErrTimeout) {
		t.Errorf("error = %v, page deadline must not read as run timeout", err)
	}
	var stageErr *StageError
	if !errors.As(err, &stageErr) || stageErr.Stage != StageExtract {
		t.Errorf("stage error = %+v", stageErr)
	}
}

func TestRun_FatalFetch(t *testing.T) {
	mock := testutil.NewMockPersons(25)
	defer mock.Close()
	mock.FailPage(3, testutil.Failure{StatusCode: http.StatusNotFound, Times: 1})

	_, err := newOrchestrator(t, testConfig(mock.URL()), nil).Run(context.Background())

	var fatal *client.FatalFetchError
	if !errors.As(err, &fatal) || fatal.StatusCode != http.StatusNotFound {
		t.Fatalf("error = %v, want FatalFetchError 404", err)
	}
	var stageErr *StageError
	if !errors.As(err, &stageErr) || stageErr.Stage != StageExtract {
		t.Fatalf("stage error = %+v", stageErr)
	}
	if stageErr.Processed < 10 {
		t.Errorf("processed = %d, want at least page 1", stageErr.Processed)
	}
}

func TestRun_DataCompleteness(t *testing.T) {
	mock := testutil.NewMockPersons(25)
	mock.DeclaredTotal = 30
	defer mock.Close()

	_, err := newOrchestrator(t, testConfig(mock.URL()), nil).Run(context.Background())

	var incomplete *pagination.DataCompletenessError
	if !errors.As(err, &incomplete) {
		t.Fatalf("error = %v, want DataCompletenessError", err)
	}
	if incomplete.Declared != 30 || incomplete.Unique != 25 {
		t.Errorf("completeness = %+v", incomplete)
	}
	var stageErr *StageError
	if !errors.As(err, &stageErr) || stageErr.Processed != 25 {
		t.Errorf("stage error = %+v", stageErr)
	}
}

func TestRun_EmptyService(t *testing.T) {
	mock := testutil.NewMockPersons(0)
	defer mock.Close()

	res, err := newOrchestrator(t, testConfig(mock.URL()), nil).Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Records != 0 || res.Report.Records != 0 {
		t.Errorf("records = %d", res.Records)
	}
	if v, _ := res.Report.Metrics[report.MetricGmailOver60].Scalar(); v != 0 {
		t.Errorf("gmail over 60 = %v, want 0", v)
	}
	if v, _ := res.Report.Metrics[report.MetricPeopleOver60].Scalar(); v != 0 {
		t.Errorf("people over 60 = %v, want 0", v)
	}
	if g := res.Report.Metrics[report.MetricGermanGmailPct].Groups; len(g) != 1 || !g[0].Undefined {
		t.Errorf("percentage on empty input = %+v, want undefined", g)
	}
}

func TestRun_FieldMissing(t *testing.T) {
	people := []map[string]any{testutil.Person(1), testutil.Person(2), testutil.Person(3)}
	delete(people[1], "phone")

	t.Run("continue", func(t *testing.T) {
		mock := testutil.NewMockPersonsWith(people)
		defer mock.Close()

		res, err := newOrchestrator(t, testConfig(mock.URL()), nil).Run(context.Background())
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
		if len(res.Issues) != 1 || res.Issues[0].RecordID != "2" || res.Issues[0].Field != "phone" {
			t.Errorf("issues = %+v", res.Issues)
		}
		if res.Anonymized.Records[1].Fields["phone"] != anonymize.DefaultRedactToken {
			t.Error("missing phone should be substituted")
		}
	})

	t.Run("abort", func(t *testing.T) {
		mock := testutil.NewMockPersonsWith(people)
		defer mock.Close()

		cfg := testConfig(mock.URL())
		cfg.FieldPolicy.OnMissing = anonymize.MissingAbort
		_, err := newOrchestrator(t, cfg, nil).Run(context.Background())

		var missing *anonymize.FieldMissingError
		if !errors.As(err, &missing) {
			t.Fatalf("error = %v, want FieldMissingError", err)
		}
		var stageErr *StageError
		if !errors.As(err, &stageErr) || stageErr.Stage != StageAnonymize || stageErr.Processed != 1 {
			t.Errorf("stage error = %+v", stageErr)
		}
	})
}

func TestRun_LogsThroughInjectedLogger(t *testing.T) {
	people := []map[string]any{testutil.Person(1), testutil.Person(2)}
	delete(people[0], "phone")
	mock := testutil.NewMockPersonsWith(people)
	defer mock.Close()

	var global bytes.Buffer
	saved := log.Logger
	log.Logger = zerolog.New(&global)
	defer func() { log.Logger = saved }()

	var injected bytes.Buffer
	logger := zerolog.New(&injected).Level(zerolog.DebugLevel)
	o, err := New(testConfig(mock.URL()), Deps{Logger: &logger})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if _, err := o.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	var sawWarn, sawReport bool
	for _, line := range bytes.Split(bytes.TrimSpace(injected.Bytes()), []byte("\n")) {
		var entry map[string]any
		if err := json.Unmarshal(line, &entry); err != nil {
			t.Fatalf("log line not JSON: %s", line)
		}
		switch entry["message"] {
		case "Anonymization completed with per-record issues":
			sawWarn = entry["component"] == logging.ComponentAnonymizer && entry["level"] == "warn"
		case "Report computed":
			sawReport = entry["component"] == logging.ComponentReport
		}
	}
	if !sawWarn {
		t.Errorf("anonymizer warning missing from injected logger:\n%s", injected.String())
	}
	if !sawReport {
		t.Errorf("report entry missing from injected logger:\n%s", injected.String())
	}
	if global.Len() != 0 {
		t.Errorf("global logger received entries:\n%s", global.String())
	}
}

func TestRun_RedactedPhoneSingleGroup(t *testing.T) {
	mock := testutil.NewMockPersons(12)
	defer mock.Close()

	cfg := testConfig(mock.URL())
	cfg.FieldPolicy.Rules["phone"] = anonymize.Rule{Strategy: anonymize.StrategyRedact, Token: "REDACTED"}
	cfg.MetricSpecs = []report.MetricSpec{{Name: "by_phone", Func: report.FuncCount, GroupBy: []string{"phone"}}}

	res, err := newOrchestrator(t, cfg, nil).Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	groups := res.Report.Metrics["by_phone"].Groups
	if len(groups) != 1 || groups[0].Key[0] != "REDACTED" || groups[0].Count != 12 {
		t.Errorf("groups = %+v", groups)
	}
}

func TestRun_DeterministicAcrossRuns(t *testing.T) {
	mock := testutil.NewMockPersons(15)
	defer mock.Close()

	cfg := testConfig(mock.URL())
	cfg.FieldPolicy.Rules["email"] = anonymize.Rule{Strategy: anonymize.StrategyHash, As: "email_hash"}
	cfg.MetricSpecs = []report.MetricSpec{
		{Name: "emails", Func: report.FuncDistinctCount, Field: "email_hash"},
		{Name: "by_country", Func: report.FuncCount, GroupBy: []string{"address.country"}},
	}

	encode := func() ([]byte, []byte) {
		res, err := newOrchestrator(t, cfg, nil).Run(context.Background())
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
		recs, _ := EncodeRecords(res.Anonymized)
		rep, _ := EncodeReport(res.Report)
		return recs, rep
	}

	recs1, rep1 := encode()
	recs2, rep2 := encode()
	if !bytes.Equal(recs1, recs2) {
		t.Error("anonymized records differ between runs with a fixed salt")
	}
	if !bytes.Equal(rep1, rep2) {
		t.Error("reports differ between runs")
	}
}

type failingSink struct{ err error }

func (f failingSink) Write(context.Context, string, []byte) error { return f.err }

func TestRun_StoreFailure(t *testing.T) {
	mock := testutil.NewMockPersons(5)
	defer mock.Close()

	boom := errors.New("disk full")
	_, err := newOrchestrator(t, testConfig(mock.URL()), failingSink{err: boom}).Run(context.Background())

	var stageErr *StageError
	if !errors.As(err, &stageErr) || stageErr.Stage != StageStore || stageErr.Processed != 5 {
		t.Fatalf("error = %v", err)
	}
	if !errors.Is(err, boom) {
		t.Error("store error should wrap the sink error")
	}
}

func TestNew_ValidatesBeforeExtraction(t *testing.T) {
	mock := testutil.NewMockPersons(5)
	defer mock.Close()

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr error
	}{
		{"page size zero", func(c *Config) { c.PageSize = 0 }, ErrInvalidConfig},
		{"page size too large", func(c *Config) { c.PageSize = client.MaxPageSize + 1 }, ErrInvalidConfig},
		{"negative timeout", func(c *Config) { c.Timeout = -time.Second }, ErrInvalidConfig},
		{"negative retries", func(c *Config) { c.RetryAttempts = -1 }, ErrInvalidConfig},
		{"bad base url", func(c *Config) { c.BaseURL = "ftp://nope" }, ErrInvalidConfig},
		{"bad policy", func(c *Config) {
			c.FieldPolicy.Rules = map[string]anonymize.Rule{"email": {Strategy: "rot13"}}
		}, anonymize.ErrInvalidPolicy},
		{"rename onto served field", func(c *Config) {
			c.FieldPolicy.Rules["email"] = anonymize.Rule{Strategy: anonymize.StrategyEmailDomain, As: "gender"}
		}, anonymize.ErrInvalidPolicy},
		{"rename onto configured field", func(c *Config) {
			c.Schema = []string{"job"}
			c.FieldPolicy.Rules["email"] = anonymize.Rule{Strategy: anonymize.StrategyHash, As: "job"}
		}, anonymize.ErrInvalidPolicy},
		{"unknown metric field", func(c *Config) {
			c.MetricSpecs = []report.MetricSpec{{Name: "m", Func: report.FuncCount, GroupBy: []string{"salary"}}}
		}, report.ErrInvalidMetricSpec},
		{"metric on renamed source", func(c *Config) {
			c.MetricSpecs = []report.MetricSpec{{Name: "m", Func: report.FuncDistinctCount, Field: "email"}}
		}, report.ErrInvalidMetricSpec},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(mock.URL())
			cfg.FieldPolicy = anonymize.DefaultPolicy()
			tt.mutate(&cfg)

			_, err := New(cfg, Deps{})
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("New() error = %v, want %v", err, tt.wantErr)
			}
			var stageErr *StageError
			if !errors.As(err, &stageErr) || stageErr.Stage != StageConfigure {
				t.Errorf("error should be a configure StageError, got %v", err)
			}
		})
	}

	if got := mock.RequestCount(); got != 0 {
		t.Errorf("requests = %d, want none before a valid config", got)
	}
}

func TestNew_ExtraSchemaFields(t *testing.T) {
	cfg := testConfig("http://localhost")
	cfg.Schema = []string{"job"}
	cfg.MetricSpecs = []report.MetricSpec{
		{Name: "jobs", Func: report.FuncDistinctCount, Field: "job"},
		{Name: "by_run", Func: report.FuncCount, GroupBy: []string{ExtractedAtField}},
	}
	if _, err := New(cfg, Deps{}); err != nil {
		t.Fatalf("New() error = %v", err)
	}
}
