package integration

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/Sternrassler/persons-etl/internal/testutil"
	"github.com/Sternrassler/persons-etl/pkg/cache"
	"github.com/Sternrassler/persons-etl/pkg/client"
	"github.com/Sternrassler/persons-etl/pkg/pipeline"
	"github.com/Sternrassler/persons-etl/pkg/sink"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupRedis creates a Redis container for integration testing.
func setupRedis(t *testing.T) *redis.Client {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}

	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start Redis container: %v", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}

	port, err := container.MappedPort(ctx, "6379")
	if err != nil {
		t.Fatalf("Failed to get container port: %v", err)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr: host + ":" + port.Port(),
	})

	t.Cleanup(func() {
		redisClient.Close()
		_ = container.Terminate(ctx)
	})

	return redisClient
}

func newClient(t *testing.T, baseURL, seed string, m *cache.Manager) *client.Client {
	t.Helper()
	nop := zerolog.Nop()
	retry := client.DefaultRetryConfig()
	retry.InitialBackoff = time.Millisecond
	retry.MaxBackoff = 5 * time.Millisecond

	c, err := client.New(client.Config{
		BaseURL: baseURL,
		Seed:    seed,
		Retry:   retry,
		Cache:   m,
		Logger:  &nop,
	})
	if err != nil {
		t.Fatalf("client.New() error = %v", err)
	}
	return c
}

func TestCacheManager_RoundTrip(t *testing.T) {
	rdb := setupRedis(t)
	ctx := context.Background()
	m := cache.NewManager(rdb, time.Minute)

	key := cache.CacheKey{
		Endpoint:    "/api/v1/persons",
		QueryParams: url.Values{"_page": {"1"}, "_quantity": {"10"}, "_seed": {"42"}},
	}

	if _, err := m.Get(ctx, key); !errors.Is(err, cache.ErrCacheMiss) {
		t.Fatalf("Get() on empty cache error = %v, want ErrCacheMiss", err)
	}

	if err := m.Set(ctx, key, cache.NewEntry([]byte(`{"total":0,"data":[]}`))); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	entry, err := m.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if string(entry.Data) != `{"total":0,"data":[]}` {
		t.Errorf("Data = %s", entry.Data)
	}

	ttl, err := rdb.TTL(ctx, key.String()).Result()
	if err != nil {
		t.Fatalf("TTL() error = %v", err)
	}
	if ttl <= 0 || ttl > time.Minute {
		t.Errorf("TTL = %v, want within (0, 1m]", ttl)
	}

	if err := m.Delete(ctx, key); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := m.Get(ctx, key); !errors.Is(err, cache.ErrCacheMiss) {
		t.Errorf("Get() after Delete error = %v, want ErrCacheMiss", err)
	}
}

// TestClient_SeededPagesServedFromCache checks that a second seeded fetch
// of the same page never reaches the service.
func TestClient_SeededPagesServedFromCache(t *testing.T) {
	rdb := setupRedis(t)
	ctx := context.Background()

	mock := testutil.NewMockPersons(15)
	defer mock.Close()

	m := cache.NewManager(rdb, time.Minute)
	c := newClient(t, mock.URL(), "42", m)

	first, err := c.FetchPage(ctx, 1, 10)
	if err != nil {
		t.Fatalf("FetchPage() error = %v", err)
	}
	second, err := c.FetchPage(ctx, 1, 10)
	if err != nil {
		t.Fatalf("FetchPage() second error = %v", err)
	}

	if mock.PageRequests(1) != 1 {
		t.Errorf("page 1 requests = %d, want 1 (second from cache)", mock.PageRequests(1))
	}
	if len(first.Records) != len(second.Records) || first.TotalRecords != second.TotalRecords {
		t.Errorf("cached batch differs: %d/%d vs %d/%d",
			len(first.Records), first.TotalRecords, len(second.Records), second.TotalRecords)
	}

	keys, err := rdb.Keys(ctx, cache.KeyPrefix+":*").Result()
	if err != nil {
		t.Fatalf("Keys() error = %v", err)
	}
	if len(keys) != 1 || !strings.Contains(keys[0], "_seed=42") {
		t.Errorf("cache keys = %v", keys)
	}
}

func TestClient_UnseededPagesBypassCache(t *testing.T) {
	rdb := setupRedis(t)
	ctx := context.Background()

	mock := testutil.NewMockPersons(5)
	defer mock.Close()

	c := newClient(t, mock.URL(), "", cache.NewManager(rdb, time.Minute))
	for i := 0; i < 2; i++ {
		if _, err := c.FetchPage(ctx, 1, 10); err != nil {
			t.Fatalf("FetchPage() error = %v", err)
		}
	}

	if mock.PageRequests(1) != 2 {
		t.Errorf("page 1 requests = %d, want 2", mock.PageRequests(1))
	}
	if n, _ := rdb.DBSize(ctx).Result(); n != 0 {
		t.Errorf("DBSize = %d, want nothing cached", n)
	}
}

func TestPipeline_RedisSinkAndCache(t *testing.T) {
	rdb := setupRedis(t)
	ctx := context.Background()

	mock := testutil.NewMockPersons(25)
	defer mock.Close()

	cfg := pipeline.DefaultConfig()
	cfg.BaseURL = mock.URL()
	cfg.Seed = "7"
	cfg.PageSize = 10
	cfg.RequestsPerSecond = 0
	cfg.BackoffBase = time.Millisecond

	redisSink := sink.NewRedisSink(rdb, time.Hour)
	nop := zerolog.Nop()
	deps := pipeline.Deps{
		Cache:  cache.NewManager(rdb, time.Hour),
		Sink:   redisSink,
		Logger: &nop,
	}

	run := func() *pipeline.RunResult {
		t.Helper()
		orch, err := pipeline.New(cfg, deps)
		if err != nil {
			t.Fatalf("pipeline.New() error = %v", err)
		}
		res, err := orch.Run(ctx)
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
		return res
	}

	first := run()
	requests := mock.RequestCount()
	second := run()

	if mock.RequestCount() != requests {
		t.Errorf("second run made %d requests, want all pages from cache", mock.RequestCount()-requests)
	}
	if first.Records != 25 || second.Records != 25 {
		t.Errorf("records = %d, %d, want 25", first.Records, second.Records)
	}

	a, _ := pipeline.EncodeReport(first.Report)
	b, _ := pipeline.EncodeReport(second.Report)
	if string(a) != string(b) {
		t.Error("reports from cached and fresh runs differ")
	}

	stored, err := redisSink.Read(ctx, pipeline.ReportLocation(first.RunID))
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if string(stored) != string(a) {
		t.Error("stored report differs from encoded report")
	}

	records, err := redisSink.Read(ctx, pipeline.RecordsLocation(second.RunID))
	if err != nil {
		t.Fatalf("Read() records error = %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(records)), "\n")
	if len(lines) != 25 {
		t.Fatalf("stored %d records, want 25", len(lines))
	}
	var rec map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		t.Fatalf("record line is not JSON: %v", err)
	}
	if _, ok := rec["email"]; ok {
		t.Error("stored record still carries email")
	}
	if rec["phone"] != "****" {
		t.Errorf("phone = %v, want redacted", rec["phone"])
	}
}
