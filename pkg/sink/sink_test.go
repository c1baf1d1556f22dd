package sink

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func TestCleanLocation(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"run/report.json", "run/report.json", false},
		{"run//x/../report.json", "run/report.json", false},
		{"", "", true},
		{"/etc/passwd", "", true},
		{"../escape", "", true},
		{"run/../../escape", "", true},
		{"..", "", true},
		{".", "", true},
		{`run\report.json`, "", true},
	}
	for _, tt := range tests {
		got, err := cleanLocation(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("cleanLocation(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if err != nil && !errors.Is(err, ErrInvalidLocation) {
			t.Errorf("cleanLocation(%q) error = %v, want ErrInvalidLocation", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("cleanLocation(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestFileSink_Write(t *testing.T) {
	root := t.TempDir()
	s := NewFileSink(root)
	ctx := context.Background()

	if err := s.Write(ctx, "run-1/report.json", []byte(`{"a":1}`)); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if err := s.Write(ctx, "run-1/report.json", []byte(`{"a":2}`)); err != nil {
		t.Fatalf("overwrite error = %v", err)
	}

	got, err := os.ReadFile(filepath.Join(root, "run-1", "report.json"))
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if string(got) != `{"a":2}` {
		t.Errorf("payload = %s", got)
	}

	entries, _ := os.ReadDir(filepath.Join(root, "run-1"))
	if len(entries) != 1 {
		t.Errorf("temp files left behind: %v", entries)
	}

	if err := s.Write(ctx, "../outside", nil); !errors.Is(err, ErrInvalidLocation) {
		t.Errorf("escaping write error = %v", err)
	}
}

func TestFileSink_DefaultRoot(t *testing.T) {
	if NewFileSink("").Root != DefaultRoot() {
		t.Error("empty root should select DefaultRoot")
	}
}

func TestFileSink_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := NewFileSink(t.TempDir()).Write(ctx, "a", []byte("x")); !errors.Is(err, context.Canceled) {
		t.Errorf("Write() error = %v, want context.Canceled", err)
	}
}

func TestSQLiteSink(t *testing.T) {
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "db", "payloads.db"))
	if err != nil {
		t.Fatalf("OpenSQLite() error = %v", err)
	}
	defer s.Close()

	fixed := time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return fixed }
	ctx := context.Background()

	if err := s.Write(ctx, "r1/records.ndjson", []byte("one\n")); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if err := s.Write(ctx, "r1/records.ndjson", []byte("two\n")); err != nil {
		t.Fatalf("upsert error = %v", err)
	}
	if err := s.Write(ctx, "r1/report.json", []byte("{}")); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	data, writtenAt, err := s.Read(ctx, "r1/records.ndjson")
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if string(data) != "two\n" || !writtenAt.Equal(fixed) {
		t.Errorf("Read() = %q at %v", data, writtenAt)
	}

	locs, err := s.Locations(ctx)
	if err != nil {
		t.Fatalf("Locations() error = %v", err)
	}
	if len(locs) != 2 || locs[0] != "r1/records.ndjson" || locs[1] != "r1/report.json" {
		t.Errorf("Locations() = %v", locs)
	}

	if _, _, err := s.Read(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Read(missing) error = %v, want ErrNotFound", err)
	}
}

type recordingSink struct {
	writes []string
	err    error
}

func (r *recordingSink) Write(_ context.Context, location string, _ []byte) error {
	r.writes = append(r.writes, location)
	return r.err
}

func TestMultiSink(t *testing.T) {
	a, b := &recordingSink{}, &recordingSink{}
	if err := (MultiSink{a, b}).Write(context.Background(), "x", nil); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if len(a.writes) != 1 || len(b.writes) != 1 {
		t.Errorf("writes = %v / %v", a.writes, b.writes)
	}

	boom := errors.New("boom")
	failing, after := &recordingSink{err: boom}, &recordingSink{}
	err := (MultiSink{failing, after}).Write(context.Background(), "x", nil)
	if !errors.Is(err, boom) {
		t.Errorf("error = %v, want boom", err)
	}
	if len(after.writes) != 0 {
		t.Error("sinks after a failure should not be written")
	}
}

// setupTestRedis connects to a local Redis and skips the test when none is running.
func setupTestRedis(t *testing.T) *redis.Client {
	t.Helper()

	client := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   15, // Use a separate DB for tests
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available for testing: %v", err)
	}
	if err := client.FlushDB(ctx).Err(); err != nil {
		t.Fatalf("Failed to flush test DB: %v", err)
	}

	t.Cleanup(func() {
		client.FlushDB(context.Background())
		client.Close()
	})
	return client
}

func TestRedisSink(t *testing.T) {
	client := setupTestRedis(t)
	s := NewRedisSink(client, time.Minute)
	ctx := context.Background()

	if err := s.Write(ctx, "r1/report.json", []byte(`{"ok":true}`)); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	got, err := s.Read(ctx, "r1/report.json")
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if string(got) != `{"ok":true}` {
		t.Errorf("Read() = %s", got)
	}

	ttl := client.TTL(ctx, RedisKeyPrefix+"r1/report.json").Val()
	if ttl <= 0 || ttl > time.Minute {
		t.Errorf("TTL = %v, want (0, 1m]", ttl)
	}
}

func TestRedisSink_Key(t *testing.T) {
	s := NewRedisSink(redis.NewClient(&redis.Options{Addr: "localhost:6379"}), 0)
	key, err := s.Key("r1/./report.json")
	if err != nil || key != "persons-etl:payload:r1/report.json" {
		t.Errorf("Key() = %q, %v", key, err)
	}
	if _, err := s.Key("/abs"); !errors.Is(err, ErrInvalidLocation) {
		t.Errorf("Key(/abs) error = %v", err)
	}
}
