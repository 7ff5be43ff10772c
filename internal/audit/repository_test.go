package audit

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/reimonlp/greenhouse/internal/infrastructure/database"
	_ "github.com/reimonlp/greenhouse/migrations"
)

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := database.Open(database.Config{Path: filepath.Join(t.TempDir(), "audit.db")})
	if err != nil {
		t.Fatalf("opening test database: %v", err)
	}
	t.Cleanup(func() { db.Close() }) //nolint:errcheck // test cleanup

	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("migrating test database: %v", err)
	}
	return db.DB
}

func TestSQLiteRepository_CreateAndList(t *testing.T) {
	repo := NewSQLiteRepository(setupTestDB(t))
	ctx := context.Background()

	base := time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)
	entries := []*Entry{
		{Level: LevelInfo, Source: SourceRuleEngine, Message: "Relay 1 (Fan) turned on via auto mode", Timestamp: base},
		{Level: LevelWarning, Source: SourceDevice, Message: "DHT read failed", Timestamp: base.Add(time.Minute)},
		{Level: LevelInfo, Source: SourceAPI, Message: `Rule "Heat" created`, Metadata: map[string]any{"rule_id": "r1"}, Timestamp: base.Add(2 * time.Minute)},
	}
	for _, e := range entries {
		if err := repo.Create(ctx, e); err != nil {
			t.Fatalf("Create() error = %v", err)
		}
		if e.ID == "" {
			t.Error("Create() should assign an ID")
		}
	}

	t.Run("newest first", func(t *testing.T) {
		got, err := repo.List(ctx, Filter{})
		if err != nil {
			t.Fatalf("List() error = %v", err)
		}
		if len(got) != 3 {
			t.Fatalf("len = %d, want 3", len(got))
		}
		if got[0].Source != SourceAPI || got[2].Source != SourceRuleEngine {
			t.Errorf("unexpected order: %v, %v, %v", got[0].Source, got[1].Source, got[2].Source)
		}
		if got[0].Metadata["rule_id"] != "r1" {
			t.Errorf("metadata = %v, want rule_id=r1", got[0].Metadata)
		}
		if !got[0].Timestamp.Equal(base.Add(2 * time.Minute)) {
			t.Errorf("timestamp = %v", got[0].Timestamp)
		}
	})

	t.Run("filter by level", func(t *testing.T) {
		got, err := repo.List(ctx, Filter{Level: LevelWarning})
		if err != nil {
			t.Fatalf("List() error = %v", err)
		}
		if len(got) != 1 || got[0].Message != "DHT read failed" {
			t.Errorf("got %+v, want the single warning", got)
		}
	})

	t.Run("filter by source", func(t *testing.T) {
		got, err := repo.List(ctx, Filter{Source: SourceRuleEngine})
		if err != nil {
			t.Fatalf("List() error = %v", err)
		}
		if len(got) != 1 {
			t.Errorf("len = %d, want 1", len(got))
		}
	})

	t.Run("limit", func(t *testing.T) {
		got, err := repo.List(ctx, Filter{Limit: 2})
		if err != nil {
			t.Fatalf("List() error = %v", err)
		}
		if len(got) != 2 {
			t.Errorf("len = %d, want 2", len(got))
		}
	})
}

func TestSQLiteRepository_CreateDefaults(t *testing.T) {
	repo := NewSQLiteRepository(setupTestDB(t))
	ctx := context.Background()

	e := &Entry{Level: "warn", Message: "low battery"}
	if err := repo.Create(ctx, e); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if e.Level != LevelWarning {
		t.Errorf("Level = %q, want warning", e.Level)
	}
	if e.Source != SourceSystem {
		t.Errorf("Source = %q, want system", e.Source)
	}
	if e.Timestamp.IsZero() {
		t.Error("Timestamp should be set")
	}

	if err := repo.Create(ctx, &Entry{Message: "  "}); !errors.Is(err, ErrEmptyMessage) {
		t.Errorf("Create() empty message error = %v, want ErrEmptyMessage", err)
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]Level{
		"debug":   LevelDebug,
		"INFO":    LevelInfo,
		"warn":    LevelWarning,
		"warning": LevelWarning,
		"error":   LevelError,
		"":        LevelInfo,
		"fatal":   LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %q, want %q", in, got, want)
		}
	}
}

type captureHub struct {
	mu     sync.Mutex
	events []string
}

func (h *captureHub) Broadcast(event string, _ any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, event)
}

func TestRecorder_BroadcastsAfterStore(t *testing.T) {
	repo := NewSQLiteRepository(setupTestDB(t))
	hub := &captureHub{}
	rec := NewRecorder(repo, hub)
	ctx := context.Background()

	if err := rec.Info(ctx, SourceAPI, "Rule created", nil); err != nil {
		t.Fatalf("Info() error = %v", err)
	}
	if len(hub.events) != 1 || hub.events[0] != EventLogNew {
		t.Errorf("events = %v, want [%s]", hub.events, EventLogNew)
	}

	// A rejected entry is neither stored nor broadcast.
	if err := rec.Info(ctx, SourceAPI, "", nil); err == nil {
		t.Error("Info() expected error for empty message")
	}
	if len(hub.events) != 1 {
		t.Errorf("events = %v, want no new broadcast", hub.events)
	}

	entries, err := rec.List(ctx, Filter{})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("stored %d entries, want 1", len(entries))
	}
}

func TestRecorder_NilBroadcaster(t *testing.T) {
	rec := NewRecorder(NewSQLiteRepository(setupTestDB(t)), nil)
	if err := rec.Info(context.Background(), SourceSystem, "booted", nil); err != nil {
		t.Fatalf("Info() error = %v", err)
	}
}
