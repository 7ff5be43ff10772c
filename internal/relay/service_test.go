package relay

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/reimonlp/greenhouse/internal/audit"
)

type sentEvent struct {
	event   string
	payload any
}

type mockHub struct {
	mu      sync.Mutex
	all     []sentEvent
	devices []sentEvent
}

func (h *mockHub) Broadcast(event string, payload any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.all = append(h.all, sentEvent{event, payload})
}

func (h *mockHub) BroadcastToDevices(event string, payload any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.devices = append(h.devices, sentEvent{event, payload})
}

func (h *mockHub) count(events []sentEvent, name string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, e := range events {
		if e.event == name {
			n++
		}
	}
	return n
}

type mockMirror struct {
	cmds []Command
	err  error
}

func (m *mockMirror) PublishRelayCommand(cmd Command) error {
	m.cmds = append(m.cmds, cmd)
	return m.err
}

type failingRecorder struct{}

func (failingRecorder) Record(context.Context, *audit.Entry) error {
	return errors.New("disk full")
}

func newTestService(t *testing.T, opts ...Option) (*Service, *mockHub, func(string) int) {
	t.Helper()
	db := setupTestDB(t)
	hub := &mockHub{}
	rec := audit.NewRecorder(audit.NewSQLiteRepository(db), hub)
	svc := NewService(NewSQLiteRegister(db), rec, hub, opts...)
	return svc, hub, func(table string) int { return countRows(t, db, table) }
}

func TestService_ApplyOperatorCommand(t *testing.T) {
	mirror := &mockMirror{}
	svc, hub, rows := newTestService(t, WithCommandMirror(mirror))

	st, err := svc.Apply(context.Background(), Change{RelayID: 1, State: true, Origin: OriginOperator})
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if st.Mode != ModeManual || st.ChangedBy != ChangedByUser {
		t.Errorf("defaults = %s/%s, want manual/user", st.Mode, st.ChangedBy)
	}

	if n := rows("relay_states"); n != 1 {
		t.Errorf("relay_states rows = %d, want 1", n)
	}
	if n := rows("system_logs"); n != 1 {
		t.Errorf("system_logs rows = %d, want 1", n)
	}
	if n := hub.count(hub.all, EventChanged); n != 1 {
		t.Errorf("relay:changed broadcasts = %d, want 1", n)
	}
	if n := hub.count(hub.devices, EventCommand); n != 1 {
		t.Errorf("relay:command to devices = %d, want 1", n)
	}
	if len(mirror.cmds) != 1 || mirror.cmds[0].RelayID != 1 || !mirror.cmds[0].State {
		t.Errorf("mirrored commands = %+v", mirror.cmds)
	}
}

func TestService_ApplyRuleDefaults(t *testing.T) {
	svc, hub, _ := newTestService(t)

	st, err := svc.Apply(context.Background(), Change{RelayID: 3, State: true, Origin: OriginRule})
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if st.Mode != ModeAuto || st.ChangedBy != ChangedByRule {
		t.Errorf("defaults = %s/%s, want auto/rule", st.Mode, st.ChangedBy)
	}
	if n := hub.count(hub.devices, EventCommand); n != 1 {
		t.Errorf("relay:command to devices = %d, want 1", n)
	}
}

func TestService_DeviceEchoIsNotReissued(t *testing.T) {
	mirror := &mockMirror{}
	svc, hub, rows := newTestService(t, WithCommandMirror(mirror))

	st, err := svc.Apply(context.Background(), Change{RelayID: 2, State: true, Origin: OriginDevice, DeviceID: "ESP32_GREENHOUSE_01"})
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if st.ChangedBy != ChangedByDevice {
		t.Errorf("ChangedBy = %q, want %q", st.ChangedBy, ChangedByDevice)
	}
	if n := rows("relay_states"); n != 1 {
		t.Errorf("relay_states rows = %d, want 1", n)
	}
	if n := hub.count(hub.all, EventChanged); n != 1 {
		t.Errorf("relay:changed broadcasts = %d, want 1", n)
	}
	if n := hub.count(hub.devices, EventCommand); n != 0 {
		t.Errorf("device echo produced %d relay:command", n)
	}
	if len(mirror.cmds) != 0 {
		t.Errorf("device echo mirrored %d commands", len(mirror.cmds))
	}
}

func TestService_ApplyRejectsInvalidRelay(t *testing.T) {
	svc, hub, rows := newTestService(t)

	for _, id := range []int{-1, 4} {
		_, err := svc.Apply(context.Background(), Change{RelayID: id, State: true, Origin: OriginRule})
		if !errors.Is(err, ErrInvalidRelayID) {
			t.Errorf("Apply(%d) error = %v, want ErrInvalidRelayID", id, err)
		}
	}

	if n := rows("relay_states"); n != 0 {
		t.Errorf("relay_states rows = %d, want 0", n)
	}
	if n := rows("system_logs"); n != 0 {
		t.Errorf("system_logs rows = %d, want 0", n)
	}
	if len(hub.all) != 0 || len(hub.devices) != 0 {
		t.Error("invalid relay id should not broadcast")
	}
}

func TestService_AuditFailureDoesNotFailWrite(t *testing.T) {
	db := setupTestDB(t)
	hub := &mockHub{}
	svc := NewService(NewSQLiteRegister(db), failingRecorder{}, hub)

	if _, err := svc.Apply(context.Background(), Change{RelayID: 0, State: true}); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if n := countRows(t, db, "relay_states"); n != 1 {
		t.Errorf("relay_states rows = %d, want 1", n)
	}
	if n := hub.count(hub.all, EventChanged); n != 1 {
		t.Errorf("relay:changed broadcasts = %d, want 1", n)
	}
}

func TestService_SeedDefaults(t *testing.T) {
	svc, hub, rows := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Apply(ctx, Change{RelayID: 1, State: true, Origin: OriginOperator}); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}

	if err := svc.SeedDefaults(ctx, "ESP32_GREENHOUSE_01"); err != nil {
		t.Fatalf("SeedDefaults() error = %v", err)
	}
	if n := rows("relay_states"); n != Count {
		t.Errorf("relay_states rows = %d, want %d", n, Count)
	}

	// Seeding twice writes nothing new.
	if err := svc.SeedDefaults(ctx, "ESP32_GREENHOUSE_01"); err != nil {
		t.Fatalf("SeedDefaults() error = %v", err)
	}
	if n := rows("relay_states"); n != Count {
		t.Errorf("relay_states rows after reseed = %d, want %d", n, Count)
	}

	states, err := svc.CurrentStates(ctx)
	if err != nil {
		t.Fatalf("CurrentStates() error = %v", err)
	}
	if len(states) != Count {
		t.Fatalf("CurrentStates() len = %d", len(states))
	}
	for _, s := range states {
		if s.Name != Name(s.RelayID) {
			t.Errorf("relay %d name = %q", s.RelayID, s.Name)
		}
		if s.RelayID == 1 {
			if !s.State.State || s.ChangedBy != ChangedByUser {
				t.Errorf("seeding overwrote relay 1: %+v", s)
			}
			continue
		}
		if s.State.State || s.Mode != ModeManual || s.ChangedBy != ChangedBySystem {
			t.Errorf("seeded relay %d = %+v", s.RelayID, s)
		}
	}

	// Seeded records are not commands.
	if n := hub.count(hub.devices, EventCommand); n != 1 {
		t.Errorf("relay:command count = %d, want 1", n)
	}
}

func TestService_ClockAndHistory(t *testing.T) {
	now := time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)
	svc, _, _ := newTestService(t, WithClock(func() time.Time { return now }))
	ctx := context.Background()

	for _, on := range []bool{true, false, true} {
		if _, err := svc.Apply(ctx, Change{RelayID: 2, State: on}); err != nil {
			t.Fatalf("Apply() error = %v", err)
		}
		now = now.Add(time.Second)
	}

	cur, err := svc.Current(ctx, 2)
	if err != nil {
		t.Fatalf("Current() error = %v", err)
	}
	if !cur.State || !cur.Timestamp.Equal(time.Date(2026, 6, 1, 9, 0, 2, 0, time.UTC)) {
		t.Errorf("Current() = %+v", cur)
	}

	hist, err := svc.History(ctx, 2, 0)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(hist) != 3 {
		t.Errorf("History() len = %d, want 3", len(hist))
	}

	if _, err := svc.History(ctx, 9, 10); !errors.Is(err, ErrInvalidRelayID) {
		t.Errorf("History(9) error = %v", err)
	}
}
