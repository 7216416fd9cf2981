package main

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/rs/zerolog"

	"github.com/medcab/realtime/internal/config"
	"github.com/medcab/realtime/internal/domain/queue"
	"github.com/medcab/realtime/internal/domain/realtime"
	"github.com/medcab/realtime/internal/platform/changefeed"
	"github.com/medcab/realtime/internal/platform/db"
	"github.com/medcab/realtime/internal/platform/notification"
	"github.com/medcab/realtime/internal/platform/websocket"
)

// ---------------------------------------------------------------------------
// CLI
// ---------------------------------------------------------------------------

func TestVersionCmd(t *testing.T) {
	cmd := versionCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	if err := cmd.Execute(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.TrimSpace(out.String()) != version {
		t.Errorf("expected %q, got %q", version, out.String())
	}
}

func TestPrintStatus(t *testing.T) {
	applied := time.Date(2024, 6, 3, 9, 0, 0, 0, time.UTC)
	cmd := versionCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)

	printStatus(cmd, []db.MigrationStatus{
		{Version: 1, Name: "core", Applied: true, AppliedAt: &applied},
		{Version: 2, Name: "change_feed"},
	})

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 4 {
		t.Fatalf("expected header, rule and 2 rows, got %d lines", len(lines))
	}
	if !strings.Contains(lines[2], "applied") || !strings.Contains(lines[2], "2024-06-03 09:00:00") {
		t.Errorf("unexpected applied row: %q", lines[2])
	}
	if !strings.Contains(lines[3], "pending") {
		t.Errorf("unexpected pending row: %q", lines[3])
	}
}

func TestMigrateCmd_Subcommands(t *testing.T) {
	cmd := migrateCmd()
	want := map[string]bool{"up": false, "status": false}
	for _, sub := range cmd.Commands() {
		want[sub.Name()] = true
	}
	for name, found := range want {
		if !found {
			t.Errorf("missing migrate %s", name)
		}
	}
}

func TestNewLogger_Level(t *testing.T) {
	tests := []struct {
		level string
		want  zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{"warn", zerolog.WarnLevel},
		{"", zerolog.InfoLevel},
		{"loud", zerolog.InfoLevel},
	}
	for _, tt := range tests {
		logger := newLogger(&config.Config{Env: "production", LogLevel: tt.level})
		if logger.GetLevel() != tt.want {
			t.Errorf("level %q: expected %s, got %s", tt.level, tt.want, logger.GetLevel())
		}
	}
}

// ---------------------------------------------------------------------------
// Session wiring
// ---------------------------------------------------------------------------

type stubDirectory struct{}

func (stubDirectory) PatientName(context.Context, uuid.UUID, uuid.UUID) (string, error) {
	return "", nil
}

func (stubDirectory) ProfileName(context.Context, uuid.UUID) (string, error) {
	return "", nil
}

type memoryRepo struct {
	mu        sync.Mutex
	entries   []queue.Entry
	persisted [][]uuid.UUID
}

func (r *memoryRepo) ListWaiting(context.Context, uuid.UUID) ([]queue.Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.entries, nil
}

func (r *memoryRepo) PersistOrder(_ context.Context, _ uuid.UUID, ids []uuid.UUID) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.persisted = append(r.persisted, ids)
	return len(ids), nil
}

type rawFrame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// waitFrame skips frames of other types until one of frameType arrives.
func waitFrame(t *testing.T, c *websocket.Client, frameType string) rawFrame {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case msg, ok := <-c.Send:
			if !ok {
				t.Fatalf("client closed while waiting for %s", frameType)
			}
			var f rawFrame
			if err := json.Unmarshal(msg, &f); err != nil {
				t.Fatalf("decode frame: %v", err)
			}
			if f.Type == frameType {
				return f
			}
		case <-deadline:
			t.Fatalf("no %s frame received", frameType)
		}
	}
}

type sessionFixture struct {
	deps   *sessionDeps
	hub    *websocket.Hub
	router *changefeed.Router
	repo   *memoryRepo
}

func newSessionFixture(names ...string) *sessionFixture {
	entries := make([]queue.Entry, len(names))
	for i, n := range names {
		entries[i] = queue.Entry{ID: uuid.New(), PatientName: n, Status: "waiting", Position: i}
	}
	f := &sessionFixture{
		hub:    websocket.NewHub(),
		router: changefeed.NewRouter(zerolog.Nop(), 8),
		repo:   &memoryRepo{entries: entries},
	}
	f.deps = &sessionDeps{
		hub: f.hub,
		multiplexer: realtime.NewMultiplexer(f.router, stubDirectory{}, clock.WallClock, realtime.Options{
			Location: time.UTC,
			LongWait: 30 * time.Minute,
		}, zerolog.Nop()),
		repo:   f.repo,
		clock:  clock.WallClock,
		notify: notification.DefaultOptions(),
		logger: zerolog.Nop(),
	}
	return f
}

func (f *sessionFixture) connect(structureID uuid.UUID) *websocket.Client {
	c := websocket.NewClient(f.hub, nil, uuid.New(), structureID, zerolog.Nop())
	c.PromptTimeout = 50 * time.Millisecond
	f.hub.Register(c)
	return c
}

func TestSession_LoadsAndReordersQueue(t *testing.T) {
	f := newSessionFixture("A", "B", "C")
	structureID := uuid.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := f.connect(structureID)
	peer := f.connect(structureID)
	sess := f.deps.newSession(ctx, client)
	defer sess.Close()

	var order queueOrderFrame
	if err := json.Unmarshal(waitFrame(t, client, websocket.FrameQueueOrder).Data, &order); err != nil {
		t.Fatalf("decode order: %v", err)
	}
	if len(order.Entries) != 3 || order.StructureID != structureID {
		t.Fatalf("unexpected initial order: %+v", order)
	}

	sess.HandleMessage(ctx, websocket.ClientMessage{
		Action:   websocket.ActionReorder,
		SourceID: order.Entries[2].ID.String(),
		TargetID: order.Entries[0].ID.String(),
	})

	if err := json.Unmarshal(waitFrame(t, client, websocket.FrameQueueOrder).Data, &order); err != nil {
		t.Fatalf("decode order: %v", err)
	}
	got := ""
	for _, e := range order.Entries {
		got += e.PatientName
	}
	if got != "CAB" {
		t.Errorf("expected optimistic order CAB, got %s", got)
	}

	var toast notification.Toast
	if err := json.Unmarshal(waitFrame(t, client, websocket.FrameToast).Data, &toast); err != nil {
		t.Fatalf("decode toast: %v", err)
	}
	if toast.Key != "queue-reorder-saved" {
		t.Errorf("expected confirmation toast, got %q", toast.Key)
	}

	var reordered queueReorderedFrame
	if err := json.Unmarshal(waitFrame(t, peer, websocket.FrameQueueReordered).Data, &reordered); err != nil {
		t.Fatalf("decode reordered: %v", err)
	}
	if len(reordered.IDs) != 3 || reordered.IDs[0] != order.Entries[0].ID {
		t.Errorf("unexpected broadcast ids: %v", reordered.IDs)
	}

	f.repo.mu.Lock()
	persisted := len(f.repo.persisted)
	f.repo.mu.Unlock()
	if persisted != 1 {
		t.Errorf("expected one persist call, got %d", persisted)
	}
}

func TestSession_SavingClearsAfterConfirmedPersist(t *testing.T) {
	f := newSessionFixture("A", "B", "C")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := f.connect(uuid.New())
	sess := f.deps.newSession(ctx, client)
	defer sess.Close()

	var order queueOrderFrame
	if err := json.Unmarshal(waitFrame(t, client, websocket.FrameQueueOrder).Data, &order); err != nil {
		t.Fatalf("decode order: %v", err)
	}
	if order.Saving {
		t.Fatal("expected the loaded order not to be saving")
	}

	sess.HandleMessage(ctx, websocket.ClientMessage{
		Action:   websocket.ActionReorder,
		SourceID: order.Entries[2].ID.String(),
		TargetID: order.Entries[0].ID.String(),
	})

	var saving []bool
	for len(saving) < 2 {
		var next queueOrderFrame
		if err := json.Unmarshal(waitFrame(t, client, websocket.FrameQueueOrder).Data, &next); err != nil {
			t.Fatalf("decode order: %v", err)
		}
		saving = append(saving, next.Saving)
	}
	if !saving[0] || saving[1] {
		t.Errorf("expected saving true then false, got %v", saving)
	}
}

func TestSession_GrantedTabIsNotPrompted(t *testing.T) {
	f := newSessionFixture("A")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := f.connect(uuid.Nil)
	client.SetPermission(notification.PermissionGranted)
	sess := f.deps.newSession(ctx, client)
	defer sess.Close()

	state := sess.(*clientSession).notifier.State()
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, resolved := state.Permission(); resolved {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("permission was never resolved")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if p, _ := state.Permission(); p != notification.PermissionGranted {
		t.Errorf("expected granted, got %s", p)
	}

	for {
		select {
		case msg := <-client.Send:
			var fr rawFrame
			_ = json.Unmarshal(msg, &fr)
			if fr.Type == websocket.FramePermissionRequest {
				t.Fatal("expected no permission prompt for a granted tab")
			}
		default:
			return
		}
	}
}

func TestSession_IdleWithoutStructure(t *testing.T) {
	f := newSessionFixture("A", "B")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := f.connect(uuid.Nil)
	sess := f.deps.newSession(ctx, client)
	defer sess.Close()

	if f.router.Count() != 0 {
		t.Errorf("expected no subscriptions for an idle tab, got %d", f.router.Count())
	}

	sess.HandleMessage(ctx, websocket.ClientMessage{
		Action:   websocket.ActionReorder,
		SourceID: uuid.NewString(),
		TargetID: uuid.NewString(),
	})
	var msg map[string]string
	_ = json.Unmarshal(waitFrame(t, client, websocket.FrameError).Data, &msg)
	if msg["message"] != "no structure selected" {
		t.Errorf("unexpected error frame: %v", msg)
	}
}

func TestSession_SwitchStructureAndClose(t *testing.T) {
	f := newSessionFixture("A")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := f.connect(uuid.Nil)
	sess := f.deps.newSession(ctx, client)

	sess.SwitchStructure(ctx, uuid.New())
	if f.router.Count() == 0 {
		t.Fatal("expected subscriptions after switching to a structure")
	}
	waitFrame(t, client, websocket.FrameQueueOrder)

	sess.SwitchStructure(ctx, uuid.Nil)
	if f.router.Count() != 0 {
		t.Errorf("expected subscriptions released when leaving the structure, got %d", f.router.Count())
	}

	sess.SwitchStructure(ctx, uuid.New())
	sess.Close()
	if f.router.Count() != 0 {
		t.Errorf("expected subscriptions released on close, got %d", f.router.Count())
	}
}

func TestSession_RejectsInvalidIDs(t *testing.T) {
	f := newSessionFixture("A", "B")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := f.connect(uuid.New())
	sess := f.deps.newSession(ctx, client)
	defer sess.Close()

	sess.HandleMessage(ctx, websocket.ClientMessage{Action: websocket.ActionReorder, SourceID: "x", TargetID: "y"})
	var msg map[string]string
	_ = json.Unmarshal(waitFrame(t, client, websocket.FrameError).Data, &msg)
	if msg["message"] != "invalid queue entry" {
		t.Errorf("unexpected error frame: %v", msg)
	}
}

func TestHubPublisher(t *testing.T) {
	hub := websocket.NewHub()
	structureID := uuid.New()
	member := websocket.NewClient(hub, nil, uuid.New(), structureID, zerolog.Nop())
	outsider := websocket.NewClient(hub, nil, uuid.New(), uuid.New(), zerolog.Nop())
	hub.Register(member)
	hub.Register(outsider)

	ids := []uuid.UUID{uuid.New(), uuid.New()}
	hubPublisher{hub: hub}.PublishOrder(structureID, ids)

	var frame queueReorderedFrame
	if err := json.Unmarshal(waitFrame(t, member, websocket.FrameQueueReordered).Data, &frame); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(frame.IDs) != 2 || frame.IDs[1] != ids[1] {
		t.Errorf("unexpected ids: %v", frame.IDs)
	}
	select {
	case <-outsider.Send:
		t.Error("expected no frame for another structure")
	default:
	}
}
