package dashboard

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"

	wsync "github.com/steveyegge/wisync/internal/sync"
	"github.com/steveyegge/wisync/internal/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// startServer starts a dashboard on a free local port.
func startServer(t *testing.T) *Server {
	t.Helper()
	server := NewServer(&Config{Port: 0, Host: "127.0.0.1", Logger: testLogger()})
	if err := server.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	t.Cleanup(func() { server.Stop() })
	return server
}

// dial connects a client and consumes the welcome message.
func dial(t *testing.T, ctx context.Context, server *Server) (*websocket.Conn, Message) {
	t.Helper()
	conn, _, err := websocket.Dial(ctx, "ws://"+server.GetAddr()+"/ws", nil)
	if err != nil {
		t.Fatalf("failed to connect WebSocket: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn, readMessage(t, ctx, conn)
}

func readMessage(t *testing.T, ctx context.Context, conn *websocket.Conn) Message {
	t.Helper()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("failed to read message: %v", err)
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("failed to unmarshal message: %v", err)
	}
	return msg
}

func TestServerStartStop(t *testing.T) {
	server := NewServer(&Config{Port: 0, Host: "127.0.0.1", Logger: testLogger()})
	if err := server.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	if server.GetAddr() == "" {
		t.Fatal("server address is empty")
	}
	if err := server.Stop(); err != nil {
		t.Fatalf("Stop() failed: %v", err)
	}
}

func TestWebSocketWelcome(t *testing.T) {
	server := startServer(t)
	n := NewNotifier(server, testLogger())
	n.record(wsync.Event{Kind: wsync.EventRunStarted, RunID: "r1", At: time.Now()})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, welcome := dial(t, ctx, server)
	if welcome.Type != MessageTypeStats {
		t.Fatalf("welcome type = %s, want %s", welcome.Type, MessageTypeStats)
	}
	var stats StatsData
	if err := json.Unmarshal(welcome.Data, &stats); err != nil {
		t.Fatal(err)
	}
	if !stats.Running || stats.CurrentRun != "r1" {
		t.Errorf("welcome stats = %+v", stats)
	}
	if count := server.ClientCount(); count != 1 {
		t.Errorf("ClientCount() = %d, want 1", count)
	}
}

func TestMultipleClients(t *testing.T) {
	server := startServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for i := 0; i < 3; i++ {
		dial(t, ctx, server)
	}
	if count := server.ClientCount(); count != 3 {
		t.Errorf("ClientCount() = %d, want 3", count)
	}
}

func TestNotifierBroadcastsRun(t *testing.T) {
	server := startServer(t)
	n := NewNotifier(server, testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _ := dial(t, ctx, server)

	now := time.Now()
	events := []wsync.Event{
		{Kind: wsync.EventRunStarted, RunID: "r1", At: now},
		{Kind: wsync.EventItemApplied, RunID: "r1", At: now, Type: "task", ItemID: "T-1", Action: wsync.ActionDownload},
		{Kind: wsync.EventConflictFound, RunID: "r1", At: now, Type: "task", ItemID: "T-2",
			Conflict: &types.ConflictResolution{ItemID: "T-2", Type: "task", Strategy: types.StrategyManual, RequiresManualAction: true}},
		{Kind: wsync.EventRunFinished, RunID: "r1", At: now, Phase: wsync.PhaseFinalized,
			Totals: &wsync.TypeReport{Downloaded: 1, Conflicts: 1}},
	}
	for _, e := range events {
		n.Notify(e)
	}

	want := []MessageType{MessageTypeRunStarted, MessageTypeItemApplied, MessageTypeConflict, MessageTypeRunFinished, MessageTypeStats}
	var last Message
	for i, typ := range want {
		last = readMessage(t, ctx, conn)
		if last.Type != typ {
			t.Fatalf("message %d type = %s, want %s", i, last.Type, typ)
		}
		if i == 1 {
			var e wsync.Event
			if err := json.Unmarshal(last.Data, &e); err != nil {
				t.Fatal(err)
			}
			if e.ItemID != "T-1" || e.Action != wsync.ActionDownload {
				t.Errorf("item event = %+v", e)
			}
		}
	}

	var stats StatsData
	if err := json.Unmarshal(last.Data, &stats); err != nil {
		t.Fatal(err)
	}
	if stats.Runs != 1 || stats.Applied != 1 || stats.Conflicts != 1 || stats.Running {
		t.Errorf("stats = %+v", stats)
	}
	if stats.LastPhase != wsync.PhaseFinalized || stats.LastTotals == nil || stats.LastTotals.Downloaded != 1 {
		t.Errorf("last run = %+v", stats)
	}
}

func TestNotifierCountsFailures(t *testing.T) {
	n := NewNotifier(NewServer(&Config{Logger: testLogger()}), testLogger())
	n.Notify(wsync.Event{Kind: wsync.EventRunStarted, RunID: "r1"})
	n.Notify(wsync.Event{Kind: wsync.EventRunFinished, RunID: "r1", Phase: wsync.PhaseFailed, Error: "boom"})

	if st := n.Stats(); st.Failed != 1 || st.Running {
		t.Errorf("stats = %+v", st)
	}
}

func TestHTTPEndpoints(t *testing.T) {
	server := NewServer(&Config{Logger: testLogger()})
	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/status")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("/status without notifier = %d, want 503", resp.StatusCode)
	}

	n := NewNotifier(server, testLogger())
	n.Notify(wsync.Event{Kind: wsync.EventRunStarted, RunID: "r9"})

	resp, err = http.Get(ts.URL + "/status")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var stats StatsData
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatal(err)
	}
	if stats.CurrentRun != "r9" {
		t.Errorf("/status = %+v", stats)
	}

	health, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer health.Body.Close()
	var body map[string]any
	if err := json.NewDecoder(health.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "ok" {
		t.Errorf("/health = %v", body)
	}
}
