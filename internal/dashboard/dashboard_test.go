package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/modula-sync/modula/internal/logging"
	"github.com/modula-sync/modula/internal/replication"
)

func startServer(t *testing.T) *Server {
	t.Helper()
	server := NewServer(Config{Addr: "127.0.0.1:0", Logger: logging.Nop()})
	if err := server.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	t.Cleanup(func() { _ = server.Stop() })
	return server
}

func dial(t *testing.T, ctx context.Context, server *Server) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.Dial(ctx, "ws://"+server.Addr()+"/ws", nil)
	if err != nil {
		t.Fatalf("Failed to connect WebSocket: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func waitForClients(t *testing.T, server *Server, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if server.ClientCount() == n {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("Expected %d clients, got %d", n, server.ClientCount())
}

func readMessage(t *testing.T, ctx context.Context, conn *websocket.Conn) Message {
	t.Helper()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Failed to read message: %v", err)
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("Failed to unmarshal message: %v", err)
	}
	return msg
}

func TestServerStartStop(t *testing.T) {
	server := NewServer(Config{Addr: "127.0.0.1:0"})
	if err := server.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	if server.Addr() == "127.0.0.1:0" {
		t.Error("Addr() did not report the bound port")
	}
	if err := server.Stop(); err != nil {
		t.Fatalf("Failed to stop server: %v", err)
	}
}

func TestStopWithoutStart(t *testing.T) {
	server := NewServer(Config{})
	if err := server.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
}

func TestHealth(t *testing.T) {
	server := startServer(t)

	resp, err := http.Get("http://" + server.Addr() + "/health")
	if err != nil {
		t.Fatalf("GET /health failed: %v", err)
	}
	defer resp.Body.Close()

	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("status = %v, want ok", body["status"])
	}
}

func TestReplicationResultBroadcast(t *testing.T) {
	server := startServer(t)
	handler := NewHandler(server, logging.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	clients := []*websocket.Conn{dial(t, ctx, server), dial(t, ctx, server)}
	waitForClients(t, server, len(clients))

	handler.Observe(replication.Outcome{
		ActivityID:       "act-1",
		Source:           "/src",
		Target:           "/dst",
		Object:           "a.txt",
		Action:           "create",
		Success:          true,
		Attempts:         1,
		BytesTransferred: 42,
	})

	for i, conn := range clients {
		msg := readMessage(t, ctx, conn)
		if msg.Type != MessageTypeReplicationResult {
			t.Fatalf("client %d: type = %s, want %s", i, msg.Type, MessageTypeReplicationResult)
		}
		var out replication.Outcome
		if err := json.Unmarshal(msg.Data, &out); err != nil {
			t.Fatalf("Failed to unmarshal outcome: %v", err)
		}
		if out.ActivityID != "act-1" || out.BytesTransferred != 42 {
			t.Errorf("client %d: outcome = %+v", i, out)
		}
	}
}

func TestHandlerStats(t *testing.T) {
	server := startServer(t)
	handler := NewHandler(server, logging.Nop())

	handler.Observe(replication.Outcome{Action: "create", Success: true, BytesTransferred: 10})
	handler.Observe(replication.Outcome{Action: "create", Success: false})
	handler.Observe(replication.Outcome{Action: "remove", Success: true, BytesTransferred: 5})
	handler.OnMonitorStats(7, 6, 1, 0)

	stats := handler.Stats()
	if stats.Succeeded != 2 || stats.Failed != 1 {
		t.Errorf("succeeded=%d failed=%d, want 2 and 1", stats.Succeeded, stats.Failed)
	}
	if stats.BytesTransferred != 15 {
		t.Errorf("BytesTransferred = %d, want 15", stats.BytesTransferred)
	}
	if stats.ByAction["create"] != 2 || stats.ByAction["remove"] != 1 {
		t.Errorf("ByAction = %v", stats.ByAction)
	}
	if stats.Offloaded != 7 || stats.Dropped != 1 {
		t.Errorf("monitor counters = %+v", stats)
	}
}

func TestFullSyncBroadcast(t *testing.T) {
	server := startServer(t)
	handler := NewHandler(server, logging.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn := dial(t, ctx, server)
	waitForClients(t, server, 1)

	handler.OnFullSync(3, 1500*time.Millisecond, errors.New("target unreachable"))

	msg := readMessage(t, ctx, conn)
	if msg.Type != MessageTypeFullSyncComplete {
		t.Fatalf("type = %s, want %s", msg.Type, MessageTypeFullSyncComplete)
	}
	var data FullSyncData
	if err := json.Unmarshal(msg.Data, &data); err != nil {
		t.Fatalf("Failed to unmarshal: %v", err)
	}
	if data.Engines != 3 || data.DurationMS != 1500 || data.Error != "target unreachable" {
		t.Errorf("data = %+v", data)
	}
}

func TestClientDisconnect(t *testing.T) {
	server := startServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws://"+server.Addr()+"/ws", nil)
	if err != nil {
		t.Fatalf("Failed to connect WebSocket: %v", err)
	}
	waitForClients(t, server, 1)

	_ = conn.Close(websocket.StatusNormalClosure, "")
	waitForClients(t, server, 0)
}
