package realtime

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/krinkuto11/acestream-orchestrator/internal/model"
	"github.com/krinkuto11/acestream-orchestrator/internal/state"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestCollectIncludesEnginesAndActiveStreamsOnly(t *testing.T) {
	st := state.New()
	st.AddEngine(&model.Engine{ID: "e1"})
	st.OnStreamStarted(model.StreamStartedEvent{StreamID: "s1", ContainerID: "e1"})
	st.OnStreamEnded(model.StreamEndedEvent{StreamID: "s1"})
	st.OnStreamStarted(model.StreamStartedEvent{StreamID: "s2", ContainerID: "e1"})

	h := NewHub(st, nil, testLogger())
	snap := h.collect()

	if len(snap.Data.Engines) != 1 {
		t.Fatalf("expected 1 engine in snapshot, got %d", len(snap.Data.Engines))
	}
	if len(snap.Data.Streams) != 1 || snap.Data.Streams[0].ID != "s2" {
		t.Fatalf("expected only the still-active stream s2, got %+v", snap.Data.Streams)
	}
	if snap.Type != "update" {
		t.Fatalf("expected type=update, got %q", snap.Type)
	}
}

func TestCollectUsesVPNStatusSourceWhenProvided(t *testing.T) {
	st := state.New()
	vpn := VPNStatus{Enabled: true, Connected: true, Container: "vpn1"}
	h := NewHub(st, func() VPNStatus { return vpn }, testLogger())

	snap := h.collect()
	if snap.Data.VPN != vpn {
		t.Fatalf("expected VPN status %+v, got %+v", vpn, snap.Data.VPN)
	}
}

func TestCollectDefaultsVPNStatusWhenSourceNil(t *testing.T) {
	st := state.New()
	h := NewHub(st, nil, testLogger())

	snap := h.collect()
	if snap.Data.VPN.Enabled {
		t.Fatal("expected a zero-value VPN status when no source is configured")
	}
}

func dialHub(t *testing.T, h *Hub) (*httptest.Server, *websocket.Conn) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(h.ServeHTTP))
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		srv.Close()
		t.Fatalf("unexpected dial error: %v", err)
	}
	return srv, conn
}

func TestTickBroadcastsToConnectedClients(t *testing.T) {
	st := state.New()
	st.AddEngine(&model.Engine{ID: "e1"})
	h := NewHub(st, nil, testLogger())

	srv, conn := dialHub(t, h)
	defer srv.Close()
	defer conn.Close()

	// give the server goroutine time to register the connection.
	time.Sleep(20 * time.Millisecond)

	h.tick()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var snap Snapshot
	if err := conn.ReadJSON(&snap); err != nil {
		t.Fatalf("expected a broadcast frame, got error: %v", err)
	}
	if len(snap.Data.Engines) != 1 {
		t.Fatalf("expected the broadcast snapshot to carry 1 engine, got %d", len(snap.Data.Engines))
	}
}

func TestTickSkipsBroadcastWhenSnapshotUnchanged(t *testing.T) {
	st := state.New()
	st.AddEngine(&model.Engine{ID: "e1"})
	h := NewHub(st, nil, testLogger())

	srv, conn := dialHub(t, h)
	defer srv.Close()
	defer conn.Close()
	time.Sleep(20 * time.Millisecond)

	h.tick()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var first Snapshot
	if err := conn.ReadJSON(&first); err != nil {
		t.Fatalf("expected the first broadcast to arrive: %v", err)
	}

	h.tick() // unchanged state, should be suppressed by the hash dedup.

	conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	var second Snapshot
	err := conn.ReadJSON(&second)
	if err == nil {
		t.Fatal("expected no second frame since the snapshot content did not change")
	}
}

func TestTickNoopWithNoConnectedClients(t *testing.T) {
	st := state.New()
	h := NewHub(st, nil, testLogger())
	h.tick() // must not panic or block with zero clients.
}
