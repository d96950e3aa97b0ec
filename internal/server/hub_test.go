package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/dmdesk/internal/queue"
	"github.com/MrWong99/dmdesk/internal/staging"
)

func startHub(t *testing.T, hub *Hub) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /worlds/{world}/ws", hub.ServeWS)
	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return srv
}

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/worlds/w1/ws?" + query
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { conn.CloseNow() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) staging.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	var ev staging.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	return ev
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHub_RoutesEvents(t *testing.T) {
	hub := NewHub(HubConfig{})
	srv := startHub(t, hub)

	dm := dial(t, srv, "user_id=u-dm&client_id=c-dm&role=dm")
	player := dial(t, srv, "user_id=u-p&client_id=c-p&role=player")
	waitFor(t, "two clients", func() bool { return hub.ConnectedClients("w1") == 2 })

	ctx := context.Background()
	hub.NotifyDM(ctx, "w1", staging.Event{Type: staging.EventApprovalRequired, WorldID: "w1", RequestID: "r1"})
	hub.NotifyDM(ctx, "other-world", staging.Event{Type: staging.EventApprovalRequired, RequestID: "r-other"})
	hub.NotifyClient(ctx, "w1", "c-p", staging.Event{Type: staging.EventStagingReady, WorldID: "w1", PCID: "pc-1"})

	if ev := readEvent(t, dm); ev.Type != staging.EventApprovalRequired || ev.RequestID != "r1" {
		t.Errorf("dm event = %+v", ev)
	}
	if ev := readEvent(t, player); ev.Type != staging.EventStagingReady || ev.PCID != "pc-1" {
		t.Errorf("player event = %+v, want only its own staging_ready", ev)
	}
}

func TestHub_InboundActionQueued(t *testing.T) {
	qs := queue.NewSet()
	hub := NewHub(HubConfig{Actions: qs.PlayerActions})
	srv := startHub(t, hub)

	conn := dial(t, srv, "user_id=u-p&client_id=c-p")
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	for _, msg := range []string{
		`{"type":"dance","pc_id":"pc-1","region_id":"r1"}`,
		`not json`,
		`{"type":"enter_region","pc_id":"pc-1","pc_name":"Aria","region_id":"rusty-flagon"}`,
	} {
		if err := conn.Write(ctx, websocket.MessageText, []byte(msg)); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}

	waitFor(t, "queued action", func() bool { return qs.PlayerActions.Depth() == 1 })
	item, ok := qs.PlayerActions.ClaimNext()
	if !ok {
		t.Fatal("ClaimNext found nothing")
	}
	p := item.Payload
	if p.Kind != queue.ActionEnterRegion || p.WorldID != "w1" || p.ClientID != "c-p" || p.UserID != "u-p" || p.PCName != "Aria" {
		t.Errorf("payload = %+v", p)
	}
}

func TestHub_DropsSlowClient(t *testing.T) {
	hub := NewHub(HubConfig{SendBuffer: 1})

	// Register clients without a write loop so their buffers never drain.
	mux := http.NewServeMux()
	mux.HandleFunc("GET /worlds/{world}/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		c := &client{
			worldID:  r.PathValue("world"),
			clientID: r.URL.Query().Get("client_id"),
			role:     staging.RoleDM,
			conn:     conn,
			send:     make(chan []byte, 1),
			done:     make(chan struct{}),
		}
		hub.register(r.Context(), c)
		<-c.done
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	conn := dial(t, srv, "client_id=slow")
	waitFor(t, "registration", func() bool { return hub.ConnectedClients("w1") == 1 })

	ev := staging.Event{Type: staging.EventApprovalUpdated, WorldID: "w1"}
	hub.NotifyDM(context.Background(), "w1", ev)
	if hub.ConnectedClients("w1") != 1 {
		t.Fatal("client dropped before its buffer filled")
	}
	hub.NotifyDM(context.Background(), "w1", ev)
	if n := hub.ConnectedClients("w1"); n != 0 {
		t.Fatalf("ConnectedClients = %d, want the slow client dropped", n)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, _, err := conn.Read(ctx)
	if got := websocket.CloseStatus(err); got != websocket.StatusPolicyViolation {
		t.Errorf("close status = %v (err %v), want policy violation", got, err)
	}
}

func TestHub_RejectsBadParams(t *testing.T) {
	hub := NewHub(HubConfig{})
	srv := startHub(t, hub)

	for _, q := range []string{"user_id=u", "client_id=c&role=king"} {
		resp, err := http.Get(srv.URL + "/worlds/w1/ws?" + q)
		if err != nil {
			t.Fatalf("GET: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", q, resp.StatusCode)
		}
	}
}

func TestHub_DisconnectUnregisters(t *testing.T) {
	hub := NewHub(HubConfig{})
	srv := startHub(t, hub)

	conn := dial(t, srv, "client_id=c1&role=spectator")
	waitFor(t, "registration", func() bool { return hub.ConnectedClients("w1") == 1 })
	conn.Close(websocket.StatusNormalClosure, "bye")
	waitFor(t, "unregistration", func() bool { return hub.ConnectedClients("w1") == 0 })
}
