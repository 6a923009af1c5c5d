package notification

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"

	"dispatchd/internal/modules/location"
	"dispatchd/internal/testutil"
	"dispatchd/internal/types"
)

type recordingSink struct {
	mu      sync.Mutex
	updates []location.Update
}

func (s *recordingSink) Ingest(_ context.Context, u location.Update) (location.IngestResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates = append(s.updates, u)
	return location.IngestApplied, nil
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.updates)
}

func startHub(t *testing.T, ctx context.Context, h *Hub) {
	t.Helper()
	go func() { _ = h.Run(ctx) }()
	select {
	case <-h.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("hub did not subscribe")
	}
}

func serveHub(t *testing.T, h *Hub) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		h.Serve(r.Context(), types.ID(r.URL.Query().Get("worker")), conn)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server, worker string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?worker=" + worker
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var m Message
	if err := conn.ReadJSON(&m); err != nil {
		t.Fatalf("read: %v", err)
	}
	return m
}

func presenceOf(mr *miniredis.Miniredis, worker string) func() bool {
	return func() bool { return mr.Exists(presencePrefix + worker) }
}

func TestHub_LocalDeliveryAndPresence(t *testing.T) {
	mr, client := testutil.Redis(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hub := NewHub(client, nil, nil)
	startHub(t, ctx, hub)
	srv := serveHub(t, hub)

	conn := dial(t, srv, "w1")
	waitFor(t, "presence", presenceOf(mr, "w1"))

	online, err := hub.Online(ctx, []types.ID{"w1", "w2"})
	if err != nil {
		t.Fatalf("online: %v", err)
	}
	if !online["w1"] || online["w2"] {
		t.Fatalf("unexpected presence %v", online)
	}

	if err := hub.Send(ctx, "w1", Message{Type: TypeOffer, Data: map[string]string{"request_id": "r1"}}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if m := readMessage(t, conn); m.Type != TypeOffer || m.Data["request_id"] != "r1" {
		t.Fatalf("unexpected message %+v", m)
	}

	if err := hub.Send(ctx, "w2", Message{Type: TypeOffer}); !errors.Is(err, ErrNoSession) {
		t.Fatalf("expected ErrNoSession, got %v", err)
	}

	_ = conn.Close()
	waitFor(t, "presence cleared", func() bool { return !mr.Exists(presencePrefix + "w1") })
}

func TestHub_CrossInstanceFanOut(t *testing.T) {
	mr, client := testutil.Redis(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	owner := NewHub(client, nil, nil)
	other := NewHub(client, nil, nil)
	startHub(t, ctx, owner)
	startHub(t, ctx, other)
	srv := serveHub(t, owner)

	conn := dial(t, srv, "w1")
	waitFor(t, "presence", presenceOf(mr, "w1"))

	if err := NewSocketGateway(other).Send(ctx, Recipient{UserID: "w1"}, Message{Type: TypeStatus, Body: "relayed"}); err != nil {
		t.Fatalf("send via other instance: %v", err)
	}
	if m := readMessage(t, conn); m.Body != "relayed" {
		t.Fatalf("unexpected message %+v", m)
	}
}

func TestHub_InboundMessages(t *testing.T) {
	mr, client := testutil.Redis(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sink := &recordingSink{}
	hub := NewHub(client, sink, nil)
	startHub(t, ctx, hub)
	srv := serveHub(t, hub)

	conn := dial(t, srv, "w7")
	waitFor(t, "presence", presenceOf(mr, "w7"))

	if err := conn.WriteJSON(map[string]any{"type": "ping"}); err != nil {
		t.Fatal(err)
	}
	if m := readMessage(t, conn); m.Type != "pong" {
		t.Fatalf("expected pong, got %+v", m)
	}

	sample := map[string]any{"type": "location", "lat": 25.03, "lng": 121.56, "recorded_at": time.Now().UTC()}
	if err := conn.WriteJSON(sample); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "location ingest", func() bool { return sink.count() == 1 })
	sink.mu.Lock()
	got := sink.updates[0]
	sink.mu.Unlock()
	if got.WorkerID != "w7" || got.Position.Lat != 25.03 {
		t.Fatalf("unexpected update %+v", got)
	}
}

func TestHub_ReconnectReplacesSession(t *testing.T) {
	mr, client := testutil.Redis(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hub := NewHub(client, nil, nil)
	startHub(t, ctx, hub)
	srv := serveHub(t, hub)

	first := dial(t, srv, "w1")
	waitFor(t, "presence", presenceOf(mr, "w1"))
	second := dial(t, srv, "w1")

	// the first session is closed by the server once replaced
	_ = first.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := first.ReadMessage(); err == nil {
		t.Fatal("expected first session to be closed")
	}

	if err := hub.Send(ctx, "w1", Message{Type: TypeStatus, Body: "to second"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if m := readMessage(t, second); m.Body != "to second" {
		t.Fatalf("unexpected message %+v", m)
	}
	if !mr.Exists(presencePrefix + "w1") {
		t.Fatal("presence must survive the replaced session")
	}
}

func TestHub_StalePresenceOfGoneInstance(t *testing.T) {
	mr, client := testutil.Redis(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hub := NewHub(client, nil, nil)
	startHub(t, ctx, hub)

	// left behind by an instance that crashed
	if err := mr.Set(presencePrefix+"w1", "gone-instance"); err != nil {
		t.Fatal(err)
	}
	if err := hub.Send(ctx, "w1", Message{Type: TypeOffer}); !errors.Is(err, ErrNoSession) {
		t.Fatalf("expected ErrNoSession, got %v", err)
	}
	if mr.Exists(presencePrefix + "w1") {
		t.Fatal("expected the stale presence to be cleared")
	}
}

func TestHub_RelayToInstanceWithoutSession(t *testing.T) {
	mr, client := testutil.Redis(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	owner := NewHub(client, nil, nil)
	other := NewHub(client, nil, nil)
	startHub(t, ctx, owner)
	startHub(t, ctx, other)

	// the owner lost the session without clearing its presence
	if err := mr.Set(presencePrefix+"w1", owner.instance); err != nil {
		t.Fatal(err)
	}
	if err := other.Send(ctx, "w1", Message{Type: TypeOffer}); !errors.Is(err, ErrNoSession) {
		t.Fatalf("expected ErrNoSession, got %v", err)
	}
	if mr.Exists(presencePrefix + "w1") {
		t.Fatal("expected the owner to clear its stale presence")
	}

	err := NewRouter(NewSocketGateway(other), nil, nil).Send(ctx, Recipient{UserID: "w1"}, Message{Type: TypeOffer})
	if err == nil || IsPermanent(err) {
		t.Fatalf("expected a retryable error, got %v", err)
	}
}
