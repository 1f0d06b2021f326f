package relay

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dgnsrekt/chatfeed-sync/internal/feed"
)

type visibilityRecorder struct {
	mu     sync.Mutex
	states []bool
}

func (r *visibilityRecorder) record(hidden bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, hidden)
}

func (r *visibilityRecorder) get() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bool(nil), r.states...)
}

func startRelay(t *testing.T, onSend SendFunc, state StateFunc) (*Hub, *visibilityRecorder, *httptest.Server) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	rec := &visibilityRecorder{}
	hub := NewHub(rec.record, onSend, zap.NewNop())
	go hub.Run(ctx)

	srv := httptest.NewServer(NewRouter(hub, state, zap.NewNop()))
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return hub, rec, srv
}

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	env := readUntil(t, conn, TypeConnected)
	require.NotEmpty(t, env.ConnectionID)
	return conn
}

func readUntil(t *testing.T, conn *websocket.Conn, typ string) Envelope {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)

		var env Envelope
		require.NoError(t, json.Unmarshal(data, &env))
		if env.Type == typ {
			return env
		}
	}
}

func writeEnvelope(t *testing.T, conn *websocket.Conn, env Envelope) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(env))
}

func TestRelayBroadcastsItemsAndRetractions(t *testing.T) {
	hub, _, srv := startRelay(t, nil, nil)

	a := dial(t, srv, "")
	b := dial(t, srv, "")
	require.Eventually(t, func() bool { return hub.ClientCount() == 2 }, time.Second, 5*time.Millisecond)

	ts := time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)
	hub.RenderItem(feed.Item{ID: "42", Timestamp: ts, Payload: json.RawMessage(`{"content":"hi"}`)})

	for _, conn := range []*websocket.Conn{a, b} {
		env := readUntil(t, conn, TypeItem)
		require.NotNil(t, env.Item)
		assert.Equal(t, "42", env.Item.ID)
		assert.True(t, env.Item.Timestamp.Equal(ts))
		assert.JSONEq(t, `{"content":"hi"}`, string(env.Item.Payload))
	}

	hub.RetractItem(feed.Item{ID: "tmp-1", Provisional: true})
	env := readUntil(t, a, TypeRetract)
	assert.Equal(t, "tmp-1", env.ID)
}

func TestRelayAggregatesVisibility(t *testing.T) {
	hub, rec, srv := startRelay(t, nil, nil)
	assert.True(t, hub.Hidden(), "no clients means hidden")

	a := dial(t, srv, "")
	require.Eventually(t, func() bool { return len(rec.get()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []bool{false}, rec.get())

	// A second client that starts hidden changes nothing
	b := dial(t, srv, "?hidden=true")

	hidden := true
	writeEnvelope(t, a, Envelope{Type: TypeVisibility, Hidden: &hidden})
	require.Eventually(t, func() bool { return len(rec.get()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []bool{false, true}, rec.get())

	visible := false
	writeEnvelope(t, b, Envelope{Type: TypeVisibility, Hidden: &visible})
	require.Eventually(t, func() bool { return len(rec.get()) == 3 }, time.Second, 5*time.Millisecond)

	// The only visible client leaves
	b.Close()
	require.Eventually(t, func() bool { return len(rec.get()) == 4 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []bool{false, true, false, true}, rec.get())
	assert.True(t, hub.Hidden())
}

func TestRelaySendForwardsContent(t *testing.T) {
	var mu sync.Mutex
	var sent []string
	onSend := func(ctx context.Context, content string) error {
		mu.Lock()
		defer mu.Unlock()
		sent = append(sent, content)
		if content == "fail" {
			return errors.New("backend down")
		}
		return nil
	}

	_, _, srv := startRelay(t, onSend, nil)
	conn := dial(t, srv, "")

	writeEnvelope(t, conn, Envelope{Type: TypeSend, Content: "hello"})
	writeEnvelope(t, conn, Envelope{Type: TypeSend, Content: "fail"})

	env := readUntil(t, conn, TypeError)
	assert.Equal(t, "backend down", env.Error)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"hello", "fail"}, sent)
}

func TestRelaySendDisabled(t *testing.T) {
	_, _, srv := startRelay(t, nil, nil)
	conn := dial(t, srv, "")

	writeEnvelope(t, conn, Envelope{Type: TypeSend, Content: "hello"})
	env := readUntil(t, conn, TypeError)
	assert.Equal(t, errSendDisabled.Error(), env.Error)
}

func TestRelayRejectsUnknownMessages(t *testing.T) {
	_, _, srv := startRelay(t, nil, nil)
	conn := dial(t, srv, "")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"dance"}`)))
	env := readUntil(t, conn, TypeError)
	assert.Contains(t, env.Error, "dance")

	writeEnvelope(t, conn, Envelope{Type: TypePing})
	readUntil(t, conn, TypePong)
}

func TestHealthz(t *testing.T) {
	var stopped atomic.Bool
	state := func() feed.State {
		return feed.State{FeedID: "chat:7", Active: !stopped.Load(), Known: 3}
	}
	_, _, srv := startRelay(t, nil, state)

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	var h Health
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&h))
	assert.Equal(t, "ok", h.Status)
	assert.Equal(t, "chat:7", h.Feed.FeedID)
	assert.Equal(t, 3, h.Feed.Known)
	assert.True(t, h.Hidden)

	stopped.Store(true)
	resp2, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp2.StatusCode)
}

func TestEventStream(t *testing.T) {
	hub, _, srv := startRelay(t, nil, nil)

	resp, err := http.Get(srv.URL + "/events")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	lines := make(chan string, 32)
	go func() {
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	next := func() string {
		select {
		case line := <-lines:
			return line
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for event")
			return ""
		}
	}

	require.Equal(t, "event: connected", next())
	require.Eventually(t, func() bool { return hub.SubscriberCount() == 1 }, time.Second, 5*time.Millisecond)

	// SSE subscribers are read-only and do not make the feed visible
	assert.True(t, hub.Hidden())

	hub.RenderItem(feed.Item{ID: "5", Timestamp: time.Unix(100, 0).UTC()})
	for line := next(); line != "event: item"; line = next() {
	}
	assert.Equal(t, "id: 1", next())

	data := strings.TrimPrefix(next(), "data: ")
	var env Envelope
	require.NoError(t, json.Unmarshal([]byte(data), &env))
	require.NotNil(t, env.Item)
	assert.Equal(t, "5", env.Item.ID)
}

func TestRelayFlushLargerThanSendBuffer(t *testing.T) {
	const total = 560 // more than twice sendBufferSize, a multiple of the batch size

	var next atomic.Int64
	fetch := func(context.Context, int) ([]feed.Item, error) {
		batch := make([]feed.Item, 20)
		for i := range batch {
			n := next.Add(1)
			batch[i] = feed.Item{
				ID:        strconv.FormatInt(n, 10),
				Timestamp: time.Unix(n, 0).UTC(),
				Payload:   json.RawMessage(`{}`),
			}
		}
		return batch, nil
	}

	var hub *Hub
	s, err := feed.New("chat:1", fetch, func(item feed.Item) { hub.RenderItem(item) },
		feed.WithBacklogLimit(total),
	)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	hub = NewHub(s.OnVisibilityChange, nil, zap.NewNop())
	s.OnVisibilityChange(true)
	go hub.Run(ctx)

	for i := 0; i < total/20; i++ {
		s.Sync(ctx)
	}
	require.Equal(t, total, s.State().Backlog)

	srv := httptest.NewServer(NewRouter(hub, nil, zap.NewNop()))
	t.Cleanup(srv.Close)

	// connecting makes the feed visible and flushes the whole backlog
	conn := dial(t, srv, "")
	for i := 1; i <= total; i++ {
		env := readUntil(t, conn, TypeItem)
		require.NotNil(t, env.Item)
		require.Equal(t, strconv.Itoa(i), env.Item.ID)
	}

	assert.Equal(t, 1, hub.ClientCount(), "flush must not disconnect a reading client")
	assert.False(t, hub.Hidden())
	assert.Zero(t, s.State().Backlog)
}
