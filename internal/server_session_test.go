package internal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"flatchat/internal/storage"
)

const testStamp = int64(1700000000000)

type testServer struct {
	*Server
	store storage.Log
	url   string
}

func newTestServer(t *testing.T, store storage.Log) *testServer {
	t.Helper()
	if store == nil {
		var err error
		store, err = storage.OpenJSONFile(filepath.Join(t.TempDir(), "messages.json"))
		require.NoError(t, err)
	}
	s := NewServer(store, zerolog.Nop(), ServerOptions{UploadDir: t.TempDir(), AllowedOrigin: "*"})
	var seq atomic.Int64
	s.now = func() time.Time { return time.UnixMilli(testStamp) }
	s.newID = func() string { return fmt.Sprintf("msg-%d", seq.Add(1)) }

	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	srv := httptest.NewServer(s.Routes("/socket"))
	t.Cleanup(func() {
		srv.Close()
		cancel()
		s.Wait()
	})
	return &testServer{Server: s, store: store, url: "ws" + strings.TrimPrefix(srv.URL, "http") + "/socket"}
}

func (ts *testServer) dial(t *testing.T, username string) *websocket.Conn {
	t.Helper()
	target := ts.url
	if username != "" {
		target += "?username=" + url.QueryEscape(username)
	}
	conn, resp, err := websocket.DefaultDialer.Dial(target, nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// join dials and drains the users and load-messages events sent on entry.
func (ts *testServer) join(t *testing.T, username string) (*websocket.Conn, []string, []storage.Message) {
	t.Helper()
	conn := ts.dial(t, username)
	var users []string
	expectEvent(t, conn, EventUsers, &users)
	var history []storage.Message
	expectEvent(t, conn, EventLoadMessages, &history)
	return conn, users, history
}

func readEvent(t *testing.T, conn *websocket.Conn) Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)
	var env Envelope
	require.NoError(t, json.Unmarshal(payload, &env))
	return env
}

func expectEvent(t *testing.T, conn *websocket.Conn, event string, out any) {
	t.Helper()
	env := readEvent(t, conn)
	require.Equal(t, event, env.Event, string(env.Data))
	if out != nil {
		require.NoError(t, json.Unmarshal(env.Data, out))
	}
}

func expectSilence(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(150*time.Millisecond)))
	_, payload, err := conn.ReadMessage()
	require.Error(t, err, "unexpected frame %s", payload)
	var netErr interface{ Timeout() bool }
	require.True(t, errors.As(err, &netErr) && netErr.Timeout(), err)
}

func send(t *testing.T, conn *websocket.Conn, event string, data any) {
	t.Helper()
	frame, err := encodeEvent(event, data)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, frame))
}

func TestAliceAndBobScenario(t *testing.T) {
	r := require.New(t)
	ts := newTestServer(t, nil)

	alice, users, history := ts.join(t, "alice")
	r.Equal([]string{"alice"}, users)
	r.Empty(history)

	bob, users, _ := ts.join(t, "bob")
	r.ElementsMatch([]string{"alice", "bob"}, users)
	expectEvent(t, alice, EventUsers, &users)
	r.ElementsMatch([]string{"alice", "bob"}, users)

	send(t, alice, EventMessage, IncomingMessage{Content: "hi"})
	want := storage.Message{ID: "msg-1", Content: "hi", Sender: "alice", Timestamp: testStamp, Type: storage.KindText}
	for _, conn := range []*websocket.Conn{alice, bob} {
		var got storage.Message
		expectEvent(t, conn, EventMessage, &got)
		r.Equal(want, got)
	}

	stored, err := ts.store.Messages(context.Background())
	r.NoError(err)
	r.Len(stored, 1)
	r.Equal("msg-1", stored[0].ID)
	r.Equal("alice", stored[0].Sender)

	r.NoError(alice.Close())
	expectEvent(t, bob, EventUsers, &users)
	r.Equal([]string{"bob"}, users)
}

func TestMessageOverridesClientFields(t *testing.T) {
	r := require.New(t)
	ts := newTestServer(t, nil)
	alice, _, _ := ts.join(t, "alice")

	send(t, alice, EventMessage, IncomingMessage{ID: "client-id", Content: "hey", Sender: "mallory", Timestamp: 42})
	var got storage.Message
	expectEvent(t, alice, EventMessage, &got)
	r.Equal("msg-1", got.ID)
	r.Equal("alice", got.Sender)
	r.Equal(testStamp, got.Timestamp)
}

func TestImageMessage(t *testing.T) {
	ts := newTestServer(t, nil)
	alice, _, _ := ts.join(t, "alice")

	send(t, alice, EventMessage, IncomingMessage{FileURL: "/uploads/1-cat.png"})
	var got storage.Message
	expectEvent(t, alice, EventMessage, &got)
	require.Equal(t, "/uploads/1-cat.png", got.FileURL)
	require.Equal(t, storage.KindImage, got.Type)
}

func TestTypingNotEchoedToSender(t *testing.T) {
	r := require.New(t)
	ts := newTestServer(t, nil)
	alice, _, _ := ts.join(t, "alice")
	bob, _, _ := ts.join(t, "bob")
	carol, _, _ := ts.join(t, "carol")
	expectEvent(t, alice, EventUsers, nil)
	expectEvent(t, alice, EventUsers, nil)
	expectEvent(t, bob, EventUsers, nil)

	send(t, alice, EventTyping, map[string]bool{"isTyping": true})
	for _, conn := range []*websocket.Conn{bob, carol} {
		var got UserTyping
		expectEvent(t, conn, EventUserTyping, &got)
		r.Equal(UserTyping{Username: "alice", IsTyping: true}, got)
	}

	// the next frame alice sees is her own message, not the typing relay.
	send(t, alice, EventMessage, IncomingMessage{Content: "done typing"})
	expectEvent(t, alice, EventMessage, nil)
}

func TestResetWithFiveMessages(t *testing.T) {
	r := require.New(t)
	store, err := storage.OpenJSONFile(filepath.Join(t.TempDir(), "messages.json"))
	r.NoError(err)
	for i := 0; i < 5; i++ {
		r.NoError(store.Append(context.Background(), storage.Message{
			ID: fmt.Sprintf("old-%d", i), Content: "x", Sender: "zoe", Timestamp: int64(i),
		}))
	}
	ts := newTestServer(t, store)

	alice, _, history := ts.join(t, "alice")
	r.Len(history, 5)
	bob, _, _ := ts.join(t, "bob")
	expectEvent(t, alice, EventUsers, nil)

	send(t, bob, EventResetLogs, nil)
	for _, conn := range []*websocket.Conn{alice, bob} {
		var got []storage.Message
		expectEvent(t, conn, EventLoadMessages, &got)
		r.NotNil(got)
		r.Empty(got)
	}
	remaining, err := store.Messages(context.Background())
	r.NoError(err)
	r.Empty(remaining)
}

func TestDuplicateUsernameListedOnce(t *testing.T) {
	r := require.New(t)
	ts := newTestServer(t, nil)
	first, _, _ := ts.join(t, "alice")

	second, users, _ := ts.join(t, "alice")
	r.Equal([]string{"alice"}, users)
	expectSilence(t, first)

	r.NoError(second.Close())
	time.Sleep(100 * time.Millisecond)
	r.True(ts.Presence().Online("alice"))
	r.Equal([]string{"alice"}, ts.Presence().Snapshot())
}

func TestConnectionWithoutUsernameIsInert(t *testing.T) {
	r := require.New(t)
	ts := newTestServer(t, nil)
	inert := ts.dial(t, "")
	alice, users, _ := ts.join(t, "alice")
	r.Equal([]string{"alice"}, users)

	send(t, inert, EventMessage, IncomingMessage{Content: "ignored"})
	send(t, alice, EventMessage, IncomingMessage{Content: "hello"})

	var got storage.Message
	expectEvent(t, alice, EventMessage, &got)
	r.Equal("hello", got.Content)
	expectSilence(t, inert)

	stored, err := ts.store.Messages(context.Background())
	r.NoError(err)
	r.Len(stored, 1)
	r.Equal(1, ts.Presence().ActiveCount())
}

func TestUsernameIsSanitized(t *testing.T) {
	ts := newTestServer(t, nil)
	_, users, _ := ts.join(t, "<b>alice</b>\n")
	require.Equal(t, []string{"alice"}, users)
}

func TestInvalidFrameGetsErrorEvent(t *testing.T) {
	r := require.New(t)
	ts := newTestServer(t, nil)
	alice, _, _ := ts.join(t, "alice")
	bob, _, _ := ts.join(t, "bob")
	expectEvent(t, alice, EventUsers, nil)

	r.NoError(alice.WriteMessage(websocket.TextMessage, []byte(`{"event":"bogus"}`)))
	var rejected ErrorPayload
	expectEvent(t, alice, EventError, &rejected)
	r.Contains(rejected.Error, "unknown event")

	send(t, alice, EventMessage, map[string]string{"content": ""})
	expectEvent(t, alice, EventError, &rejected)
	r.Equal(EventMessage, rejected.Event)
	expectSilence(t, bob)

	// the session survives and keeps working.
	send(t, alice, EventMessage, IncomingMessage{Content: "still here"})
	expectEvent(t, bob, EventMessage, nil)
	r.Equal(uint64(2), ts.Metrics().rejected.Load())
}

type failingLog struct {
	storage.Log
}

func (failingLog) Append(context.Context, storage.Message) error {
	return errors.New("disk full")
}

func TestPersistFailureIsNotBroadcast(t *testing.T) {
	r := require.New(t)
	inner, err := storage.OpenJSONFile(filepath.Join(t.TempDir(), "messages.json"))
	r.NoError(err)
	ts := newTestServer(t, failingLog{Log: inner})
	alice, _, _ := ts.join(t, "alice")
	bob, _, _ := ts.join(t, "bob")
	expectEvent(t, alice, EventUsers, nil)

	send(t, alice, EventMessage, IncomingMessage{Content: "lost"})
	var rejected ErrorPayload
	expectEvent(t, alice, EventError, &rejected)
	r.Contains(rejected.Error, "disk full")
	expectSilence(t, bob)
}

// unreadableLog fails every history read but still accepts appends.
type unreadableLog struct {
	storage.Log
}

func (unreadableLog) Messages(context.Context) ([]storage.Message, error) {
	return nil, errors.New("read failed")
}

func TestUnreadableHistoryDegradesToEmpty(t *testing.T) {
	r := require.New(t)
	inner, err := storage.OpenJSONFile(filepath.Join(t.TempDir(), "messages.json"))
	r.NoError(err)
	r.NoError(inner.Append(context.Background(), storage.Message{ID: "old", Content: "x", Sender: "zoe", Timestamp: testStamp}))
	ts := newTestServer(t, unreadableLog{Log: inner})

	alice, users, history := ts.join(t, "alice")
	r.Equal([]string{"alice"}, users)
	r.NotNil(history)
	r.Empty(history)

	send(t, alice, EventMessage, IncomingMessage{Content: "still works"})
	var got storage.Message
	expectEvent(t, alice, EventMessage, &got)
	r.Equal("still works", got.Content)
}

// pausingLog holds one armed history read open after its snapshot is taken.
type pausingLog struct {
	storage.Log
	armed   atomic.Bool
	reading chan struct{}
	release chan struct{}
}

func (l *pausingLog) Messages(ctx context.Context) ([]storage.Message, error) {
	messages, err := l.Log.Messages(ctx)
	if l.armed.CompareAndSwap(true, false) {
		close(l.reading)
		<-l.release
	}
	return messages, err
}

func TestJoinHistoryNeverTrailsLiveMessages(t *testing.T) {
	r := require.New(t)
	inner, err := storage.OpenJSONFile(filepath.Join(t.TempDir(), "messages.json"))
	r.NoError(err)
	store := &pausingLog{Log: inner, reading: make(chan struct{}), release: make(chan struct{})}
	ts := newTestServer(t, store)
	alice, _, _ := ts.join(t, "alice")

	store.armed.Store(true)
	bob := ts.dial(t, "bob")
	select {
	case <-store.reading:
	case <-time.After(2 * time.Second):
		t.Fatal("history read never started")
	}
	expectEvent(t, alice, EventUsers, nil)
	send(t, alice, EventMessage, IncomingMessage{Content: "hi"})
	time.Sleep(100 * time.Millisecond)
	close(store.release)

	expectEvent(t, bob, EventUsers, nil)
	var history []storage.Message
	expectEvent(t, bob, EventLoadMessages, &history)
	r.Empty(history)
	var got storage.Message
	expectEvent(t, bob, EventMessage, &got)
	r.Equal("hi", got.Content)

	persisted, err := inner.Messages(context.Background())
	r.NoError(err)
	r.Len(persisted, 1)
}

func TestTimestampsNeverGoBackwards(t *testing.T) {
	r := require.New(t)
	store, err := storage.OpenJSONFile(filepath.Join(t.TempDir(), "messages.json"))
	r.NoError(err)
	r.NoError(store.Append(context.Background(), storage.Message{ID: "old", Content: "x", Sender: "zoe", Timestamp: testStamp + 5000}))
	ts := newTestServer(t, store)
	alice, _, _ := ts.join(t, "alice")

	send(t, alice, EventMessage, IncomingMessage{Content: "after clock skew"})
	var got storage.Message
	expectEvent(t, alice, EventMessage, &got)
	r.Equal(testStamp+5000, got.Timestamp)
}

func TestManyJoinsThenOneLeave(t *testing.T) {
	r := require.New(t)
	ts := newTestServer(t, nil)
	conns := make([]*websocket.Conn, 0, 4)
	for i := 0; i < 4; i++ {
		conn, users, _ := ts.join(t, fmt.Sprintf("user%d", i))
		r.Len(users, i+1)
		conns = append(conns, conn)
	}
	r.NoError(conns[1].Close())
	r.Eventually(func() bool {
		return ts.Presence().ActiveCount() == 3
	}, 2*time.Second, 10*time.Millisecond)
	r.NotContains(ts.Presence().Snapshot(), "user1")
	r.Eventually(func() bool {
		return ts.Metrics().ActiveConns() == 3
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHealthAndMetricsRoutes(t *testing.T) {
	r := require.New(t)
	ts := newTestServer(t, nil)
	ts.join(t, "alice")
	base := "http" + strings.TrimSuffix(strings.TrimPrefix(ts.url, "ws"), "/socket")

	resp, err := http.Get(base + "/healthz")
	r.NoError(err)
	resp.Body.Close()
	r.Equal(http.StatusOK, resp.StatusCode)

	resp, err = http.Get(base + "/metrics")
	r.NoError(err)
	defer resp.Body.Close()
	var counters map[string]float64
	r.NoError(json.NewDecoder(resp.Body).Decode(&counters))
	r.Equal(float64(1), counters["active_connections"])
}

func TestCORSPreflight(t *testing.T) {
	handler := cors("http://localhost:3000")(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	req := httptest.NewRequest(http.MethodOptions, "/upload", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, "http://localhost:3000", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodPost, "/upload", nil)
	req.Header.Set("Origin", "http://evil.example")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusTeapot, rec.Code)
	require.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestOriginChecker(t *testing.T) {
	check := originChecker("http://localhost:3000")
	req := httptest.NewRequest(http.MethodGet, "/socket", nil)
	require.True(t, check(req))
	req.Header.Set("Origin", "http://localhost:3000")
	require.True(t, check(req))
	req.Header.Set("Origin", "http://evil.example")
	require.False(t, check(req))
	require.True(t, originChecker("*")(req))
}

func TestSanitizeUsername(t *testing.T) {
	cases := map[string]string{
		"alice":                        "alice",
		"  bob  ":                      "bob",
		"<script>x</script>carol":      "carol",
		"tom &amp; jerry":              "tom & jerry",
		"a\x00b\tc":                    "abc",
		strings.Repeat("z", 40):        strings.Repeat("z", 32),
		"<img src=x onerror=alert(1)>": "",
	}
	for in, want := range cases {
		require.Equal(t, want, sanitizeUsername(in), in)
	}
}
