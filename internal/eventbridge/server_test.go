package eventbridge

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/abconlinecourses/pdfx-xblock-sub000/internal/annotation"
	"github.com/abconlinecourses/pdfx-xblock-sub000/internal/persistence"
	"github.com/abconlinecourses/pdfx-xblock-sub000/internal/remote"
)

type fakeSource struct {
	mu       sync.Mutex
	next     int
	subs     map[int]func(persistence.Event)
	stats    persistence.Statistics
	flushErr error
	flushes  int
}

func newFakeSource() *fakeSource {
	return &fakeSource{subs: map[int]func(persistence.Event){}}
}

func (f *fakeSource) Subscribe(fn func(persistence.Event)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	id := f.next
	f.subs[id] = fn
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.subs, id)
	}
}

func (f *fakeSource) GetStorageStatistics() persistence.Statistics {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats
}

func (f *fakeSource) ForceSave(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flushes++
	return f.flushErr
}

func (f *fakeSource) emit(ev persistence.Event) {
	f.mu.Lock()
	subs := make([]func(persistence.Event), 0, len(f.subs))
	for _, fn := range f.subs {
		subs = append(subs, fn)
	}
	f.mu.Unlock()
	for _, fn := range subs {
		fn(ev)
	}
}

func (f *fakeSource) subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

var fixedNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func startBridge(t *testing.T, src Source) (*Server, *httptest.Server) {
	t.Helper()
	bridge := NewServer(src, Config{Now: func() time.Time { return fixedNow }})
	srv := httptest.NewServer(bridge)
	t.Cleanup(srv.Close)
	return bridge, srv
}

func dialEvents(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/events", nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var got map[string]any
	require.NoError(t, wsjson.Read(ctx, conn, &got))
	return got
}

func TestEventsStreamEveryKind(t *testing.T) {
	src := newFakeSource()
	bridge, srv := startBridge(t, src)
	conn := dialEvents(t, srv)
	require.Eventually(t, func() bool { return bridge.Clients() == 1 }, 2*time.Second, 10*time.Millisecond)

	src.emit(persistence.Cached{Record: annotation.Record{ID: "h1", Type: annotation.TypeHighlight, PageNum: 2, UserID: "u1"}})
	src.emit(persistence.Saved{Summary: persistence.BatchSummary{Saved: 1, Pages: []int{2}, Attempts: 1}})
	src.emit(persistence.SaveFailed{Err: &remote.HTTPError{StatusCode: http.StatusForbidden}, Attempt: 4, Final: true, AuthFailure: true})
	src.emit(persistence.Cleared{Type: annotation.TypeNote, Page: 3, Count: 2})

	cached := readMessage(t, conn)
	assert.Equal(t, "cached", cached["event"])
	assert.Equal(t, "2024-06-01T12:00:00Z", cached["at"])
	record, ok := cached["record"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "h1", record["id"])

	saved := readMessage(t, conn)
	assert.Equal(t, "saved", saved["event"])
	assert.EqualValues(t, 1, saved["saved"])
	assert.Equal(t, []any{float64(2)}, saved["pages"])

	failed := readMessage(t, conn)
	assert.Equal(t, "saveFailed", failed["event"])
	assert.Equal(t, true, failed["final"])
	assert.Equal(t, true, failed["authFailure"])
	assert.EqualValues(t, 4, failed["attempt"])

	cleared := readMessage(t, conn)
	assert.Equal(t, "cleared", cleared["event"])
	assert.Equal(t, "note", cleared["type"])
	assert.EqualValues(t, 2, cleared["count"])
}

func TestObserverDisconnectUnsubscribes(t *testing.T) {
	src := newFakeSource()
	bridge, srv := startBridge(t, src)
	conn := dialEvents(t, srv)
	require.Eventually(t, func() bool { return bridge.Clients() == 1 }, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, 1, src.subscribers())

	require.NoError(t, conn.Close(websocket.StatusNormalClosure, "bye"))
	require.Eventually(t, func() bool {
		return bridge.Clients() == 0 && src.subscribers() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStatsAndFlushEndpoints(t *testing.T) {
	src := newFakeSource()
	src.stats = persistence.Statistics{
		Statistics: annotation.Statistics{Total: 3, PendingSaves: 1},
		State:      persistence.StateRetryBackoff,
	}
	_, srv := startBridge(t, src)

	resp, err := http.Get(srv.URL + "/stats")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var stats map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	assert.EqualValues(t, 3, stats["total"])
	assert.Equal(t, "retry_backoff", stats["state"])

	flushResp, err := http.Post(srv.URL+"/flush", "application/json", nil)
	require.NoError(t, err)
	flushResp.Body.Close()
	assert.Equal(t, http.StatusOK, flushResp.StatusCode)

	src.mu.Lock()
	src.flushErr = errors.New("handler unavailable")
	src.mu.Unlock()
	flushResp, err = http.Post(srv.URL+"/flush", "application/json", nil)
	require.NoError(t, err)
	var body map[string]any
	require.NoError(t, json.NewDecoder(flushResp.Body).Decode(&body))
	flushResp.Body.Close()
	assert.Equal(t, http.StatusBadGateway, flushResp.StatusCode)
	assert.Equal(t, "save_failed", body["code"])
	src.mu.Lock()
	defer src.mu.Unlock()
	assert.Equal(t, 2, src.flushes)
}

func TestUnknownRoutes(t *testing.T) {
	_, srv := startBridge(t, newFakeSource())
	resp, err := http.Get(srv.URL + "/nope")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/stats", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestEncodeLoadFailedMarksAuth(t *testing.T) {
	msg := Encode(persistence.LoadFailed{Err: remote.ErrUnauthorized}, fixedNow)
	assert.Equal(t, "loadFailed", msg.Event)
	assert.True(t, msg.AuthFailure)
	assert.NotEmpty(t, msg.Error)

	msg = Encode(persistence.Loaded{Total: 5, Merged: 2}, fixedNow)
	assert.Equal(t, 5, msg.Total)
	assert.Equal(t, 2, msg.Merged)
}
