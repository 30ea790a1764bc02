package remote

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abconlinecourses/pdfx-xblock-sub000/internal/annotation"
)

func newTestClient(t *testing.T, server *httptest.Server, opts Options) *Client {
	t.Helper()
	opts.HTTPClient = server.Client()
	if opts.BaseDelay == 0 {
		opts.BaseDelay = time.Millisecond
	}
	client, err := NewClient(server.URL+"/handler/annotations", opts)
	require.NoError(t, err)
	return client
}

func TestNewClientRequiresAbsoluteHTTPURL(t *testing.T) {
	for _, raw := range []string{"", "/handler", "ftp://example.com/h", "http://"} {
		_, err := NewClient(raw, Options{})
		require.ErrorIs(t, err, ErrInvalidInput, raw)
	}
	client, err := NewClient("https://lms.example.com/handler/annotations?x=1", Options{})
	require.NoError(t, err)
	assert.Equal(t, "https://lms.example.com/handler/annotations?x=1", client.HandlerURL())
}

func TestLoadRetriesTransientFailure(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		call := atomic.AddInt32(&calls, 1)
		if call == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"code":"unavailable","message":"retry"}`))
			return
		}
		q := r.URL.Query()
		assert.Equal(t, "load", q.Get("action"))
		assert.Equal(t, "u1", q.Get("userId"))
		assert.Equal(t, "b1", q.Get("blockId"))
		assert.Equal(t, "c1", q.Get("courseId"))
		assert.NotEmpty(t, q.Get("timestamp"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"success":true,"data":{"highlight":{"3":[{"id":"h1","userId":"u1","timestamp":"2024-01-01T00:00:00"}]}}}`))
	}))
	defer server.Close()

	client := newTestClient(t, server, Options{LoadRetries: 3})
	data, err := client.Load(context.Background(), LoadRequest{UserID: "u1", BlockID: "b1", CourseID: "c1"})
	require.NoError(t, err)
	assert.EqualValues(t, 2, atomic.LoadInt32(&calls))
	require.Len(t, data[annotation.TypeHighlight][3], 1)
	rec := data[annotation.TypeHighlight][3][0]
	assert.Equal(t, "h1", rec.ID)
	assert.Equal(t, 3, rec.PageNum)
}

func TestLoadRejectsMalformedBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"success":true,"data":{"highlight":{"three":[{"id":"h1"}]}}}`))
	}))
	defer server.Close()

	client := newTestClient(t, server, Options{})
	_, err := client.Load(context.Background(), LoadRequest{UserID: "u1", BlockID: "b1"})
	require.ErrorIs(t, err, ErrMalformedResponse)
}

func TestLoadReportsHandlerFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"success":false,"message":"no such block"}`))
	}))
	defer server.Close()

	client := newTestClient(t, server, Options{})
	_, err := client.Load(context.Background(), LoadRequest{UserID: "u1", BlockID: "b1"})
	var handlerErr *HandlerError
	require.True(t, errors.As(err, &handlerErr))
	assert.Equal(t, "load", handlerErr.Action)
	assert.Equal(t, "no such block", handlerErr.Message)
}

func TestSaveIsSingleAttemptAndFlagsAuthFailure(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"message":"CSRF verification failed"}`))
	}))
	defer server.Close()

	client := newTestClient(t, server, Options{LoadRetries: 3})
	_, err := client.Save(context.Background(), SaveRequest{UserID: "u1", BlockID: "b1"})
	require.Error(t, err)
	assert.True(t, IsAuthFailure(err))
	var httpErr *HTTPError
	require.True(t, errors.As(err, &httpErr))
	assert.Equal(t, http.StatusForbidden, httpErr.StatusCode)
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))

	assert.False(t, IsAuthFailure(&HTTPError{StatusCode: http.StatusBadGateway}))
}

func TestSaveSendsRequestShapeAndToken(t *testing.T) {
	var body map[string]json.RawMessage
	var header string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		header = r.Header.Get(DefaultCSRFHeader)
		raw, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(raw, &body))
		_, _ = w.Write([]byte(`{"result":"success","message":"ok","saved_types":["highlight"]}`))
	}))
	defer server.Close()

	page := PageTokenSource{Load: func(context.Context) (io.ReadCloser, error) {
		return io.NopCloser(strings.NewReader(`<html><head><meta name="csrf-token" content="meta-token"></head><body></body></html>`)), nil
	}}
	client := newTestClient(t, server, Options{Tokens: Chain{StaticToken(""), page}})

	grouped := annotation.Grouped{}
	grouped.Add(annotation.Record{ID: "h1", Type: annotation.TypeHighlight, PageNum: 3, UserID: "u1"})
	deletion := annotation.Deletion{ID: "n1", Type: annotation.TypeNote, PageNum: 1, UserID: "u1"}
	resp, err := client.Save(context.Background(), SaveRequest{
		UserID:    "u1",
		CourseID:  "c1",
		BlockID:   "b1",
		Data:      SaveData{Grouped: grouped},
		Deletions: []annotation.Deletion{deletion},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"highlight"}, resp.SavedTypes)
	assert.Equal(t, "meta-token", header)
	assert.JSONEq(t, `"save"`, string(body["action"]))
	assert.JSONEq(t, `"c1"`, string(body["courseId"]))
	assert.Contains(t, string(body["data"]), `"highlight":{"3":[`)
	assert.Contains(t, string(body["deletions"]), `"id":"n1"`)
	assert.NotEqual(t, "null", string(body["timestamp"]))
}

func TestSaveReportsHandlerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"result":"error","message":"Too many annotations"}`))
	}))
	defer server.Close()

	client := newTestClient(t, server, Options{})
	_, err := client.Save(context.Background(), SaveRequest{UserID: "u1", BlockID: "b1"})
	var handlerErr *HandlerError
	require.True(t, errors.As(err, &handlerErr))
	assert.Equal(t, "Too many annotations", handlerErr.Message)
	assert.False(t, IsAuthFailure(err))
}

func TestDeletionOnlyPayloadShape(t *testing.T) {
	data := SaveData{
		DeletionOnly: true,
		Deletions: []annotation.Deletion{
			{ID: "a", Type: annotation.TypeShape, PageNum: 2},
			{ID: "b", Type: annotation.TypeShape, PageNum: 2},
		},
	}
	encoded, err := json.Marshal(data)
	require.NoError(t, err)
	var shape map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(encoded, &shape))
	assert.JSONEq(t, `true`, string(shape["_deletionOnly"]))
	assert.Len(t, shape, 2)

	var decoded SaveData
	require.NoError(t, json.Unmarshal(encoded, &decoded))
	assert.True(t, decoded.DeletionOnly)
	assert.Len(t, decoded.Deletions, 2)
}

func TestRetryDelayHonorsRetryAfterAndCap(t *testing.T) {
	client := &Client{baseDelay: 100 * time.Millisecond, maxDelay: time.Second}
	assert.Equal(t, 100*time.Millisecond, client.retryDelay(1, ""))
	assert.Equal(t, 400*time.Millisecond, client.retryDelay(3, ""))
	assert.Equal(t, time.Second, client.retryDelay(10, ""))
	assert.Equal(t, time.Second, client.retryDelay(1, "30"))
	assert.Equal(t, time.Duration(0), parseRetryAfter("soon"))
}
