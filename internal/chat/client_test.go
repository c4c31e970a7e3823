package chat

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gchatbridge/internal/domain"
	"gchatbridge/internal/logging"
	"gchatbridge/internal/metrics"
)

func newClient(t *testing.T, handler http.HandlerFunc) (*Client, *metrics.Collector) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	m := metrics.New("testbot")
	return New(Options{
		APIBase:       srv.URL,
		HTTPClient:    srv.Client(),
		RatePerMinute: 6000,
		Burst:         10,
		RetryInitial:  time.Millisecond,
		Metrics:       m,
		Logger:        logging.Discard(),
	}), m
}

func TestSendInThread(t *testing.T) {
	var gotPath, gotQuery string
	var got map[string]any
	c, m := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.Query().Get("messageReplyOption")
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)
		_, _ = w.Write([]byte(`{"name":"spaces/AAA/messages/m2"}`))
	})

	err := c.Send(context.Background(), domain.OutboundMessage{
		Space: "spaces/AAA", Thread: "spaces/AAA/threads/t1", Text: "*hi*",
	})
	require.NoError(t, err)

	assert.Equal(t, "/v1/spaces/AAA/messages", gotPath)
	assert.Equal(t, replyOption, gotQuery)
	assert.Equal(t, "*hi*", got["text"])
	assert.Equal(t, map[string]any{"name": "spaces/AAA/threads/t1"}, got["thread"])

	n, err := testutil.GatherAndCount(m.Registry(), "testbot_message_sent_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSendWithoutThread(t *testing.T) {
	var rawQuery string
	var got map[string]any
	c, _ := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		rawQuery = r.URL.RawQuery
		_ = json.NewDecoder(r.Body).Decode(&got)
	})

	require.NoError(t, c.Send(context.Background(), domain.OutboundMessage{Space: "spaces/AAA", Text: "x"}))
	assert.Empty(t, rawQuery)
	assert.NotContains(t, got, "thread")
}

func TestSendEmptySpaceOnlyLogs(t *testing.T) {
	var calls atomic.Int32
	c, _ := newClient(t, func(w http.ResponseWriter, r *http.Request) { calls.Add(1) })

	assert.NoError(t, c.Send(context.Background(), domain.OutboundMessage{Text: "orphan"}))
	assert.Equal(t, int32(0), calls.Load())
}

func TestSendRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	c, m := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	require.NoError(t, c.Send(context.Background(), domain.OutboundMessage{Space: "spaces/AAA", Text: "x"}))
	assert.Equal(t, int32(3), calls.Load())
	n, err := testutil.GatherAndCount(m.Registry(), "testbot_message_sent_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n, "only the final 200 is recorded")
}

func TestSendGivesUpAfterMaxRetries(t *testing.T) {
	var calls atomic.Int32
	c, _ := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "slow down", http.StatusTooManyRequests)
	})

	err := c.Send(context.Background(), domain.OutboundMessage{Space: "spaces/AAA", Text: "x"})
	require.Error(t, err)
	assert.Equal(t, int32(maxRetries+1), calls.Load())
}

func TestSendClientErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	c, _ := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad space", http.StatusBadRequest)
	})

	err := c.Send(context.Background(), domain.OutboundMessage{Space: "spaces/nope", Text: "x"})
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Equal(t, "bad space", apiErr.Body)
	assert.Equal(t, int32(1), calls.Load())
}

func TestSendHonorsCancelledContext(t *testing.T) {
	c, _ := newClient(t, func(w http.ResponseWriter, r *http.Request) {})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c.limiter = newLimiter(1, 0.001)
	_ = c.limiter.Wait(context.Background())

	err := c.Send(ctx, domain.OutboundMessage{Space: "spaces/AAA", Text: "x"})
	assert.ErrorIs(t, err, context.Canceled)
}
