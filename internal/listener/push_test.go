package listener

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/idtoken"

	"gchatbridge/internal/logging"
)

func envelope(id, data string) string {
	return fmt.Sprintf(`{"message":{"data":%q,"messageId":%q,"attributes":{"k":"v"},"publishTime":"2024-05-01T10:00:00Z"},"subscription":"projects/p/subscriptions/s"}`,
		base64.StdEncoding.EncodeToString([]byte(data)), id)
}

// attach makes p behave as if Receive were running with fn.
func attach(p *PushReceiver, fn func(context.Context, Delivery)) {
	p.mu.Lock()
	p.fn, p.rctx = fn, context.Background()
	p.mu.Unlock()
}

func post(p *PushReceiver, target, body string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(body))
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, req)
	return rec
}

func TestPushAckAndNack(t *testing.T) {
	p := NewPushReceiver(PushOptions{AckDeadline: time.Second}, logging.Discard())
	var got Delivery
	attach(p, func(_ context.Context, d Delivery) {
		got = d
		if d.ID == "ok" {
			d.Ack()
		} else {
			d.Nack()
		}
	})

	rec := post(p, "/pubsub/push", envelope("ok", `{"type":"MESSAGE"}`), nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []byte(`{"type":"MESSAGE"}`), got.Data)
	assert.Equal(t, map[string]string{"k": "v"}, got.Attributes)
	assert.Equal(t, time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC), got.PublishTime.UTC())

	rec = post(p, "/pubsub/push", envelope("bad", "{}"), nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestPushAckDeadline(t *testing.T) {
	p := NewPushReceiver(PushOptions{AckDeadline: 20 * time.Millisecond}, logging.Discard())
	attach(p, func(context.Context, Delivery) {})

	rec := post(p, "/pubsub/push", envelope("slow", "{}"), nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestPushRejections(t *testing.T) {
	p := NewPushReceiver(PushOptions{Token: "s3cret"}, logging.Discard())
	attach(p, func(_ context.Context, d Delivery) { d.Ack() })

	req := httptest.NewRequest(http.MethodGet, "/pubsub/push?token=s3cret", nil)
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	assert.Equal(t, http.StatusForbidden, post(p, "/pubsub/push?token=nope", envelope("a", "{}"), nil).Code)
	assert.Equal(t, http.StatusForbidden, post(p, "/pubsub/push", envelope("a", "{}"), nil).Code)
	assert.Equal(t, http.StatusBadRequest, post(p, "/pubsub/push?token=s3cret", "not json", nil).Code)
	assert.Equal(t, http.StatusBadRequest, post(p, "/pubsub/push?token=s3cret", `{"message":{}}`, nil).Code)
	assert.Equal(t, http.StatusNoContent, post(p, "/pubsub/push?token=s3cret", envelope("a", "{}"), nil).Code)
}

func TestPushNotReceiving(t *testing.T) {
	p := NewPushReceiver(PushOptions{}, logging.Discard())
	rec := post(p, "/pubsub/push", envelope("a", "{}"), nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestPushOIDC(t *testing.T) {
	p := NewPushReceiver(PushOptions{Audience: "https://bridge.example.com/push"}, logging.Discard())
	p.validate = func(_ context.Context, token, audience string) (*idtoken.Payload, error) {
		if token == "good" && audience == "https://bridge.example.com/push" {
			return &idtoken.Payload{Audience: audience}, nil
		}
		return nil, errors.New("bad token")
	}
	attach(p, func(_ context.Context, d Delivery) { d.Ack() })

	assert.Equal(t, http.StatusUnauthorized, post(p, "/pubsub/push", envelope("a", "{}"), nil).Code)
	assert.Equal(t, http.StatusUnauthorized, post(p, "/pubsub/push", envelope("a", "{}"),
		http.Header{"Authorization": {"Bearer forged"}}).Code)
	assert.Equal(t, http.StatusNoContent, post(p, "/pubsub/push", envelope("a", "{}"),
		http.Header{"Authorization": {"Bearer good"}}).Code)
}

func TestPushServeEndToEnd(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	p := NewPushReceiver(PushOptions{Path: "/push", AckDeadline: time.Second}, logging.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- p.serve(ctx, func(_ context.Context, d Delivery) { d.Ack() }, ln)
	}()

	url := "http://" + ln.Addr().String() + "/push"
	var resp *http.Response
	require.Eventually(t, func() bool {
		resp, err = http.Post(url, "application/json", strings.NewReader(envelope("e2e", "{}")))
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not stop")
	}
}

func TestPushThroughListener(t *testing.T) {
	p := NewPushReceiver(PushOptions{Addr: "127.0.0.1:0", AckDeadline: time.Second}, logging.Discard())
	l, _ := newTestListener(p)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := l.Listen(ctx)
	require.NoError(t, err)

	// The port is ephemeral, so drive the handler directly once Receive is up.
	require.Eventually(t, func() bool {
		p.mu.RLock()
		defer p.mu.RUnlock()
		return p.fn != nil
	}, 2*time.Second, time.Millisecond)

	go func() {
		if ev, ok := <-ch; ok {
			ev.Ack()
		}
	}()
	rec := post(p, "/pubsub/push", envelope("via-listener", `{"type":"MESSAGE"}`), nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}
