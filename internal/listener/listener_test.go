package listener

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gchatbridge/internal/bus"
	"gchatbridge/internal/domain"
	"gchatbridge/internal/logging"
)

// fakeReceiver plays one scripted session per Receive call.
type fakeReceiver struct {
	checkErr error
	checks   atomic.Int32

	mu       sync.Mutex
	sessions []func(ctx context.Context, fn func(context.Context, Delivery)) error
	calls    atomic.Int32
}

func (f *fakeReceiver) Check(context.Context) error {
	f.checks.Add(1)
	return f.checkErr
}

func (f *fakeReceiver) Receive(ctx context.Context, fn func(context.Context, Delivery)) error {
	n := int(f.calls.Add(1)) - 1
	f.mu.Lock()
	var session func(context.Context, func(context.Context, Delivery)) error
	if n < len(f.sessions) {
		session = f.sessions[n]
	}
	f.mu.Unlock()
	if session == nil {
		<-ctx.Done()
		return nil
	}
	return session(ctx, fn)
}

func deliver(ids ...string) func(context.Context, func(context.Context, Delivery)) error {
	return func(ctx context.Context, fn func(context.Context, Delivery)) error {
		for _, id := range ids {
			fn(ctx, Delivery{ID: id, Data: []byte(`{"type":"MESSAGE"}`), Ack: func() {}, Nack: func() {}})
		}
		return errors.New("connection reset")
	}
}

func newTestListener(r Receiver) (*Listener, *bus.EventBus) {
	eb := bus.NewEventBus(logging.Discard())
	return New(Options{
		Receiver:       r,
		BackoffInitial: time.Millisecond,
		BackoffMax:     5 * time.Millisecond,
		Bus:            eb,
		Logger:         logging.Discard(),
	}), eb
}

func receive(t *testing.T, ch <-chan domain.InboundEvent) domain.InboundEvent {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "channel closed")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return domain.InboundEvent{}
	}
}

func TestListenInvalidCredentialsIsFatal(t *testing.T) {
	authErr := &domain.AuthError{Op: "check subscription", Err: errors.New("invalid_grant")}
	r := &fakeReceiver{checkErr: authErr}
	l, _ := newTestListener(r)

	ch, err := l.Listen(context.Background())
	assert.Nil(t, ch)
	assert.True(t, domain.IsAuthError(err))
	assert.Equal(t, Disconnected, l.State())
	assert.Equal(t, int32(1), r.checks.Load(), "auth failures are not retried")
	assert.Equal(t, int32(0), r.calls.Load())
}

func TestListenMissingSubscriptionIsFatal(t *testing.T) {
	l, _ := newTestListener(&fakeReceiver{checkErr: ErrSubscriptionNotFound})
	_, err := l.Listen(context.Background())
	assert.ErrorIs(t, err, ErrSubscriptionNotFound)
}

func TestListenTwiceFails(t *testing.T) {
	l, _ := newTestListener(&fakeReceiver{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := l.Listen(ctx)
	require.NoError(t, err)
	_, err = l.Listen(ctx)
	assert.ErrorIs(t, err, ErrAlreadyListening)
}

func TestListenReconnectsWithoutReauthAndDropsNothing(t *testing.T) {
	r := &fakeReceiver{}
	r.sessions = append(r.sessions,
		deliver("m1", "m2"),
		func(context.Context, func(context.Context, Delivery)) error { return errors.New("unavailable") },
		deliver("m3"),
	)
	l, eb := newTestListener(r)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := l.Listen(ctx)
	require.NoError(t, err)
	assert.Equal(t, Listening, l.State())

	var ids []string
	for i := 0; i < 3; i++ {
		ids = append(ids, receive(t, ch).ID)
	}
	assert.Equal(t, []string{"m1", "m2", "m3"}, ids)
	assert.Equal(t, int32(1), r.checks.Load(), "reconnect must not re-authenticate")
	assert.GreaterOrEqual(t, r.calls.Load(), int32(3))
	assert.Equal(t, Listening, l.State())
	assert.Len(t, eb.Replay(bus.EventListening, time.Time{}), 1)
}

func TestListenTransientCheckFailureIsRetried(t *testing.T) {
	r := &flakyChecker{fakeReceiver: &fakeReceiver{}, failures: 2}
	l, _ := newTestListener(r)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := l.Listen(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(3), r.attempts.Load())
}

type flakyChecker struct {
	*fakeReceiver
	failures int32
	attempts atomic.Int32
}

func (f *flakyChecker) Check(context.Context) error {
	if f.attempts.Add(1) <= f.failures {
		return errors.New("dial tcp: connection refused")
	}
	return nil
}

func TestListenAuthFailureWhileListeningClosesChannel(t *testing.T) {
	authErr := &domain.AuthError{Op: "receive", Err: errors.New("revoked")}
	r := &fakeReceiver{}
	r.sessions = append(r.sessions, func(ctx context.Context, fn func(context.Context, Delivery)) error {
		fn(ctx, Delivery{ID: "m1", Ack: func() {}, Nack: func() {}})
		return authErr
	})
	l, eb := newTestListener(r)

	ch, err := l.Listen(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "m1", receive(t, ch).ID)

	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed")
	}
	assert.Equal(t, Disconnected, l.State())
	assert.ErrorIs(t, l.Err(), authErr)
	assert.Len(t, eb.Replay(bus.EventDisconnected, time.Time{}), 1)
	assert.Equal(t, int32(1), r.calls.Load())
}

func TestListenCancelNacksUndelivered(t *testing.T) {
	var nacked atomic.Int32
	started := make(chan struct{})
	r := &fakeReceiver{}
	r.sessions = append(r.sessions, func(ctx context.Context, fn func(context.Context, Delivery)) error {
		close(started)
		fn(ctx, Delivery{ID: "m1", Ack: func() {}, Nack: func() { nacked.Add(1) }})
		return nil
	})
	l, _ := newTestListener(r)
	ctx, cancel := context.WithCancel(context.Background())

	ch, err := l.Listen(ctx)
	require.NoError(t, err)
	<-started
	cancel()

	assert.Eventually(t, func() bool { return l.State() == Disconnected }, 2*time.Second, time.Millisecond)
	for range ch {
	}
	assert.Equal(t, int32(1), nacked.Load())
	assert.NoError(t, l.Err())
}

func TestEventsSettleOnce(t *testing.T) {
	var acks, nacks atomic.Int32
	r := &fakeReceiver{}
	r.sessions = append(r.sessions, func(ctx context.Context, fn func(context.Context, Delivery)) error {
		fn(ctx, Delivery{ID: "m1", Ack: func() { acks.Add(1) }, Nack: func() { nacks.Add(1) }})
		<-ctx.Done()
		return nil
	})
	l, _ := newTestListener(r)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := l.Listen(ctx)
	require.NoError(t, err)
	ev := receive(t, ch)

	assert.True(t, ev.Ack())
	assert.False(t, ev.Ack())
	assert.False(t, ev.Nack())
	assert.Equal(t, int32(1), acks.Load())
	assert.Equal(t, int32(0), nacks.Load())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "DISCONNECTED", Disconnected.String())
	assert.Equal(t, "LISTENING", Listening.String())
}
