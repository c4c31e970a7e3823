// Package listener turns a Pub/Sub subscription into a stream of inbound
// Google Chat events, reconnecting transparently on transient failures.
package listener

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sirupsen/logrus"

	"gchatbridge/internal/bus"
	"gchatbridge/internal/domain"
	"gchatbridge/internal/metrics"
)

var (
	ErrAlreadyListening = errors.New("listener already started")
	// ErrSubscriptionNotFound is returned by Check when the subscription does
	// not exist and may not be created.
	ErrSubscriptionNotFound = errors.New("subscription not found")
)

// State is the connection state of a Listener.
type State int32

const (
	Disconnected State = iota
	Listening
)

func (s State) String() string {
	if s == Listening {
		return "LISTENING"
	}
	return "DISCONNECTED"
}

// Delivery is one message handed over by a Receiver.
type Delivery struct {
	ID          string
	Data        []byte
	Attributes  map[string]string
	PublishTime time.Time
	Ack         func()
	Nack        func()
}

// Receiver is a source of deliveries, either streaming pull or push.
type Receiver interface {
	// Check authenticates and verifies the subscription. Errors wrapping
	// *domain.AuthError or ErrSubscriptionNotFound are fatal; others are retried.
	Check(ctx context.Context) error
	// Receive calls fn for each delivery, possibly concurrently, until ctx is
	// done or the stream breaks. It returns only after every fn call returned.
	Receive(ctx context.Context, fn func(context.Context, Delivery)) error
}

// Options configures a Listener.
type Options struct {
	Receiver       Receiver
	BackoffInitial time.Duration // default 500ms
	BackoffMax     time.Duration // default 30s
	Metrics        *metrics.Collector
	Bus            *bus.EventBus
	Logger         logrus.FieldLogger
}

// Listener exposes a Receiver as a channel of domain.InboundEvent.
type Listener struct {
	receiver Receiver
	initial  time.Duration
	max      time.Duration
	metrics  *metrics.Collector
	bus      *bus.EventBus
	logger   logrus.FieldLogger

	started atomic.Bool
	state   atomic.Int32

	mu  sync.Mutex
	err error
}

func New(opts Options) *Listener {
	if opts.BackoffInitial <= 0 {
		opts.BackoffInitial = 500 * time.Millisecond
	}
	if opts.BackoffMax <= 0 {
		opts.BackoffMax = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	return &Listener{
		receiver: opts.Receiver,
		initial:  opts.BackoffInitial,
		max:      opts.BackoffMax,
		metrics:  opts.Metrics,
		bus:      opts.Bus,
		logger:   opts.Logger,
	}
}

// State reports whether the listener is currently receiving.
func (l *Listener) State() State {
	return State(l.state.Load())
}

// Err returns the fatal error that closed the event channel, if any.
func (l *Listener) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

// Listen authenticates, then returns a channel that yields events until ctx
// is cancelled or a fatal authentication error occurs. It may be called once.
func (l *Listener) Listen(ctx context.Context) (<-chan domain.InboundEvent, error) {
	if !l.started.CompareAndSwap(false, true) {
		return nil, ErrAlreadyListening
	}

	if err := l.check(ctx); err != nil {
		l.fail(err)
		return nil, err
	}

	l.setState(Listening)
	l.logger.Info("listening for chat events")

	out := make(chan domain.InboundEvent)
	go l.run(ctx, out)
	return out, nil
}

// check retries transient Check failures until they clear or turn fatal.
func (l *Listener) check(ctx context.Context) error {
	b := l.newBackOff()
	for {
		err := l.receiver.Check(ctx)
		if err == nil {
			return nil
		}
		if fatal(err) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		wait := b.NextBackOff()
		l.logger.WithError(err).WithField("backoff", wait).Warn("subscription check failed, retrying")
		if !sleep(ctx, wait) {
			return ctx.Err()
		}
	}
}

func (l *Listener) run(ctx context.Context, out chan<- domain.InboundEvent) {
	defer close(out)

	b := l.newBackOff()
	for {
		var delivered atomic.Bool
		err := l.receiver.Receive(ctx, func(rctx context.Context, d Delivery) {
			delivered.Store(true)
			ev := domain.NewInboundEvent(d.ID, d.Data, d.Attributes, d.PublishTime, d.Ack, d.Nack)
			select {
			case out <- ev:
			case <-rctx.Done():
				ev.Nack()
			}
		})

		if ctx.Err() != nil {
			l.setState(Disconnected)
			l.logger.Info("listener stopped")
			return
		}
		if fatal(err) {
			l.fail(err)
			l.logger.WithError(err).Error("listener stopped on fatal error")
			return
		}
		if delivered.Load() {
			b.Reset()
		}

		wait := b.NextBackOff()
		l.metrics.ListenerReconnect()
		l.logger.WithError(err).WithField("backoff", wait).Warn("subscription stream interrupted, reconnecting")
		if !sleep(ctx, wait) {
			l.setState(Disconnected)
			return
		}
	}
}

func (l *Listener) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = l.initial
	b.MaxInterval = l.max
	b.Multiplier = 2
	b.RandomizationFactor = 0.2
	b.Reset()
	return b
}

func (l *Listener) fail(err error) {
	l.mu.Lock()
	l.err = err
	l.mu.Unlock()
	l.setState(Disconnected)
}

func (l *Listener) setState(s State) {
	prev := State(l.state.Swap(int32(s)))
	l.metrics.SetListening(s == Listening)
	if prev == s {
		return
	}
	typ := bus.EventDisconnected
	if s == Listening {
		typ = bus.EventListening
	}
	payload := map[string]any{"state": s.String()}
	if err := l.Err(); err != nil {
		payload["error"] = err.Error()
	}
	l.bus.Emit(bus.Event{Type: typ, Source: "listener", Payload: payload})
}

func fatal(err error) bool {
	return domain.IsAuthError(err) || errors.Is(err, ErrSubscriptionNotFound)
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// wrapAuth marks err as fatal when the provider rejected our identity.
func wrapAuth(op string, err error, isAuth func(error) bool) error {
	if err == nil {
		return nil
	}
	if isAuth(err) && !domain.IsAuthError(err) {
		return &domain.AuthError{Op: op, Err: err}
	}
	return fmt.Errorf("%s: %w", op, err)
}
