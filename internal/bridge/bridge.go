// Package bridge wires the listener, translator, dedup store and chat client
// around the handler: one dispatch per inbound event, serial per thread.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"gchatbridge/internal/bus"
	"gchatbridge/internal/dedup"
	"gchatbridge/internal/domain"
	"gchatbridge/internal/metrics"
	"gchatbridge/internal/translate"
)

// EventSource yields inbound events; *listener.Listener implements it.
type EventSource interface {
	Listen(ctx context.Context) (<-chan domain.InboundEvent, error)
	Err() error
}

// Options configures a Bridge. Sender, Downloader, Dedup, Metrics and Bus
// are optional.
type Options struct {
	Source        EventSource
	Translator    *translate.Translator
	Handler       domain.Handler
	Sender        domain.MessageSender
	Downloader    domain.Downloader
	Dedup         dedup.Store
	MaxConcurrent int
	ShutdownGrace time.Duration
	Metrics       *metrics.Collector
	Bus           *bus.EventBus
	Logger        logrus.FieldLogger
}

// Bridge dispatches events to the handler.
type Bridge struct {
	source     EventSource
	translator *translate.Translator
	handler    domain.Handler
	sender     domain.MessageSender
	downloader domain.Downloader
	dedup      dedup.Store
	grace      time.Duration
	sem        *semaphore.Weighted
	metrics    *metrics.Collector
	bus        *bus.EventBus
	logger     logrus.FieldLogger

	mu       sync.Mutex
	lanes    map[string]*lane
	stopping bool
	wg       sync.WaitGroup
}

// lane holds the events waiting behind one ordering key.
type lane struct {
	queue []job
}

type job struct {
	ev  domain.InboundEvent
	msg domain.CanonicalMessage
}

func New(opts Options) *Bridge {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 16
	}
	if opts.Translator == nil {
		opts.Translator = translate.New("")
	}
	if opts.Dedup == nil {
		opts.Dedup = dedup.None{}
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	return &Bridge{
		source:     opts.Source,
		translator: opts.Translator,
		handler:    opts.Handler,
		sender:     opts.Sender,
		downloader: opts.Downloader,
		dedup:      opts.Dedup,
		grace:      opts.ShutdownGrace,
		sem:        semaphore.NewWeighted(int64(opts.MaxConcurrent)),
		metrics:    opts.Metrics,
		bus:        opts.Bus,
		logger:     opts.Logger,
		lanes:      make(map[string]*lane),
	}
}

// Run listens until ctx is cancelled or the listener fails fatally. It
// returns the listener's *domain.AuthError in the latter case and nil on a
// clean shutdown. Run may be called once.
func (b *Bridge) Run(ctx context.Context) error {
	events, err := b.source.Listen(ctx)
	if err != nil {
		return err
	}

	// Handlers outlive ctx by the shutdown grace period.
	handlerCtx, forceCancel := context.WithCancel(context.WithoutCancel(ctx))
	defer forceCancel()
	stopCtx, stop := context.WithCancel(context.Background())
	defer stop()

	for ev := range events {
		b.accept(handlerCtx, stopCtx, ev)
	}

	b.mu.Lock()
	b.stopping = true
	b.mu.Unlock()
	stop()
	b.drain(forceCancel)

	if err := b.source.Err(); err != nil {
		return err
	}
	return nil
}

func (b *Bridge) accept(handlerCtx, stopCtx context.Context, ev domain.InboundEvent) {
	msg := b.translator.ToCanonical(ev)
	b.metrics.EventReceived(msg.Type)
	b.emit(bus.EventReceived, msg, nil)

	key := msg.OrderingKey()
	if key == "" {
		key = "event:" + ev.ID
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if ln, ok := b.lanes[key]; ok {
		ln.queue = append(ln.queue, job{ev: ev, msg: msg})
		return
	}
	ln := &lane{queue: []job{{ev: ev, msg: msg}}}
	b.lanes[key] = ln
	b.wg.Add(1)
	go b.runLane(handlerCtx, stopCtx, key, ln)
}

// runLane processes one key's queue in order and exits when it is empty.
func (b *Bridge) runLane(handlerCtx, stopCtx context.Context, key string, ln *lane) {
	defer b.wg.Done()
	for {
		b.mu.Lock()
		if b.stopping {
			b.nackQueued(ln)
		}
		if len(ln.queue) == 0 {
			delete(b.lanes, key)
			b.mu.Unlock()
			return
		}
		j := ln.queue[0]
		ln.queue = ln.queue[1:]
		b.mu.Unlock()

		if err := b.sem.Acquire(stopCtx, 1); err != nil {
			j.ev.Nack()
			continue
		}
		b.mu.Lock()
		stopping := b.stopping
		b.mu.Unlock()
		if stopping {
			b.sem.Release(1)
			j.ev.Nack()
			continue
		}

		b.process(handlerCtx, j)
		b.sem.Release(1)
	}
}

// nackQueued returns not yet started events to the provider. Caller holds b.mu.
func (b *Bridge) nackQueued(ln *lane) {
	for _, j := range ln.queue {
		j.ev.Nack()
	}
	ln.queue = nil
}

// drain waits for in-flight handlers, force-cancelling them after the grace period.
func (b *Bridge) drain(forceCancel context.CancelFunc) {
	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(b.grace)
	defer timer.Stop()
	select {
	case <-done:
		return
	case <-timer.C:
	}

	b.logger.WithField("grace", b.grace).Warn("shutdown grace expired, cancelling handlers")
	forceCancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		b.logger.Error("handlers ignored cancellation, exiting anyway")
	}
}

func (b *Bridge) process(ctx context.Context, j job) {
	ev, msg := j.ev, j.msg
	log := b.logger.WithFields(logrus.Fields{
		"event_id":    ev.ID,
		"event_type":  msg.Type,
		"space":       msg.Space,
		"thread":      msg.Thread,
		"dispatch_id": uuid.NewString(),
	})

	claimed := true
	switch status, err := b.dedup.Claim(ctx, ev.ID); {
	case err != nil:
		log.WithError(err).Warn("dedup claim failed, processing anyway")
		claimed = false
	case status == dedup.Done:
		log.Info("duplicate event skipped")
		ev.Ack()
		b.metrics.EventDuplicate()
		b.emit(bus.EventDuplicate, msg, nil)
		return
	case status == dedup.InProgress:
		// Another delivery holds the lease; let the provider retry after it settles.
		log.Info("event already in progress, nacked")
		ev.Nack()
		b.emit(bus.EventDuplicate, msg, nil)
		return
	}

	req := &domain.Request{
		Message:    msg,
		Downloader: b.downloader,
		Replier:    b.replier(msg, log),
	}

	start := time.Now()
	panicked, err := b.invoke(ctx, req, log)
	elapsed := time.Since(start)
	log = log.WithField("elapsed", elapsed)

	switch {
	case panicked:
		ev.Ack()
		b.complete(claimed, ev.ID, log)
		b.metrics.HandlerDone(metrics.ResultPanic, elapsed)
		b.emit(bus.EventFailed, msg, err)
	case err == nil:
		ev.Ack()
		b.complete(claimed, ev.ID, log)
		b.metrics.HandlerDone(metrics.ResultSuccess, elapsed)
		b.emit(bus.EventHandled, msg, nil)
		log.Debug("event handled")
	case ctx.Err() != nil:
		// Force-cancelled: leave the event unsettled so the provider redelivers it.
		b.release(claimed, ev.ID, log)
		b.metrics.HandlerDone(metrics.ResultAborted, elapsed)
		b.emit(bus.EventFailed, msg, err)
		log.WithError(err).Warn("handler cancelled during shutdown")
	default:
		ev.Nack()
		b.release(claimed, ev.ID, log)
		b.metrics.HandlerDone(metrics.ResultFailure, elapsed)
		b.emit(bus.EventFailed, msg, err)
		log.WithError(err).Warn("handler failed, event nacked")
	}
}

// invoke runs the handler, converting a panic into an error.
func (b *Bridge) invoke(ctx context.Context, req *domain.Request, log logrus.FieldLogger) (panicked bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			panicked = true
			err = fmt.Errorf("handler panic: %v", r)
			log.WithField("stack", string(debug.Stack())).WithError(err).Error("handler panicked, event acknowledged")
		}
	}()
	if b.handler == nil {
		return false, errors.New("no handler configured")
	}
	return false, b.handler.Handle(ctx, req)
}

func (b *Bridge) complete(claimed bool, id string, log logrus.FieldLogger) {
	if !claimed {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := b.dedup.Complete(ctx, id); err != nil {
		log.WithError(err).Warn("dedup complete failed")
	}
}

func (b *Bridge) release(claimed bool, id string, log logrus.FieldLogger) {
	if !claimed {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := b.dedup.Release(ctx, id); err != nil {
		log.WithError(err).Warn("dedup release failed")
	}
}

func (b *Bridge) replier(msg domain.CanonicalMessage, log logrus.FieldLogger) domain.Replier {
	if b.sender == nil {
		return nil
	}
	return domain.ReplierFunc(func(ctx context.Context, text string) error {
		out := domain.OutboundMessage{
			Space:  msg.Space,
			Thread: msg.Thread,
			Text:   b.translator.ToMarkup(text),
		}
		if err := b.sender.Send(ctx, out); err != nil {
			return err
		}
		log.Debug("reply sent")
		b.emit(bus.EventMessageSent, msg, nil)
		return nil
	})
}

func (b *Bridge) emit(typ string, msg domain.CanonicalMessage, err error) {
	payload := map[string]any{
		"event_id":   msg.EventID,
		"event_type": string(msg.Type),
		"space":      msg.Space,
	}
	if msg.Thread != "" {
		payload["thread"] = msg.Thread
	}
	if err != nil {
		payload["error"] = err.Error()
	}
	b.bus.Emit(bus.Event{Type: typ, Source: "bridge", Payload: payload})
}
