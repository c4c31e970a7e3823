package listener

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"gchatbridge/internal/auth"
)

// PullOptions configures a streaming pull receiver.
type PullOptions struct {
	Project            string
	Subscription       string // subscription ID, not the full path
	Topic              string // topic ID, used only when creating the subscription
	CreateSubscription bool
	MaxOutstanding     int // 1 serializes delivery; larger values let callbacks race
	AckDeadline        time.Duration
}

// PullReceiver receives through Pub/Sub streaming pull.
type PullReceiver struct {
	client *pubsub.Client
	sub    *pubsub.Subscription
	ts     oauth2.TokenSource // nil when the client brings its own credentials
	opts   PullOptions
	logger logrus.FieldLogger
}

// DialPull authenticates with cred and connects to Pub/Sub.
func DialPull(ctx context.Context, cred auth.Credential, opts PullOptions, logger logrus.FieldLogger) (*PullReceiver, error) {
	ts, err := cred.TokenSource(ctx, auth.ScopePubSub)
	if err != nil {
		return nil, err
	}
	client, err := pubsub.NewClient(ctx, opts.Project, option.WithTokenSource(ts))
	if err != nil {
		return nil, wrapAuth("pubsub client", err, isGRPCAuth)
	}
	p := NewPullReceiver(client, opts, logger)
	p.ts = ts
	return p, nil
}

// NewPullReceiver wraps an existing client.
func NewPullReceiver(client *pubsub.Client, opts PullOptions, logger logrus.FieldLogger) *PullReceiver {
	sub := client.Subscription(opts.Subscription)
	if opts.MaxOutstanding > 0 {
		sub.ReceiveSettings.MaxOutstandingMessages = opts.MaxOutstanding
	}
	if opts.MaxOutstanding == 1 {
		// One message in flight on one stream: deliveries reach the listener in
		// the order the subscription hands them out.
		sub.ReceiveSettings.NumGoroutines = 1
	}
	return &PullReceiver{client: client, sub: sub, opts: opts, logger: logger}
}

// Check obtains a token, then verifies that the subscription exists,
// creating it when configured to. A rejected credential is fatal; an
// unreachable token endpoint is retried by the listener.
func (p *PullReceiver) Check(ctx context.Context) error {
	if p.ts != nil {
		if err := auth.Verify(ctx, p.ts); err != nil {
			return err
		}
	}
	exists, err := p.sub.Exists(ctx)
	if err != nil {
		return wrapAuth("check subscription", err, isGRPCAuth)
	}
	if exists {
		return nil
	}
	if !p.opts.CreateSubscription {
		return fmt.Errorf("%w: projects/%s/subscriptions/%s", ErrSubscriptionNotFound, p.opts.Project, p.opts.Subscription)
	}

	cfg := pubsub.SubscriptionConfig{Topic: p.client.Topic(p.opts.Topic)}
	if p.opts.AckDeadline > 0 {
		cfg.AckDeadline = p.opts.AckDeadline
	}
	sub, err := p.client.CreateSubscription(ctx, p.opts.Subscription, cfg)
	if err != nil {
		if status.Code(err) == codes.AlreadyExists {
			return nil
		}
		return wrapAuth("create subscription", err, isGRPCAuth)
	}
	sub.ReceiveSettings = p.sub.ReceiveSettings
	p.sub = sub
	p.logger.WithFields(logrus.Fields{
		"subscription": p.opts.Subscription,
		"topic":        p.opts.Topic,
	}).Info("created subscription")
	return nil
}

// Receive runs one streaming pull session.
func (p *PullReceiver) Receive(ctx context.Context, fn func(context.Context, Delivery)) error {
	err := p.sub.Receive(ctx, func(mctx context.Context, m *pubsub.Message) {
		fn(mctx, Delivery{
			ID:          m.ID,
			Data:        m.Data,
			Attributes:  m.Attributes,
			PublishTime: m.PublishTime,
			Ack:         m.Ack,
			Nack:        m.Nack,
		})
	})
	return wrapAuth("receive", err, isGRPCAuth)
}

func (p *PullReceiver) Close() error {
	return p.client.Close()
}

func isGRPCAuth(err error) bool {
	switch status.Code(err) {
	case codes.Unauthenticated, codes.PermissionDenied:
		return true
	}
	return false
}
