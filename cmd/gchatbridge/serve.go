package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/oauth2"
	"golang.org/x/sync/errgroup"

	"gchatbridge/internal/attachment"
	"gchatbridge/internal/auth"
	"gchatbridge/internal/bridge"
	"gchatbridge/internal/bus"
	"gchatbridge/internal/chat"
	"gchatbridge/internal/command"
	"gchatbridge/internal/config"
	"gchatbridge/internal/dedup"
	"gchatbridge/internal/domain"
	"gchatbridge/internal/httpx"
	"gchatbridge/internal/listener"
	"gchatbridge/internal/metrics"
	"gchatbridge/internal/translate"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Receive Chat events and dispatch them until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg)
		},
	}
}

// closers run in reverse order once the bridge has drained.
type closers []func() error

func (c *closers) add(fn func() error) { *c = append(*c, fn) }

func (c closers) run(log logrus.FieldLogger) {
	for i := len(c) - 1; i >= 0; i-- {
		if err := c[i](); err != nil {
			log.WithError(err).Warn("close failed")
		}
	}
}

func runServe(ctx context.Context, cfg *config.Config) error {
	log := logger.WithFields(logrus.Fields{
		"bot":          cfg.Bot.Name,
		"subscription": cfg.Google.SubscriptionPath(),
		"mode":         cfg.Listener.Mode,
	})

	cred, err := loadCredential(cfg)
	if err != nil {
		return err
	}
	log.WithField("identity", cred.Identity()).Info("credential loaded")

	var cleanup closers
	defer func() { cleanup.run(log) }()

	collector := metrics.New(cfg.Bot.Name)
	eventBus := bus.NewEventBus(log)
	logID := bus.LogEvents(eventBus, log)
	cleanup.add(func() error {
		eventBus.Off("*", logID)
		return nil
	})

	receiver, err := newReceiver(ctx, cfg, cred, &cleanup)
	if err != nil {
		return err
	}

	store, err := dedup.Open(ctx, cfg.Dedup, log)
	if err != nil {
		return fmt.Errorf("open dedup store: %w", err)
	}
	cleanup.add(store.Close)

	sender, err := newChatClient(ctx, cfg, cred, collector)
	if err != nil {
		return err
	}

	fetcher := newFetcher(cfg, collector)

	replies, err := command.LoadReplies(cfg.Handler.RepliesFile, log)
	if err != nil {
		return err
	}
	router := command.NewRouter(command.RouterOptions{
		BotName: cfg.Bot.Name,
		Version: version,
		Replies: replies,
		Logger:  log,
	})

	src := listener.New(listener.Options{
		Receiver:       receiver,
		BackoffInitial: cfg.Listener.BackoffInitial(),
		BackoffMax:     cfg.Listener.BackoffMax(),
		Metrics:        collector,
		Bus:            eventBus,
		Logger:         log,
	})

	br := bridge.New(bridge.Options{
		Source:        src,
		Translator:    translate.New(cfg.Bot.MentionPrefix),
		Handler:       router,
		Sender:        sender,
		Downloader:    fetcher.Bind(cred),
		Dedup:         store,
		MaxConcurrent: cfg.Bridge.MaxConcurrent,
		ShutdownGrace: cfg.Bridge.ShutdownGrace(),
		Metrics:       collector,
		Bus:           eventBus,
		Logger:        log,
	})

	g, gctx := errgroup.WithContext(ctx)
	runCtx, cancel := context.WithCancel(gctx)
	defer cancel()

	g.Go(func() error {
		// The bridge ending for any reason stops the metrics server too.
		defer cancel()
		return br.Run(runCtx)
	})
	if cfg.Metrics.Enabled {
		g.Go(func() error {
			return collector.Serve(runCtx, cfg.Metrics.Addr(), cfg.Metrics.Path, log,
				metrics.Route{Pattern: "/debug/events", Handler: eventBus.Handler()})
		})
	}

	log.WithField("version", version).Info("bridge starting")
	err = g.Wait()
	log.Info("bridge stopped")
	return err
}

func newReceiver(ctx context.Context, cfg *config.Config, cred auth.Credential, cleanup *closers) (listener.Receiver, error) {
	ackDeadline := time.Duration(cfg.Listener.AckDeadlineSeconds) * time.Second
	switch cfg.Listener.Mode {
	case "push":
		return listener.NewPushReceiver(listener.PushOptions{
			Addr:        cfg.Listener.Push.Addr(),
			Path:        cfg.Listener.Push.Path,
			Token:       cfg.Listener.Push.Token,
			Audience:    cfg.Listener.Push.Audience,
			AckDeadline: ackDeadline,
		}, logger), nil
	default:
		pull, err := listener.DialPull(ctx, cred, listener.PullOptions{
			Project:            cfg.Google.Project,
			Subscription:       cfg.Google.Subscription,
			Topic:              cfg.Google.Topic,
			CreateSubscription: cfg.Listener.CreateSubscription,
			MaxOutstanding:     cfg.Listener.MaxOutstanding,
			AckDeadline:        ackDeadline,
		}, logger)
		if err != nil {
			return nil, err
		}
		cleanup.add(pull.Close)
		return pull, nil
	}
}

func newChatClient(ctx context.Context, cfg *config.Config, cred auth.Credential, collector *metrics.Collector) (*chat.Client, error) {
	ts, err := cred.TokenSource(ctx, auth.ScopeChatBot)
	if err != nil {
		return nil, err
	}
	if err := verifyCredential(ctx, ts); err != nil {
		return nil, err
	}
	return chat.New(chat.Options{
		APIBase:       cfg.Chat.APIBase,
		HTTPClient:    httpx.NewOAuthClient(ts, cfg.Chat.Timeout()),
		RatePerMinute: cfg.Chat.RatePerMinute,
		Burst:         cfg.Chat.Burst,
		Metrics:       collector,
		Logger:        logger,
	}), nil
}

func newFetcher(cfg *config.Config, collector *metrics.Collector) *attachment.Fetcher {
	return attachment.New(attachment.Options{
		MediaBase: cfg.Attachment.MediaBase,
		MaxBytes:  cfg.Attachment.MaxBytes,
		Client:    httpx.NewClient(cfg.Attachment.Timeout()),
		Metrics:   collector,
		Logger:    logger,
	})
}

// verifyCredential retries until a token is issued, the credential is
// rejected, or ctx is done. An unreachable token endpoint at boot is not a
// reason to exit.
func verifyCredential(ctx context.Context, ts oauth2.TokenSource) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 30 * time.Second

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := auth.Verify(ctx, ts)
		if domain.IsAuthError(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			logger.WithError(err).WithField("backoff", next).Warn("token endpoint unreachable, retrying")
		}),
	)
	return err
}
