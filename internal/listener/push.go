package listener

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"google.golang.org/api/idtoken"
)

// PushOptions configures the push endpoint.
type PushOptions struct {
	Addr        string // host:port to listen on
	Path        string
	Token       string // required ?token= value when set
	Audience    string // expected OIDC audience when set
	AckDeadline time.Duration
}

// pushEnvelope is the body Pub/Sub POSTs to push endpoints.
type pushEnvelope struct {
	Message struct {
		Data        []byte            `json:"data"`
		ID          string            `json:"messageId"`
		Attributes  map[string]string `json:"attributes"`
		PublishTime time.Time         `json:"publishTime"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// PushReceiver accepts Pub/Sub push deliveries over HTTP. The response code
// carries the acknowledgment: 204 acks, 503 nacks.
type PushReceiver struct {
	opts     PushOptions
	logger   logrus.FieldLogger
	validate func(ctx context.Context, token, audience string) (*idtoken.Payload, error)

	mu       sync.RWMutex
	fn       func(context.Context, Delivery)
	rctx     context.Context
	inflight sync.WaitGroup
}

func NewPushReceiver(opts PushOptions, logger logrus.FieldLogger) *PushReceiver {
	if opts.Path == "" {
		opts.Path = "/pubsub/push"
	}
	if opts.AckDeadline <= 0 {
		opts.AckDeadline = 60 * time.Second
	}
	return &PushReceiver{opts: opts, logger: logger, validate: idtoken.Validate}
}

// Check has nothing to verify up front; deliveries authenticate themselves.
func (p *PushReceiver) Check(context.Context) error {
	return nil
}

// Receive serves the push endpoint until ctx is done.
func (p *PushReceiver) Receive(ctx context.Context, fn func(context.Context, Delivery)) error {
	ln, err := net.Listen("tcp", p.opts.Addr)
	if err != nil {
		return fmt.Errorf("push listen %s: %w", p.opts.Addr, err)
	}
	return p.serve(ctx, fn, ln)
}

func (p *PushReceiver) serve(ctx context.Context, fn func(context.Context, Delivery), ln net.Listener) error {
	p.mu.Lock()
	p.fn, p.rctx = fn, ctx
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.fn, p.rctx = nil, nil
		p.mu.Unlock()
		p.inflight.Wait()
	}()

	mux := http.NewServeMux()
	mux.Handle(p.opts.Path, p)
	server := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	p.logger.WithFields(logrus.Fields{"addr": ln.Addr().String(), "path": p.opts.Path}).Info("push endpoint starting")

	errCh := make(chan error, 1)
	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return fmt.Errorf("push server: %w", err)
	}
}

func (p *PushReceiver) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}
	if status, ok := p.authorize(r); !ok {
		http.Error(w, http.StatusText(status), status)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 10<<20))
	if err != nil {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}
	var env pushEnvelope
	if err := json.Unmarshal(body, &env); err != nil || env.Message.ID == "" {
		p.logger.WithError(err).Warn("invalid push envelope")
		http.Error(w, "Invalid envelope", http.StatusBadRequest)
		return
	}

	p.mu.RLock()
	fn, rctx := p.fn, p.rctx
	if fn != nil {
		p.inflight.Add(1)
	}
	p.mu.RUnlock()
	if fn == nil {
		http.Error(w, "Not receiving", http.StatusServiceUnavailable)
		return
	}

	result := make(chan bool, 1)
	var once sync.Once
	settle := func(ok bool) { once.Do(func() { result <- ok }) }

	ctx, cancel := mergeDone(rctx, r.Context())
	fn(ctx, Delivery{
		ID:          env.Message.ID,
		Data:        env.Message.Data,
		Attributes:  env.Message.Attributes,
		PublishTime: env.Message.PublishTime,
		Ack:         func() { settle(true) },
		Nack:        func() { settle(false) },
	})
	cancel()
	p.inflight.Done()

	timer := time.NewTimer(p.opts.AckDeadline)
	defer timer.Stop()
	select {
	case ok := <-result:
		if ok {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		http.Error(w, "Nacked", http.StatusServiceUnavailable)
	case <-timer.C:
		http.Error(w, "Ack deadline exceeded", http.StatusServiceUnavailable)
	case <-r.Context().Done():
	}
}

// authorize checks the shared token and the OIDC bearer, whichever are configured.
func (p *PushReceiver) authorize(r *http.Request) (int, bool) {
	if p.opts.Token != "" {
		got := r.URL.Query().Get("token")
		if subtle.ConstantTimeCompare([]byte(got), []byte(p.opts.Token)) != 1 {
			return http.StatusForbidden, false
		}
	}
	if p.opts.Audience != "" {
		raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || raw == "" {
			return http.StatusUnauthorized, false
		}
		if _, err := p.validate(r.Context(), raw, p.opts.Audience); err != nil {
			p.logger.WithError(err).Warn("push token rejected")
			return http.StatusUnauthorized, false
		}
	}
	return 0, true
}

// mergeDone returns a context cancelled when either parent is done.
func mergeDone(a, b context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(a)
	stop := context.AfterFunc(b, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}
