// Package chat posts messages into Google Chat spaces through the REST API.
package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"gchatbridge/internal/domain"
	"gchatbridge/internal/metrics"
)

const replyOption = "REPLY_MESSAGE_FALLBACK_TO_NEW_THREAD"

// APIError is a non-retryable rejection from the Chat API.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("chat api: HTTP %d: %s", e.StatusCode, e.Body)
}

// Options configures a Client.
type Options struct {
	APIBase       string
	HTTPClient    *http.Client // must attach credentials, see httpx.NewOAuthClient
	RatePerMinute float64
	Burst         int
	RetryInitial  time.Duration // first retry delay, default 1s
	Metrics       *metrics.Collector
	Logger        logrus.FieldLogger
}

// Client sends text messages. It implements domain.MessageSender.
type Client struct {
	base         string
	http         *http.Client
	limiter      *rate.Limiter
	retryInitial time.Duration
	metrics      *metrics.Collector
	logger       logrus.FieldLogger
}

var _ domain.MessageSender = (*Client)(nil)

func New(opts Options) *Client {
	client := opts.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	retryInitial := opts.RetryInitial
	if retryInitial <= 0 {
		retryInitial = time.Second
	}
	return &Client{
		base:         strings.TrimRight(opts.APIBase, "/"),
		http:         client,
		limiter:      newLimiter(opts.Burst, opts.RatePerMinute),
		retryInitial: retryInitial,
		metrics:      opts.Metrics,
		logger:       logger,
	}
}

type messageBody struct {
	Text   string      `json:"text"`
	Thread *threadBody `json:"thread,omitempty"`
}

type threadBody struct {
	Name string `json:"name"`
}

// Send posts msg.Text into msg.Space, replying in msg.Thread when set.
// Without a space there is nowhere to post and the text is only logged.
func (c *Client) Send(ctx context.Context, msg domain.OutboundMessage) error {
	if msg.Space == "" {
		c.logger.WithField("text", msg.Text).Info("no space to post to, message dropped")
		return nil
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}

	body := messageBody{Text: msg.Text}
	if msg.Thread != "" {
		body.Thread = &threadBody{Name: msg.Thread}
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	endpoint := c.messagesURL(msg.Space, msg.Thread != "")

	resp, err := doWithRetry(ctx, c.http, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json; charset=utf-8")
		return req, nil
	}, c.retryInitial, c.logger)
	if err != nil {
		var re *retryableError
		if errors.As(err, &re) {
			c.metrics.MessageSent(strconv.Itoa(re.statusCode))
		} else {
			c.metrics.MessageSent("error")
		}
		return fmt.Errorf("send message to %s: %w", msg.Space, err)
	}
	defer resp.Body.Close()

	c.metrics.MessageSent(strconv.Itoa(resp.StatusCode))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}

	var created struct {
		Name string `json:"name"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&created)
	c.logger.WithFields(logrus.Fields{
		"space":   msg.Space,
		"thread":  msg.Thread,
		"message": created.Name,
	}).Debug("message sent")
	return nil
}

func (c *Client) messagesURL(space string, threaded bool) string {
	u := c.base + "/v1/" + strings.Trim(space, "/") + "/messages"
	if threaded {
		u += "?" + url.Values{"messageReplyOption": {replyOption}}.Encode()
	}
	return u
}
