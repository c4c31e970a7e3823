// Package httpx builds the outbound HTTP clients used for Google APIs.
package httpx

import (
	"net"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/oauth2"
)

// NewTransport returns a pooled transport wrapped with OpenTelemetry
// instrumentation. Use one per component instead of http.DefaultTransport.
func NewTransport(responseTimeout time.Duration) http.RoundTripper {
	if responseTimeout <= 0 {
		responseTimeout = 60 * time.Second
	}
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        20,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: responseTimeout,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return otelhttp.NewTransport(transport)
}

// NewClient returns an instrumented client with an overall request timeout.
func NewClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout:   timeout,
		Transport: NewTransport(timeout),
	}
}

// NewOAuthClient returns an instrumented client that authorizes every
// request with tokens from ts.
func NewOAuthClient(ts oauth2.TokenSource, timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &oauth2.Transport{
			Source: ts,
			Base:   NewTransport(timeout),
		},
	}
}
