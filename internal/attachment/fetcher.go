// Package attachment downloads uploaded Google Chat attachments through the
// media endpoint.
package attachment

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"

	"gchatbridge/internal/auth"
	"gchatbridge/internal/domain"
	"gchatbridge/internal/metrics"
)

// ErrTooLarge is the AttachmentError kind for bodies above the size limit.
var ErrTooLarge = errors.New("attachment exceeds size limit")

// Options configures a Fetcher.
type Options struct {
	MediaBase string // e.g. https://chat.googleapis.com
	MaxBytes  int64  // 0 disables the limit
	Client    *http.Client
	Metrics   *metrics.Collector
	Logger    logrus.FieldLogger
}

// Fetcher issues one GET per attachment. It keeps no per-request state and
// is safe for concurrent use.
type Fetcher struct {
	base     string
	maxBytes int64
	client   *http.Client
	metrics  *metrics.Collector
	logger   logrus.FieldLogger
}

// New creates a Fetcher. A nil Client uses http.DefaultClient.
func New(opts Options) *Fetcher {
	client := opts.Client
	if client == nil {
		client = http.DefaultClient
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Fetcher{
		base:     strings.TrimRight(opts.MediaBase, "/"),
		maxBytes: opts.MaxBytes,
		client:   client,
		metrics:  opts.Metrics,
		logger:   logger,
	}
}

// Fetch downloads the attachment bytes using cred.
func (f *Fetcher) Fetch(ctx context.Context, ref domain.AttachmentRef, cred auth.Credential) ([]byte, error) {
	if !ref.Uploaded() {
		return nil, f.unsupported(ref)
	}
	ts, err := cred.TokenSource(ctx, auth.ScopeChatBot)
	if err != nil {
		return nil, f.fail(&domain.AttachmentError{Resource: ref.Resource, Kind: domain.ErrAuthExpired, Err: err})
	}
	return f.fetchWith(ctx, ref, ts)
}

// Stream copies the attachment body to w and returns the number of bytes written.
func (f *Fetcher) Stream(ctx context.Context, ref domain.AttachmentRef, cred auth.Credential, w io.Writer) (int64, error) {
	if !ref.Uploaded() {
		return 0, f.unsupported(ref)
	}
	ts, err := cred.TokenSource(ctx, auth.ScopeChatBot)
	if err != nil {
		return 0, f.fail(&domain.AttachmentError{Resource: ref.Resource, Kind: domain.ErrAuthExpired, Err: err})
	}
	return f.download(ctx, ref, ts, w)
}

// Bind captures cred and returns a Downloader for handlers. The token source
// is built once and shared by every call on the returned value.
func (f *Fetcher) Bind(cred auth.Credential) domain.Downloader {
	ts, err := cred.TokenSource(context.Background(), auth.ScopeChatBot)
	return boundDownloader{fetcher: f, ts: ts, err: err}
}

type boundDownloader struct {
	fetcher *Fetcher
	ts      oauth2.TokenSource
	err     error
}

func (b boundDownloader) Fetch(ctx context.Context, ref domain.AttachmentRef) ([]byte, error) {
	if !ref.Uploaded() {
		return nil, b.fetcher.unsupported(ref)
	}
	if b.err != nil {
		return nil, b.fetcher.fail(&domain.AttachmentError{Resource: ref.Resource, Kind: domain.ErrAuthExpired, Err: b.err})
	}
	return b.fetcher.fetchWith(ctx, ref, b.ts)
}

func (f *Fetcher) fetchWith(ctx context.Context, ref domain.AttachmentRef, ts oauth2.TokenSource) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := f.download(ctx, ref, ts, &buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (f *Fetcher) download(ctx context.Context, ref domain.AttachmentRef, ts oauth2.TokenSource, w io.Writer) (int64, error) {
	tok, err := ts.Token()
	if err != nil {
		return 0, f.fail(&domain.AttachmentError{Resource: ref.Resource, Kind: domain.ErrAuthExpired, Err: err})
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.mediaURL(ref.Resource), nil)
	if err != nil {
		return 0, f.fail(&domain.AttachmentError{Resource: ref.Resource, Err: err})
	}
	tok.SetAuthHeader(req)

	resp, err := f.client.Do(req)
	if err != nil {
		return 0, f.fail(&domain.AttachmentError{Resource: ref.Resource, Err: err})
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusNotFound:
		return 0, f.fail(&domain.AttachmentError{Resource: ref.Resource, StatusCode: resp.StatusCode, Kind: domain.ErrNotFound})
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return 0, f.fail(&domain.AttachmentError{Resource: ref.Resource, StatusCode: resp.StatusCode, Kind: domain.ErrAuthExpired})
	default:
		ae := &domain.AttachmentError{Resource: ref.Resource, StatusCode: resp.StatusCode}
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		if msg := strings.TrimSpace(string(snippet)); msg != "" {
			ae.Err = errors.New(msg)
		}
		return 0, f.fail(ae)
	}

	if f.maxBytes > 0 && resp.ContentLength > f.maxBytes {
		return 0, f.fail(&domain.AttachmentError{Resource: ref.Resource, Kind: ErrTooLarge,
			Err: fmt.Errorf("content length %d > %d", resp.ContentLength, f.maxBytes)})
	}

	var body io.Reader = resp.Body
	if f.maxBytes > 0 {
		body = io.LimitReader(resp.Body, f.maxBytes+1)
	}
	n, err := io.Copy(w, body)
	if err != nil {
		return n, f.fail(&domain.AttachmentError{Resource: ref.Resource, Err: err})
	}
	if f.maxBytes > 0 && n > f.maxBytes {
		return n, f.fail(&domain.AttachmentError{Resource: ref.Resource, Kind: ErrTooLarge,
			Err: fmt.Errorf("read more than %d bytes", f.maxBytes)})
	}

	f.metrics.AttachmentFetched(metrics.ResultSuccess)
	f.logger.WithFields(logrus.Fields{"resource": ref.Resource, "bytes": n}).Debug("attachment fetched")
	return n, nil
}

func (f *Fetcher) unsupported(ref domain.AttachmentRef) error {
	return f.fail(&domain.AttachmentError{
		Resource: ref.Resource,
		Kind:     domain.ErrUnsupportedSource,
		Err:      fmt.Errorf("source %s", ref.Kind),
	})
}

func (f *Fetcher) fail(err *domain.AttachmentError) error {
	f.metrics.AttachmentFetched(metrics.ResultFailure)
	f.logger.WithError(err).WithField("resource", err.Resource).Warn("attachment fetch failed")
	return err
}

// mediaURL escapes each path segment of the resource name but keeps the
// separators, so "spaces/A/attachments/B" stays a multi-segment path.
func (f *Fetcher) mediaURL(resource string) string {
	segments := strings.Split(resource, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return f.base + "/v1/media/" + strings.Join(segments, "/") + "?alt=media"
}
