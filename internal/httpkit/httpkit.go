// Package httpkit builds the HTTP clients used for outbound calls to the
// LLM backend and the Telegram Bot API. Every client shares the same
// dial, TLS, and idle-connection limits so a slow upstream cannot pin
// an unbounded number of sockets.
package httpkit

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"syscall"
	"time"

	"github.com/nugget/nudge/internal/buildinfo"
)

// Transport defaults.
const (
	DefaultDialTimeout         = 10 * time.Second
	DefaultKeepAlive           = 30 * time.Second
	DefaultTLSHandshakeTimeout = 10 * time.Second
	DefaultResponseHeader      = 15 * time.Second
	DefaultIdleConnTimeout     = 90 * time.Second
	DefaultMaxIdleConns        = 20
	DefaultMaxIdleConnsPerHost = 5
)

// ClientOption configures a client built by NewClient.
type ClientOption func(*transport, *http.Client)

// WithTimeout sets the overall request timeout. Zero disables it, which
// is what long-polling callers want; they bound requests with ctx.
func WithTimeout(d time.Duration) ClientOption {
	return func(_ *transport, c *http.Client) { c.Timeout = d }
}

// WithUserAgent overrides the default User-Agent header.
func WithUserAgent(ua string) ClientOption {
	return func(t *transport, _ *http.Client) { t.userAgent = ua }
}

// WithTransport replaces the default base transport.
func WithTransport(base *http.Transport) ClientOption {
	return func(t *transport, _ *http.Client) { t.base = base }
}

// WithRetry retries requests that failed to connect at all (refused,
// unreachable). Requests whose body cannot be rewound are never retried.
func WithRetry(count int, delay time.Duration) ClientOption {
	return func(t *transport, _ *http.Client) {
		t.retries = count
		t.retryDelay = delay
	}
}

// WithLogger sets a logger for retry diagnostics.
func WithLogger(l *slog.Logger) ClientOption {
	return func(t *transport, _ *http.Client) { t.logger = l }
}

// NewTransport returns an http.Transport with the package defaults.
func NewTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   DefaultDialTimeout,
			KeepAlive: DefaultKeepAlive,
		}).DialContext,
		TLSHandshakeTimeout:   DefaultTLSHandshakeTimeout,
		ResponseHeaderTimeout: DefaultResponseHeader,
		IdleConnTimeout:       DefaultIdleConnTimeout,
		MaxIdleConns:          DefaultMaxIdleConns,
		MaxIdleConnsPerHost:   DefaultMaxIdleConnsPerHost,
		ForceAttemptHTTP2:     true,
	}
}

// NewClient builds an *http.Client on the shared transport defaults
// with a 30s timeout and the nudge User-Agent.
func NewClient(opts ...ClientOption) *http.Client {
	t := &transport{userAgent: buildinfo.UserAgent()}
	c := &http.Client{Timeout: 30 * time.Second}
	for _, o := range opts {
		o(t, c)
	}
	if t.base == nil {
		t.base = NewTransport()
	}
	c.Transport = t
	return c
}

// transport stamps the User-Agent and retries connect failures.
type transport struct {
	base       http.RoundTripper
	userAgent  string
	retries    int
	retryDelay time.Duration
	logger     *slog.Logger
}

func (t *transport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") == "" && t.userAgent != "" {
		req = req.Clone(req.Context())
		req.Header.Set("User-Agent", t.userAgent)
	}

	resp, err := t.base.RoundTrip(req)
	rewindable := req.Body == nil || req.Body == http.NoBody || req.GetBody != nil
	for attempt := 1; attempt <= t.retries && err != nil && isRetryableError(err) && rewindable; attempt++ {
		if t.logger != nil {
			t.logger.Debug("retrying request after connect failure",
				"method", req.Method,
				"host", req.URL.Host,
				"attempt", attempt,
				"error", err,
			)
		}
		if werr := sleepCtx(req, t.retryDelay); werr != nil {
			return nil, werr
		}

		retry := req.Clone(req.Context())
		if req.GetBody != nil {
			body, bodyErr := req.GetBody()
			if bodyErr != nil {
				return nil, fmt.Errorf("retry: rewind body: %w", bodyErr)
			}
			retry.Body = body
		}
		resp, err = t.base.RoundTrip(retry)
	}
	return resp, err
}

func sleepCtx(req *http.Request, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-req.Context().Done():
		return req.Context().Err()
	case <-timer.C:
		return nil
	}
}

// isRetryableError reports whether err happened before any bytes could
// have reached the server. ECONNRESET is excluded: the request may
// already have been processed.
func isRetryableError(err error) bool {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		switch errno {
		case syscall.EHOSTUNREACH, syscall.ENETUNREACH, syscall.ECONNREFUSED:
			return true
		}
	}
	return false
}

// RedactURL replaces secret in the URL of a *url.Error inside err, so a
// Bot API token embedded in the request path never reaches the logs.
// err is modified in place and returned.
func RedactURL(err error, secret string) error {
	if err == nil || secret == "" {
		return err
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		urlErr.URL = strings.ReplaceAll(urlErr.URL, secret, "<redacted>")
	}
	return err
}

// DrainAndClose reads up to limit bytes from rc and closes it so the
// connection returns to the pool.
func DrainAndClose(rc io.ReadCloser, limit int64) {
	if rc == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(rc, limit))
	rc.Close()
}

// ReadErrorBody reads up to limit bytes of an error response body, then
// drains and closes the rest.
func ReadErrorBody(rc io.ReadCloser, limit int64) string {
	if rc == nil {
		return ""
	}
	body, err := io.ReadAll(io.LimitReader(rc, limit))
	DrainAndClose(rc, 1024)
	if err != nil {
		return fmt.Sprintf("(failed to read error body: %v)", err)
	}
	return string(body)
}
