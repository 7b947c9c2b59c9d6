package util

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// --- List of Realistic User Agents ---
var commonUserAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/114.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/16.5.1 Safari/605.1.15",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:109.0) Gecko/20100101 Firefox/115.0",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/113.0.0.0 Safari/537.36",
}

// RandomUserAgent picks one of the browser user agents above.
func RandomUserAgent() string {
	return commonUserAgents[rand.IntN(len(commonUserAgents))]
}

// ClientOptions configures NewHTTPClient.
type ClientOptions struct {
	// StallTimeout bounds connecting, the TLS handshake, the wait for
	// response headers and every single read of the body. A transfer that
	// keeps delivering bytes is never cut off, however long it takes.
	StallTimeout time.Duration
	RetryCount   int
	RetryWait    time.Duration
	// Logger receives resty's own warnings and errors. Nil discards them.
	Logger *slog.Logger
}

// NewHTTPClient builds the resty client shared by all chunk fetches of a run.
// Transport errors, 5xx and 429 responses are retried; other statuses are
// returned to the caller as they are.
func NewHTTPClient(opts ClientOptions) *resty.Client {
	if opts.StallTimeout <= 0 {
		opts.StallTimeout = 60 * time.Second
	}
	if opts.RetryWait <= 0 {
		opts.RetryWait = 10 * time.Millisecond
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	client := resty.New()
	client.SetTransport(newStallTransport(opts.StallTimeout))
	client.SetLogger(restyLogger{l: opts.Logger.With(slog.String("component", "http"))})
	client.SetHeader("User-Agent", RandomUserAgent())
	client.SetHeader("Accept", "application/zip,application/octet-stream,*/*")
	client.SetRetryCount(opts.RetryCount)
	client.SetRetryWaitTime(opts.RetryWait)
	client.SetRetryMaxWaitTime(opts.RetryWait * 4)
	client.AddRetryCondition(func(r *resty.Response, err error) bool {
		if err != nil {
			return true
		}
		code := r.StatusCode()
		return code == http.StatusTooManyRequests || code >= http.StatusInternalServerError
	})
	return client
}

// newStallTransport has no deadline for the whole exchange. Instead every
// phase that can hang is bounded by timeout.
func newStallTransport(timeout time.Duration) *http.Transport {
	dialer := &net.Dialer{Timeout: timeout, KeepAlive: 30 * time.Second}
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			conn, err := dialer.DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			return &stallConn{Conn: conn, timeout: timeout}, nil
		},
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   timeout,
		ResponseHeaderTimeout: timeout,
		ExpectContinueTimeout: time.Second,
	}
}

// stallConn fails a read that sees no data for timeout.
type stallConn struct {
	net.Conn
	timeout time.Duration
}

func (c *stallConn) Read(b []byte) (int, error) {
	if err := c.Conn.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
		return 0, err
	}
	return c.Conn.Read(b)
}

// restyLogger sends resty's printf-style logging to slog.
type restyLogger struct {
	l *slog.Logger
}

func (r restyLogger) Errorf(format string, v ...any) {
	r.l.Error("HTTP request failed.", slog.String("detail", strings.TrimSpace(fmt.Sprintf(format, v...))))
}

func (r restyLogger) Warnf(format string, v ...any) {
	r.l.Warn("HTTP request attempt failed.", slog.String("detail", strings.TrimSpace(fmt.Sprintf(format, v...))))
}

func (r restyLogger) Debugf(format string, v ...any) {
	r.l.Debug(strings.TrimSpace(fmt.Sprintf(format, v...)))
}
