// Package transport implements pooled HTTP connections for the batch controller
package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"net/http/httptrace"
	"strconv"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/objectfs/syncengine/internal/buffer"
	"github.com/objectfs/syncengine/internal/config"
	"github.com/objectfs/syncengine/pkg/errors"
	"github.com/objectfs/syncengine/pkg/types"
	"github.com/objectfs/syncengine/pkg/utils"
)

// HTTP dials pooled HTTP connections. Each connection owns a keep-alive
// http.Transport, so reusing a pooled connection reuses its TCP/TLS sessions.
type HTTP struct {
	config  config.TransportConfig
	buffers *buffer.BytePool
	logger  types.Logger
}

// NewHTTP creates an HTTP transport
func NewHTTP(cfg config.TransportConfig, logger types.Logger) *HTTP {
	if logger == nil {
		logger = utils.NopLogger()
	}
	return &HTTP{config: cfg, buffers: buffer.NewBytePool(), logger: logger}
}

// Dial creates a connection handle. Sockets are opened lazily by the first request.
func (t *HTTP) Dial(ctx context.Context) (types.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	dialer := &net.Dialer{
		Timeout:   t.config.DialTimeout,
		KeepAlive: 30 * time.Second,
	}
	base := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		TLSHandshakeTimeout:   t.config.TLSHandshakeTimeout,
		IdleConnTimeout:       t.config.IdleConnTimeout,
		MaxIdleConnsPerHost:   4,
		ForceAttemptHTTP2:     true,
		ExpectContinueTimeout: time.Second,
	}
	if t.config.InsecureSkipVerify {
		base.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} // #nosec G402 -- opt-in for test endpoints
	}

	return &httpConn{
		base:      base,
		client:    &http.Client{Transport: otelhttp.NewTransport(base)},
		userAgent: t.config.UserAgent,
		maxBody:   t.config.MaxResponseBytes,
		buffers:   t.buffers,
	}, nil
}

type httpConn struct {
	base      *http.Transport
	client    *http.Client
	userAgent string
	maxBody   int64
	buffers   *buffer.BytePool

	// nanoseconds of the latest socket connect
	connectTime atomic.Int64
}

func (c *httpConn) ConnectTime() time.Duration {
	return time.Duration(c.connectTime.Load())
}

func (c *httpConn) Close() error {
	c.base.CloseIdleConnections()
	return nil
}

// Execute sends req. Non-2xx responses are returned as results, not errors.
func (c *httpConn) Execute(ctx context.Context, req *types.Request) (*types.RequestResult, error) {
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	var (
		connectStart time.Time
		connect      time.Duration
		reused       bool
	)
	trace := &httptrace.ClientTrace{
		ConnectStart: func(_, _ string) { connectStart = time.Now() },
		ConnectDone: func(_, _ string, err error) {
			if err == nil && !connectStart.IsZero() {
				connect = time.Since(connectStart)
				c.connectTime.Store(int64(connect))
			}
		},
		GotConn: func(info httptrace.GotConnInfo) { reused = info.Reused },
	}

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(httptrace.WithClientTrace(ctx, trace), method, req.URL, body)
	if err != nil {
		return nil, errors.NewError(errors.ErrCodeInvalidRequest, "cannot build request").
			WithCause(err).WithRequestID(req.ID)
	}
	for k, vs := range req.Headers {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	if c.userAgent != "" && httpReq.Header.Get("User-Agent") == "" {
		httpReq.Header.Set("User-Agent", c.userAgent)
	}

	start := time.Now()
	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	sizeHint := 0
	if resp.ContentLength > 0 {
		sizeHint = int(resp.ContentLength)
	}
	data, err := c.buffers.ReadAll(resp.Body, sizeHint, c.maxBody)
	if err != nil {
		return nil, err
	}

	return &types.RequestResult{
		RequestID:  req.ID,
		StatusCode: resp.StatusCode,
		Body:       data,
		Headers:    resp.Header,
		Timing: types.Timing{
			Connect: connect,
			Total:   time.Since(start),
			Reused:  reused,
		},
		Success: resp.StatusCode < 400,
	}, nil
}

// CheckStatus converts an HTTP error status into a classified error. 429 and 503
// responses carry their Retry-After hint.
func CheckStatus(res *types.RequestResult) error {
	if res == nil || res.StatusCode < 400 {
		return nil
	}
	err := errors.NewHTTPError(res.StatusCode).WithRequestID(res.RequestID)
	if d := ParseRetryAfter(res.Headers.Get("Retry-After"), time.Now()); d > 0 {
		err.WithRetryAfter(d)
	}
	return err
}

// ParseRetryAfter accepts delta-seconds or an HTTP date
func ParseRetryAfter(v string, now time.Time) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
