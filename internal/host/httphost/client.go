// Package httphost is a Host that drives a browser through a small JSON
// bridge (a native-messaging shim or a devtools adapter) over HTTP.
//
//	GET  {base}/v1/documents?match=<pattern>&match=...
//	     -> {"documents":[{"id":"12","url":"https://..."}]}
//	POST {base}/v1/documents/{id}/styles   {"file":"a.css","run_at":"document_idle"}
//	POST {base}/v1/documents/{id}/scripts  {"file":"a.js","run_at":"document_idle"}
//
// The bridge answers an insertion only once the browser has applied it. Any
// non-2xx answer carries {"error":"..."} and surfaces as *APIError.
package httphost

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

	"github.com/keithlinneman/csloader/internal/injector"
	"github.com/keithlinneman/csloader/internal/log"
	"github.com/keithlinneman/csloader/internal/manifest"
	"github.com/keithlinneman/csloader/internal/xerrors"
)

const (
	DefaultTimeout = 10 * time.Second
	DefaultRPS     = 20
	DefaultBurst   = 5

	// maxResponseBytes caps how much of a bridge response is read.
	maxResponseBytes = 1 << 20
)

var _ injector.Host = (*Client)(nil)

// APIError is a non-2xx answer from the bridge.
type APIError struct {
	Method  string
	Path    string
	Status  int
	Message string
}

func (e *APIError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.Status)
	}
	return fmt.Sprintf("bridge %s %s: %d %s", e.Method, e.Path, e.Status, msg)
}

type Client struct {
	base    *url.URL
	http    *http.Client
	token   string
	timeout time.Duration
	limiter *rate.Limiter
	logger  log.Logger
}

type Option func(*Client)

// WithToken sends Authorization: Bearer <token> on every request.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithTimeout bounds each request, including the wait for the browser to
// apply an insertion.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithRate paces requests to the bridge: burst at once, then perSecond.
// perSecond <= 0 turns pacing off.
func WithRate(perSecond float64, burst int) Option {
	return func(c *Client) {
		switch {
		case perSecond <= 0:
			c.limiter = rate.NewLimiter(rate.Inf, 1)
		case burst > 0:
			c.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
		}
	}
}

// WithHTTPClient replaces the default otelhttp-instrumented client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

func WithLogger(l log.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// New returns a client for the bridge at baseURL (http or https).
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, xerrors.Wrapf(err, "parse bridge url %q", baseURL)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, xerrors.Newf("bridge url %q: scheme must be http or https", baseURL)
	}
	if u.Host == "" {
		return nil, xerrors.Newf("bridge url %q: missing host", baseURL)
	}
	u.Path = strings.TrimSuffix(u.Path, "/")
	u.RawPath = strings.TrimSuffix(u.RawPath, "/")

	c := &Client{
		base:    u,
		timeout: DefaultTimeout,
		limiter: rate.NewLimiter(DefaultRPS, DefaultBurst),
		logger:  log.Nop(),
		http: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport,
				otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
					return "bridge " + r.Method
				}),
			),
		},
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

type documentsResponse struct {
	Documents []injector.Document `json:"documents"`
}

type insertRequest struct {
	File  string         `json:"file"`
	RunAt manifest.RunAt `json:"run_at"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// QueryDocuments lists open documents matching any pattern. An empty
// pattern list matches nothing and makes no request.
func (c *Client) QueryDocuments(ctx context.Context, patterns []string) ([]injector.Document, error) {
	if len(patterns) == 0 {
		return nil, nil
	}
	q := url.Values{}
	for _, p := range patterns {
		q.Add("match", p)
	}
	var out documentsResponse
	if err := c.do(ctx, http.MethodGet, "/v1/documents", q, nil, &out); err != nil {
		return nil, err
	}
	return out.Documents, nil
}

func (c *Client) InsertStyle(ctx context.Context, documentID, path string, runAt manifest.RunAt) error {
	return c.insert(ctx, "styles", documentID, path, runAt)
}

func (c *Client) InsertScript(ctx context.Context, documentID, path string, runAt manifest.RunAt) error {
	return c.insert(ctx, "scripts", documentID, path, runAt)
}

func (c *Client) insert(ctx context.Context, collection, documentID, path string, runAt manifest.RunAt) error {
	p := "/v1/documents/" + url.PathEscape(documentID) + "/" + collection
	return c.do(ctx, http.MethodPost, p, nil, insertRequest{File: path, RunAt: runAt}, nil)
}

func (c *Client) do(ctx context.Context, method, path string, q url.Values, body, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return xerrors.Wrap(err, "bridge rate limiter")
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	// path arrives escaped; keep RawPath so escaped ids survive
	u := *c.base
	u.RawPath = c.base.EscapedPath() + path
	unescaped, err := url.PathUnescape(u.RawPath)
	if err != nil {
		return xerrors.Wrapf(err, "bridge path %q", path)
	}
	u.Path = unescaped
	u.RawQuery = q.Encode()

	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return xerrors.Wrap(err, "encode bridge request")
		}
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), rdr)
	if err != nil {
		return xerrors.Wrap(err, "build bridge request")
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return xerrors.Wrapf(err, "bridge %s %s", method, path)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return xerrors.Wrapf(err, "read bridge response %s %s", method, path)
	}
	c.logger.Debug(ctx, "bridge request",
		"method", method,
		"path", path,
		"status", resp.StatusCode,
		"duration", time.Since(start).String(),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Method: method, Path: path, Status: resp.StatusCode}
		var er errorResponse
		if json.Unmarshal(data, &er) == nil {
			apiErr.Message = er.Error
		}
		return apiErr
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return xerrors.Wrapf(err, "decode bridge response %s %s", method, path)
	}
	return nil
}
