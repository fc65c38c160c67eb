package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/florianilch/crest/internal/tokenstore"
)

const (
	// DefaultUserAgent is sent with every REST request.
	DefaultUserAgent = "CRestApp"

	// DefaultTimeout bounds a single HTTP request.
	DefaultTimeout = 10 * time.Second
)

// DefaultRetryPolicy waits 300ms between QUERY_LIMIT_EXCEEDED retries and never gives up.
var DefaultRetryPolicy = RetryPolicy{Delay: 300 * time.Millisecond}

// RetryPolicy controls how QUERY_LIMIT_EXCEEDED responses are retried.
type RetryPolicy struct {
	// Delay is the constant pause before resending the request.
	Delay time.Duration
	// MaxRetries caps the number of retries. Zero retries until the limit clears
	// or the context ends.
	MaxRetries int
}

// TokenRefresher exchanges the refresh token of cred and returns the updated record.
type TokenRefresher interface {
	Refresh(ctx context.Context, cred tokenstore.Record) (tokenstore.Record, error)
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the HTTP client used for REST requests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithUserAgent overrides the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(c *Client) {
		if ua != "" {
			c.userAgent = ua
		}
	}
}

// WithInboundHook sends every call to an inbound webhook URL instead of the
// credential endpoint. No access token is attached in this mode.
func WithInboundHook(hookURL string) Option {
	return func(c *Client) {
		c.inboundHook = strings.TrimRight(hookURL, "/")
	}
}

// WithRefresher enables refresh-and-retry on auth errors.
func WithRefresher(r TokenRefresher) Option {
	return func(c *Client) {
		c.refresher = r
	}
}

// WithRetryPolicy overrides DefaultRetryPolicy.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(c *Client) {
		if p.Delay < 0 {
			p.Delay = 0
		}
		if p.MaxRetries < 0 {
			p.MaxRetries = 0
		}
		c.retry = p
	}
}

// WithTimeout overrides DefaultTimeout. Non-positive values keep the default.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithMetrics records call outcomes in m.
func WithMetrics(m *Metrics) Option {
	return func(c *Client) {
		c.metrics = m
	}
}

// Client issues calls against the Bitrix24 REST API.
//
// Credentials are passed into every call and the possibly updated record is
// returned in Result, so a Client holds no per-portal state and is safe for
// concurrent use.
type Client struct {
	httpClient  *http.Client
	userAgent   string
	inboundHook string
	refresher   TokenRefresher
	retry       RetryPolicy
	timeout     time.Duration
	metrics     *Metrics
}

// New creates a Client.
func New(opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{Transport: http.DefaultTransport},
		userAgent:  DefaultUserAgent,
		retry:      DefaultRetryPolicy,
		timeout:    DefaultTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Request describes one REST call. A non-nil Body sends JSON with the access
// token inside the body; otherwise Params are sent form-encoded with the
// access token as the auth parameter.
type Request struct {
	Method string
	Params map[string]any
	Body   map[string]any
}

// Result is a successful (or API-rejected) response together with the
// credentials that are current after the call. Credentials differ from the
// input after a token refresh or an HTTP fallback.
type Result struct {
	Response    *Response
	Credentials tokenstore.Record
}

// Call sends params form-encoded to method.
func (c *Client) Call(ctx context.Context, cred tokenstore.Record, method string, params map[string]any) (*Result, error) {
	return c.Do(ctx, cred, Request{Method: method, Params: params})
}

// CallWithBody sends body as JSON to method.
func (c *Client) CallWithBody(ctx context.Context, cred tokenstore.Record, method string, body map[string]any) (*Result, error) {
	if body == nil {
		body = map[string]any{}
	}
	return c.Do(ctx, cred, Request{Method: method, Body: body})
}

// Do performs req.
//
// QUERY_LIMIT_EXCEEDED is retried per the retry policy. An auth error triggers
// one refresh and one resend. A connection failure against an https endpoint
// is retried once over http. Errors reported by the API are returned as
// *APIError together with a non-nil Result. Any error returned after a
// successful refresh also comes with a Result carrying the new tokens.
func (c *Client) Do(ctx context.Context, cred tokenstore.Record, req Request) (*Result, error) {
	if req.Method == "" {
		return nil, fmt.Errorf("method cannot be empty")
	}
	if c.inboundHook == "" && cred.Endpoint == "" {
		return nil, ErrNoEndpoint
	}

	st := &callState{cred: cred, endpoint: cred.Endpoint, hook: c.inboundHook}
	res, err := c.do(ctx, st, req)
	c.metrics.call(outcomeOf(err))
	return res, err
}

// callState is the mutable state of one logical call.
type callState struct {
	cred      tokenstore.Record
	endpoint  string // endpoint before any http downgrade
	hook      string
	refreshed bool
}

// failed pairs err with the credentials the caller must keep: tokens refreshed
// earlier in the call are returned, the http downgrade is not.
func (st *callState) failed(err error) (*Result, error) {
	if !st.refreshed {
		return nil, err
	}
	cred := st.cred
	cred.Endpoint = st.endpoint
	return &Result{Credentials: cred}, err
}

func (st *callState) uri(method string) string {
	if st.hook != "" {
		return st.hook + "/" + method
	}
	return st.cred.Endpoint + method
}

// downgrade rewrites an https base URL to http. It reports false when the
// base is not https, which also makes the fallback happen at most once.
func (st *callState) downgrade() bool {
	if st.hook != "" {
		hook, ok := toHTTP(st.hook)
		st.hook = hook
		return ok
	}
	endpoint, ok := toHTTP(st.cred.Endpoint)
	st.cred.Endpoint = endpoint
	return ok
}

func toHTTP(base string) (string, bool) {
	rest, ok := strings.CutPrefix(base, "https://")
	if !ok {
		return base, false
	}
	return "http://" + rest, true
}

func (c *Client) do(ctx context.Context, st *callState, req Request) (*Result, error) {
	resp, err := c.sendWithRetry(ctx, st, req)
	if err != nil {
		var rateErr *RateLimitError
		if errors.As(err, &rateErr) {
			return &Result{Response: resp, Credentials: st.cred}, err
		}
		return st.failed(err)
	}

	if resp.Error == "" {
		return &Result{Response: resp, Credentials: st.cred}, nil
	}

	if isAuthError(resp.Error) && !st.refreshed && st.hook == "" && c.refresher != nil {
		slog.InfoContext(ctx, "access token rejected, refreshing",
			"member_id", st.cred.MemberID,
			"code", resp.Error,
		)
		cred, err := c.refresher.Refresh(ctx, st.cred)
		c.metrics.refresh(err == nil)
		if err != nil {
			slog.ErrorContext(ctx, "token refresh failed", "member_id", st.cred.MemberID, "error", err)
			return nil, fmt.Errorf("refreshing access token: %w", err)
		}

		st.cred = cred
		st.refreshed = true
		return c.do(ctx, st, req)
	}

	slog.WarnContext(ctx, "rest api error",
		"method", req.Method,
		"code", resp.Error,
		"description", resp.ErrorDescription,
	)
	return &Result{Response: resp, Credentials: st.cred}, &APIError{
		Code:        resp.Error,
		Description: resp.ErrorDescription,
		StatusCode:  resp.StatusCode,
	}
}

var errQueryLimit = errors.New(ErrCodeQueryLimitExceeded)

// sendWithRetry resends req while the API answers QUERY_LIMIT_EXCEEDED.
func (c *Client) sendWithRetry(ctx context.Context, st *callState, req Request) (*Response, error) {
	attempts := 0
	operation := func() (*Response, error) {
		attempts++
		resp, err := c.sendWithFallback(ctx, st, req)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		if resp.Error == ErrCodeQueryLimitExceeded {
			return resp, errQueryLimit
		}
		return resp, nil
	}

	opts := []backoff.RetryOption{
		backoff.WithBackOff(backoff.NewConstantBackOff(c.retry.Delay)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(_ error, next time.Duration) {
			c.metrics.rateLimit()
			slog.DebugContext(ctx, "query limit exceeded, retrying",
				"method", req.Method,
				"attempt", attempts,
				"delay", next,
			)
		}),
	}
	if c.retry.MaxRetries > 0 {
		opts = append(opts, backoff.WithMaxTries(uint(c.retry.MaxRetries)+1))
	}

	resp, err := backoff.Retry(ctx, operation, opts...)
	if err == nil {
		return resp, nil
	}

	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		err = permanent.Err
	}
	if errors.Is(err, errQueryLimit) {
		slog.WarnContext(ctx, "query limit retries exhausted", "method", req.Method, "attempts", attempts)
		return resp, &RateLimitError{Attempts: attempts}
	}
	return nil, err
}

// sendWithFallback sends req and, on a connection failure against an https
// base URL, sends it once more over http.
func (c *Client) sendWithFallback(ctx context.Context, st *callState, req Request) (*Response, error) {
	resp, err := c.send(ctx, st, req)

	// Read timeouts are final; connect timeouts fall back like any connection failure.
	var transportErr *TransportError
	if err == nil || !errors.As(err, &transportErr) || (transportErr.Timeout && !transportErr.Connect) {
		return resp, err
	}
	if !st.downgrade() {
		return nil, err
	}

	c.metrics.fallback()
	slog.WarnContext(ctx, "connection failed, retrying over http",
		"uri", transportErr.URI,
		"error", transportErr.Err,
	)
	return c.send(ctx, st, req)
}

// send performs a single HTTP round trip.
func (c *Client) send(ctx context.Context, st *callState, req Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	uri := st.uri(req.Method)
	httpReq, err := c.newRequest(reqCtx, st, req, uri)
	if err != nil {
		return nil, err
	}

	slog.DebugContext(ctx, "rest request", "method", req.Method, "uri", uri)

	start := time.Now()
	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &TransportError{URI: uri, Timeout: isTimeout(err), Connect: isDialError(err), Err: err}
	}
	defer func() { _ = httpResp.Body.Close() }()

	body, err := io.ReadAll(httpResp.Body)
	c.metrics.observe(time.Since(start).Seconds())
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &TransportError{URI: uri, Timeout: isTimeout(err), Err: err}
	}

	slog.DebugContext(ctx, "rest response", "method", req.Method, "status", httpResp.StatusCode, "bytes", len(body))

	var resp Response
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &ProtocolError{URI: uri, StatusCode: httpResp.StatusCode, Body: string(body), Err: err}
	}
	resp.StatusCode = httpResp.StatusCode
	return &resp, nil
}

func (c *Client) newRequest(ctx context.Context, st *callState, req Request, uri string) (*http.Request, error) {
	var (
		body        io.Reader
		contentType string
	)

	if req.Body != nil {
		payload := make(map[string]any, len(req.Body)+1)
		maps.Copy(payload, req.Body)
		if st.hook == "" {
			payload["auth"] = st.cred.AccessToken
		}
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encoding request body: %w", err)
		}
		body = bytes.NewReader(data)
		contentType = "application/json"
	} else {
		params := make(map[string]any, len(req.Params)+1)
		maps.Copy(params, req.Params)
		if st.hook == "" {
			params["auth"] = st.cred.AccessToken
		}
		body = strings.NewReader(EncodeParams(params))
		contentType = "application/x-www-form-urlencoded"
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, uri, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", contentType)
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("User-Agent", c.userAgent)
	return httpReq, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// isDialError reports failures to establish the connection.
func isDialError(err error) bool {
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}

func outcomeOf(err error) string {
	var (
		apiErr       *APIError
		rateErr      *RateLimitError
		transportErr *TransportError
		protocolErr  *ProtocolError
	)
	switch {
	case err == nil:
		return outcomeSuccess
	case errors.As(err, &apiErr):
		return outcomeAPIError
	case errors.As(err, &rateErr):
		return outcomeRateLimit
	case errors.As(err, &transportErr):
		return outcomeTransport
	case errors.As(err, &protocolErr):
		return outcomeProtocol
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return outcomeCanceled
	default:
		return outcomeOther
	}
}
