package tokensource

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/oauth2"
)

// ErrMissingRefreshToken is returned when Exchange is called without a refresh token.
var ErrMissingRefreshToken = errors.New("missing refresh token")

// DecodeError reports a token response that could not be used: an error
// status, a body that is not JSON, or a JSON body without the token pair.
type DecodeError struct {
	Body string
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("error on decode OAuth response: %v", e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Tokens is a refreshed token pair plus the portal metadata returned alongside it.
type Tokens struct {
	AccessToken    string
	RefreshToken   string
	Expiry         time.Time
	ClientEndpoint string
	MemberID       string
	Domain         string
}

// ExchangerOption configures an Exchanger.
type ExchangerOption func(*exchangerConfig)

// exchangerConfig holds configuration for NewExchanger.
type exchangerConfig struct {
	baseTransport http.RoundTripper
	endpoint      oauth2.Endpoint
	timeout       time.Duration
}

// WithTransport sets a custom base transport for token refresh requests.
// If not provided, http.DefaultTransport is used.
func WithTransport(transport http.RoundTripper) ExchangerOption {
	return func(c *exchangerConfig) {
		c.baseTransport = transport
	}
}

// WithEndpoint overrides the OAuth endpoint. An empty TokenURL keeps the default.
func WithEndpoint(endpoint oauth2.Endpoint) ExchangerOption {
	return func(c *exchangerConfig) {
		if endpoint.TokenURL != "" {
			c.endpoint = endpoint
		}
	}
}

// WithTimeout bounds each token request. Non-positive values keep the default.
func WithTimeout(timeout time.Duration) ExchangerOption {
	return func(c *exchangerConfig) {
		if timeout > 0 {
			c.timeout = timeout
		}
	}
}

// Exchanger trades refresh tokens for new token pairs at the Bitrix24 OAuth server.
// It is safe for concurrent use.
type Exchanger struct {
	config    *oauth2.Config
	transport http.RoundTripper
	timeout   time.Duration
}

// NewExchanger creates an Exchanger for the given application credentials.
func NewExchanger(clientID, clientSecret string, opts ...ExchangerOption) *Exchanger {
	cfg := &exchangerConfig{
		baseTransport: http.DefaultTransport,
		endpoint:      Endpoint,
		timeout:       30 * time.Second,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	return &Exchanger{
		config: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint:     cfg.endpoint,
		},
		transport: cfg.baseTransport,
		timeout:   cfg.timeout,
	}
}

// Exchange performs a refresh_token grant. It is not retried.
func (e *Exchanger) Exchange(ctx context.Context, refreshToken string) (*Tokens, error) {
	if refreshToken == "" {
		return nil, ErrMissingRefreshToken
	}

	transport := &tokenRefreshTransport{base: e.transport}
	httpClient := &http.Client{
		Timeout:   e.timeout,
		Transport: transport,
	}
	// oauth2 picks up custom HTTP clients from the context (oauth2.HTTPClient key).
	oauthCtx := context.WithValue(ctx, oauth2.HTTPClient, httpClient)

	// An empty access token forces the refresh grant on the first Token call.
	tok, err := e.config.TokenSource(oauthCtx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		if !transport.responded {
			return nil, fmt.Errorf("requesting token refresh: %w", err)
		}
		return nil, &DecodeError{Body: transport.body.String(), Err: err}
	}

	// oauth2 keeps the old refresh token when the response omits one.
	newRefresh := extraString(tok, "refresh_token")
	if newRefresh == "" {
		return nil, &DecodeError{Body: transport.body.String(), Err: errors.New("response has no refresh_token")}
	}

	return &Tokens{
		AccessToken:    tok.AccessToken,
		RefreshToken:   newRefresh,
		Expiry:         tok.Expiry,
		ClientEndpoint: extraString(tok, "client_endpoint"),
		MemberID:       extraString(tok, "member_id"),
		Domain:         extraString(tok, "domain"),
	}, nil
}

func extraString(tok *oauth2.Token, key string) string {
	s, _ := tok.Extra(key).(string)
	return s
}

// tokenRefreshTransport converts oauth2's form-encoded POST into the GET with
// query parameters expected by the Bitrix24 OAuth server, and records the
// response body for error reporting.
// One instance serves exactly one Exchange call.
type tokenRefreshTransport struct {
	base      http.RoundTripper
	body      bytes.Buffer
	responded bool
}

// Compile-time check that tokenRefreshTransport implements http.RoundTripper.
var _ http.RoundTripper = (*tokenRefreshTransport)(nil)

// RoundTrip moves the form parameters into the query string and sends a GET.
func (t *tokenRefreshTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	var form url.Values
	if req.Body != nil {
		defer func() { _ = req.Body.Close() }()
		body, err := io.ReadAll(req.Body)
		if err != nil {
			return nil, fmt.Errorf("reading request body: %w", err)
		}
		form, err = url.ParseQuery(string(body))
		if err != nil {
			return nil, fmt.Errorf("parsing form data: %w", err)
		}
	}

	newReq := req.Clone(req.Context())
	query := newReq.URL.Query()
	for key, values := range form {
		query[key] = values
	}
	newReq.Method = http.MethodGet
	newReq.URL.RawQuery = query.Encode()
	newReq.Body = nil
	newReq.GetBody = nil
	newReq.ContentLength = 0
	newReq.Header.Del("Content-Type")

	resp, err := t.base.RoundTrip(newReq)
	if err != nil {
		return nil, err
	}
	t.responded = true

	// The server answers with JSON regardless of the declared content type.
	resp.Header.Set("Content-Type", "application/json")
	resp.Body = &recordingBody{Reader: io.TeeReader(resp.Body, &t.body), Closer: resp.Body}
	return resp, nil
}

type recordingBody struct {
	io.Reader
	io.Closer
}
