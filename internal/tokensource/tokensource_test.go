package tokensource

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"golang.org/x/oauth2"
)

// newTokenServer starts a fake OAuth server answering with the given status and body
// and records the last request it received.
func newTokenServer(t *testing.T, status int, body string) (*httptest.Server, *http.Request) {
	t.Helper()
	var last http.Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqBody, _ := io.ReadAll(r.Body)
		if len(reqBody) > 0 {
			t.Errorf("Expected empty request body, got %q", reqBody)
		}
		last = *r.Clone(context.Background())
		// Bitrix answers with text/html on some errors; the transport must cope.
		w.Header().Set("Content-Type", "text/html")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv, &last
}

func newTestExchanger(srv *httptest.Server) *Exchanger {
	return NewExchanger("app.123", "secret", WithEndpoint(oauth2.Endpoint{
		TokenURL:  srv.URL + "/oauth/token/",
		AuthStyle: oauth2.AuthStyleInParams,
	}))
}

func TestExchanger_Exchange(t *testing.T) {
	srv, last := newTokenServer(t, http.StatusOK, `{
		"access_token": "new-access",
		"refresh_token": "new-refresh",
		"expires_in": 3600,
		"member_id": "m1",
		"client_endpoint": "https://example.bitrix24.ru/rest/",
		"domain": "example.bitrix24.ru"
	}`)

	tokens, err := newTestExchanger(srv).Exchange(context.Background(), "old-refresh")
	if err != nil {
		t.Fatalf("Exchange() error = %v", err)
	}

	if last.Method != http.MethodGet {
		t.Errorf("Method = %s, want GET", last.Method)
	}
	if last.URL.Path != "/oauth/token/" {
		t.Errorf("Path = %s, want /oauth/token/", last.URL.Path)
	}
	wantQuery := map[string]string{
		"grant_type":    "refresh_token",
		"client_id":     "app.123",
		"client_secret": "secret",
		"refresh_token": "old-refresh",
	}
	q := last.URL.Query()
	for key, want := range wantQuery {
		if got := q.Get(key); got != want {
			t.Errorf("query %s = %q, want %q", key, got, want)
		}
	}

	if tokens.AccessToken != "new-access" || tokens.RefreshToken != "new-refresh" {
		t.Errorf("tokens = %+v, want new-access/new-refresh", tokens)
	}
	if tokens.MemberID != "m1" || tokens.Domain != "example.bitrix24.ru" {
		t.Errorf("metadata = %+v", tokens)
	}
	if tokens.ClientEndpoint != "https://example.bitrix24.ru/rest/" {
		t.Errorf("ClientEndpoint = %q", tokens.ClientEndpoint)
	}
	if tokens.Expiry.IsZero() {
		t.Error("Expiry not set from expires_in")
	}
}

func TestExchanger_DecodeErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{
			name:   "non-JSON body",
			status: http.StatusOK,
			body:   "<html>maintenance</html>",
		},
		{
			name:   "missing refresh_token",
			status: http.StatusOK,
			body:   `{"access_token": "new-access"}`,
		},
		{
			name:   "missing access_token",
			status: http.StatusOK,
			body:   `{"refresh_token": "new-refresh"}`,
		},
		{
			name:   "error response",
			status: http.StatusBadRequest,
			body:   `{"error": "invalid_grant", "error_description": "Refresh token is expired"}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _ := newTokenServer(t, tt.status, tt.body)

			_, err := newTestExchanger(srv).Exchange(context.Background(), "old-refresh")

			var decodeErr *DecodeError
			if !errors.As(err, &decodeErr) {
				t.Fatalf("Exchange() error = %v, want *DecodeError", err)
			}
			if decodeErr.Body != tt.body {
				t.Errorf("Body = %q, want %q", decodeErr.Body, tt.body)
			}
			if !strings.Contains(err.Error(), "error on decode OAuth response") {
				t.Errorf("Error() = %q", err.Error())
			}
		})
	}
}

func TestExchanger_ConnectionFailureIsNotDecodeError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	ex := newTestExchanger(srv)
	srv.Close()

	_, err := ex.Exchange(context.Background(), "old-refresh")
	if err == nil {
		t.Fatal("Exchange() error = nil, want connection error")
	}
	var decodeErr *DecodeError
	if errors.As(err, &decodeErr) {
		t.Errorf("connection failure reported as decode error: %v", err)
	}
}

func TestExchanger_MissingRefreshToken(t *testing.T) {
	ex := NewExchanger("app.123", "secret")
	if _, err := ex.Exchange(context.Background(), ""); !errors.Is(err, ErrMissingRefreshToken) {
		t.Errorf("Exchange(\"\") error = %v, want ErrMissingRefreshToken", err)
	}
}

func TestTokenRefreshTransport_RewritesToGet(t *testing.T) {
	var got *http.Request
	base := roundTripFunc(func(req *http.Request) (*http.Response, error) {
		got = req
		return &http.Response{
			StatusCode: http.StatusOK,
			Header:     make(http.Header),
			Body:       io.NopCloser(strings.NewReader(`{"ok":true}`)),
		}, nil
	})

	req, _ := http.NewRequest(http.MethodPost, "https://oauth.bitrix.info/oauth/token/?keep=1",
		strings.NewReader("grant_type=refresh_token&refresh_token=r%2B1"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	transport := &tokenRefreshTransport{base: base}
	resp, err := transport.RoundTrip(req)
	if err != nil {
		t.Fatalf("RoundTrip() error = %v", err)
	}
	body, _ := io.ReadAll(resp.Body)

	if got.Method != http.MethodGet || got.Body != nil || got.ContentLength != 0 {
		t.Errorf("request not rewritten to bodiless GET: method=%s len=%d", got.Method, got.ContentLength)
	}
	if got.Header.Get("Content-Type") != "" {
		t.Errorf("Content-Type still set: %q", got.Header.Get("Content-Type"))
	}
	q := got.URL.Query()
	if q.Get("keep") != "1" || q.Get("refresh_token") != "r+1" || q.Get("grant_type") != "refresh_token" {
		t.Errorf("query = %v", q)
	}
	if req.Method != http.MethodPost {
		t.Error("original request was mutated")
	}
	if resp.Header.Get("Content-Type") != "application/json" {
		t.Errorf("response Content-Type = %q", resp.Header.Get("Content-Type"))
	}
	if transport.body.String() != string(body) {
		t.Errorf("recorded body = %q, want %q", transport.body.String(), body)
	}
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}
