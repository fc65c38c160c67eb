package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/florianilch/crest/internal/install"
	"github.com/florianilch/crest/internal/tokenstore"
)

type failingStore struct {
	tokenstore.CredentialStore
}

func (failingStore) Upsert(context.Context, tokenstore.Record) error {
	return errors.New("db down")
}

type panickingInstaller struct{}

func (panickingInstaller) Install(context.Context, install.Payload) (install.Result, error) {
	panic("boom")
}

func eventForm() url.Values {
	return url.Values{
		"event":                 {"ONAPPINSTALL"},
		"auth[access_token]":    {"a1"},
		"auth[refresh_token]":   {"r1"},
		"auth[client_endpoint]": {"https://example.bitrix24.ru/rest/"},
		"auth[member_id]":       {"m1"},
	}
}

func newTestServer(t *testing.T, store tokenstore.CredentialStore, opts ...Option) *Server {
	t.Helper()
	installer, err := install.NewInstaller(store, "")
	if err != nil {
		t.Fatalf("NewInstaller() error = %v", err)
	}
	srv, err := New(installer, opts...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return srv
}

func postForm(srv http.Handler, form url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/install", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func TestServer_Install(t *testing.T) {
	placement := url.Values{
		"PLACEMENT":  {"DEFAULT"},
		"AUTH_ID":    {"a2"},
		"REFRESH_ID": {"r2"},
		"DOMAIN":     {"example.bitrix24.ru"},
		"member_id":  {"m2"},
	}

	tests := []struct {
		name       string
		store      tokenstore.CredentialStore
		form       url.Values
		wantStatus int
		wantBody   string
		wantError  string
	}{
		{
			name:       "install event",
			store:      tokenstore.NewMemoryStore(),
			form:       eventForm(),
			wantStatus: http.StatusOK,
			wantBody:   `{"rest_only":true,"install":true,"member_id":"m1"}`,
		},
		{
			name:       "default placement",
			store:      tokenstore.NewMemoryStore(),
			form:       placement,
			wantStatus: http.StatusOK,
			wantBody:   `{"rest_only":false,"install":true,"member_id":"m2"}`,
		},
		{
			name:       "install event without auth",
			store:      tokenstore.NewMemoryStore(),
			form:       url.Values{"event": {"ONAPPINSTALL"}},
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "unsupported payload",
			store:      tokenstore.NewMemoryStore(),
			form:       url.Values{"PLACEMENT": {"CRM_DEAL_DETAIL_TAB"}},
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "store failure",
			store:      failingStore{},
			form:       eventForm(),
			wantStatus: http.StatusInternalServerError,
			wantError:  "failed to store credentials",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := postForm(newTestServer(t, tt.store), tt.form)

			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (body %s)", rec.Code, tt.wantStatus, rec.Body.String())
			}
			if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
				t.Errorf("Content-Type = %q", ct)
			}
			if tt.wantBody != "" && strings.TrimSpace(rec.Body.String()) != tt.wantBody {
				t.Errorf("body = %s, want %s", rec.Body.String(), tt.wantBody)
			}
			requestID := rec.Header().Get(RequestIDHeader)
			if _, err := uuid.Parse(requestID); err != nil {
				t.Errorf("%s = %q, want uuid", RequestIDHeader, requestID)
			}
			if rec.Code != http.StatusOK {
				var body errorBody
				if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
					t.Fatalf("decoding error body: %v", err)
				}
				if tt.wantError != "" && body.Error != tt.wantError {
					t.Errorf("error = %q, want %q", body.Error, tt.wantError)
				}
				if body.RequestID != requestID {
					t.Errorf("request_id = %q, want %q", body.RequestID, requestID)
				}
			}
		})
	}
}

func TestServer_InstallPersistsAndNotifies(t *testing.T) {
	store := tokenstore.NewMemoryStore()
	var notified install.Result
	srv := newTestServer(t, store, WithOnInstall(func(_ context.Context, res install.Result) {
		notified = res
	}))

	if rec := postForm(srv, eventForm()); rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	got, err := store.Get(context.Background(), "m1")
	if err != nil {
		t.Fatalf("store.Get() error = %v", err)
	}
	if got.AccessToken != "a1" || got.Endpoint != "https://example.bitrix24.ru/rest/" {
		t.Errorf("stored = %+v", got)
	}
	if !notified.Installed || notified.Record.MemberID != "m1" {
		t.Errorf("onInstall result = %+v", notified)
	}
}

func TestServer_InstallFromQuery(t *testing.T) {
	srv := newTestServer(t, tokenstore.NewMemoryStore())

	req := httptest.NewRequest(http.MethodPost, "/install?"+eventForm().Encode(), nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, body %s", rec.Code, rec.Body.String())
	}
}

func TestServer_KeepsValidRequestID(t *testing.T) {
	srv := newTestServer(t, tokenstore.NewMemoryStore())
	id := uuid.NewString()

	req := httptest.NewRequest(http.MethodPost, "/install", strings.NewReader(eventForm().Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set(RequestIDHeader, id)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if got := rec.Header().Get(RequestIDHeader); got != id {
		t.Errorf("%s = %q, want %q", RequestIDHeader, got, id)
	}
}

func TestServer_RecoversPanics(t *testing.T) {
	srv, err := New(panickingInstaller{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	rec := postForm(srv, eventForm())
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
}

func TestServer_HealthAndMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "crest_test_total", Help: "test"})
	reg.MustRegister(counter)
	counter.Inc()

	srv := newTestServer(t, tokenstore.NewMemoryStore(), WithMetrics(reg))

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	var health map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &health); err != nil || health["status"] != "ok" {
		t.Errorf("healthz = %s (%v)", rec.Body.String(), err)
	}

	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "crest_test_total 1") {
		t.Errorf("metrics = %d %s", rec.Code, rec.Body.String())
	}
}

func TestServer_MetricsDisabled(t *testing.T) {
	srv := newTestServer(t, tokenstore.NewMemoryStore())

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestServer_StartShutdown(t *testing.T) {
	srv := newTestServer(t, tokenstore.NewMemoryStore())

	errCh, err := srv.Start(context.Background(), "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	select {
	case err, ok := <-errCh:
		if ok && err != nil {
			t.Errorf("runtime error = %v", err)
		}
	case <-ctx.Done():
		t.Error("error channel not closed after shutdown")
	}
}

func TestNew_RequiresInstaller(t *testing.T) {
	if _, err := New(nil); err == nil {
		t.Error("New(nil) error = nil")
	}
}
