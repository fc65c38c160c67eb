package rest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/florianilch/crest/internal/tokenstore"
)

// Portal binds a Client to the stored credentials of one portal. Calls are
// serialized, and credentials returned by a call replace the held ones.
type Portal struct {
	client   *Client
	store    tokenstore.CredentialStore
	memberID string

	mu        sync.Mutex
	cred      tokenstore.Record
	installed bool
}

// NewPortal loads the credentials for memberID. A portal without stored
// credentials is logged as not installed and still returned; Installed
// reports false and calls fail with ErrNotInstalled until Reload succeeds.
func NewPortal(ctx context.Context, client *Client, store tokenstore.CredentialStore, memberID string) (*Portal, error) {
	if client == nil {
		return nil, fmt.Errorf("missing rest client")
	}
	if store == nil {
		return nil, fmt.Errorf("missing credential store")
	}

	p := &Portal{
		client:   client,
		store:    store,
		memberID: memberID,
	}
	// Reload already logged the failure; an uninstalled portal is a valid state.
	_ = p.Reload(ctx)
	return p, nil
}

// Reload reads the credentials from the store again, typically after an install.
// Any failure leaves the portal not installed; read errors other than
// tokenstore.ErrNotFound are logged with their cause.
func (p *Portal) Reload(ctx context.Context) error {
	rec, err := p.store.Get(ctx, p.memberID)

	p.mu.Lock()
	defer p.mu.Unlock()

	if err == nil {
		p.cred = rec
		p.installed = true
		return nil
	}

	if !errors.Is(err, tokenstore.ErrNotFound) {
		slog.ErrorContext(ctx, "failed to read portal credentials", "member_id", p.memberID, "error", err)
	}
	p.cred = tokenstore.Record{}
	p.installed = false
	slog.WarnContext(ctx, "need install app", "member_id", p.memberID)
	return fmt.Errorf("%w: %w", ErrNotInstalled, err)
}

// MemberID returns the portal's member id.
func (p *Portal) MemberID() string {
	return p.memberID
}

// Installed reports whether credentials were found.
func (p *Portal) Installed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.installed
}

// Credentials returns a copy of the current credentials.
func (p *Portal) Credentials() tokenstore.Record {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cred
}

// Call sends params form-encoded to method.
func (p *Portal) Call(ctx context.Context, method string, params map[string]any) (*Response, error) {
	return p.do(func(cred tokenstore.Record) (*Result, error) {
		return p.client.Call(ctx, cred, method, params)
	})
}

// CallWithBody sends body as JSON to method.
func (p *Portal) CallWithBody(ctx context.Context, method string, body map[string]any) (*Response, error) {
	return p.do(func(cred tokenstore.Record) (*Result, error) {
		return p.client.CallWithBody(ctx, cred, method, body)
	})
}

// CallBatch sends a batch call, see Client.CallBatch.
func (p *Portal) CallBatch(ctx context.Context, cmd map[string]string, params map[string][]string, halt bool) (*Response, error) {
	return p.do(func(cred tokenstore.Record) (*Result, error) {
		return p.client.CallBatch(ctx, cred, cmd, params, halt)
	})
}

func (p *Portal) do(call func(tokenstore.Record) (*Result, error)) (*Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	// An inbound webhook carries its own authorization.
	if !p.installed && p.client.inboundHook == "" {
		return nil, ErrNotInstalled
	}

	res, err := call(p.cred)
	if res == nil {
		return nil, err
	}
	if p.installed {
		p.cred = res.Credentials
	}
	return res.Response, err
}
