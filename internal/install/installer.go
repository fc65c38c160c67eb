package install

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/florianilch/crest/internal/tokenstore"
)

// Result reports the outcome of an install callback.
type Result struct {
	RestOnly  bool              `json:"rest_only"`
	Installed bool              `json:"install"`
	Record    tokenstore.Record `json:"-"`
}

// Installer persists credentials received through install callbacks.
type Installer struct {
	store            tokenstore.CredentialStore
	fallbackMemberID string
}

// NewInstaller creates an Installer. fallbackMemberID is used for placement
// requests that do not carry a member_id.
func NewInstaller(store tokenstore.CredentialStore, fallbackMemberID string) (*Installer, error) {
	if store == nil {
		return nil, fmt.Errorf("missing credential store")
	}
	return &Installer{store: store, fallbackMemberID: fallbackMemberID}, nil
}

// Install validates p and upserts its credentials. The returned Result is
// meaningful even when err is non-nil: RestOnly always reflects the payload
// and Installed is false.
func (in *Installer) Install(ctx context.Context, p Payload) (Result, error) {
	res := Result{RestOnly: p.RestOnly()}

	rec, err := p.Record(in.fallbackMemberID)
	if err != nil {
		slog.WarnContext(ctx, "rejected install payload", "kind", p.Kind, "error", err)
		return res, err
	}
	res.Record = rec

	if err := in.store.Upsert(ctx, rec); err != nil {
		slog.ErrorContext(ctx, "failed to persist install", "member_id", rec.MemberID, "error", err)
		return res, fmt.Errorf("persisting credentials: %w", err)
	}

	res.Installed = true
	slog.InfoContext(ctx, "app installed",
		"member_id", rec.MemberID,
		"endpoint", rec.Endpoint,
		"rest_only", res.RestOnly,
	)
	return res, nil
}
