package tokensource

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/florianilch/crest/internal/tokenstore"
)

// TokenExchanger trades a refresh token for a new token pair.
type TokenExchanger interface {
	Exchange(ctx context.Context, refreshToken string) (*Tokens, error)
}

// Compile-time check to ensure Exchanger implements TokenExchanger
var _ TokenExchanger = (*Exchanger)(nil)

// Refresher refreshes a portal's credentials and persists the new pair.
type Refresher struct {
	exchanger TokenExchanger
	store     tokenstore.CredentialStore
	now       func() time.Time
}

// NewRefresher creates a Refresher. No I/O is performed until the first Refresh call.
func NewRefresher(exchanger TokenExchanger, store tokenstore.CredentialStore) (*Refresher, error) {
	if exchanger == nil {
		return nil, fmt.Errorf("missing token exchanger")
	}
	if store == nil {
		return nil, fmt.Errorf("missing credential store")
	}

	return &Refresher{
		exchanger: exchanger,
		store:     store,
		now:       time.Now,
	}, nil
}

// Refresh exchanges cred's refresh token and returns cred with the new pair.
// The record keeps its member id and endpoint. A failed write is logged and
// does not fail the refresh, since the returned tokens are already valid.
func (r *Refresher) Refresh(ctx context.Context, cred tokenstore.Record) (tokenstore.Record, error) {
	tokens, err := r.exchanger.Exchange(ctx, cred.RefreshToken)
	if err != nil {
		return tokenstore.Record{}, err
	}

	updated := cred
	updated.AccessToken = tokens.AccessToken
	updated.RefreshToken = tokens.RefreshToken
	updated.UpdatedAt = r.now()

	if err := r.store.Upsert(ctx, updated); err != nil {
		// The old refresh token is now spent: the next process start cannot refresh.
		slog.ErrorContext(ctx, "failed to persist refreshed tokens",
			"member_id", cred.MemberID,
			"error", err,
		)
	} else {
		slog.DebugContext(ctx, "refreshed tokens persisted", "member_id", cred.MemberID)
	}

	return updated, nil
}
