package tokenstore

import (
	"context"
	"fmt"
	"os"
)

// EnvStore provides read-only access to portal records held as a JSON document
// in an environment variable, e.g.
//
//	CREST_PORTALS='{"a1b2c3":{"client_endpoint":"https://x.bitrix24.ru/rest/","access_token":"…","refresh_token":"…"}}'
//
// Suitable for inbound webhooks and read-only tooling but not OAuth refresh.
type EnvStore struct {
	envKey string
}

// Compile-time check to ensure EnvStore implements CredentialStore
var _ CredentialStore = (*EnvStore)(nil)

// NewEnvStore creates an EnvStore for the given environment variable.
// Returns error if the variable name is empty or not set in the environment.
func NewEnvStore(envKey string) (*EnvStore, error) {
	if envKey == "" {
		return nil, fmt.Errorf("environment key cannot be empty")
	}

	if _, exists := os.LookupEnv(envKey); !exists {
		return nil, fmt.Errorf("environment variable %s not set", envKey)
	}

	return &EnvStore{
		envKey: envKey,
	}, nil
}

// Get decodes the environment document and returns the member's record.
func (e *EnvStore) Get(ctx context.Context, memberID string) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}

	doc, err := decodeDocument([]byte(os.Getenv(e.envKey)))
	if err != nil {
		return Record{}, fmt.Errorf("environment variable %s: %w", e.envKey, err)
	}
	return doc.lookup(memberID)
}

// Upsert is not supported for environment variables (they are read-only).
func (e *EnvStore) Upsert(ctx context.Context, rec Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := rec.Validate(); err != nil {
		return err
	}

	return fmt.Errorf("environment variable %s: %w", e.envKey, ErrReadOnly)
}

// Close is a no-op.
func (e *EnvStore) Close() error {
	return nil
}
