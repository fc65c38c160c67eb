package tokenstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/zalando/go-keyring"
)

// KeyringStore provides OS-native secure credential storage, one keyring entry
// per portal. Uses macOS Keychain, Windows Credential Manager, or Linux Secret Service.
type KeyringStore struct {
	service string
	now     func() time.Time
}

// Compile-time check to ensure KeyringStore implements CredentialStore
var _ CredentialStore = (*KeyringStore)(nil)

// NewKeyringStore creates a KeyringStore that files entries under the given service name.
func NewKeyringStore(service string) (*KeyringStore, error) {
	if service == "" {
		return nil, fmt.Errorf("service cannot be empty")
	}

	return &KeyringStore{
		service: service,
		now:     time.Now,
	}, nil
}

// Get reads the entry whose user is memberID.
func (k *KeyringStore) Get(ctx context.Context, memberID string) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}

	secret, err := keyring.Get(k.service, memberID)
	if errors.Is(err, keyring.ErrNotFound) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("reading keyring for service %s: %w", k.service, err)
	}

	var stored storedRecord
	if err := json.Unmarshal([]byte(secret), &stored); err != nil {
		return Record{}, fmt.Errorf("decoding keyring entry for %s: %w", memberID, err)
	}
	return stored.record(memberID), nil
}

// Upsert writes the record to the keyring, overwriting any existing entry.
func (k *KeyringStore) Upsert(ctx context.Context, rec Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := rec.Validate(); err != nil {
		return err
	}

	data, err := json.Marshal(toStored(rec.stamped(k.now())))
	if err != nil {
		return fmt.Errorf("encoding keyring entry: %w", err)
	}

	if err := keyring.Set(k.service, rec.MemberID, string(data)); err != nil {
		return fmt.Errorf("writing keyring for service %s: %w", k.service, err)
	}
	return nil
}

// Close is a no-op.
func (k *KeyringStore) Close() error {
	return nil
}
