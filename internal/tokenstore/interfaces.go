package tokenstore

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned by Get when no record exists for the member id.
	ErrNotFound = errors.New("portal credentials not found")

	// ErrIncompleteRecord is returned by Upsert when a required field is empty.
	ErrIncompleteRecord = errors.New("incomplete portal credentials")

	// ErrReadOnly is returned by backends that cannot persist records.
	ErrReadOnly = errors.New("credential storage is read-only")
)

// Record is the persisted OAuth credential set of one installed portal.
// It is a plain value: refreshes produce a new Record rather than mutating one.
type Record struct {
	MemberID     string    `json:"member_id"`
	Endpoint     string    `json:"client_endpoint"`
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	UpdatedAt    time.Time `json:"-"`
}

// Validate reports whether the record can be written.
func (r Record) Validate() error {
	switch {
	case r.MemberID == "":
		return fmt.Errorf("%w: member_id is empty", ErrIncompleteRecord)
	case r.Endpoint == "":
		return fmt.Errorf("%w: client_endpoint is empty", ErrIncompleteRecord)
	case r.AccessToken == "":
		return fmt.Errorf("%w: access_token is empty", ErrIncompleteRecord)
	case r.RefreshToken == "":
		return fmt.Errorf("%w: refresh_token is empty", ErrIncompleteRecord)
	}
	return nil
}

// stamped returns a copy with UpdatedAt set to now when unset.
func (r Record) stamped(now time.Time) Record {
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = now
	}
	return r
}

// CredentialStore reads and writes portal credentials.
//
// OAuth refresh requires writable storage.
type CredentialStore interface {
	// Get returns the record for memberID, ErrNotFound if the portal is not
	// installed, or a wrapped read error.
	Get(ctx context.Context, memberID string) (Record, error)

	// Upsert inserts or replaces the record keyed by its member id. Records with
	// an empty endpoint or token are rejected with ErrIncompleteRecord and
	// leave any stored record untouched.
	Upsert(ctx context.Context, rec Record) error

	// Close releases backend resources.
	Close() error
}

// fromUnixMicro converts a stored timestamp column back to a time value.
func fromUnixMicro(us int64) time.Time {
	if us == 0 {
		return time.Time{}
	}
	return time.UnixMicro(us)
}
