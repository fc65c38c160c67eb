package install

import (
	"errors"
	"fmt"
	"net/url"

	"github.com/go-playground/validator/v10"

	"github.com/florianilch/crest/internal/tokenstore"
)

const (
	// EventAppInstall is the event name sent when an application is installed.
	EventAppInstall = "ONAPPINSTALL"

	// PlacementDefault is the placement of an application opened in its default location.
	PlacementDefault = "DEFAULT"
)

// Kind identifies which of the two install payloads was received.
type Kind string

const (
	KindUnknown   Kind = ""
	KindEvent     Kind = "event"
	KindPlacement Kind = "placement"
)

var (
	// ErrUnsupportedPayload is returned for requests that are neither an install
	// event nor a default placement.
	ErrUnsupportedPayload = errors.New("payload is neither an install event nor a default placement")

	// ErrInvalidPayload wraps validation failures of a recognized payload.
	ErrInvalidPayload = errors.New("invalid install payload")
)

// EventAuth is the auth bundle of an ONAPPINSTALL event.
type EventAuth struct {
	AccessToken      string `validate:"required"`
	RefreshToken     string `validate:"required"`
	ClientEndpoint   string `validate:"required,url"`
	MemberID         string `validate:"required"`
	Domain           string
	ApplicationToken string
	ExpiresIn        string
}

// PlacementAuth carries the credentials of a default placement request.
type PlacementAuth struct {
	AuthID      string `validate:"required"`
	AuthExpires string
	AppSID      string
	RefreshID   string `validate:"required"`
	Domain      string `validate:"required,hostname_port|hostname_rfc1123"`
	MemberID    string
}

// Payload is a normalized install callback request.
type Payload struct {
	Kind      Kind
	Event     EventAuth
	Placement PlacementAuth
}

// FromValues reads a payload from the form or query values of an install callback.
func FromValues(v url.Values) Payload {
	switch {
	case v.Get("event") == EventAppInstall:
		return Payload{
			Kind: KindEvent,
			Event: EventAuth{
				AccessToken:      v.Get("auth[access_token]"),
				RefreshToken:     v.Get("auth[refresh_token]"),
				ClientEndpoint:   v.Get("auth[client_endpoint]"),
				MemberID:         v.Get("auth[member_id]"),
				Domain:           v.Get("auth[domain]"),
				ApplicationToken: v.Get("auth[application_token]"),
				ExpiresIn:        v.Get("auth[expires_in]"),
			},
		}
	case v.Get("PLACEMENT") == PlacementDefault:
		return Payload{
			Kind: KindPlacement,
			Placement: PlacementAuth{
				AuthID:      v.Get("AUTH_ID"),
				AuthExpires: v.Get("AUTH_EXPIRES"),
				AppSID:      v.Get("APP_SID"),
				RefreshID:   v.Get("REFRESH_ID"),
				Domain:      v.Get("DOMAIN"),
				MemberID:    v.Get("member_id"),
			},
		}
	default:
		return Payload{Kind: KindUnknown}
	}
}

// RestOnly reports whether the payload came from a REST-only install, that is
// an install event rather than an application opened in the portal UI.
func (p Payload) RestOnly() bool {
	return p.Kind != KindPlacement
}

var validate = validator.New()

// Validate checks the fields required for the payload's kind.
func (p Payload) Validate() error {
	var err error
	switch p.Kind {
	case KindEvent:
		err = validate.Struct(p.Event)
	case KindPlacement:
		err = validate.Struct(p.Placement)
	default:
		return ErrUnsupportedPayload
	}
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}
	return nil
}

// Record converts the payload to a credential record. Placement requests
// without a member_id use fallbackMemberID.
func (p Payload) Record(fallbackMemberID string) (tokenstore.Record, error) {
	if err := p.Validate(); err != nil {
		return tokenstore.Record{}, err
	}

	var rec tokenstore.Record
	switch p.Kind {
	case KindEvent:
		rec = tokenstore.Record{
			MemberID:     p.Event.MemberID,
			Endpoint:     p.Event.ClientEndpoint,
			AccessToken:  p.Event.AccessToken,
			RefreshToken: p.Event.RefreshToken,
		}
	case KindPlacement:
		rec = tokenstore.Record{
			MemberID:     p.Placement.MemberID,
			Endpoint:     "https://" + p.Placement.Domain + "/rest/",
			AccessToken:  p.Placement.AuthID,
			RefreshToken: p.Placement.RefreshID,
		}
	}
	if rec.MemberID == "" {
		rec.MemberID = fallbackMemberID
	}

	if err := rec.Validate(); err != nil {
		return tokenstore.Record{}, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}
	return rec, nil
}
