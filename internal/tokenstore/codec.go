package tokenstore

import (
	"encoding/json"
	"fmt"
)

// storedRecord is the JSON shape shared by the file, env and keyring backends.
// Field names match the columns of the portals table.
type storedRecord struct {
	MemberID     string `json:"member_id,omitempty"`
	Endpoint     string `json:"client_endpoint"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	Timestamp    int64  `json:"timestamp,omitempty"`
}

func toStored(rec Record) storedRecord {
	var ts int64
	if !rec.UpdatedAt.IsZero() {
		ts = rec.UpdatedAt.UnixMicro()
	}
	return storedRecord{
		MemberID:     rec.MemberID,
		Endpoint:     rec.Endpoint,
		AccessToken:  rec.AccessToken,
		RefreshToken: rec.RefreshToken,
		Timestamp:    ts,
	}
}

func (s storedRecord) record(memberID string) Record {
	return Record{
		MemberID:     memberID,
		Endpoint:     s.Endpoint,
		AccessToken:  s.AccessToken,
		RefreshToken: s.RefreshToken,
		UpdatedAt:    fromUnixMicro(s.Timestamp),
	}
}

// document maps member ids to their stored records.
type document map[string]storedRecord

func decodeDocument(data []byte) (document, error) {
	doc := document{}
	if len(data) == 0 {
		return doc, nil
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decoding credentials document: %w", err)
	}
	return doc, nil
}

func (d document) lookup(memberID string) (Record, error) {
	s, ok := d[memberID]
	if !ok {
		return Record{}, ErrNotFound
	}
	return s.record(memberID), nil
}
