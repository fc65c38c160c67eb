package rest

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Response is the JSON envelope returned by every REST method.
type Response struct {
	Result           json.RawMessage `json:"result,omitempty"`
	Error            string          `json:"error,omitempty"`
	ErrorDescription string          `json:"error_description,omitempty"`
	Total            *int            `json:"total,omitempty"`
	Next             *int            `json:"next,omitempty"`
	Time             *Timing         `json:"time,omitempty"`

	StatusCode int `json:"-"`
}

// Timing is the server-side timing block of a response.
type Timing struct {
	Start      float64 `json:"start"`
	Finish     float64 `json:"finish"`
	Duration   float64 `json:"duration"`
	Processing float64 `json:"processing"`
	DateStart  string  `json:"date_start"`
	DateFinish string  `json:"date_finish"`
}

// Decode unmarshals the result field into v.
func (r *Response) Decode(v any) error {
	if len(r.Result) == 0 {
		return fmt.Errorf("response has no result")
	}
	return json.Unmarshal(r.Result, v)
}

// BatchResult is the decoded result of the batch method, keyed by command name.
type BatchResult struct {
	Result      map[string]json.RawMessage
	ResultError map[string]Response
	ResultTotal map[string]int
	ResultNext  map[string]int
}

// Batch decodes the result of a batch call.
func (r *Response) Batch() (*BatchResult, error) {
	var raw struct {
		Result      json.RawMessage `json:"result"`
		ResultError json.RawMessage `json:"result_error"`
		ResultTotal json.RawMessage `json:"result_total"`
		ResultNext  json.RawMessage `json:"result_next"`
	}
	if err := r.Decode(&raw); err != nil {
		return nil, fmt.Errorf("decoding batch result: %w", err)
	}

	out := &BatchResult{}
	if err := decodeObject(raw.Result, &out.Result); err != nil {
		return nil, fmt.Errorf("decoding batch result: %w", err)
	}
	if err := decodeObject(raw.ResultError, &out.ResultError); err != nil {
		return nil, fmt.Errorf("decoding batch result_error: %w", err)
	}
	if err := decodeObject(raw.ResultTotal, &out.ResultTotal); err != nil {
		return nil, fmt.Errorf("decoding batch result_total: %w", err)
	}
	if err := decodeObject(raw.ResultNext, &out.ResultNext); err != nil {
		return nil, fmt.Errorf("decoding batch result_next: %w", err)
	}
	return out, nil
}

// decodeObject decodes a JSON object into a map. The API sends an empty
// array instead of an empty object, so [] and null decode to nothing.
func decodeObject[V any](data json.RawMessage, out *map[string]V) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) || bytes.Equal(trimmed, []byte("[]")) {
		return nil
	}
	return json.Unmarshal(trimmed, out)
}
