package rpc

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
)

var errTrailingData = errors.New("trailing data after JSON value")

// Answer is a decoded command payload.
type Answer struct {
	Raw  []byte
	JSON any
}

// ParseAnswer decodes payload as JSON when it starts with '[' or '{'
// (numbers kept as json.Number). Anything else, or JSON that fails to
// parse, is kept as opaque text.
func ParseAnswer(payload []byte) *Answer {
	a := &Answer{Raw: payload}
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 || (trimmed[0] != '[' && trimmed[0] != '{') {
		return a
	}
	v, err := decodeJSON(trimmed)
	if err == nil {
		a.JSON = v
	}
	return a
}

func decodeJSON(b []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, errTrailingData
	}
	return v, nil
}

// IsJSON reports whether the payload parsed as JSON.
func (a *Answer) IsJSON() bool {
	return a.JSON != nil
}

// Text returns the payload as text.
func (a *Answer) Text() string {
	return string(a.Raw)
}

// Array returns the JSON array payload, or nil.
func (a *Answer) Array() []any {
	arr, _ := a.JSON.([]any)
	return arr
}

// Object returns the JSON object payload, or nil.
func (a *Answer) Object() map[string]any {
	obj, _ := a.JSON.(map[string]any)
	return obj
}
