package tgcli

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"

	"github.com/mitchellh/mapstructure"
)

// ErrUnknownEvent is returned by DecodeEvent for objects that are not one
// of the handled push events.
var ErrUnknownEvent = errors.New("unknown event")

// decode maps a generic JSON value (as produced by encoding/json with
// UseNumber) onto out, reading field names from the json tags.
func decode(in any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		Result:           out,
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			rawJSONHook(),
			jsonNumberToBoolHook(),
		),
	})
	if err != nil {
		return fmt.Errorf("new decoder: %w", err)
	}
	return dec.Decode(in)
}

var rawJSONType = reflect.TypeOf(RawJSON(""))

// rawJSONHook re-encodes nested objects bound for a RawJSON field.
func rawJSONHook() mapstructure.DecodeHookFuncType {
	return func(from reflect.Type, to reflect.Type, data any) (any, error) {
		if to != rawJSONType {
			return data, nil
		}
		switch from.Kind() {
		case reflect.Map, reflect.Slice:
			b, err := json.Marshal(data)
			if err != nil {
				return nil, err
			}
			return RawJSON(b), nil
		}
		return data, nil
	}
}

// jsonNumberToBoolHook accepts 0/1 where a boolean is expected.
func jsonNumberToBoolHook() mapstructure.DecodeHookFuncType {
	return func(from reflect.Type, to reflect.Type, data any) (any, error) {
		if to.Kind() != reflect.Bool {
			return data, nil
		}
		if n, ok := data.(json.Number); ok {
			v, err := n.Int64()
			if err != nil {
				return nil, err
			}
			return v != 0, nil
		}
		return data, nil
	}
}

// DecodePeer decodes a single peer object.
func DecodePeer(v any) (*Peer, error) {
	var p Peer
	if err := decode(v, &p); err != nil {
		return nil, fmt.Errorf("decode peer: %w", err)
	}
	return &p, nil
}

// DecodePeers decodes a JSON array of peers, as returned by contact_list,
// dialog_list and channel_list.
func DecodePeers(v any) ([]*Peer, error) {
	items, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("decode peers: expected array, got %T", v)
	}
	out := make([]*Peer, 0, len(items))
	for _, item := range items {
		p, err := DecodePeer(item)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// DecodeMessage decodes a single message object.
func DecodeMessage(v any) (*Message, error) {
	if !IsMessage(v) {
		return nil, fmt.Errorf("decode message: not a message record")
	}
	var m Message
	if err := decode(v, &m); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	return &m, nil
}

// DecodeMessages decodes a history page. A JSON object is treated as a
// page of one.
func DecodeMessages(v any) ([]*Message, error) {
	if obj, ok := v.(map[string]any); ok {
		m, err := DecodeMessage(obj)
		if err != nil {
			return nil, err
		}
		return []*Message{m}, nil
	}
	items, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("decode messages: expected array, got %T", v)
	}
	out := make([]*Message, 0, len(items))
	for _, item := range items {
		m, err := DecodeMessage(item)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// IsMessage reports whether v looks like a message record: an object with
// an id and either a sender or a message event tag.
func IsMessage(v any) bool {
	obj, ok := v.(map[string]any)
	if !ok {
		return false
	}
	if _, ok := obj["id"]; !ok {
		return false
	}
	if _, ok := obj["from"]; ok {
		return true
	}
	switch obj["event"] {
	case "message", "service":
		return true
	}
	return false
}

// DecodeEvent decodes a push event into *Message, *OnlineStatus or
// *Updates.
func DecodeEvent(v any) (any, error) {
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrUnknownEvent, v)
	}
	kind, _ := obj["event"].(string)
	switch kind {
	case "message", "service":
		return DecodeMessage(obj)
	case "online-status":
		var s OnlineStatus
		if err := decode(obj, &s); err != nil {
			return nil, fmt.Errorf("decode online-status: %w", err)
		}
		return &s, nil
	case "updates":
		var u Updates
		if err := decode(obj, &u); err != nil {
			return nil, fmt.Errorf("decode updates: %w", err)
		}
		return &u, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, kind)
}
