// Package jsonx centralizes the JSON codec used across the bridge.
//
// All wire-facing JSON (control frames, REST bodies, cached DBus values)
// goes through the same jsoniter configuration so that encoding behavior
// (map key ordering on decode, number handling) is consistent everywhere.
package jsonx

import (
	"encoding/json"
	"reflect"

	jsoniter "github.com/json-iterator/go"
)

// API is the shared jsoniter configuration, compatible with encoding/json
// semantics (struct tags, omitempty, etc.) but faster on the hot paths this
// package sits on (REST streaming, per-channel control frames).
var API = jsoniter.ConfigCompatibleWithStandardLibrary

// Marshal encodes v using the shared API.
func Marshal(v any) ([]byte, error) {
	return API.Marshal(v)
}

// Unmarshal decodes data into v using the shared API.
func Unmarshal(data []byte, v any) error {
	return API.Unmarshal(data, v)
}

// RawMessage is an alias of json.RawMessage retained for call sites that
// need to defer decoding.
type RawMessage = json.RawMessage

// DeepEqual reports whether two values decoded from JSON (or built from
// map[string]any/[]any/primitives) are structurally identical. Used to
// suppress unchanged poll replies and unchanged cached property values.
func DeepEqual(a, b any) bool {
	return reflect.DeepEqual(a, b)
}
