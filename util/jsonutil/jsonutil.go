// Package jsonutil wraps goccy/go-json behind the encoding/json-shaped
// surface the rest of the codebase is written against, so every file-backed
// store (sources, directconfig, policy) can swap codecs without touching
// call sites.
package jsonutil

import "github.com/goccy/go-json"

// RawMessage mirrors encoding/json.RawMessage so struct fields can hold
// pre-encoded JSON.
type RawMessage = json.RawMessage

func Marshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func MarshalIndent(v interface{}, prefix, indent string) ([]byte, error) {
	return json.MarshalIndent(v, prefix, indent)
}

func Unmarshal(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}
