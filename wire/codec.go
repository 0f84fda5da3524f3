// Package wire provides the codec used to encode membership records for the
// transports. The protocol treats payloads as opaque bytes; any Codec works
// as long as every peer in the cluster uses the same one.
package wire

import (
	json "github.com/goccy/go-json"
)

// Codec encodes and decodes wire records.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// JSON is the default codec.
type JSON struct{}

var _ Codec = JSON{}

func (JSON) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (JSON) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}
