package api

import (
	"bytes"
	"fmt"

	"github.com/goccy/go-json"
)

// jsonCodec replaces connect's protobuf-only JSON codec so plain Go structs can travel as messages.
// Unknown fields are rejected so a misspelled request field fails loudly instead of binding a zero value.
type jsonCodec struct{}

func (jsonCodec) Name() string { return "json" }

func (jsonCodec) Marshal(msg any) ([]byte, error) {
	return json.Marshal(msg)
}

func (jsonCodec) Unmarshal(data []byte, msg any) error {
	if len(data) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(msg); err != nil {
		return fmt.Errorf("failed to decode request: %w", err)
	}
	return nil
}
