package protocol

import (
	"fmt"

	"github.com/bytedance/sonic"
)

var api = sonic.ConfigStd

// Encode serializes a message for the bus or the WebSocket stream.
func Encode(v any) ([]byte, error) {
	data, err := api.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}
	return data, nil
}

// Decode parses a message produced by Encode.
func Decode(data []byte, v any) error {
	if err := api.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %T: %w", v, err)
	}
	return nil
}
