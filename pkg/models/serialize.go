package models

import (
	"encoding/json"
	"fmt"
)

// historyEnvelope is the on-disk form of a conversation. The session
// persistence layer owns where it lives; this package only defines the
// bytes so every consumer round-trips the same way.
type historyEnvelope struct {
	Version  int        `json:"version"`
	Messages []*Message `json:"messages"`
}

const historyVersion = 1

// MarshalHistory encodes a conversation to its portable JSON form.
func MarshalHistory(messages []*Message) ([]byte, error) {
	return json.Marshal(historyEnvelope{Version: historyVersion, Messages: messages})
}

// UnmarshalHistory decodes a conversation previously produced by
// MarshalHistory. Unknown versions are rejected rather than guessed at.
func UnmarshalHistory(data []byte) ([]*Message, error) {
	var env historyEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode history: %w", err)
	}
	if env.Version != historyVersion {
		return nil, fmt.Errorf("unsupported history version %d", env.Version)
	}
	return env.Messages, nil
}
