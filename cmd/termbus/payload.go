package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// parsePayload turns an optional JSON argument into a raw payload. "-" reads
// the payload from stdin.
func parsePayload(args []string, stdin io.Reader) (json.RawMessage, error) {
	if len(args) == 0 {
		return nil, nil
	}
	text := args[0]
	if text == "-" {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("read payload: %w", err)
		}
		text = string(data)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, nil
	}
	if !json.Valid([]byte(text)) {
		return nil, fmt.Errorf("payload is not valid JSON: %s", text)
	}
	return json.RawMessage(text), nil
}
