package frame

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// NoOwner marks a frame that is not addressed to a specific session.
const NoOwner = 0

var (
	// ErrMalformed reports a line that is not a usable frame.
	ErrMalformed = errors.New("malformed frame")
	// ErrLineTooLong reports a line that exceeded the reader's size limit.
	ErrLineTooLong = errors.New("frame line too long")
)

// Envelope is a single frame on the wire.
type Envelope struct {
	ID      string          `json:"id"`
	Kind    string          `json:"kind"`
	Owner   int             `json:"owner"`
	Payload json.RawMessage `json:"payload"`
}

// NewID returns a fresh frame identifier.
func NewID() string {
	return uuid.NewString()
}

// New builds an envelope with a fresh id. payload may be nil, a
// json.RawMessage, or any value encoding/json can marshal.
func New(kind string, owner int, payload any) (Envelope, error) {
	kind = strings.TrimSpace(kind)
	if kind == "" {
		return Envelope{}, errors.New("frame kind is required")
	}
	if owner < 0 {
		return Envelope{}, fmt.Errorf("frame owner %d is negative", owner)
	}
	raw, err := MarshalPayload(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{ID: NewID(), Kind: kind, Owner: owner, Payload: raw}, nil
}

// Addressed reports whether the frame targets a specific session.
func (e Envelope) Addressed() bool {
	return e.Owner > NoOwner
}

// MarshalPayload converts payload into raw JSON. nil becomes JSON null.
func MarshalPayload(payload any) (json.RawMessage, error) {
	switch v := payload.(type) {
	case nil:
		return json.RawMessage("null"), nil
	case json.RawMessage:
		if len(bytes.TrimSpace(v)) == 0 {
			return json.RawMessage("null"), nil
		}
		if !json.Valid(v) {
			return nil, fmt.Errorf("payload: %w: invalid JSON", ErrMalformed)
		}
		return v, nil
	case []byte:
		return MarshalPayload(json.RawMessage(v))
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode payload: %w", err)
		}
		return data, nil
	}
}

// Encode renders the envelope as a single newline-terminated line.
func Encode(env Envelope) ([]byte, error) {
	if len(env.Payload) == 0 {
		env.Payload = json.RawMessage("null")
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return append(data, '\n'), nil
}

// Decode parses one line into an envelope and checks the fields every frame
// must carry.
func Decode(line []byte) (Envelope, error) {
	line = bytes.TrimSpace(line)
	if err := CheckSyntax(line); err != nil {
		return Envelope{}, err
	}
	var env Envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if strings.TrimSpace(env.ID) == "" {
		return Envelope{}, fmt.Errorf("%w: missing id", ErrMalformed)
	}
	if strings.TrimSpace(env.Kind) == "" {
		return Envelope{}, fmt.Errorf("%w: missing kind", ErrMalformed)
	}
	if env.Owner < 0 {
		return Envelope{}, fmt.Errorf("%w: negative owner %d", ErrMalformed, env.Owner)
	}
	if len(env.Payload) == 0 {
		env.Payload = json.RawMessage("null")
	}
	return env, nil
}

// frameShape captures the envelope fields without decoding them.
type frameShape struct {
	ID    json.RawMessage `json:"id"`
	Kind  json.RawMessage `json:"kind"`
	Owner json.RawMessage `json:"owner"`
}

// CheckSyntax verifies that line is a JSON object carrying a string id, a
// string kind and an integer owner. It does not interpret the kind or the
// payload. The relay uses it to drop garbage before fan-out.
func CheckSyntax(line []byte) error {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return fmt.Errorf("%w: empty line", ErrMalformed)
	}
	if line[0] != '{' {
		return fmt.Errorf("%w: not a JSON object", ErrMalformed)
	}
	var shape frameShape
	if err := json.Unmarshal(line, &shape); err != nil {
		return fmt.Errorf("%w: invalid JSON", ErrMalformed)
	}
	var id, kind string
	if json.Unmarshal(shape.ID, &id) != nil || id == "" {
		return fmt.Errorf("%w: missing id", ErrMalformed)
	}
	if json.Unmarshal(shape.Kind, &kind) != nil || kind == "" {
		return fmt.Errorf("%w: missing kind", ErrMalformed)
	}
	var owner int64
	if json.Unmarshal(shape.Owner, &owner) != nil {
		return fmt.Errorf("%w: owner is not an integer", ErrMalformed)
	}
	return nil
}
