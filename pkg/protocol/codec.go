package protocol

import (
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

var (
	// ErrUnknownType is returned by Decode for a tag outside the vocabulary.
	ErrUnknownType = errors.New("unknown message type")
	// ErrMalformed is returned by Decode when the envelope or payload cannot be
	// parsed, or a required field is missing or invalid.
	ErrMalformed = errors.New("malformed message")
)

// envelope is the wire form: a tag plus the msgpack-encoded message body.
type envelope struct {
	Type    Type               `msgpack:"type"`
	Payload msgpack.RawMessage `msgpack:"payload"`
}

// Encode serializes m into a tagged msgpack envelope.
func Encode(m Message) ([]byte, error) {
	if m == nil {
		return nil, errors.New("cannot encode nil message")
	}
	payload, err := msgpack.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", m.Type(), err)
	}
	return msgpack.Marshal(envelope{Type: m.Type(), Payload: payload})
}

// Decode parses a tagged envelope. Errors wrap ErrUnknownType or ErrMalformed.
func Decode(data []byte) (Message, error) {
	var env envelope
	if err := msgpack.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: envelope: %v", ErrMalformed, err)
	}

	switch env.Type {
	case TypeRequestInfo:
		return decodeAs[RequestInfo](env)
	case TypeUsePassword:
		return decodeAs[UsePassword](env, "password")
	case TypePasswordRequired:
		return decodeAs[PasswordRequired](env)
	case TypeInfo:
		return decodeAs[Info](env, "files")
	case TypeStart:
		return decodeAs[Start](env, "fileName", "offset")
	case TypeResume:
		return decodeAs[Resume](env, "fileName", "offset")
	case TypePause:
		return decodeAs[Pause](env)
	case TypeChunk:
		return decodeAs[Chunk](env, "fileName", "offset", "bytes", "final")
	case TypeDone:
		return decodeAs[Done](env)
	case TypeError:
		return decodeAs[Error](env, "error")
	case TypeReport:
		return decodeAs[Report](env)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
}

func decodeAs[T Message](env envelope, required ...string) (Message, error) {
	var msg T

	if len(required) > 0 {
		if len(env.Payload) == 0 {
			return nil, fmt.Errorf("%w: %s: missing payload", ErrMalformed, env.Type)
		}
		var fields map[string]msgpack.RawMessage
		if err := msgpack.Unmarshal(env.Payload, &fields); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, env.Type, err)
		}
		for _, key := range required {
			if _, ok := fields[key]; !ok {
				return nil, fmt.Errorf("%w: %s: missing field %q", ErrMalformed, env.Type, key)
			}
		}
	}

	if len(env.Payload) > 0 {
		if err := msgpack.Unmarshal(env.Payload, &msg); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, env.Type, err)
		}
	}

	if err := msg.validate(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, env.Type, err)
	}
	return msg, nil
}

func (RequestInfo) validate() error      { return nil }
func (UsePassword) validate() error      { return nil }
func (PasswordRequired) validate() error { return nil }
func (Pause) validate() error            { return nil }
func (Done) validate() error             { return nil }
func (Error) validate() error            { return nil }
func (Report) validate() error           { return nil }

func (m Info) validate() error {
	seen := make(map[string]struct{}, len(m.Files))
	for i, f := range m.Files {
		if f.Name == "" {
			return fmt.Errorf("file %d has no name", i)
		}
		if f.Size < 0 {
			return fmt.Errorf("file %q has negative size", f.Name)
		}
		if _, dup := seen[f.Name]; dup {
			return fmt.Errorf("duplicate file name %q", f.Name)
		}
		seen[f.Name] = struct{}{}
	}
	return nil
}

func (m Start) validate() error {
	if m.FileName == "" {
		return errors.New("empty file name")
	}
	return nil
}

func (m Resume) validate() error {
	if m.FileName == "" {
		return errors.New("empty file name")
	}
	return nil
}

func (m Chunk) validate() error {
	if m.FileName == "" {
		return errors.New("empty file name")
	}
	if m.Offset < 0 {
		return errors.New("negative offset")
	}
	return nil
}
