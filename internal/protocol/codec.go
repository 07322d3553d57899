package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var (
	// ErrMalformed indicates a line that is not a JSON object.
	ErrMalformed = errors.New("protocol: malformed envelope")
	// ErrInvalid indicates an envelope that breaks the rules of its kind.
	ErrInvalid = errors.New("protocol: invalid envelope")
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterStructValidation(envelopeRules, Envelope{})
	return v
}

func envelopeRules(sl validator.StructLevel) {
	env := sl.Current().Interface().(Envelope)
	if env.Kind.requiresSender() && strings.TrimSpace(env.From) == "" {
		sl.ReportError(env.From, "From", "from", "required", string(env.Kind))
	}
	if env.Kind == KindPrivate && strings.TrimSpace(env.To) == "" {
		sl.ReportError(env.To, "To", "to", "required", string(env.Kind))
	}
}

// Encode renders env as a single line without the trailing delimiter.
// encoding/json escapes control characters, so the result never holds a newline.
func Encode(env Envelope) ([]byte, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode %s: %w", env.Kind, err)
	}
	return data, nil
}

// Decode parses one line. Only the fields declared for the envelope kind are
// read; unknown and undeclared fields are skipped whatever their JSON type.
func Decode(line []byte) (Envelope, error) {
	line = bytes.TrimRight(line, "\r\n")
	if len(bytes.TrimSpace(line)) == 0 {
		return Envelope{}, fmt.Errorf("%w: empty line", ErrMalformed)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(line, &fields); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	var env Envelope
	if raw, ok := fields["type"]; ok {
		if err := json.Unmarshal(raw, &env.Kind); err != nil {
			return Envelope{}, fmt.Errorf("%w: type: %v", ErrMalformed, err)
		}
	}
	env.Timestamp = decodeTimestamp(fields["ts"])

	// Unknown kinds are kept for forward compatibility and read best effort.
	strict := env.Kind.Known()
	for _, name := range declaredFields(env.Kind) {
		raw, ok := fields[name]
		if !ok {
			continue
		}
		if err := decodeField(&env, name, raw); err != nil && strict {
			return Envelope{}, fmt.Errorf("%w: %s: %v", ErrMalformed, name, err)
		}
	}

	if err := validate.Struct(env); err != nil {
		return env, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return env, nil
}

func declaredFields(kind Kind) []string {
	switch kind {
	case KindJoin, KindLeave:
		return []string{"from"}
	case KindBroadcast, KindSystem:
		return []string{"from", "text"}
	case KindPrivate:
		return []string{"from", "to", "text"}
	case KindTyping:
		return []string{"from", "isTyping"}
	case KindPresence:
		return []string{"text", "users"}
	default:
		return []string{"from", "to", "text", "users", "isTyping"}
	}
}

func decodeField(env *Envelope, name string, raw json.RawMessage) error {
	switch name {
	case "from":
		return json.Unmarshal(raw, &env.From)
	case "to":
		return json.Unmarshal(raw, &env.To)
	case "text":
		return json.Unmarshal(raw, &env.Body)
	case "users":
		return json.Unmarshal(raw, &env.Participants)
	case "isTyping":
		return json.Unmarshal(raw, &env.Typing)
	}
	return nil
}

// decodeTimestamp reads ts when it is a number. The server overwrites it on
// every relayed envelope, so anything else reads as zero.
func decodeTimestamp(raw json.RawMessage) int64 {
	var ts float64
	if raw == nil || json.Unmarshal(raw, &ts) != nil {
		return 0
	}
	return int64(ts)
}
