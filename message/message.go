// Package message defines the envelopes exchanged between the sandboxed client
// and the privileged host.
//
// Envelopes are serialized by the codec layer and wrapped in a protocol frame.
// The correlation id lives in the frame header, not here, so the same envelope
// shape serves fire-and-forget and request-response traffic.
//
// Payload, Result and Error are JSON documents kept as raw bytes. The bridge
// never looks inside them: a settings object goes out exactly as it came in.
package message

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"hostbridge/channel"
)

// ErrMalformed marks an envelope that breaks the reply contract.
var ErrMalformed = errors.New("malformed envelope")

// Request is sent on an operation's request channel.
//
//   - Channel names the operation, e.g. "get-user-settings".
//   - Payload is optional, e.g. a route string or a settings object.
type Request struct {
	Channel channel.Name    `json:"channel" cbor:"channel"`
	Payload json.RawMessage `json:"payload,omitempty" cbor:"payload,omitempty"`
}

// Reply answers a request-response operation on its reply channel.
// At most one of Result and Error is present; a JSON null counts as absent.
type Reply struct {
	Channel channel.Name    `json:"channel" cbor:"channel"`
	Result  json.RawMessage `json:"result,omitempty" cbor:"result,omitempty"`
	Error   json.RawMessage `json:"error,omitempty" cbor:"error,omitempty"`
}

var jsonNull = []byte("null")

func present(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && !bytes.Equal(trimmed, jsonNull)
}

// HasResult reports whether the reply carries a non-null result.
func (r *Reply) HasResult() bool { return present(r.Result) }

// HasError reports whether the reply carries a non-null error.
func (r *Reply) HasError() bool { return present(r.Error) }

// Validate checks a reply received for the request channel req.
func (r *Reply) Validate(req channel.Name) error {
	want := channel.ReplyChannel(req)
	if r.Channel != want {
		return fmt.Errorf("%w: reply on %q, expected %q", ErrMalformed, r.Channel, want)
	}
	if r.HasResult() && r.HasError() {
		return fmt.Errorf("%w: reply on %q carries both result and error", ErrMalformed, r.Channel)
	}
	for _, raw := range []json.RawMessage{r.Result, r.Error} {
		if len(raw) > 0 && !json.Valid(raw) {
			return fmt.Errorf("%w: reply on %q carries invalid JSON", ErrMalformed, r.Channel)
		}
	}
	return nil
}

// NewRequest builds a request envelope, encoding payload as JSON.
// A nil payload is omitted from the wire.
func NewRequest(name channel.Name, payload any) (*Request, error) {
	req := &Request{Channel: name}
	if payload == nil {
		return req, nil
	}
	raw, err := encodeValue(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding payload for %q: %w", name, err)
	}
	req.Payload = raw
	return req, nil
}

// replyChannel is the reply channel of req, or empty when req is unknown or
// fire-and-forget. Middleware builds replies without knowing the frame kind,
// and such replies are never put on the wire.
func replyChannel(req channel.Name) channel.Name {
	if op, ok := channel.Lookup(req); ok && op.Kind == channel.RequestResponse {
		return op.Reply
	}
	return ""
}

// ResultReply builds a successful reply for the request channel req. A nil
// result produces a reply with neither payload, which is the success signal
// of operations that return nothing.
func ResultReply(req channel.Name, result any) *Reply {
	reply := &Reply{Channel: replyChannel(req)}
	if result == nil {
		return reply
	}
	raw, err := encodeValue(result)
	if err != nil {
		return ErrorReply(req, fmt.Errorf("encoding result: %w", err))
	}
	reply.Result = raw
	return reply
}

// ErrorReply builds a failed reply for the request channel req. The error
// travels as its message string.
func ErrorReply(req channel.Name, err error) *Reply {
	raw, _ := json.Marshal(err.Error())
	return &Reply{
		Channel: replyChannel(req),
		Error:   raw,
	}
}

// encodeValue keeps raw JSON untouched and marshals everything else.
func encodeValue(v any) (json.RawMessage, error) {
	switch value := v.(type) {
	case json.RawMessage:
		if len(value) == 0 {
			return nil, nil
		}
		if !json.Valid(value) {
			return nil, errors.New("invalid raw JSON")
		}
		return value, nil
	default:
		return json.Marshal(v)
	}
}
