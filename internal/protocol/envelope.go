package protocol

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// EnvelopeKind tells which message an envelope carries.
type EnvelopeKind uint8

const (
	KindRequest EnvelopeKind = iota + 1
	KindResponse
)

// Envelope frames a request or a response for the transport.
type Envelope struct {
	Request  *Request
	Response *Response
}

const (
	envFieldKind protowire.Number = 1
	envFieldBody protowire.Number = 2
)

// EncodeEnvelope encodes whichever message is set.
func EncodeEnvelope(env Envelope) ([]byte, error) {
	var (
		kind EnvelopeKind
		body []byte
		err  error
	)
	switch {
	case env.Request != nil:
		kind = KindRequest
		body, err = env.Request.MarshalBinary()
	case env.Response != nil:
		kind = KindResponse
		body, err = env.Response.MarshalBinary()
	default:
		return nil, fmt.Errorf("empty envelope")
	}
	if err != nil {
		return nil, err
	}
	b := AppendUint64(nil, envFieldKind, uint64(kind))
	return AppendBytes(b, envFieldBody, body), nil
}

// DecodeEnvelope decodes an envelope.
func DecodeEnvelope(b []byte) (Envelope, error) {
	var (
		kind EnvelopeKind
		body []byte
	)
	err := DecodeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case envFieldKind:
			v, n, err := ReadVarint(b)
			kind = EnvelopeKind(v)
			return n, err
		case envFieldBody:
			v, n, err := ReadBytes(b)
			body = v
			return n, err
		}
		return 0, nil
	})
	if err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	switch kind {
	case KindRequest:
		req := &Request{}
		if err := req.UnmarshalBinary(body); err != nil {
			return Envelope{}, err
		}
		return Envelope{Request: req}, nil
	case KindResponse:
		resp := &Response{}
		if err := resp.UnmarshalBinary(body); err != nil {
			return Envelope{}, err
		}
		return Envelope{Response: resp}, nil
	default:
		return Envelope{}, fmt.Errorf("decode envelope: unknown kind %d", kind)
	}
}
