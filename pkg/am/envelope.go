package am

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

var (
	ErrMalformedEnvelope = errors.New("am: malformed envelope")
)

type envelopeKind uint64

const (
	kindUnknown envelopeKind = iota
	kindRequest
	kindReply
)

const (
	fieldKind       protowire.Number = 1
	fieldReqID      protowire.Number = 2
	fieldHandler    protowire.Number = 3
	fieldAmType     protowire.Number = 4
	fieldPayload    protowire.Number = 5
	fieldHasPayload protowire.Number = 6
)

// envelope wraps every payload the executor hands to a transport.
type envelope struct {
	kind    envelopeKind
	reqID   uint64
	handler string
	amType  uint64
	// payload is nil when the handler produced nothing.
	payload []byte
}

func (env *envelope) marshal() []byte {
	b := make([]byte, 0, len(env.payload)+len(env.handler)+24)
	b = protowire.AppendTag(b, fieldKind, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(env.kind))
	b = protowire.AppendTag(b, fieldReqID, protowire.VarintType)
	b = protowire.AppendVarint(b, env.reqID)
	if env.handler != "" {
		b = protowire.AppendTag(b, fieldHandler, protowire.BytesType)
		b = protowire.AppendString(b, env.handler)
	}
	if env.amType != 0 {
		b = protowire.AppendTag(b, fieldAmType, protowire.VarintType)
		b = protowire.AppendVarint(b, env.amType)
	}
	if env.payload != nil {
		b = protowire.AppendTag(b, fieldHasPayload, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeBool(true))
		b = protowire.AppendTag(b, fieldPayload, protowire.BytesType)
		b = protowire.AppendBytes(b, env.payload)
	}
	return b
}

func unmarshalEnvelope(b []byte) (*envelope, error) {
	env := &envelope{}
	hasPayload := false
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: %w", ErrMalformedEnvelope, protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: %w", ErrMalformedEnvelope, protowire.ParseError(n))
			}
			b = b[n:]
			switch num {
			case fieldKind:
				env.kind = envelopeKind(v)
			case fieldReqID:
				env.reqID = v
			case fieldAmType:
				env.amType = v
			case fieldHasPayload:
				hasPayload = protowire.DecodeBool(v)
			}
		case typ == protowire.BytesType && (num == fieldHandler || num == fieldPayload):
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: %w", ErrMalformedEnvelope, protowire.ParseError(n))
			}
			b = b[n:]
			if num == fieldHandler {
				env.handler = string(v)
			} else {
				env.payload = v
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("%w: %w", ErrMalformedEnvelope, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}

	switch {
	case env.kind != kindRequest && env.kind != kindReply:
		return nil, fmt.Errorf("%w: unknown kind %d", ErrMalformedEnvelope, env.kind)
	case env.kind == kindRequest && env.handler == "":
		return nil, fmt.Errorf("%w: request without handler", ErrMalformedEnvelope)
	}

	if !hasPayload {
		env.payload = nil
	} else if env.payload == nil {
		env.payload = []byte{}
	}
	return env, nil
}
