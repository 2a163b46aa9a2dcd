package am

import (
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func TestEnvelope_Request(t *testing.T) {
	in := &envelope{kind: kindRequest, reqID: 42, handler: "sum", amType: 1, payload: []byte{1, 2, 3}}
	out, err := unmarshalEnvelope(in.marshal())
	require.NoError(t, err)
	require.Equal(t, in, out)
}

func TestEnvelope_AbsentPayload(t *testing.T) {
	absent, err := unmarshalEnvelope((&envelope{kind: kindReply, reqID: 1}).marshal())
	require.NoError(t, err)
	require.Nil(t, absent.payload)

	empty, err := unmarshalEnvelope((&envelope{kind: kindReply, reqID: 1, payload: []byte{}}).marshal())
	require.NoError(t, err)
	require.NotNil(t, empty.payload, "an empty result is not an absent one")
	require.Empty(t, empty.payload)
}

func TestEnvelope_Malformed(t *testing.T) {
	_, err := unmarshalEnvelope([]byte{0xff})
	require.ErrorIs(t, err, ErrMalformedEnvelope)

	_, err = unmarshalEnvelope(nil)
	require.ErrorIs(t, err, ErrMalformedEnvelope, "no kind")

	_, err = unmarshalEnvelope((&envelope{kind: kindRequest, reqID: 3}).marshal())
	require.ErrorIs(t, err, ErrMalformedEnvelope, "request without handler")

	truncated := (&envelope{kind: kindReply, payload: []byte("abcdef")}).marshal()
	_, err = unmarshalEnvelope(truncated[:len(truncated)-2])
	require.ErrorIs(t, err, ErrMalformedEnvelope)
}

func TestEnvelope_SkipsUnknownFields(t *testing.T) {
	b := (&envelope{kind: kindReply, reqID: 9}).marshal()
	b = protowire.AppendTag(b, 99, protowire.Fixed32Type)
	b = protowire.AppendFixed32(b, 7)

	env, err := unmarshalEnvelope(b)
	require.NoError(t, err)
	require.EqualValues(t, 9, env.reqID)
}
