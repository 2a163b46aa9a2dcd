package lamellar

import (
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

type sample struct {
	Name  string
	Count int
	Tags  []string
}

func TestCodecs(t *testing.T) {
	for name, codec := range map[string]Codec{
		"msgpack": MsgpackCodec{},
		"json":    JSONCodec{},
	} {
		t.Run(name, func(t *testing.T) {
			in := sample{Name: "pe", Count: 3, Tags: []string{"a", "b"}}
			b, err := codec.Encode(in)
			require.NoError(t, err)

			var out sample
			require.NoError(t, codec.Decode(b, &out))
			require.Equal(t, in, out)

			b, err = codec.Encode(42)
			require.NoError(t, err)
			var n int
			require.NoError(t, codec.Decode(b, &n))
			require.Equal(t, 42, n)

			require.Error(t, codec.Decode([]byte{0xc1}, &out), "invalid input")
		})
	}
}

func TestProtoCodec(t *testing.T) {
	codec := ProtoCodec{}

	b, err := codec.Encode(wrapperspb.String("hello"))
	require.NoError(t, err)

	var out *wrapperspb.StringValue
	require.NoError(t, codec.Decode(b, &out))
	require.Equal(t, "hello", out.GetValue())

	msg := wrapperspb.String("")
	indirect := &msg
	b, err = codec.Encode(indirect)
	require.NoError(t, err)
	require.NoError(t, codec.Decode(b, msg))

	_, err = codec.Encode(42)
	require.ErrorIs(t, err, ErrCodecType)
	require.ErrorIs(t, codec.Decode(b, nil), ErrCodecType)
}

func TestProtoCodecThroughRequest(t *testing.T) {
	req, ireq := NewRequest[*wrapperspb.Int64Value](1, RemoteClosure, WorldArch{N: 2}, nil, nil, RequestCodec(ProtoCodec{}))

	b, err := ProtoCodec{}.Encode(wrapperspb.Int64(64))
	require.NoError(t, err)
	ireq.Deliver(1, b)

	v, ok := req.Get()
	require.True(t, ok)
	require.EqualValues(t, 64, v.GetValue())
}
