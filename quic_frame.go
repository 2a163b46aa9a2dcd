//go:build quic

package lamellar

import (
	"encoding/binary"
	"fmt"
	"io"

	"google.golang.org/protobuf/encoding/protowire"
)

// maxFrameSize bounds what a peer may ask us to buffer.
const maxFrameSize = 256 << 20

type frameKind uint64

const (
	frameUnknown frameKind = iota
	// frameGossip opens a bidi stream handed over to memberlist.
	frameGossip
	// frameAM carries an active message on a uni stream.
	frameAM
	// framePut is acknowledged by a frameAck on the same bidi stream.
	framePut
	// frameIPut is a put on a uni stream, never acknowledged.
	frameIPut
	// frameGet is answered by a frameAck carrying the bytes.
	frameGet
	frameAck
	frameBarrierArrive
	frameBarrierRelease
)

func (k frameKind) String() string {
	switch k {
	case frameGossip:
		return "gossip"
	case frameAM:
		return "am"
	case framePut:
		return "put"
	case frameIPut:
		return "iput"
	case frameGet:
		return "get"
	case frameAck:
		return "ack"
	case frameBarrierArrive:
		return "barrier_arrive"
	case frameBarrierRelease:
		return "barrier_release"
	default:
		return "unknown"
	}
}

const (
	statusOK uint64 = iota
	statusHeapBounds
	statusUnexpected
)

const (
	fieldKind    protowire.Number = 1
	fieldSrcPE   protowire.Number = 2
	fieldOffset  protowire.Number = 3
	fieldPayload protowire.Number = 4
	fieldLength  protowire.Number = 5
	fieldEpoch   protowire.Number = 6
	fieldStatus  protowire.Number = 7
)

// frame is the unit exchanged on every stream, encoded in the protobuf
// wire format and prefixed by its length as a varint.
type frame struct {
	kind    frameKind
	srcPE   int
	offset  uint64
	length  uint64
	epoch   uint64
	status  uint64
	payload []byte
}

func (f *frame) marshal() []byte {
	b := make([]byte, 0, len(f.payload)+32)
	b = protowire.AppendTag(b, fieldKind, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(f.kind))
	b = protowire.AppendTag(b, fieldSrcPE, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeZigZag(int64(f.srcPE)))
	if f.offset != 0 {
		b = protowire.AppendTag(b, fieldOffset, protowire.VarintType)
		b = protowire.AppendVarint(b, f.offset)
	}
	if f.length != 0 {
		b = protowire.AppendTag(b, fieldLength, protowire.VarintType)
		b = protowire.AppendVarint(b, f.length)
	}
	if f.epoch != 0 {
		b = protowire.AppendTag(b, fieldEpoch, protowire.VarintType)
		b = protowire.AppendVarint(b, f.epoch)
	}
	if f.status != 0 {
		b = protowire.AppendTag(b, fieldStatus, protowire.VarintType)
		b = protowire.AppendVarint(b, f.status)
	}
	if len(f.payload) > 0 {
		b = protowire.AppendTag(b, fieldPayload, protowire.BytesType)
		b = protowire.AppendBytes(b, f.payload)
	}
	return b
}

func unmarshalFrame(b []byte) (*frame, error) {
	f := &frame{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: %w", ErrProtocolFrame, protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == fieldPayload && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: %w", ErrProtocolFrame, protowire.ParseError(n))
			}
			f.payload = v
			b = b[n:]
		case typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: %w", ErrProtocolFrame, protowire.ParseError(n))
			}
			b = b[n:]
			switch num {
			case fieldKind:
				f.kind = frameKind(v)
			case fieldSrcPE:
				f.srcPE = int(protowire.DecodeZigZag(v))
			case fieldOffset:
				f.offset = v
			case fieldLength:
				f.length = v
			case fieldEpoch:
				f.epoch = v
			case fieldStatus:
				f.status = v
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("%w: %w", ErrProtocolFrame, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}

	if f.kind == frameUnknown {
		return nil, fmt.Errorf("%w: missing frame kind", ErrProtocolFrame)
	}
	return f, nil
}

func writeFrame(w io.Writer, f *frame) (int, error) {
	body := f.marshal()
	buf := make([]byte, 0, len(body)+binary.MaxVarintLen64)
	buf = protowire.AppendVarint(buf, uint64(len(body)))
	buf = append(buf, body...)
	n, err := w.Write(buf)
	if err != nil {
		return n, fmt.Errorf("%w: %w", ErrStreamWrite, err)
	}
	return n, nil
}

// readFrame never reads past the end of the frame, so the stream can be
// handed over to someone else afterward.
func readFrame(r io.Reader) (*frame, error) {
	size, err := binary.ReadUvarint(byteReader{r})
	if err != nil {
		return nil, err
	}
	if size > maxFrameSize {
		return nil, fmt.Errorf("%w: frame of %d bytes is too large", ErrProtocolFrame, size)
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return unmarshalFrame(body)
}

type byteReader struct {
	io.Reader
}

func (br byteReader) ReadByte() (byte, error) {
	var b [1]byte
	if _, err := io.ReadFull(br.Reader, b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}
