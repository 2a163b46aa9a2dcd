package lamellar

import (
	"errors"
	"fmt"
)

var (
	ErrBackendUnavailable = errors.New("lamellae: backend not compiled in")
	ErrBackendUnknown     = errors.New("lamellae: unknown backend")
	ErrAlreadyInitialized = errors.New("lamellae: init called more than once")
	ErrNotInitialized     = errors.New("lamellae: init was not called")
	ErrSelfSend           = errors.New("lamellae: message addressed to the local PE")
	ErrPEOutOfRange       = errors.New("lamellae: PE is out of range")
	ErrPENotInTeam        = errors.New("lamellae: PE is not part of the team")
	ErrHeapBounds         = errors.New("lamellae: access outside of the symmetric heap")
	ErrUnknownAddr        = errors.New("lamellae: address was not allocated")
	ErrInvalidOption      = errors.New("lamellae: invalid option")

	ErrReplyQueueClosed = errors.New("request: reply channel closed before a reply arrived")
	ErrResultDecode     = errors.New("request: could not decode remote closure result")
	ErrSingleTarget     = errors.New("request: Get is only valid for single target requests")
	ErrCodecType        = errors.New("codec: value type is not supported")

	ErrNoTLSConfig     = errors.New("quic: TlsConfig is required")
	ErrInvalidAddr     = errors.New("quic: the address you provided is invalid")
	ErrBufferSize      = errors.New("quic: could not allocate udp buffer")
	ErrShutdown        = errors.New("quic: shutting down")
	ErrStreamWrite     = errors.New("quic: error writing to a stream")
	ErrProtocolFrame   = errors.New("quic: protocol violation")
	ErrJoinCluster     = errors.New("quic: could not join the gossip cluster")
	ErrWorldIncomplete = errors.New("quic: not every PE joined before the init timeout")
	ErrRemoteRDMA      = errors.New("quic: remote PE rejected the RDMA operation")
)

// PEError reports a PE argument a transport cannot serve.
type PEError struct {
	PE     int
	NumPEs int
	Err    error
}

func (pe *PEError) Error() string {
	return fmt.Sprintf("%s: pe %d (num_pes %d)", pe.Err, pe.PE, pe.NumPEs)
}

func (pe *PEError) Unwrap() error {
	return pe.Err
}
