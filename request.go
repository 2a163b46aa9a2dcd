package lamellar

import (
	"fmt"
	"log/slog"
	"runtime"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-metrics"
)

// curReqID hands out request ids, they are never reused within a process.
var curReqID atomic.Uint64

// AmType is the calling convention a request was issued with. It decides
// what happens when a reply cannot be decoded.
type AmType uint8

const (
	// RegisteredFunction results that fail to decode are reported as absent.
	RegisteredFunction AmType = iota
	// RemoteClosure results that fail to decode abort the retrieving call.
	RemoteClosure
)

func (t AmType) String() string {
	switch t {
	case RegisteredFunction:
		return "registered_function"
	case RemoteClosure:
		return "remote_closure"
	default:
		return "unknown"
	}
}

// InternalReq is the producer half of a pending call. The active-message
// layer registers it under `Request.ID` and delivers every reply through it.
type InternalReq struct {
	replies          *replyQueue
	cnt              *atomic.Int64
	start            time.Time
	size             int
	active           *atomic.Bool
	teamOutstanding  *atomic.Int64
	worldOutstanding *atomic.Int64
}

// Deliver forwards the reply of pe. A nil payload means the remote side
// returned nothing. It returns how many replies are still expected.
//
// Replies keep being accepted once the consumer is gone, they are simply
// never read.
func (ir *InternalReq) Deliver(pe int, payload []byte) int {
	if !ir.replies.push(reply{pe: pe, payload: payload, hasPayload: payload != nil}) {
		return int(ir.cnt.Load())
	}

	left := ir.cnt.Add(-1)
	if left == 0 {
		if ir.teamOutstanding != nil {
			ir.teamOutstanding.Add(-1)
		}
		if ir.worldOutstanding != nil {
			ir.worldOutstanding.Add(-1)
		}
	}
	return int(left)
}

// Active reports whether the consumer still wants the result.
func (ir *InternalReq) Active() bool {
	return ir.active.Load()
}

// Remaining is the number of replies not delivered yet.
func (ir *InternalReq) Remaining() int {
	return int(ir.cnt.Load())
}

// Elapsed is the time since the request was created.
func (ir *InternalReq) Elapsed() time.Duration {
	return time.Since(ir.start)
}

func (ir *InternalReq) Start() time.Time {
	return ir.start
}

// SizeHint is the expected payload size of a reply, zero when unknown.
func (ir *InternalReq) SizeHint() int {
	return ir.size
}

// Close destroys the sending half. A consumer blocked on a request that
// never got its replies treats this as a fatal internal error.
func (ir *InternalReq) Close() {
	ir.replies.close()
}

// Request is the caller side of a pending call returning values of
// type T, one per addressed PE.
//
// `Get` and `GetAll` MUST NOT be called concurrently.
type Request[T any] struct {
	id      uint64
	cnt     int
	replies *replyQueue
	active  *atomic.Bool
	arch    Arch
	amType  AmType

	codec  Codec
	logger *slog.Logger
	msink  metrics.MetricSink
}

type requestConfig struct {
	codec      Codec
	logHandler slog.Handler
	msink      metrics.MetricSink
	sizeHint   int
}

// RequestOption to pass to `NewRequest`.
type RequestOption func(*requestConfig)

// RequestCodec sets the codec used to decode replies.
func RequestCodec(c Codec) RequestOption {
	return func(rc *requestConfig) {
		rc.codec = c
	}
}

// RequestLog specifies which `slog.Handler` to use.
func RequestLog(handler slog.Handler) RequestOption {
	return func(rc *requestConfig) {
		rc.logHandler = handler
	}
}

// RequestMetricSink specifies where request metrics go.
func RequestMetricSink(ms metrics.MetricSink) RequestOption {
	return func(rc *requestConfig) {
		rc.msink = ms
	}
}

// RequestSizeHint records the expected reply size, for diagnostics.
func RequestSizeHint(size int) RequestOption {
	return func(rc *requestConfig) {
		rc.sizeHint = size
	}
}

// NewRequest creates the two halves of a call addressed to numPEs PEs.
//
// teamReqs and worldReqs are the outstanding request counters of the team
// and of the world, the caller increments them when issuing the call and
// they are decremented once the last reply is delivered.
func NewRequest[T any](
	numPEs int,
	amType AmType,
	arch Arch,
	teamReqs, worldReqs *atomic.Int64,
	opts ...RequestOption,
) (*Request[T], *InternalReq) {
	var rc requestConfig
	for _, opt := range opts {
		opt(&rc)
	}

	active := &atomic.Bool{}
	active.Store(true)
	cnt := &atomic.Int64{}
	cnt.Store(int64(numPEs))
	replies := newReplyQueue(numPEs)

	ireq := &InternalReq{
		replies:          replies,
		cnt:              cnt,
		start:            time.Now(),
		size:             rc.sizeHint,
		active:           active,
		teamOutstanding:  teamReqs,
		worldOutstanding: worldReqs,
	}

	req := &Request[T]{
		id:      curReqID.Add(1) - 1,
		cnt:     numPEs,
		replies: replies,
		active:  active,
		arch:    arch,
		amType:  amType,
		codec:   rc.codec,
		msink:   rc.msink,
	}

	if req.codec == nil {
		req.codec = DefaultCodec
	}
	if rc.logHandler == nil {
		req.logger = slog.Default()
	} else {
		req.logger = slog.New(rc.logHandler)
	}
	if req.msink == nil {
		req.msink = metrics.Default()
	}

	// A request collected without an explicit Drop is abandoned as well.
	runtime.AddCleanup(req, func(active *atomic.Bool) {
		active.Store(false)
	}, active)

	return req, ireq
}

// ID is unique among every request created by this process.
func (r *Request[T]) ID() uint64 {
	return r.id
}

// NumPEs is the number of replies the request waits for.
func (r *Request[T]) NumPEs() int {
	return r.cnt
}

func (r *Request[T]) AmType() AmType {
	return r.amType
}

// Wanted reports whether the request was not dropped yet.
func (r *Request[T]) Wanted() bool {
	return r.active.Load()
}

// Drop tells the runtime the result is not wanted anymore.
//
// It is advisory: remote work keeps running and a goroutine already
// blocked in `Get` stays blocked. Dropping twice is a no-op.
func (r *Request[T]) Drop() {
	if r.active.Swap(false) {
		r.logger.Debug("request dropping", LabelReqID.L(r.id), LabelAmType.L(r.amType.String()))
	}
}

// Get blocks for the reply of a single target request. ok is false when
// the PE returned nothing.
//
// With `RegisteredFunction`, a reply that fails to decode is reported as
// absent. With `RemoteClosure`, it panics. Calling Get on a request that
// addressed more than one PE panics with `ErrSingleTarget`.
func (r *Request[T]) Get() (result T, ok bool) {
	if r.cnt != 1 {
		panic(fmt.Errorf("%w: request %d addressed %d PEs", ErrSingleTarget, r.id, r.cnt))
	}
	rep := r.recv()
	return r.decode(rep)
}

// GetAll blocks until every addressed PE replied and returns one slot per
// team-local index, nil where the PE returned nothing.
//
// A reply whose origin the team `Arch` cannot map is discarded and does not
// count, the call never returns if such a PE was actually addressed.
func (r *Request[T]) GetAll() []*T {
	res := make([]*T, r.cnt)
	if r.cnt == 0 {
		return res
	}

	if r.cnt == 1 {
		if v, ok := r.Get(); ok {
			res[0] = &v
		}
		return res
	}

	remaining := r.cnt
	for remaining > 0 {
		rep := r.recv()
		idx, err := r.arch.TeamPEID(rep.pe)
		if err == nil && (idx < 0 || idx >= len(res)) {
			err = &PEError{PE: rep.pe, NumPEs: len(res), Err: ErrPENotInTeam}
		}
		if err != nil {
			r.logger.Warn(
				"discarding reply from a PE outside of the team",
				LabelReqID.L(r.id),
				LabelOriginPE.L(rep.pe),
				LabelError.L(err),
			)
			r.msink.IncrCounterWithLabels(
				MetricRequestUnmappedReplyCount,
				1.0,
				[]metrics.Label{LabelOriginPE.M(strconv.Itoa(rep.pe))},
			)
			continue
		}

		if v, ok := r.decode(rep); ok {
			res[idx] = &v
		} else {
			res[idx] = nil
		}
		remaining--
	}
	return res
}

func (r *Request[T]) recv() reply {
	rep, ok := r.replies.recv()
	if !ok {
		// the registration dropped its sender without replying,
		// the delivery machinery is broken.
		panic(fmt.Errorf("%w: request %d", ErrReplyQueueClosed, r.id))
	}
	return rep
}

func (r *Request[T]) decode(rep reply) (result T, ok bool) {
	if !rep.hasPayload {
		return result, false
	}

	if err := r.codec.Decode(rep.payload, &result); err != nil {
		if r.amType == RemoteClosure {
			panic(fmt.Errorf("%w: request %d from pe %d: %w", ErrResultDecode, r.id, rep.pe, err))
		}
		r.logger.Debug(
			"result did not decode, reporting it as absent",
			LabelReqID.L(r.id),
			LabelOriginPE.L(rep.pe),
			LabelError.L(err),
		)
		var zero T
		return zero, false
	}
	return result, true
}
