package am

import (
	"context"
	"errors"
	"fmt"

	"github.com/hashicorp/go-multierror"
	"github.com/raskyld/lamellar"
)

// Register makes fn callable under name, decoding its argument and
// encoding its result with the codec of the executor. A nil result is an
// absent reply.
func Register[A, R any](e *Executor, name string, fn func(ctx context.Context, srcPE int, arg A) (*R, error)) error {
	codec := e.cfg.codec
	return e.Register(name, func(ctx context.Context, srcPE int, payload []byte) ([]byte, error) {
		var arg A
		if err := codec.Decode(payload, &arg); err != nil {
			return nil, err
		}
		result, err := fn(ctx, srcPE, arg)
		if err != nil || result == nil {
			return nil, err
		}
		return codec.Encode(result)
	})
}

// Exec invokes the handler name on pe with arg.
func Exec[T any](e *Executor, pe int, name string, arg any, opts ...ExecOption) (*lamellar.Request[T], error) {
	st, err := e.current()
	if err != nil {
		return nil, err
	}
	if pe < 0 || pe >= st.numPEs {
		return nil, &lamellar.PEError{PE: pe, NumPEs: st.numPEs, Err: lamellar.ErrPEOutOfRange}
	}

	req, env, err := newCall[T](e, st, st.world, 1, name, arg, opts)
	if err != nil {
		return nil, err
	}

	if pe == st.pe {
		e.runLocal(st.pe, env)
		return req, nil
	}
	if err := st.lamellae.AM().SendToPE(pe, env.marshal()); err != nil {
		e.abandon(req.ID(), []int{pe}, err)
	}
	return req, nil
}

// ExecAll invokes the handler name on every PE of the world, the local
// one included. The replies are indexed by world rank.
func ExecAll[T any](e *Executor, name string, arg any, opts ...ExecOption) (*lamellar.Request[T], error) {
	st, err := e.current()
	if err != nil {
		return nil, err
	}

	req, env, err := newCall[T](e, st, st.world, st.numPEs, name, arg, opts)
	if err != nil {
		return nil, err
	}

	if st.numPEs > 1 {
		if err := st.lamellae.AM().SendToAll(env.marshal()); err != nil {
			e.abandon(req.ID(), failedPEs(err), err)
		}
	}
	e.runLocal(st.pe, env)
	return req, nil
}

// ExecTeam invokes the handler name on every PE of team. The replies are
// indexed by team-local rank.
func ExecTeam[T any](e *Executor, team *Team, name string, arg any, opts ...ExecOption) (*lamellar.Request[T], error) {
	st, err := e.current()
	if err != nil {
		return nil, err
	}

	arch := team.Arch()
	req, env, err := newCall[T](e, st, team, arch.NumPEs(), name, arg, opts)
	if err != nil {
		return nil, err
	}

	includesSelf := false
	remote := 0
	for i := 0; i < arch.NumPEs(); i++ {
		pe, err := arch.WorldPEID(i)
		if err != nil {
			continue
		}
		if pe == st.pe {
			includesSelf = true
		} else {
			remote++
		}
	}

	if remote > 0 {
		if err := st.lamellae.AM().SendToPEs(lamellar.AllPEs, arch, env.marshal()); err != nil {
			e.abandon(req.ID(), failedPEs(err), err)
		}
	}
	if includesSelf {
		e.runLocal(st.pe, env)
	}
	return req, nil
}

func newCall[T any](
	e *Executor,
	st *execState,
	team *Team,
	numPEs int,
	name string,
	arg any,
	opts []ExecOption,
) (*lamellar.Request[T], *envelope, error) {
	var ec execConfig
	for _, opt := range opts {
		opt(&ec)
	}

	payload, err := e.cfg.codec.Encode(arg)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrArgumentEncode, err)
	}

	worldCnt := &st.world.outstanding
	teamCnt := &team.outstanding
	if team == st.world {
		teamCnt = nil
	}

	req, ireq := lamellar.NewRequest[T](
		numPEs,
		ec.amType,
		team.Arch(),
		teamCnt,
		worldCnt,
		lamellar.RequestCodec(e.cfg.codec),
		lamellar.RequestLog(e.cfg.logHandler),
		lamellar.RequestMetricSink(e.msink),
		lamellar.RequestSizeHint(ec.sizeHint),
	)
	if numPEs == 0 {
		return req, &envelope{}, nil
	}

	worldCnt.Add(1)
	if teamCnt != nil {
		teamCnt.Add(1)
	}
	e.track(req.ID(), ireq)

	return req, &envelope{
		kind:    kindRequest,
		reqID:   req.ID(),
		handler: name,
		amType:  uint64(ec.amType),
		payload: payload,
	}, nil
}

// runLocal executes a request addressed to the local PE without going
// through the transport.
func (e *Executor) runLocal(pe int, env *envelope) {
	e.runHandler(func() {
		result := e.invoke(env.handler, pe, env.payload)
		e.complete(pe, env.reqID, result)
	})
}

// abandon answers on behalf of the PEs the transport could not reach, so
// the caller is not left waiting.
func (e *Executor) abandon(reqID uint64, pes []int, err error) {
	e.logger.Error(
		"active message not delivered, reporting absent replies",
		lamellar.LabelReqID.L(reqID),
		"pes", pes,
		lamellar.LabelError.L(err),
	)
	for _, pe := range pes {
		e.complete(pe, reqID, nil)
	}
}

// failedPEs extracts the PEs named by the errors of a fan-out send.
func failedPEs(err error) []int {
	var errs []error
	var merr *multierror.Error
	if errors.As(err, &merr) {
		errs = merr.Errors
	} else {
		errs = []error{err}
	}

	var pes []int
	for _, err := range errs {
		var peErr *lamellar.PEError
		if errors.As(err, &peErr) {
			pes = append(pes, peErr.PE)
		}
	}
	return pes
}
