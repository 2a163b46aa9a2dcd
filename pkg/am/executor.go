// Package am runs active messages on top of a `lamellar.Lamellae`
// transport. It registers the outstanding requests, routes their replies
// and executes the handlers invoked by remote PEs.
package am

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-metrics"
	"github.com/hashicorp/go-multierror"
	"github.com/raskyld/lamellar"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

var (
	ErrNotStarted      = errors.New("am: executor was not started")
	ErrAlreadyStarted  = errors.New("am: executor already started")
	ErrClosed          = errors.New("am: executor closed")
	ErrUnknownHandler  = errors.New("am: no handler registered under this name")
	ErrArgumentEncode  = errors.New("am: could not encode the argument")
	ErrHandlerConflict = errors.New("am: a handler is already registered under this name")
	ErrInvalidOption   = errors.New("am: invalid option")
)

var (
	MetricAmHandlerCount      = []string{"lamellar", "am", "handler", "count"}
	MetricAmHandlerErrorCount = []string{"lamellar", "am", "handler", "error", "count"}
	MetricAmMalformedCount    = []string{"lamellar", "am", "malformed", "count"}
)

// Handler runs an active message on the PE it was sent to. A nil result is
// delivered to the caller as an absent reply.
//
// A handler holds one of the `WithWorkers` slots while it runs. Waiting on
// a nested request from inside a handler keeps that slot busy: when every
// slot of every PE involved does so, no handler is left to answer and the
// job deadlocks.
type Handler func(ctx context.Context, srcPE int, payload []byte) ([]byte, error)

// Executor is the `lamellar.Scheduler` of a PE.
type Executor struct {
	cfg     config
	logger  *slog.Logger
	msink   metrics.MetricSink
	mLabels []metrics.Label

	state   atomic.Pointer[execState]
	started atomic.Bool
	closed  atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	// pool runs handlers, slots bounds how many of them execute at once.
	pool  *errgroup.Group
	slots *semaphore.Weighted
	// progress runs the long-lived loops transports hand to `Submit`.
	progress *errgroup.Group

	handlersLk sync.RWMutex
	handlers   map[string]Handler

	pendingLk sync.Mutex
	pending   map[uint64]*lamellar.InternalReq
}

// execState is swapped once the transport knows the rank of the PE.
type execState struct {
	lamellae lamellar.Lamellae
	pe       int
	numPEs   int
	world    *Team
}

var _ lamellar.Scheduler = (*Executor)(nil)

// New creates an executor. It must be handed to `lamellar.Create` and then
// started with `Executor.Start`.
func New(opts ...Option) (*Executor, error) {
	cfg := config{
		workers: runtime.GOMAXPROCS(0),
	}
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}
	if cfg.logHandler == nil {
		cfg.logHandler = slog.Default().Handler()
	}
	if cfg.msink == nil {
		cfg.msink = metrics.Default()
	}
	if cfg.codec == nil {
		cfg.codec = lamellar.DefaultCodec
	}

	ctx, cancel := context.WithCancel(context.Background())
	pool, ctx := errgroup.WithContext(ctx)

	return &Executor{
		cfg:      cfg,
		logger:   slog.New(cfg.logHandler),
		msink:    cfg.msink,
		mLabels:  slices.Clip(slices.Clone(cfg.metricLabels)),
		ctx:      ctx,
		cancel:   cancel,
		pool:     pool,
		slots:    semaphore.NewWeighted(int64(cfg.workers)),
		progress: &errgroup.Group{},
		handlers: make(map[string]Handler),
		pending:  make(map[uint64]*lamellar.InternalReq),
	}, nil
}

// Start initializes the transport. It is collective: every PE of the job
// must call it.
func (e *Executor) Start(l lamellar.Lamellae) error {
	if !e.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	// inbound messages may arrive while Init is still assembling the world.
	e.state.Store(&execState{lamellae: l, pe: -1})
	pe, numPEs, err := l.Init()
	if err != nil {
		e.started.Store(false)
		return err
	}

	e.state.Store(&execState{
		lamellae: l,
		pe:       pe,
		numPEs:   numPEs,
		world:    NewTeam(lamellar.WorldArch{N: numPEs}),
	})
	e.logger.Info(
		"executor started",
		lamellar.LabelPE.L(pe),
		lamellar.LabelBackend.L(l.Backend().String()),
		lamellar.LabelNumPEs.L(numPEs),
	)
	return nil
}

func (e *Executor) current() (*execState, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	st := e.state.Load()
	if st == nil || st.world == nil {
		return nil, ErrNotStarted
	}
	return st, nil
}

// MyPE is the rank of the local PE, -1 before `Start`.
func (e *Executor) MyPE() int {
	if st := e.state.Load(); st != nil {
		return st.pe
	}
	return -1
}

// NumPEs is the size of the world, valid after `Start`.
func (e *Executor) NumPEs() int {
	if st := e.state.Load(); st != nil {
		return st.numPEs
	}
	return 0
}

// World is the team of every PE, valid after `Start`.
func (e *Executor) World() *Team {
	if st := e.state.Load(); st != nil {
		return st.world
	}
	return nil
}

func (e *Executor) Lamellae() lamellar.Lamellae {
	if st := e.state.Load(); st != nil {
		return st.lamellae
	}
	return nil
}

// Register makes h callable by remote PEs under name. Every PE MUST
// register the same handlers.
func (e *Executor) Register(name string, h Handler) error {
	e.handlersLk.Lock()
	defer e.handlersLk.Unlock()
	if _, ok := e.handlers[name]; ok {
		return fmt.Errorf("%w: %s", ErrHandlerConflict, name)
	}
	e.handlers[name] = h
	return nil
}

// Barrier waits for every PE to reach the same point.
func (e *Executor) Barrier() {
	if l := e.Lamellae(); l != nil {
		l.Barrier()
	}
}

// Outstanding is the number of requests issued by this PE still waiting
// for replies.
func (e *Executor) Outstanding() int64 {
	if world := e.World(); world != nil {
		return world.Outstanding()
	}
	return 0
}

// WaitAll blocks until every request issued by this PE got all its replies,
// or ctx is done.
func (e *Executor) WaitAll(ctx context.Context) error {
	if world := e.World(); world != nil {
		return world.WaitAll(ctx)
	}
	return nil
}

// Close stops accepting work, waits for the running handlers, tears the
// transport down and then waits for its progress loops to return.
func (e *Executor) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}

	e.pendingLk.Lock()
	if len(e.pending) > 0 {
		e.logger.Warn("closing with requests still waiting for replies", "pending", len(e.pending))
	}
	e.pendingLk.Unlock()

	e.cancel()
	var result error
	if err := e.pool.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		result = multierror.Append(result, err)
	}
	if l := e.Lamellae(); l != nil {
		if err := l.Finit(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if err := e.progress.Wait(); err != nil {
		result = multierror.Append(result, err)
	}
	return result
}

// SubmitWork is called by the transport for every inbound payload.
func (e *Executor) SubmitWork(srcPE int, payload []byte) {
	env, err := unmarshalEnvelope(payload)
	if err != nil {
		e.logger.Error("dropping a malformed active message", lamellar.LabelOriginPE.L(srcPE), lamellar.LabelError.L(err))
		e.msink.IncrCounterWithLabels(MetricAmMalformedCount, 1.0, e.mLabels)
		return
	}

	switch env.kind {
	case kindReply:
		// completing is cheap and never blocks, it stays on the transport
		// goroutine.
		e.complete(srcPE, env.reqID, env.payload)
	case kindRequest:
		e.runHandler(func() {
			result := e.invoke(env.handler, srcPE, env.payload)
			e.reply(srcPE, env.reqID, result)
		})
	}
}

// Submit runs task in the background without waiting for a worker slot,
// transports hand their accept and receive loops to it. It never blocks.
func (e *Executor) Submit(task func()) {
	if e.closed.Load() {
		e.logger.Debug("executor closed, dropping a task")
		return
	}
	e.progress.Go(func() error {
		task()
		return nil
	})
}

// runHandler queues task behind the worker slots. The caller, usually a
// transport receive loop, never waits for a slot.
func (e *Executor) runHandler(task func()) {
	if e.closed.Load() {
		e.logger.Debug("executor closed, dropping a handler")
		return
	}
	e.pool.Go(func() error {
		if err := e.slots.Acquire(e.ctx, 1); err != nil {
			return nil
		}
		defer e.slots.Release(1)
		task()
		return nil
	})
}

func (e *Executor) invoke(name string, srcPE int, payload []byte) []byte {
	e.handlersLk.RLock()
	h, ok := e.handlers[name]
	e.handlersLk.RUnlock()

	mLabels := append(e.mLabels, lamellar.LabelHandler.M(name))
	if !ok {
		e.logger.Error(
			"active message for an unknown handler",
			lamellar.LabelHandler.L(name),
			lamellar.LabelOriginPE.L(srcPE),
			lamellar.LabelError.L(ErrUnknownHandler),
		)
		e.msink.IncrCounterWithLabels(MetricAmHandlerErrorCount, 1.0, mLabels)
		return nil
	}

	e.msink.IncrCounterWithLabels(MetricAmHandlerCount, 1.0, mLabels)
	result, err := h(e.ctx, srcPE, payload)
	if err != nil {
		e.logger.Warn(
			"handler failed, replying without a result",
			lamellar.LabelHandler.L(name),
			lamellar.LabelOriginPE.L(srcPE),
			lamellar.LabelError.L(err),
		)
		e.msink.IncrCounterWithLabels(MetricAmHandlerErrorCount, 1.0, mLabels)
		return nil
	}
	return result
}

func (e *Executor) reply(dstPE int, reqID uint64, result []byte) {
	st := e.state.Load()
	if st.pe == dstPE {
		e.complete(dstPE, reqID, result)
		return
	}

	env := &envelope{kind: kindReply, reqID: reqID, payload: result}
	if err := st.lamellae.AM().SendToPE(dstPE, env.marshal()); err != nil {
		e.logger.Error(
			"could not send a reply, the caller will wait forever",
			lamellar.LabelReqID.L(reqID),
			lamellar.LabelTargetPE.L(dstPE),
			lamellar.LabelError.L(err),
		)
	}
}

// track registers the producer half of a request until its last reply.
func (e *Executor) track(id uint64, ireq *lamellar.InternalReq) {
	e.pendingLk.Lock()
	e.pending[id] = ireq
	e.pendingLk.Unlock()
}

func (e *Executor) complete(srcPE int, reqID uint64, payload []byte) {
	e.pendingLk.Lock()
	ireq, ok := e.pending[reqID]
	e.pendingLk.Unlock()

	if !ok {
		e.logger.Warn("reply for an unknown request", lamellar.LabelReqID.L(reqID), lamellar.LabelOriginPE.L(srcPE))
		e.msink.IncrCounterWithLabels(lamellar.MetricRequestAbandonedCount, 1.0, e.mLabels)
		return
	}

	if !ireq.Active() {
		e.msink.IncrCounterWithLabels(lamellar.MetricRequestAbandonedCount, 1.0, e.mLabels)
	}
	e.msink.IncrCounterWithLabels(lamellar.MetricRequestRepliesCount, 1.0, e.mLabels)

	if left := ireq.Deliver(srcPE, payload); left == 0 {
		e.pendingLk.Lock()
		delete(e.pending, reqID)
		e.pendingLk.Unlock()
		e.msink.AddSampleWithLabels(
			lamellar.MetricRequestLatency,
			float32(ireq.Elapsed().Seconds()*1000),
			e.mLabels,
		)
	}
}

// Team is a subset of the world PEs keeping its own count of outstanding
// requests.
type Team struct {
	arch        lamellar.Arch
	outstanding atomic.Int64
}

func NewTeam(arch lamellar.Arch) *Team {
	return &Team{arch: arch}
}

func (t *Team) Arch() lamellar.Arch {
	return t.arch
}

func (t *Team) Outstanding() int64 {
	return t.outstanding.Load()
}

// WaitAll blocks until every request issued on the team got all its
// replies, or ctx is done.
func (t *Team) WaitAll(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Millisecond
	bo.MaxInterval = 50 * time.Millisecond
	bo.MaxElapsedTime = 0

	return backoff.Retry(func() error {
		if n := t.outstanding.Load(); n > 0 {
			return fmt.Errorf("%d requests outstanding", n)
		}
		return nil
	}, backoff.WithContext(bo, ctx))
}
