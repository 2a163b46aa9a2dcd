//go:build quic

package lamellar

import (
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	legmetrics "github.com/armon/go-metrics"
	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-metrics"
	"github.com/hashicorp/go-multierror"
	sockaddr "github.com/hashicorp/go-sockaddr"
	"github.com/hashicorp/memberlist"
)

const (
	defaultInitTimeout = 2 * time.Minute
	defaultDialTimeout = 30 * time.Second
	defaultGracePeriod = 2 * time.Second

	// memberlist packets travel as QUIC datagrams, which must fit in a
	// single UDP packet.
	gossipPacketSize = 1100
)

func init() {
	registerBackend(BackendQuic, newQuicLamellae)
}

var _ Lamellae = (*quicLamellae)(nil)
var _ LamellaeAM = (*quicAM)(nil)
var _ LamellaeRDMA = (*quicRDMA)(nil)

// quicWorld is the rank table built by `Init`.
type quicWorld struct {
	pe     int
	numPEs int
	peers  []string
}

// quicLamellae runs one PE per process, peers discover each other with
// memberlist and exchange over QUIC.
type quicLamellae struct {
	cfg        QuicConfig
	sched      Scheduler
	logHandler slog.Handler
	logger     *slog.Logger
	msink      metrics.MetricSink
	mLabels    []metrics.Label

	heap *symmetricHeap
	tr   *quicTransport
	ml   *memberlist.Memberlist

	world   atomic.Pointer[quicWorld]
	barrier *quicBarrier
	am      *quicAM
	rdma    *quicRDMA

	initialized atomic.Bool
	finalized   atomic.Bool
	bytesSent   atomic.Uint64

	optErr error
}

func newQuicLamellae(sched Scheduler, cfg *config) Lamellae {
	qc := cfg.quic
	logger := slog.New(cfg.logHandler).With(LabelBackend.L(BackendQuic.String()))

	if qc.BindAddr == "" {
		ip, err := sockaddr.GetPrivateIP()
		if err != nil || ip == "" {
			logger.Warn("no private IP found, binding to loopback", LabelError.L(err))
			ip = "127.0.0.1"
		}
		qc.BindAddr = ip
	}
	if qc.BindPort == 0 {
		qc.BindPort = defaultQuicPort
	}
	if qc.NodeName == "" {
		host, err := os.Hostname()
		if err != nil {
			host = "pe"
		}
		qc.NodeName = host + "-" + strconv.Itoa(qc.BindPort)
	}
	if qc.WorldSize < 1 {
		qc.WorldSize = 1
	}
	if qc.InitTimeout <= 0 {
		qc.InitTimeout = defaultInitTimeout
	}
	if qc.DialTimeout <= 0 {
		qc.DialTimeout = defaultDialTimeout
	}
	if qc.GracePeriod <= 0 {
		qc.GracePeriod = defaultGracePeriod
	}

	q := &quicLamellae{
		cfg:        qc,
		sched:      sched,
		logHandler: cfg.logHandler,
		logger:     logger.With("node_name", qc.NodeName),
		msink:      cfg.msink,
		mLabels: slices.Clip(append(
			slices.Clone(cfg.metricLabels),
			LabelBackend.M(BackendQuic.String()),
		)),
		heap:    newSymmetricHeap(cfg.heapSize),
		barrier: newQuicBarrier(),
		optErr:  cfg.err,
	}
	q.am = &quicAM{q: q}
	q.rdma = &quicRDMA{q: q}
	return q
}

func (q *quicLamellae) Init() (int, int, error) {
	if q.optErr != nil {
		return 0, 0, q.optErr
	}
	if !q.initialized.CompareAndSwap(false, true) {
		return 0, 0, ErrAlreadyInitialized
	}
	deadline := time.Now().Add(q.cfg.InitTimeout)

	tr, err := newQuicTransport(&q.cfg, q.logger, q.msink, q.mLabels, q, q.sched.Submit)
	if err != nil {
		return 0, 0, err
	}
	q.tr = tr

	mlCfg := memberlist.DefaultLANConfig()
	mlCfg.Name = q.cfg.NodeName
	mlCfg.BindAddr = q.cfg.BindAddr
	mlCfg.BindPort = q.cfg.BindPort
	mlCfg.Transport = tr
	mlCfg.UDPBufferSize = gossipPacketSize
	mlCfg.Logger = slog.NewLogLogger(q.logHandler, slog.LevelDebug)
	mlCfg.Events = &gossip{
		logger:      q.logger,
		msink:       q.msink,
		mLabels:     q.mLabels,
		initialized: func() bool { return q.world.Load() != nil },
	}

	// TODO(raskyld): drop the translation once memberlist emits through
	// hashicorp/go-metrics.
	mlCfg.MetricLabels = make([]legmetrics.Label, len(q.mLabels))
	for i, label := range q.mLabels {
		mlCfg.MetricLabels[i] = legmetrics.Label{
			Name:  label.Name,
			Value: label.Value,
		}
	}

	ml, err := memberlist.Create(mlCfg)
	if err != nil {
		tr.Shutdown()
		return 0, 0, fmt.Errorf("%w: %w", ErrJoinCluster, err)
	}
	q.ml = ml

	if len(q.cfg.Seeds) > 0 {
		err := backoff.Retry(func() error {
			joined, err := ml.Join(q.cfg.Seeds)
			if err == nil && joined != len(q.cfg.Seeds) {
				q.logger.Warn(
					"not all seeds are reachable",
					"joined", joined,
					"expected", len(q.cfg.Seeds),
				)
			}
			return err
		}, newInitBackoff(deadline))
		if err != nil {
			return 0, 0, fmt.Errorf("%w: %w", ErrJoinCluster, err)
		}
	}

	err = backoff.Retry(func() error {
		n := ml.NumMembers()
		switch {
		case n > q.cfg.WorldSize:
			return backoff.Permanent(fmt.Errorf(
				"%w: %d members for a world of %d", ErrWorldIncomplete, n, q.cfg.WorldSize))
		case n < q.cfg.WorldSize:
			return fmt.Errorf("%w: %d/%d members", ErrWorldIncomplete, n, q.cfg.WorldSize)
		}
		return nil
	}, newInitBackoff(deadline))
	if err != nil {
		return 0, 0, err
	}

	world := rankMembers(ml.Members(), ml.LocalNode().Name)
	q.world.Store(world)
	q.logger.Info("world assembled", LabelPE.L(world.pe), LabelNumPEs.L(world.numPEs))

	// every PE must know the rank table before the first send.
	q.Barrier()
	return world.pe, world.numPEs, nil
}

// rankMembers ranks the PEs by node name.
func rankMembers(members []*memberlist.Node, self string) *quicWorld {
	slices.SortFunc(members, func(a, b *memberlist.Node) int {
		return strings.Compare(a.Name, b.Name)
	})

	world := &quicWorld{
		pe:     -1,
		numPEs: len(members),
		peers:  make([]string, len(members)),
	}
	for i, m := range members {
		world.peers[i] = m.Address()
		if m.Name == self {
			world.pe = i
		}
	}
	return world
}

func newInitBackoff(deadline time.Time) backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxInterval = 2 * time.Second
	bo.MaxElapsedTime = max(time.Until(deadline), time.Millisecond)
	return bo
}

func (q *quicLamellae) Finit() error {
	if !q.finalized.CompareAndSwap(false, true) {
		return nil
	}

	start := time.Now()
	var result error
	if q.ml != nil {
		q.logger.Info("finit: leave the job")
		if err := q.ml.Leave(q.cfg.GracePeriod); err != nil {
			result = multierror.Append(result, err)
		}
		// memberlist shuts our transport down as well.
		if err := q.ml.Shutdown(); err != nil {
			result = multierror.Append(result, err)
		}
	} else if q.tr != nil {
		if err := q.tr.Shutdown(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	q.logger.Info("finit: completed", LabelDuration.L(time.Since(start)))
	return result
}

func (q *quicLamellae) AM() LamellaeAM {
	return q.am
}

func (q *quicLamellae) RDMA() LamellaeRDMA {
	return q.rdma
}

func (q *quicLamellae) Backend() Backend {
	return BackendQuic
}

func (q *quicLamellae) MBSent() float64 {
	return float64(q.bytesSent.Load()) / 1_000_000.0
}

func (q *quicLamellae) ReportStats() {
	attrs := []any{
		slog.Float64("mb_sent", q.MBSent()),
		slog.Int("heap_allocated_bytes", q.heap.allocatedBytes()),
	}
	if q.ml != nil {
		attrs = append(attrs, slog.Int("members", q.ml.NumMembers()))
	}
	q.logger.Info("lamellae stats", attrs...)
}

func (q *quicLamellae) currentWorld() (*quicWorld, error) {
	w := q.world.Load()
	if w == nil {
		return nil, ErrNotInitialized
	}
	if q.finalized.Load() {
		return nil, ErrShutdown
	}
	return w, nil
}

func (q *quicLamellae) peer(w *quicWorld, pe int) (string, error) {
	if pe < 0 || pe >= w.numPEs {
		return "", &PEError{PE: pe, NumPEs: w.numPEs, Err: ErrPEOutOfRange}
	}
	return w.peers[pe], nil
}

func (q *quicLamellae) countSent(n int, target int) {
	q.bytesSent.Add(uint64(n))
	q.msink.IncrCounterWithLabels(
		MetricLamellaeOutBytes,
		float32(n),
		append(q.mLabels, LabelTargetPE.M(strconv.Itoa(target))),
	)
}

// dispatch handles the frames received on uni streams.
func (q *quicLamellae) dispatch(f *frame) {
	switch f.kind {
	case frameAM:
		q.msink.IncrCounterWithLabels(MetricLamellaeInMsgCount, 1.0, q.mLabels)
		q.sched.SubmitWork(f.srcPE, f.payload)
	case frameIPut:
		if err := q.heap.write(int(f.offset), f.payload); err != nil {
			q.logger.Error("rejected remote iput", LabelOriginPE.L(f.srcPE), LabelError.L(err))
			q.msink.IncrCounterWithLabels(MetricLamellaeRdmaErrorCount, 1.0, append(q.mLabels, LabelOp.M("iput")))
		}
	case frameBarrierArrive:
		q.arrive(f.epoch)
	case frameBarrierRelease:
		q.barrier.release(f.epoch)
	}
}

// serve answers the one-sided requests of the other PEs.
func (q *quicLamellae) serve(f *frame) *frame {
	ack := &frame{kind: frameAck, srcPE: -1}
	if w := q.world.Load(); w != nil {
		ack.srcPE = w.pe
	}

	switch f.kind {
	case framePut:
		if err := q.heap.write(int(f.offset), f.payload); err != nil {
			q.logger.Error("rejected remote put", LabelOriginPE.L(f.srcPE), LabelError.L(err))
			ack.status = statusHeapBounds
		}
	case frameGet:
		if f.length > uint64(q.heap.size()) {
			err := fmt.Errorf("%w: length %d size %d", ErrHeapBounds, f.length, q.heap.size())
			q.logger.Error("rejected remote get", LabelOriginPE.L(f.srcPE), LabelError.L(err))
			ack.status = statusHeapBounds
			break
		}
		buf := make([]byte, f.length)
		if err := q.heap.read(int(f.offset), buf); err != nil {
			q.logger.Error("rejected remote get", LabelOriginPE.L(f.srcPE), LabelError.L(err))
			ack.status = statusHeapBounds
		} else {
			ack.payload = buf
		}
	default:
		ack.status = statusUnexpected
	}
	return ack
}

type quicAM struct {
	q *quicLamellae
}

func (am *quicAM) SendToPE(pe int, data []byte) error {
	q := am.q
	w, err := q.currentWorld()
	if err != nil {
		return err
	}
	if pe == w.pe {
		panic(fmt.Errorf("%w: pe %d", ErrSelfSend, pe))
	}
	addr, err := q.peer(w, pe)
	if err != nil {
		return err
	}

	n, err := q.tr.send(addr, &frame{kind: frameAM, srcPE: w.pe, payload: data})
	if err != nil {
		q.msink.IncrCounterWithLabels(
			MetricLamellaeOutErrorCount,
			1.0,
			append(q.mLabels, LabelTargetPE.M(strconv.Itoa(pe)), LabelError.M("send")),
		)
		return &PEError{PE: pe, NumPEs: w.numPEs, Err: err}
	}
	q.countSent(n, pe)
	q.msink.IncrCounterWithLabels(MetricLamellaeOutMsgCount, 1.0, q.mLabels)
	return nil
}

func (am *quicAM) SendToAll(data []byte) error {
	w, err := am.q.currentWorld()
	if err != nil {
		return err
	}

	var result error
	for pe := 0; pe < w.numPEs; pe++ {
		if pe == w.pe {
			continue
		}
		if err := am.SendToPE(pe, data); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result
}

func (am *quicAM) SendToPEs(pe int, arch Arch, data []byte) error {
	if pe != AllPEs {
		return am.SendToPE(pe, data)
	}
	w, err := am.q.currentWorld()
	if err != nil {
		return err
	}

	var result error
	for i := 0; i < arch.NumPEs(); i++ {
		target, err := arch.WorldPEID(i)
		if err != nil {
			result = multierror.Append(result, err)
			continue
		}
		if target == w.pe {
			continue
		}
		if err := am.SendToPE(target, data); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result
}

func (am *quicAM) Barrier() {
	am.q.Barrier()
}

func (am *quicAM) Backend() Backend {
	return BackendQuic
}

type quicRDMA struct {
	q *quicLamellae
}

func (r *quicRDMA) target(pe int, addr uintptr, n int, op string) (*quicWorld, string, int, error) {
	q := r.q
	q.msink.IncrCounterWithLabels(MetricLamellaeRdmaOpCount, 1.0, append(q.mLabels, LabelOp.M(op)))

	w, err := q.currentWorld()
	if err == nil {
		var off int
		off, err = q.heap.offset(addr, n)
		if err == nil {
			var peer string
			peer, err = q.peer(w, pe)
			if err == nil {
				return w, peer, off, nil
			}
		}
	}
	q.msink.IncrCounterWithLabels(MetricLamellaeRdmaErrorCount, 1.0, append(q.mLabels, LabelOp.M(op)))
	return nil, "", 0, err
}

func (r *quicRDMA) Put(pe int, src []byte, dst uintptr) error {
	q := r.q
	w, peer, off, err := r.target(pe, dst, len(src), "put")
	if err != nil {
		return err
	}
	if pe == w.pe {
		return q.heap.write(off, src)
	}

	ack, n, err := q.tr.request(peer, &frame{
		kind:    framePut,
		srcPE:   w.pe,
		offset:  uint64(off),
		payload: src,
	})
	if err != nil {
		q.msink.IncrCounterWithLabels(MetricLamellaeRdmaErrorCount, 1.0, append(q.mLabels, LabelOp.M("put")))
		return &PEError{PE: pe, NumPEs: w.numPEs, Err: err}
	}
	q.countSent(n, pe)
	if ack.status != statusOK {
		return &PEError{PE: pe, NumPEs: w.numPEs, Err: ErrRemoteRDMA}
	}
	return nil
}

// IPut returns once the bytes are handed to the stream, they land on the
// remote heap later.
func (r *quicRDMA) IPut(pe int, src []byte, dst uintptr) error {
	q := r.q
	w, peer, off, err := r.target(pe, dst, len(src), "iput")
	if err != nil {
		return err
	}
	if pe == w.pe {
		return q.heap.write(off, src)
	}

	n, err := q.tr.send(peer, &frame{
		kind:    frameIPut,
		srcPE:   w.pe,
		offset:  uint64(off),
		payload: src,
	})
	if err != nil {
		q.msink.IncrCounterWithLabels(MetricLamellaeRdmaErrorCount, 1.0, append(q.mLabels, LabelOp.M("iput")))
		return &PEError{PE: pe, NumPEs: w.numPEs, Err: err}
	}
	q.countSent(n, pe)
	return nil
}

func (r *quicRDMA) PutAll(src []byte, dst uintptr) error {
	w, err := r.q.currentWorld()
	if err != nil {
		return err
	}

	var result error
	for pe := 0; pe < w.numPEs; pe++ {
		if err := r.Put(pe, src, dst); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result
}

func (r *quicRDMA) Get(pe int, src uintptr, dst []byte) error {
	q := r.q
	w, peer, off, err := r.target(pe, src, len(dst), "get")
	if err != nil {
		return err
	}
	if pe == w.pe {
		return q.heap.read(off, dst)
	}

	ack, _, err := q.tr.request(peer, &frame{
		kind:   frameGet,
		srcPE:  w.pe,
		offset: uint64(off),
		length: uint64(len(dst)),
	})
	if err != nil {
		q.msink.IncrCounterWithLabels(MetricLamellaeRdmaErrorCount, 1.0, append(q.mLabels, LabelOp.M("get")))
		return &PEError{PE: pe, NumPEs: w.numPEs, Err: err}
	}
	if ack.status != statusOK {
		return &PEError{PE: pe, NumPEs: w.numPEs, Err: ErrRemoteRDMA}
	}
	if len(ack.payload) != len(dst) {
		return fmt.Errorf("%w: got %d bytes, asked %d", ErrProtocolFrame, len(ack.payload), len(dst))
	}
	copy(dst, ack.payload)
	return nil
}

func (r *quicRDMA) Alloc(size int) (uintptr, bool) {
	addr, ok := r.q.heap.alloc(size)
	if ok {
		r.q.msink.SetGaugeWithLabels(
			MetricLamellaeHeapAllocBytes,
			float32(r.q.heap.allocatedBytes()),
			r.q.mLabels,
		)
	}
	return addr, ok
}

func (r *quicRDMA) Free(addr uintptr) {
	if err := r.q.heap.release(addr); err != nil {
		r.q.logger.Warn("freeing an address that is not allocated", LabelError.L(err))
		return
	}
	r.q.msink.SetGaugeWithLabels(
		MetricLamellaeHeapAllocBytes,
		float32(r.q.heap.allocatedBytes()),
		r.q.mLabels,
	)
}

func (r *quicRDMA) BaseAddr() uintptr {
	return r.q.heap.baseAddr()
}

func (r *quicRDMA) MyPE() int {
	if w := r.q.world.Load(); w != nil {
		return w.pe
	}
	return 0
}

// quicBarrier is coordinated by PE 0: everyone reports its arrival for an
// epoch, PE 0 releases the epoch once all of them arrived.
type quicBarrier struct {
	lk       sync.Mutex
	cond     *sync.Cond
	epoch    uint64
	released uint64
	arrivals map[uint64]int
}

func newQuicBarrier() *quicBarrier {
	b := &quicBarrier{arrivals: make(map[uint64]int)}
	b.cond = sync.NewCond(&b.lk)
	return b
}

func (b *quicBarrier) enter() uint64 {
	b.lk.Lock()
	defer b.lk.Unlock()
	b.epoch++
	return b.epoch
}

// arrived records an arrival, it reports whether the epoch is complete.
func (b *quicBarrier) arrived(epoch uint64, parties int) bool {
	b.lk.Lock()
	defer b.lk.Unlock()
	b.arrivals[epoch]++
	if b.arrivals[epoch] < parties {
		return false
	}
	delete(b.arrivals, epoch)
	return true
}

func (b *quicBarrier) release(epoch uint64) {
	b.lk.Lock()
	defer b.lk.Unlock()
	if epoch > b.released {
		b.released = epoch
	}
	b.cond.Broadcast()
}

func (b *quicBarrier) wait(epoch uint64) {
	b.lk.Lock()
	defer b.lk.Unlock()
	for b.released < epoch {
		b.cond.Wait()
	}
}

func (q *quicLamellae) Barrier() {
	w := q.world.Load()
	if w == nil || w.numPEs == 1 {
		return
	}

	epoch := q.barrier.enter()
	if w.pe == 0 {
		q.arrive(epoch)
	} else if _, err := q.tr.send(w.peers[0], &frame{
		kind:  frameBarrierArrive,
		srcPE: w.pe,
		epoch: epoch,
	}); err != nil {
		q.logger.Error("could not reach the barrier coordinator", LabelError.L(err))
	}
	q.barrier.wait(epoch)
	q.msink.IncrCounterWithLabels(MetricLamellaeBarrierCount, 1.0, q.mLabels)
}

// arrive only runs on PE 0.
func (q *quicLamellae) arrive(epoch uint64) {
	if !q.barrier.arrived(epoch, q.cfg.WorldSize) {
		return
	}
	q.barrier.release(epoch)

	w := q.world.Load()
	for pe := 1; pe < w.numPEs; pe++ {
		if _, err := q.tr.send(w.peers[pe], &frame{
			kind:  frameBarrierRelease,
			srcPE: 0,
			epoch: epoch,
		}); err != nil {
			q.logger.Error("could not release a PE from the barrier", LabelTargetPE.L(pe), LabelError.L(err))
		}
	}
}
