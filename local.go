package lamellar

import (
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-metrics"
	"github.com/hashicorp/go-multierror"
)

// LocalWorld is a group of PEs living in the same process. Every local
// backend created with `WithLocalWorld` on the same world can reach the
// others.
type LocalWorld struct {
	numPEs    int
	lk        sync.RWMutex
	scheds    []Scheduler
	heaps     []*symmetricHeap
	barrier   *cyclicBarrier
	amBarrier *cyclicBarrier
}

// NewLocalWorld creates a world of numPEs PEs. Each of them must then be
// created with `Create(BackendLocal, sched, WithLocalWorld(world, pe))`.
func NewLocalWorld(numPEs int) *LocalWorld {
	if numPEs < 1 {
		numPEs = 1
	}
	return &LocalWorld{
		numPEs:    numPEs,
		scheds:    make([]Scheduler, numPEs),
		heaps:     make([]*symmetricHeap, numPEs),
		barrier:   newCyclicBarrier(numPEs),
		amBarrier: newCyclicBarrier(numPEs),
	}
}

func (w *LocalWorld) NumPEs() int {
	return w.numPEs
}

func (w *LocalWorld) join(pe int, sched Scheduler, heapSize int) (*symmetricHeap, error) {
	if pe < 0 || pe >= w.numPEs {
		return nil, &PEError{PE: pe, NumPEs: w.numPEs, Err: ErrPEOutOfRange}
	}
	w.lk.Lock()
	defer w.lk.Unlock()
	if w.heaps[pe] == nil {
		w.heaps[pe] = newSymmetricHeap(heapSize)
	}
	w.scheds[pe] = sched
	return w.heaps[pe], nil
}

func (w *LocalWorld) scheduler(pe int) (Scheduler, error) {
	if pe < 0 || pe >= w.numPEs {
		return nil, &PEError{PE: pe, NumPEs: w.numPEs, Err: ErrPEOutOfRange}
	}
	w.lk.RLock()
	defer w.lk.RUnlock()
	if w.scheds[pe] == nil {
		return nil, &PEError{PE: pe, NumPEs: w.numPEs, Err: ErrNotInitialized}
	}
	return w.scheds[pe], nil
}

func (w *LocalWorld) heap(pe int) (*symmetricHeap, error) {
	if pe < 0 || pe >= w.numPEs {
		return nil, &PEError{PE: pe, NumPEs: w.numPEs, Err: ErrPEOutOfRange}
	}
	w.lk.RLock()
	defer w.lk.RUnlock()
	if w.heaps[pe] == nil {
		return nil, &PEError{PE: pe, NumPEs: w.numPEs, Err: ErrNotInitialized}
	}
	return w.heaps[pe], nil
}

var _ Lamellae = (*localLamellae)(nil)
var _ LamellaeAM = (*localAM)(nil)
var _ LamellaeRDMA = (*localRDMA)(nil)

// localLamellae is the loopback backend.
type localLamellae struct {
	world   *LocalWorld
	pe      int
	logger  *slog.Logger
	msink   metrics.MetricSink
	mLabels []metrics.Label

	heap    *symmetricHeap
	joinErr error
	am      *localAM
	rdma    *localRDMA

	initialized atomic.Bool
	finalized   atomic.Bool
	bytesSent   atomic.Uint64
}

func newLocalLamellae(sched Scheduler, cfg *config) Lamellae {
	world, pe := cfg.world, cfg.localPE
	if world == nil {
		world, pe = NewLocalWorld(1), 0
	}

	l := &localLamellae{
		world:  world,
		pe:     pe,
		logger: slog.New(cfg.logHandler).With(LabelBackend.L(BackendLocal.String()), LabelPE.L(pe)),
		msink:  cfg.msink,
		mLabels: slices.Clip(append(
			slices.Clone(cfg.metricLabels),
			LabelBackend.M(BackendLocal.String()),
			LabelPE.M(strconv.Itoa(pe)),
		)),
	}
	if cfg.err != nil {
		l.joinErr = cfg.err
	} else {
		l.heap, l.joinErr = world.join(pe, sched, cfg.heapSize)
	}
	if l.joinErr != nil {
		// Init reports it, the heap only keeps the accessors usable.
		l.heap = newSymmetricHeap(cfg.heapSize)
	}
	l.am = &localAM{l: l}
	l.rdma = &localRDMA{l: l}
	return l
}

func (l *localLamellae) Init() (int, int, error) {
	if l.joinErr != nil {
		return 0, 0, l.joinErr
	}
	if !l.initialized.CompareAndSwap(false, true) {
		return 0, 0, ErrAlreadyInitialized
	}
	l.logger.Debug("local lamellae initialized", LabelNumPEs.L(l.world.numPEs))
	return l.pe, l.world.numPEs, nil
}

func (l *localLamellae) Finit() error {
	if !l.finalized.CompareAndSwap(false, true) {
		return nil
	}
	l.logger.Debug("local lamellae finalized")
	return nil
}

func (l *localLamellae) AM() LamellaeAM {
	return l.am
}

func (l *localLamellae) RDMA() LamellaeRDMA {
	return l.rdma
}

func (l *localLamellae) Barrier() {
	l.world.barrier.wait()
	l.msink.IncrCounterWithLabels(MetricLamellaeBarrierCount, 1.0, l.mLabels)
}

func (l *localLamellae) Backend() Backend {
	return BackendLocal
}

func (l *localLamellae) MBSent() float64 {
	return float64(l.bytesSent.Load()) / 1_000_000.0
}

func (l *localLamellae) ReportStats() {
	l.logger.Info(
		"lamellae stats",
		LabelNumPEs.L(l.world.numPEs),
		slog.Float64("mb_sent", l.MBSent()),
		slog.Int("heap_allocated_bytes", l.heap.allocatedBytes()),
	)
}

func (l *localLamellae) countSent(n int, target int) {
	l.bytesSent.Add(uint64(n))
	labels := append(l.mLabels, LabelTargetPE.M(strconv.Itoa(target)))
	l.msink.IncrCounterWithLabels(MetricLamellaeOutBytes, float32(n), labels)
}

type localAM struct {
	l *localLamellae
}

func (am *localAM) SendToPE(pe int, data []byte) error {
	l := am.l
	if pe == l.pe {
		panic(fmt.Errorf("%w: pe %d", ErrSelfSend, pe))
	}

	sched, err := l.world.scheduler(pe)
	if err != nil {
		l.msink.IncrCounterWithLabels(
			MetricLamellaeOutErrorCount,
			1.0,
			append(l.mLabels, LabelError.M("no_such_pe")),
		)
		return err
	}

	// the caller may reuse data as soon as we return.
	payload := make([]byte, len(data))
	copy(payload, data)
	sched.SubmitWork(l.pe, payload)

	l.countSent(len(data), pe)
	l.msink.IncrCounterWithLabels(MetricLamellaeOutMsgCount, 1.0, l.mLabels)
	return nil
}

func (am *localAM) SendToAll(data []byte) error {
	var result error
	for pe := 0; pe < am.l.world.numPEs; pe++ {
		if pe == am.l.pe {
			continue
		}
		if err := am.SendToPE(pe, data); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result
}

func (am *localAM) SendToPEs(pe int, arch Arch, data []byte) error {
	if pe != AllPEs {
		return am.SendToPE(pe, data)
	}

	var result error
	for i := 0; i < arch.NumPEs(); i++ {
		target, err := arch.WorldPEID(i)
		if err != nil {
			result = multierror.Append(result, err)
			continue
		}
		if target == am.l.pe {
			continue
		}
		if err := am.SendToPE(target, data); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result
}

func (am *localAM) Barrier() {
	am.l.world.amBarrier.wait()
}

func (am *localAM) Backend() Backend {
	return BackendLocal
}

type localRDMA struct {
	l *localLamellae
}

func (r *localRDMA) remote(pe int, addr uintptr, n int, op string) (*symmetricHeap, int, error) {
	l := r.l
	l.msink.IncrCounterWithLabels(MetricLamellaeRdmaOpCount, 1.0, append(l.mLabels, LabelOp.M(op)))

	off, err := l.heap.offset(addr, n)
	if err != nil {
		l.msink.IncrCounterWithLabels(MetricLamellaeRdmaErrorCount, 1.0, append(l.mLabels, LabelOp.M(op)))
		return nil, 0, err
	}
	target, err := l.world.heap(pe)
	if err != nil {
		l.msink.IncrCounterWithLabels(MetricLamellaeRdmaErrorCount, 1.0, append(l.mLabels, LabelOp.M(op)))
		return nil, 0, err
	}
	return target, off, nil
}

func (r *localRDMA) Put(pe int, src []byte, dst uintptr) error {
	target, off, err := r.remote(pe, dst, len(src), "put")
	if err != nil {
		return err
	}
	if err := target.write(off, src); err != nil {
		return err
	}
	if pe != r.l.pe {
		r.l.countSent(len(src), pe)
	}
	return nil
}

// IPut completes synchronously, a local copy is never deferred.
func (r *localRDMA) IPut(pe int, src []byte, dst uintptr) error {
	return r.Put(pe, src, dst)
}

func (r *localRDMA) PutAll(src []byte, dst uintptr) error {
	var result error
	for pe := 0; pe < r.l.world.numPEs; pe++ {
		if err := r.Put(pe, src, dst); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result
}

func (r *localRDMA) Get(pe int, src uintptr, dst []byte) error {
	target, off, err := r.remote(pe, src, len(dst), "get")
	if err != nil {
		return err
	}
	return target.read(off, dst)
}

func (r *localRDMA) Alloc(size int) (uintptr, bool) {
	addr, ok := r.l.heap.alloc(size)
	if ok {
		r.l.msink.SetGaugeWithLabels(
			MetricLamellaeHeapAllocBytes,
			float32(r.l.heap.allocatedBytes()),
			r.l.mLabels,
		)
	}
	return addr, ok
}

func (r *localRDMA) Free(addr uintptr) {
	if err := r.l.heap.release(addr); err != nil {
		r.l.logger.Warn("freeing an address that is not allocated", LabelError.L(err))
		return
	}
	r.l.msink.SetGaugeWithLabels(
		MetricLamellaeHeapAllocBytes,
		float32(r.l.heap.allocatedBytes()),
		r.l.mLabels,
	)
}

func (r *localRDMA) BaseAddr() uintptr {
	return r.l.heap.baseAddr()
}

func (r *localRDMA) MyPE() int {
	return r.l.pe
}
