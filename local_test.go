package lamellar

import (
	"crypto/tls"
	"encoding/binary"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockScheduler struct {
	m mock.Mock
}

func (s *MockScheduler) SubmitWork(srcPE int, payload []byte) {
	s.m.Called(srcPE, payload)
}

func (s *MockScheduler) Submit(task func()) {
	task()
}

func newTestWorld(t *testing.T, n int) ([]Lamellae, []*MockScheduler) {
	t.Helper()
	world := NewLocalWorld(n)
	ls := make([]Lamellae, n)
	scheds := make([]*MockScheduler, n)
	for pe := range n {
		scheds[pe] = &MockScheduler{}
		ls[pe] = Create(
			BackendLocal,
			scheds[pe],
			WithLocalWorld(world, pe),
			WithHeapSize(1024),
			WithMetricSink(&metrics.BlackholeSink{}),
		)
		gotPE, numPEs, err := ls[pe].Init()
		require.NoError(t, err)
		require.Equal(t, pe, gotPE)
		require.Equal(t, n, numPEs)
	}
	t.Cleanup(func() {
		for _, l := range ls {
			require.NoError(t, l.Finit())
		}
	})
	return ls, scheds
}

func TestLocal_Init(t *testing.T) {
	l := Create(BackendLocal, &MockScheduler{}, WithMetricSink(nil))
	pe, numPEs, err := l.Init()
	require.NoError(t, err)
	require.Equal(t, 0, pe)
	require.Equal(t, 1, numPEs)
	require.Equal(t, BackendLocal, l.Backend())

	_, _, err = l.Init()
	require.ErrorIs(t, err, ErrAlreadyInitialized)

	require.NoError(t, l.Finit())
	require.NoError(t, l.Finit(), "finit is idempotent")
}

func TestLocal_InitOutOfRange(t *testing.T) {
	world := NewLocalWorld(2)
	l := Create(BackendLocal, &MockScheduler{}, WithLocalWorld(world, 5))
	_, _, err := l.Init()

	var peErr *PEError
	require.ErrorAs(t, err, &peErr)
	require.Equal(t, 5, peErr.PE)
	require.ErrorIs(t, err, ErrPEOutOfRange)
}

func TestLocal_RejectedOptions(t *testing.T) {
	world := NewLocalWorld(2)
	for name, tc := range map[string]struct {
		opt Option
		err error
	}{
		"empty heap":     {opt: WithHeapSize(0), err: ErrInvalidOption},
		"negative heap":  {opt: WithHeapSize(-8), err: ErrInvalidOption},
		"nil world":      {opt: WithLocalWorld(nil, 0), err: ErrInvalidOption},
		"negative rank":  {opt: WithLocalWorld(world, -1), err: ErrPEOutOfRange},
		"no tls":         {opt: WithQuicConfig(QuicConfig{}), err: ErrNoTLSConfig},
		"bad quic port":  {opt: WithQuicConfig(QuicConfig{TlsConfig: &tls.Config{}, BindPort: 70000}), err: ErrInvalidOption},
		"negative world": {opt: WithQuicConfig(QuicConfig{TlsConfig: &tls.Config{}, WorldSize: -1}), err: ErrInvalidOption},
	} {
		t.Run(name, func(t *testing.T) {
			l := Create(BackendLocal, &MockScheduler{}, WithMetricSink(nil), tc.opt)
			_, _, err := l.Init()
			require.ErrorIs(t, err, tc.err)
		})
	}
}

func TestLocal_SendToPE(t *testing.T) {
	ls, scheds := newTestWorld(t, 3)

	data := []byte("hello")
	scheds[2].m.On("SubmitWork", 0, []byte("hello")).Once()
	require.NoError(t, ls[0].AM().SendToPE(2, data))

	// the transport must have copied the payload.
	data[0] = 'j'
	delivered := scheds[2].m.Calls[0].Arguments.Get(1).([]byte)
	require.Equal(t, "hello", string(delivered))
	scheds[2].m.AssertExpectations(t)

	require.InDelta(t, 5e-6, ls[0].MBSent(), 1e-9)
	require.Zero(t, ls[1].MBSent())
}

func TestLocal_SendToSelfPanics(t *testing.T) {
	ls, _ := newTestWorld(t, 2)
	require.PanicsWithError(t, "lamellae: message addressed to the local PE: pe 1", func() {
		_ = ls[1].AM().SendToPE(1, []byte("loop"))
	})
}

func TestLocal_SendErrors(t *testing.T) {
	world := NewLocalWorld(3)
	sched := &MockScheduler{}
	l := Create(BackendLocal, sched, WithLocalWorld(world, 0), WithMetricSink(nil))
	_, _, err := l.Init()
	require.NoError(t, err)

	err = l.AM().SendToPE(7, []byte("x"))
	require.ErrorIs(t, err, ErrPEOutOfRange)

	// PE 1 and 2 never joined.
	err = l.AM().SendToAll([]byte("x"))
	require.ErrorIs(t, err, ErrNotInitialized)
	var peErr *PEError
	require.ErrorAs(t, err, &peErr)
}

func TestLocal_SendToAll(t *testing.T) {
	ls, scheds := newTestWorld(t, 4)
	for pe := 1; pe < 4; pe++ {
		scheds[pe].m.On("SubmitWork", 0, []byte("all")).Once()
	}

	require.NoError(t, ls[0].AM().SendToAll([]byte("all")))
	for pe := 1; pe < 4; pe++ {
		scheds[pe].m.AssertExpectations(t)
	}
	scheds[0].m.AssertNotCalled(t, "SubmitWork", mock.Anything, mock.Anything)
}

func TestLocal_SendToPEs(t *testing.T) {
	ls, scheds := newTestWorld(t, 4)
	team := StridedArch{Start: 1, Stride: 2, Count: 2}

	scheds[3].m.On("SubmitWork", 1, []byte("team")).Once()
	require.NoError(t, ls[1].AM().SendToPEs(AllPEs, team, []byte("team")))
	scheds[3].m.AssertExpectations(t)
	scheds[1].m.AssertNotCalled(t, "SubmitWork", mock.Anything, mock.Anything)
	scheds[0].m.AssertNotCalled(t, "SubmitWork", mock.Anything, mock.Anything)

	scheds[2].m.On("SubmitWork", 1, []byte("one")).Once()
	require.NoError(t, ls[1].AM().SendToPEs(2, team, []byte("one")))
	scheds[2].m.AssertExpectations(t)
}

func TestLocal_RDMA(t *testing.T) {
	ls, _ := newTestWorld(t, 3)

	addrs := make([]uintptr, 3)
	for pe, l := range ls {
		var ok bool
		addrs[pe], ok = l.RDMA().Alloc(16)
		require.True(t, ok)
		require.Equal(t, pe, l.RDMA().MyPE())
	}

	src := make([]byte, 8)
	binary.LittleEndian.PutUint64(src, 0xCAFE)
	require.NoError(t, ls[0].RDMA().Put(2, src, addrs[0]+8))

	// the offset is translated to the heap of the target.
	dst := make([]byte, 8)
	require.NoError(t, ls[2].RDMA().Get(2, addrs[2]+8, dst))
	require.EqualValues(t, 0xCAFE, binary.LittleEndian.Uint64(dst))

	clear(dst)
	require.NoError(t, ls[1].RDMA().Get(2, addrs[1]+8, dst))
	require.EqualValues(t, 0xCAFE, binary.LittleEndian.Uint64(dst))

	require.NoError(t, ls[1].RDMA().IPut(0, []byte("ab"), addrs[1]))
	two := make([]byte, 2)
	require.NoError(t, ls[0].RDMA().Get(0, addrs[0], two))
	require.Equal(t, "ab", string(two))
}

func TestLocal_PutAll(t *testing.T) {
	ls, _ := newTestWorld(t, 3)
	addr, ok := ls[1].RDMA().Alloc(4)
	require.True(t, ok)

	require.NoError(t, ls[1].RDMA().PutAll([]byte("ping"), addr))
	for pe := range ls {
		dst := make([]byte, 4)
		require.NoError(t, ls[1].RDMA().Get(pe, addr, dst))
		require.Equal(t, "ping", string(dst), "pe %d", pe)
	}
}

func TestLocal_RDMABounds(t *testing.T) {
	ls, _ := newTestWorld(t, 2)
	base := ls[0].RDMA().BaseAddr()

	require.ErrorIs(t, ls[0].RDMA().Put(1, make([]byte, 8), base+1020), ErrHeapBounds)
	require.ErrorIs(t, ls[0].RDMA().Get(1, base-8, make([]byte, 8)), ErrHeapBounds)
	require.ErrorIs(t, ls[0].RDMA().Put(3, []byte("x"), base), ErrPEOutOfRange)

	far := base + uintptr(math.MaxInt-2)
	require.NotPanics(t, func() {
		require.ErrorIs(t, ls[0].RDMA().Put(0, make([]byte, 8), far), ErrHeapBounds)
		require.ErrorIs(t, ls[0].RDMA().Get(1, far, make([]byte, 8)), ErrHeapBounds)
		require.ErrorIs(t, ls[0].RDMA().PutAll(make([]byte, 8), far), ErrHeapBounds)
	})
}

func TestLocal_AllocFree(t *testing.T) {
	ls, _ := newTestWorld(t, 1)
	rdma := ls[0].RDMA()

	a, ok := rdma.Alloc(1024)
	require.True(t, ok)
	_, ok = rdma.Alloc(1)
	require.False(t, ok, "heap exhausted")

	rdma.Free(a)
	rdma.Free(a) // logged and ignored
	_, ok = rdma.Alloc(512)
	require.True(t, ok)
}

func TestLocal_Barrier(t *testing.T) {
	ls, _ := newTestWorld(t, 4)

	var lk sync.Mutex
	var order []string
	record := func(s string) {
		lk.Lock()
		order = append(order, s)
		lk.Unlock()
	}

	var wg sync.WaitGroup
	for pe, l := range ls {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if pe == 0 {
				time.Sleep(50 * time.Millisecond)
			}
			record("before")
			l.Barrier()
			record("after")
			l.AM().Barrier()
		}()
	}
	wg.Wait()

	require.Len(t, order, 8)
	for i, s := range order {
		if i < 4 {
			require.Equal(t, "before", s)
		} else {
			require.Equal(t, "after", s)
		}
	}
}
