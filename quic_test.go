//go:build quic

package lamellar

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"log/slog"
	"math"
	"math/big"
	"net"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/stretchr/testify/require"
)

func generateKeyPair(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate private key: %s", err)
		return nil
	}
	return key
}

func generateCa(t *testing.T, pkey *ecdsa.PrivateKey) []byte {
	t.Helper()
	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		t.Fatalf("failed to generate serialNumber: %s", err)
	}
	tmpl := x509.Certificate{
		Subject: pkix.Name{
			CommonName: "lamellar-test-ca",
		},
		SerialNumber:          serialNumber,
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &pkey.PublicKey, pkey)
	if err != nil {
		t.Fatalf("failed to generate CA: %s", err)
		return nil
	}
	return certDER
}

func generateLeaf(t *testing.T, ca *x509.Certificate, caKP, leafKP *ecdsa.PrivateKey, cn string) []byte {
	t.Helper()
	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		t.Fatalf("failed to generate serialNumber: %s", err)
	}
	tmpl := x509.Certificate{
		Subject: pkix.Name{
			CommonName: cn,
		},
		SerialNumber: serialNumber,
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(time.Hour),
		IPAddresses: []net.IP{
			{127, 0, 0, 1},
		},
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &tmpl, ca, &leafKP.PublicKey, caKP)
	if err != nil {
		t.Fatalf("failed to generate leaf: %s", err)
		return nil
	}
	return certDER
}

// testTlsConfigs returns one mTLS configuration per PE, all signed by the
// same CA.
func testTlsConfigs(t *testing.T, names ...string) []*tls.Config {
	t.Helper()
	caKey := generateKeyPair(t)
	caDER := generateCa(t, caKey)
	ca, err := x509.ParseCertificate(caDER)
	require.NoError(t, err)

	caPool := x509.NewCertPool()
	caPool.AddCert(ca)

	configs := make([]*tls.Config, len(names))
	for i, name := range names {
		key := generateKeyPair(t)
		der := generateLeaf(t, ca, caKey, key, name)
		leaf, err := x509.ParseCertificate(der)
		require.NoError(t, err)

		configs[i] = &tls.Config{
			Certificates: []tls.Certificate{
				{
					Certificate: [][]byte{der},
					Leaf:        leaf,
					PrivateKey:  key,
				},
			},
			ClientAuth: tls.RequireAndVerifyClientCert,
			ClientCAs:  caPool,
			RootCAs:    caPool,
		}
	}
	return configs
}

type inbound struct {
	srcPE   int
	payload []byte
}

type chanScheduler struct {
	ch        chan inbound
	submitted atomic.Int64
}

func (s *chanScheduler) SubmitWork(srcPE int, payload []byte) {
	s.ch <- inbound{srcPE: srcPE, payload: payload}
}

func (s *chanScheduler) Submit(task func()) {
	s.submitted.Add(1)
	go task()
}

func TestFrame(t *testing.T) {
	in := &frame{
		kind:    framePut,
		srcPE:   3,
		offset:  128,
		length:  4,
		epoch:   7,
		status:  statusHeapBounds,
		payload: []byte("ping"),
	}

	var buf bytes.Buffer
	n, err := writeFrame(&buf, in)
	require.NoError(t, err)
	require.Equal(t, buf.Len(), n)

	// a second frame right after must stay in the stream.
	_, err = writeFrame(&buf, &frame{kind: frameAck, srcPE: -1})
	require.NoError(t, err)

	out, err := readFrame(&buf)
	require.NoError(t, err)
	require.Equal(t, in, out)

	ack, err := readFrame(&buf)
	require.NoError(t, err)
	require.Equal(t, frameAck, ack.kind)
	require.Equal(t, -1, ack.srcPE)
	require.Zero(t, buf.Len())

	_, err = unmarshalFrame([]byte{})
	require.ErrorIs(t, err, ErrProtocolFrame)
}

func TestQuicServeBounds(t *testing.T) {
	tlsConfigs := testTlsConfigs(t, "pe-a")
	l := Create(BackendQuic, &chanScheduler{},
		WithMetricSink(&metrics.BlackholeSink{}),
		WithHeapSize(64),
		WithQuicConfig(QuicConfig{TlsConfig: tlsConfigs[0], BindAddr: "127.0.0.1"}),
	)
	q, ok := l.(*quicLamellae)
	require.True(t, ok)

	for name, f := range map[string]*frame{
		"put past the end":     {kind: framePut, srcPE: 1, offset: math.MaxInt64 - 2, payload: make([]byte, 8)},
		"put negative offset":  {kind: framePut, srcPE: 1, offset: math.MaxUint64 - 2, payload: make([]byte, 8)},
		"get past the end":     {kind: frameGet, srcPE: 1, offset: math.MaxInt64 - 2, length: 8},
		"get oversized length": {kind: frameGet, srcPE: 1, length: math.MaxUint64},
		"get larger than heap": {kind: frameGet, srcPE: 1, length: 65},
	} {
		t.Run(name, func(t *testing.T) {
			var ack *frame
			require.NotPanics(t, func() { ack = q.serve(f) })
			require.Equal(t, frameAck, ack.kind)
			require.Equal(t, statusHeapBounds, ack.status)
			require.Empty(t, ack.payload)
		})
	}

	ack := q.serve(&frame{kind: frameGet, srcPE: 1, offset: 56, length: 8})
	require.Zero(t, ack.status)
	require.Len(t, ack.payload, 8)
}

func TestQuicInitRejectedOptions(t *testing.T) {
	l := Create(BackendQuic, &chanScheduler{},
		WithMetricSink(&metrics.BlackholeSink{}),
		WithQuicConfig(QuicConfig{BindAddr: "127.0.0.1"}),
	)
	_, _, err := l.Init()
	require.ErrorIs(t, err, ErrNoTLSConfig)
}

func TestQuicLamellae(t *testing.T) {
	if testing.Short() {
		t.Skip("binds UDP ports")
	}

	names := []string{"pe-a", "pe-b"}
	ports := []int{6021, 6022}
	tlsConfigs := testTlsConfigs(t, names...)

	ls := make([]Lamellae, len(names))
	scheds := make([]*chanScheduler, len(names))
	for i, name := range names {
		handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		}).WithAttrs([]slog.Attr{
			{Key: "emitter", Value: slog.StringValue(name)},
		})

		scheds[i] = &chanScheduler{ch: make(chan inbound, 16)}
		ls[i] = Create(BackendQuic, scheds[i],
			WithLog(handler),
			WithMetricSink(metrics.NewInmemSink(time.Second, 5*time.Minute)),
			WithHeapSize(1024),
			WithQuicConfig(QuicConfig{
				TlsConfig:   tlsConfigs[i],
				BindAddr:    "127.0.0.1",
				BindPort:    ports[i],
				NodeName:    name,
				Seeds:       []string{"127.0.0.1:" + strconv.Itoa(ports[1-i])},
				WorldSize:   2,
				InitTimeout: 30 * time.Second,
				GracePeriod: 100 * time.Millisecond,
			}),
		)
		require.Equal(t, BackendQuic, ls[i].Backend())
	}

	var wg sync.WaitGroup
	ranks := make([]int, len(ls))
	errs := make([]error, len(ls))
	for i, l := range ls {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var numPEs int
			ranks[i], numPEs, errs[i] = l.Init()
			if errs[i] == nil && numPEs != 2 {
				t.Errorf("pe %s sees %d PEs", names[i], numPEs)
			}
		}()
	}
	wg.Wait()
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	// ranks follow the order of the node names.
	require.Equal(t, []int{0, 1}, ranks)
	for i, sched := range scheds {
		// the listener, then at least the loops of one connection.
		require.GreaterOrEqual(t, sched.submitted.Load(), int64(4), "pe %s runs its loops on the scheduler", names[i])
	}

	t.Cleanup(func() {
		var wg sync.WaitGroup
		for _, l := range ls {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_ = l.Finit()
			}()
		}
		wg.Wait()
	})

	t.Run("active message", func(t *testing.T) {
		require.NoError(t, ls[0].AM().SendToPE(1, []byte("hello")))
		select {
		case msg := <-scheds[1].ch:
			require.Equal(t, 0, msg.srcPE)
			require.Equal(t, "hello", string(msg.payload))
		case <-time.After(10 * time.Second):
			t.Fatal("timed out waiting for the active message")
		}

		require.NoError(t, ls[1].AM().SendToAll([]byte("all")))
		select {
		case msg := <-scheds[0].ch:
			require.Equal(t, 1, msg.srcPE)
			require.Equal(t, "all", string(msg.payload))
		case <-time.After(10 * time.Second):
			t.Fatal("timed out waiting for the broadcast")
		}
		require.Greater(t, ls[1].MBSent(), 0.0)
	})

	t.Run("rdma", func(t *testing.T) {
		addrs := make([]uintptr, 2)
		for i, l := range ls {
			var ok bool
			addrs[i], ok = l.RDMA().Alloc(64)
			require.True(t, ok)
		}

		require.NoError(t, ls[0].RDMA().Put(1, []byte("remote"), addrs[0]+8))
		dst := make([]byte, 6)
		require.NoError(t, ls[1].RDMA().Get(1, addrs[1]+8, dst))
		require.Equal(t, "remote", string(dst))

		clear(dst)
		require.NoError(t, ls[0].RDMA().Get(1, addrs[0]+8, dst))
		require.Equal(t, "remote", string(dst))

		require.NoError(t, ls[1].RDMA().PutAll([]byte("both"), addrs[1]))
		four := make([]byte, 4)
		for pe := range ls {
			require.NoError(t, ls[0].RDMA().Get(pe, addrs[0], four))
			require.Equal(t, "both", string(four), "pe %d", pe)
		}

		require.NoError(t, ls[0].RDMA().IPut(1, []byte("late"), addrs[0]+16))
		require.Eventually(t, func() bool {
			err := ls[1].RDMA().Get(1, addrs[1]+16, four)
			return err == nil && string(four) == "late"
		}, 5*time.Second, 50*time.Millisecond)

		err := ls[0].RDMA().Put(1, []byte("x"), ls[0].RDMA().BaseAddr()+2048)
		require.ErrorIs(t, err, ErrHeapBounds)
	})

	t.Run("barrier", func(t *testing.T) {
		for range 3 {
			var wg sync.WaitGroup
			for _, l := range ls {
				wg.Add(1)
				go func() {
					defer wg.Done()
					l.Barrier()
				}()
			}
			wg.Wait()
		}
	})
}
