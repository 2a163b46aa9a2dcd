//go:build quic

package lamellar

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/hashicorp/memberlist"
	"github.com/quic-go/quic-go"
)

const (
	defaultUDPBufferSize int = 1 << 21
	defaultQuicPort          = 6174
	defaultMaxStreams        = 10000
	quicALPN                 = "lamellae"
)

var (
	QErrStreamProtocolViolation = quic.StreamErrorCode(0xFF)
)

var (
	QErrInternal = QuicApplicationError{
		Code:   0x1,
		Prefix: "internal",
	}
	QErrShutdown = QuicApplicationError{
		Code:   0x3,
		Prefix: "shutdown",
	}
)

type QuicApplicationError struct {
	Code   uint64
	Prefix string
}

func (qerr *QuicApplicationError) Close(conn quic.Connection, msg string) error {
	if conn != nil {
		return conn.CloseWithError(
			quic.ApplicationErrorCode(qerr.Code),
			fmt.Sprintf("%s: %s", qerr.Prefix, msg),
		)
	}
	return nil
}

// frameDispatcher receives the data-plane frames of the transport.
type frameDispatcher interface {
	// dispatch handles a one-way frame.
	dispatch(f *frame)
	// serve answers a request frame.
	serve(f *frame) *frame
}

// quicTransport multiplexes the gossip protocol and the data plane over
// a single QUIC endpoint. It implements `memberlist.NodeAwareTransport`.
type quicTransport struct {
	cfg     *QuicConfig
	quicCfg *quic.Config
	tlsCfg  *tls.Config
	logger  *slog.Logger
	msink   metrics.MetricSink
	mLabels []metrics.Label
	handler frameDispatcher
	// submit runs the accept and receive loops.
	submit func(task func())

	// graceful termination asked, do not spam of connection error in logs
	gracefulTerm atomic.Bool

	cxs   map[string]hostCx
	cxsLk sync.RWMutex

	// memberlist protocol
	packetCh chan *memberlist.Packet
	streamCh chan net.Conn

	// QUIC layer
	tr *quic.Transport
	ln *quic.Listener

	// UDP layer
	udpLn *net.UDPConn
}

var _ memberlist.NodeAwareTransport = (*quicTransport)(nil)

type hostCx struct {
	// closeCh is closed to wake-up stream garbage collectors.
	closeCh chan struct{}
	peer    string
	quic.Connection
}

func newQuicTransport(
	cfg *QuicConfig,
	logger *slog.Logger,
	msink metrics.MetricSink,
	mLabels []metrics.Label,
	handler frameDispatcher,
	submit func(task func()),
) (t *quicTransport, err error) {
	if cfg.TlsConfig == nil {
		return nil, ErrNoTLSConfig
	}

	tlsCfg := cfg.TlsConfig.Clone()
	if len(tlsCfg.NextProtos) == 0 {
		tlsCfg.NextProtos = []string{quicALPN}
	}

	t = &quicTransport{
		cfg:      cfg,
		tlsCfg:   tlsCfg,
		logger:   logger,
		msink:    msink,
		mLabels:  mLabels,
		handler:  handler,
		submit:   submit,
		cxs:      make(map[string]hostCx),
		packetCh: make(chan *memberlist.Packet),
		streamCh: make(chan net.Conn),
		quicCfg: &quic.Config{
			Versions:              []quic.Version{quic.Version2, quic.Version1},
			EnableDatagrams:       true,
			Allow0RTT:             false,
			MaxIncomingStreams:    defaultMaxStreams,
			MaxIncomingUniStreams: defaultMaxStreams,
			MaxIdleTimeout:        1 * time.Minute,
			KeepAlivePeriod:       15 * time.Second,
		},
	}

	defer func() {
		if err != nil {
			t.Shutdown()
		}
	}()

	port := cfg.BindPort
	if port == 0 {
		port = defaultQuicPort
	}

	addr := net.ParseIP(cfg.BindAddr)
	if addr == nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAddr, cfg.BindAddr)
	}

	udpLn, err := net.ListenUDP("udp", &net.UDPAddr{IP: addr, Port: port})
	if err != nil {
		return nil, fmt.Errorf("quic: failed to allocate UDP listener: %w", err)
	}
	t.udpLn = udpLn

	requested := cfg.BufferSize
	if requested == 0 {
		requested = defaultUDPBufferSize
	}

	if err := t.negociateBufferSize(requested); err != nil {
		return nil, err
	}

	t.tr = &quic.Transport{
		Conn: udpLn,
	}

	ln, err := t.tr.Listen(t.tlsCfg, t.quicCfg)
	if err != nil {
		return nil, fmt.Errorf("quic: failed to allocate QUIC listener: %w", err)
	}
	t.ln = ln

	t.submit(t.acceptCx)
	return
}

func (t *quicTransport) FinalAdvertiseAddr(_ string, _ int) (net.IP, int, error) {
	if t.udpLn == nil {
		return nil, 0, ErrShutdown
	}

	udpAddr, ok := t.udpLn.LocalAddr().(*net.UDPAddr)
	if !ok {
		panic(fmt.Sprintf("go runtime produced invalid udp addr %s", t.udpLn.LocalAddr()))
	}

	advertiseAddr := udpAddr.IP
	if ip4 := advertiseAddr.To4(); ip4 != nil {
		advertiseAddr = ip4
	}

	return advertiseAddr, udpAddr.Port, nil
}

// LocalAddr is where peers can reach us.
func (t *quicTransport) LocalAddr() string {
	ip, port, err := t.FinalAdvertiseAddr("", 0)
	if err != nil {
		return ""
	}
	return net.JoinHostPort(ip.String(), strconv.Itoa(port))
}

func (t *quicTransport) WriteTo(b []byte, addr string) (time.Time, error) {
	return t.WriteToAddress(b, memberlist.Address{
		Addr: addr,
	})
}

func (t *quicTransport) WriteToAddress(b []byte, addr memberlist.Address) (time.Time, error) {
	ctx, cancel := context.WithTimeout(context.Background(), t.dialTimeout())
	defer cancel()
	conn, err := t.getActiveCx(ctx, addr.Addr)
	if err != nil {
		return time.Time{}, err
	}

	ts := time.Now()
	err = conn.SendDatagram(b)
	if err != nil {
		t.msink.IncrCounterWithLabels(
			MetricLamellaeOutErrorCount,
			1.0,
			append(t.mLabels, LabelPeerAddr.M(addr.Addr), LabelError.M("datagram")),
		)
	}
	return ts, err
}

func (t *quicTransport) PacketCh() <-chan *memberlist.Packet {
	return t.packetCh
}

func (t *quicTransport) DialTimeout(addr string, timeout time.Duration) (net.Conn, error) {
	return t.DialAddressTimeout(memberlist.Address{
		Addr: addr,
	}, timeout)
}

func (t *quicTransport) DialAddressTimeout(addr memberlist.Address, timeout time.Duration) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	stream, hcx, err := t.openStream(ctx, addr.Addr)
	if err != nil {
		return nil, err
	}

	swrap := &streamWrapper{
		localAddr:  hcx.LocalAddr(),
		remoteAddr: hcx.RemoteAddr(),
		Stream:     stream,
	}
	t.submit(func() { swrap.garbageCollector(hcx.closeCh) })

	if _, err = writeFrame(stream, &frame{kind: frameGossip}); err != nil {
		stream.CancelRead(QErrStreamProtocolViolation)
		stream.CancelWrite(QErrStreamProtocolViolation)
		return nil, err
	}
	return swrap, nil
}

func (t *quicTransport) StreamCh() <-chan net.Conn {
	return t.streamCh
}

// Shutdown is called by memberlist when it shuts down.
func (t *quicTransport) Shutdown() error {
	if !t.gracefulTerm.CompareAndSwap(false, true) {
		// no-op because it was already shutdown
		return nil
	}

	t.cxsLk.Lock()
	for _, cx := range t.cxs {
		close(cx.closeCh)
	}
	active := len(t.cxs)
	t.cxsLk.Unlock()

	// quic-go has no way to know if the streams are flushed yet.
	if active > 0 {
		time.Sleep(t.cfg.GracePeriod)
	}

	t.cxsLk.Lock()
	for _, cx := range t.cxs {
		QErrShutdown.Close(cx.Connection, "we are shutting down! bye!")
	}
	t.cxs = make(map[string]hostCx)
	t.cxsLk.Unlock()

	if t.ln != nil {
		t.ln.Close()
	}

	if t.tr != nil {
		t.tr.Close()
	}

	if t.udpLn != nil {
		t.udpLn.Close()
	}
	return nil
}

func (t *quicTransport) dialTimeout() time.Duration {
	if t.cfg.DialTimeout <= 0 {
		return 30 * time.Second
	}
	return t.cfg.DialTimeout
}

func (t *quicTransport) negociateBufferSize(requested int) error {
	size := requested
	for size > 0 {
		if err := t.udpLn.SetReadBuffer(size); err != nil {
			if t.cfg.EnforceBufferSize {
				return ErrBufferSize
			}
			size = size >> 1
			continue
		}
		if size != requested {
			t.logger.Warn("using smaller than expected UDP buffer", "bytes", size)
		}
		t.msink.SetGaugeWithLabels(
			MetricLamellaeUDPBufferSize,
			float32(size),
			t.mLabels,
		)
		return nil
	}
	return ErrBufferSize
}

func (t *quicTransport) acceptCx() {
	for {
		conn, err := t.ln.Accept(context.Background())
		if err != nil {
			if !t.gracefulTerm.Load() {
				t.logger.Warn("unexpected QUIC listener closure", LabelError.L(err))
			}
			return
		}

		t.handleConn(conn)
	}
}

// openStream returns a bidi stream towards addr, dialing if needed.
func (t *quicTransport) openStream(ctx context.Context, addr string) (quic.Stream, hostCx, error) {
	hcx, err := t.getActiveCx(ctx, addr)
	if err != nil {
		t.msink.IncrCounterWithLabels(
			MetricLamellaeConnErrorCount,
			1.0,
			append(t.mLabels, LabelPeerAddr.M(addr), LabelError.M("no_conn_to_host")),
		)
		return nil, hostCx{}, err
	}

	stream, err := hcx.OpenStreamSync(ctx)
	if err != nil {
		t.msink.IncrCounterWithLabels(
			MetricLamellaeConnErrorCount,
			1.0,
			append(t.mLabels, LabelPeerAddr.M(addr), LabelError.M("cannot_open_stream")),
		)
		return nil, hostCx{}, err
	}
	return stream, hcx, nil
}

// openUniStream returns a send-only stream towards addr, dialing if needed.
func (t *quicTransport) openUniStream(ctx context.Context, addr string) (quic.SendStream, error) {
	hcx, err := t.getActiveCx(ctx, addr)
	if err != nil {
		t.msink.IncrCounterWithLabels(
			MetricLamellaeConnErrorCount,
			1.0,
			append(t.mLabels, LabelPeerAddr.M(addr), LabelError.M("no_conn_to_host")),
		)
		return nil, err
	}

	stream, err := hcx.OpenUniStreamSync(ctx)
	if err != nil {
		t.msink.IncrCounterWithLabels(
			MetricLamellaeConnErrorCount,
			1.0,
			append(t.mLabels, LabelPeerAddr.M(addr), LabelError.M("cannot_open_stream")),
		)
		return nil, err
	}
	return stream, nil
}

// send writes a single frame on a fresh uni stream.
func (t *quicTransport) send(addr string, f *frame) (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), t.dialTimeout())
	defer cancel()

	stream, err := t.openUniStream(ctx, addr)
	if err != nil {
		return 0, err
	}

	n, err := writeFrame(stream, f)
	if err != nil {
		stream.CancelWrite(QErrStreamProtocolViolation)
		return n, err
	}
	return n, stream.Close()
}

// request writes f on a fresh bidi stream and waits for the answer.
func (t *quicTransport) request(addr string, f *frame) (*frame, int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), t.dialTimeout())
	defer cancel()

	stream, _, err := t.openStream(ctx, addr)
	if err != nil {
		return nil, 0, err
	}
	defer stream.CancelRead(0)

	stream.SetDeadline(time.Now().Add(t.dialTimeout()))
	n, err := writeFrame(stream, f)
	if err != nil {
		stream.CancelWrite(QErrStreamProtocolViolation)
		return nil, n, err
	}
	if err := stream.Close(); err != nil {
		return nil, n, err
	}

	ack, err := readFrame(stream)
	if err != nil {
		return nil, n, err
	}
	if ack.kind != frameAck {
		return nil, n, fmt.Errorf("%w: expected ack got %s", ErrProtocolFrame, ack.kind)
	}
	return ack, n, nil
}

func (t *quicTransport) waitForDatagrams(hcx hostCx) {
	remoteAddr := hcx.RemoteAddr()
	ctx := hcx.Context()
	logger := t.logger.With(LabelPeerAddr.L(hcx.peer))
	mLabels := append(slices.Clone(t.mLabels), LabelPeerAddr.M(hcx.peer))

	for {
		buf, err := hcx.ReceiveDatagram(ctx)
		ts := time.Now()
		if t.gracefulTerm.Load() {
			logger.Debug("datagram listener gracefully shutting down")
			return
		}

		if err != nil {
			if ctx.Err() != nil {
				return
			}
			t.msink.IncrCounterWithLabels(
				MetricLamellaeConnErrorCount,
				1.0,
				append(mLabels, LabelError.M("datagram")),
			)
			logger.Error("error reading UDP packet", LabelError.L(err))
			continue
		}

		if len(buf) < 1 {
			logger.Error("received a too short udp packet", "length", len(buf))
			continue
		}

		select {
		case t.packetCh <- &memberlist.Packet{
			Buf:       buf,
			From:      remoteAddr,
			Timestamp: ts,
		}:
		case <-ctx.Done():
			return
		}
	}
}

func (t *quicTransport) handleStreams(hcx hostCx) {
	ctx := hcx.Context()
	logger := t.logger.With(LabelPeerAddr.L(hcx.peer))

	for {
		stream, err := hcx.AcceptStream(ctx)
		if t.gracefulTerm.Load() {
			logger.Debug("stream listener gracefully shutting down")
			return
		}

		if err != nil {
			if ctx.Err() != nil {
				logger.Debug("connection closed", LabelError.L(ctx.Err()))
				return
			}
			logger.Warn("error accepting stream", LabelError.L(err))
			continue
		}

		t.submit(func() {
			t.serveStream(hcx, stream, logger)
		})
	}
}

func (t *quicTransport) serveStream(hcx hostCx, stream quic.Stream, logger *slog.Logger) {
	stream.SetReadDeadline(time.Now().Add(t.dialTimeout()))
	f, err := readFrame(stream)
	if err != nil {
		logger.Warn("protocol violation: malformed first frame", LabelError.L(err))
		stream.CancelRead(QErrStreamProtocolViolation)
		stream.CancelWrite(QErrStreamProtocolViolation)
		return
	}
	stream.SetReadDeadline(time.Time{})

	switch f.kind {
	case frameGossip:
		swrap := &streamWrapper{
			localAddr:  hcx.LocalAddr(),
			remoteAddr: hcx.RemoteAddr(),
			Stream:     stream,
		}
		t.submit(func() { swrap.garbageCollector(hcx.closeCh) })
		select {
		case t.streamCh <- swrap:
		case <-hcx.Context().Done():
		}
	case framePut, frameGet:
		ack := t.handler.serve(f)
		if _, err := writeFrame(stream, ack); err != nil {
			logger.Warn("could not acknowledge request", LabelOp.L(f.kind.String()), LabelError.L(err))
			stream.CancelWrite(QErrStreamProtocolViolation)
			return
		}
		stream.Close()
	default:
		logger.Warn("protocol violation: unexpected frame on bidi stream", LabelOp.L(f.kind.String()))
		stream.CancelRead(QErrStreamProtocolViolation)
		stream.CancelWrite(QErrStreamProtocolViolation)
	}
}

func (t *quicTransport) handleUniStreams(hcx hostCx) {
	ctx := hcx.Context()
	logger := t.logger.With(LabelPeerAddr.L(hcx.peer))

	for {
		stream, err := hcx.AcceptUniStream(ctx)
		if t.gracefulTerm.Load() {
			logger.Debug("uni stream listener gracefully shutting down")
			return
		}

		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("error accepting uni stream", LabelError.L(err))
			continue
		}

		t.submit(func() {
			f, err := readFrame(stream)
			if err != nil {
				logger.Warn("protocol violation: malformed frame", LabelError.L(err))
				stream.CancelRead(QErrStreamProtocolViolation)
				return
			}
			switch f.kind {
			case frameAM, frameIPut, frameBarrierArrive, frameBarrierRelease:
				t.handler.dispatch(f)
			default:
				logger.Warn("protocol violation: unexpected frame on uni stream", LabelOp.L(f.kind.String()))
				stream.CancelRead(QErrStreamProtocolViolation)
			}
		})
	}
}

func (t *quicTransport) getActiveCx(ctx context.Context, target string) (hostCx, error) {
	t.cxsLk.RLock()
	cx, ok := t.cxs[target]
	t.cxsLk.RUnlock()
	if ok && cx.Context().Err() == nil {
		return cx, nil
	}
	return t.dial(ctx, target)
}

func (t *quicTransport) dial(ctx context.Context, target string) (hostCx, error) {
	if t.gracefulTerm.Load() {
		return hostCx{}, ErrShutdown
	}

	addr, err := net.ResolveUDPAddr("udp", target)
	if err != nil {
		return hostCx{}, fmt.Errorf("%w: %w", ErrInvalidAddr, err)
	}

	cx, err := t.tr.Dial(ctx, addr, t.tlsCfg, t.quicCfg)
	if t.gracefulTerm.Load() {
		if cx != nil {
			QErrShutdown.Close(cx, "we are shutting down! bye!")
		}
		return hostCx{}, ErrShutdown
	}
	if err != nil {
		t.msink.IncrCounterWithLabels(
			MetricLamellaeConnErrorCount,
			1.0,
			append(t.mLabels, LabelPeerAddr.M(target), LabelError.M("dial")),
		)
		return hostCx{}, err
	}

	return t.handleConn(cx), nil
}

func (t *quicTransport) handleConn(conn quic.Connection) hostCx {
	peer := conn.RemoteAddr().String()
	logger := t.logger.With(LabelPeerAddr.L(peer))

	hcx := hostCx{
		closeCh:    make(chan struct{}),
		peer:       peer,
		Connection: conn,
	}

	t.cxsLk.Lock()
	if t.gracefulTerm.Load() {
		t.cxsLk.Unlock()
		QErrShutdown.Close(conn, "we are shutting down! bye!")
		return hcx
	}
	// when both sides dial concurrently, the previous connection keeps
	// serving what it accepted until it goes idle.
	t.cxs[peer] = hcx
	t.cxsLk.Unlock()

	logger.Debug("connection established", "peer_name", peerName(conn.ConnectionState().TLS.PeerCertificates))
	t.msink.IncrCounterWithLabels(
		MetricLamellaeConnEstCount,
		1.0,
		append(t.mLabels, LabelPeerAddr.M(peer)),
	)

	t.submit(func() { t.waitForDatagrams(hcx) })
	t.submit(func() { t.handleStreams(hcx) })
	t.submit(func() { t.handleUniStreams(hcx) })
	return hcx
}

func peerName(certs []*x509.Certificate) string {
	if len(certs) == 0 {
		return ""
	}
	return certs[0].Subject.CommonName
}

// streamWrapper lets a QUIC stream be used by memberlist as a `net.Conn`.
type streamWrapper struct {
	localAddr  net.Addr
	remoteAddr net.Addr
	quic.Stream
}

func (gs *streamWrapper) LocalAddr() net.Addr {
	return gs.localAddr
}

func (gs *streamWrapper) RemoteAddr() net.Addr {
	return gs.remoteAddr
}

func (gs *streamWrapper) garbageCollector(closer <-chan struct{}) {
	select {
	case <-gs.Context().Done():
		// already closed, can't clean-up.
	case <-closer:
		// graceful termination requested.
		gs.Close()
	}
}
