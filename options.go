package lamellar

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/go-metrics"
)

const defaultHeapSize = 64 << 20

type config struct {
	logHandler   slog.Handler
	msink        metrics.MetricSink
	metricLabels []metrics.Label

	heapSize int

	// local backend
	world   *LocalWorld
	localPE int

	// quic backend
	quic QuicConfig

	// err collects the options that were rejected, `Lamellae.Init`
	// reports it.
	err error
}

// Option to pass to `Create`.
type Option func(*config) error

// WithLog specifies which `slog.Handler` to use.
func WithLog(handler slog.Handler) Option {
	return func(c *config) error {
		c.logHandler = handler
		return nil
	}
}

// WithMetricSink allows you to chose how to collect the metrics emitted by
// the transport.
func WithMetricSink(ms metrics.MetricSink) Option {
	return func(c *config) error {
		if ms == nil {
			ms = &metrics.BlackholeSink{}
		}
		c.msink = ms
		return nil
	}
}

// WithMetricLabels adds static labels to all metrics produced by the
// transport.
func WithMetricLabels(labels []metrics.Label) Option {
	return func(c *config) error {
		c.metricLabels = labels
		return nil
	}
}

// WithHeapSize sets the size in bytes of the symmetric heap of every PE.
func WithHeapSize(size int) Option {
	return func(c *config) error {
		if size <= 0 {
			return fmt.Errorf("%w: heap size %d", ErrInvalidOption, size)
		}
		c.heapSize = size
		return nil
	}
}

// WithLocalWorld makes a local backend join world as rank pe. Without it,
// the local backend runs a world of a single PE.
func WithLocalWorld(world *LocalWorld, pe int) Option {
	return func(c *config) error {
		if world == nil {
			return fmt.Errorf("%w: nil local world", ErrInvalidOption)
		}
		if pe < 0 {
			return &PEError{PE: pe, NumPEs: world.numPEs, Err: ErrPEOutOfRange}
		}
		c.world = world
		c.localPE = pe
		return nil
	}
}

// WithQuicConfig configures the QUIC backend. It is ignored by the other
// backends.
func WithQuicConfig(qc QuicConfig) Option {
	return func(c *config) error {
		if qc.TlsConfig == nil {
			return ErrNoTLSConfig
		}
		if qc.BindPort < 0 || qc.BindPort > 65535 {
			return fmt.Errorf("%w: bind port %d", ErrInvalidOption, qc.BindPort)
		}
		if qc.WorldSize < 0 {
			return fmt.Errorf("%w: world size %d", ErrInvalidOption, qc.WorldSize)
		}
		c.quic = qc
		return nil
	}
}

// QuicConfig represents configuration for the QUIC backend.
type QuicConfig struct {
	// TlsConfig should be configured to ensure mTLS is enabled between the
	// PEs.
	TlsConfig *tls.Config

	// BindAddr and BindPort are where the QUIC listener binds, the
	// membership protocol shares it. An empty BindAddr picks the first
	// private IP of the host.
	BindAddr string
	BindPort int

	// NodeName must be unique in the job, PEs are ranked by sorting them.
	NodeName string

	// Seeds are gossip addresses tried to join the job.
	Seeds []string

	// WorldSize is the number of PEs `Init` waits for.
	WorldSize int

	// InitTimeout bounds how long `Init` waits for the whole world.
	InitTimeout time.Duration

	// DialTimeout controls how much time we wait for connection and
	// stream establishment.
	DialTimeout time.Duration

	// BufferSize of the requested UDP kernel buffer.
	BufferSize int

	// EnforceBufferSize fails if the kernel doesn't allocate what we asked.
	// If that's false, we retry and divide by 2 the requested
	// `QuicConfig.BufferSize` until it fits or fails.
	EnforceBufferSize bool

	// GracePeriod is how long `Finit` lets streams flush before closing
	// connections.
	GracePeriod time.Duration
}
