package am

import (
	"fmt"
	"log/slog"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/lamellar"
)

type config struct {
	logHandler   slog.Handler
	msink        metrics.MetricSink
	metricLabels []metrics.Label
	codec        lamellar.Codec
	workers      int
}

// Option to pass to `New`.
type Option func(*config) error

// WithLog specifies which `slog.Handler` to use.
func WithLog(handler slog.Handler) Option {
	return func(c *config) error {
		c.logHandler = handler
		return nil
	}
}

// WithMetricSink allows you to chose how to collect the metrics emitted by
// the executor and its requests.
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
// executor.
func WithMetricLabels(labels []metrics.Label) Option {
	return func(c *config) error {
		c.metricLabels = labels
		return nil
	}
}

// WithCodec sets how arguments and results are serialized. Every PE MUST
// use the same codec.
func WithCodec(codec lamellar.Codec) Option {
	return func(c *config) error {
		if codec == nil {
			return fmt.Errorf("%w: nil codec", ErrInvalidOption)
		}
		c.codec = codec
		return nil
	}
}

// WithWorkers bounds how many handlers run concurrently.
func WithWorkers(n int) Option {
	return func(c *config) error {
		if n <= 0 {
			return fmt.Errorf("%w: %d workers", ErrInvalidOption, n)
		}
		c.workers = n
		return nil
	}
}

type execConfig struct {
	amType   lamellar.AmType
	sizeHint int
}

// ExecOption to pass to `Exec`, `ExecAll` and `ExecTeam`.
type ExecOption func(*execConfig)

// AsRemoteClosure issues the call with the `lamellar.RemoteClosure`
// convention: results that fail to decode abort the caller.
func AsRemoteClosure() ExecOption {
	return func(c *execConfig) {
		c.amType = lamellar.RemoteClosure
	}
}

// WithSizeHint records the expected reply size.
func WithSizeHint(size int) ExecOption {
	return func(c *execConfig) {
		c.sizeHint = size
	}
}
