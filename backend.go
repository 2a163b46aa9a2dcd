package lamellar

import (
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strings"
	"sync"

	"github.com/hashicorp/go-metrics"
	"github.com/hashicorp/go-multierror"
)

// EnvBackend selects the backend returned by `BackendFromEnv`.
const EnvBackend = "LAMELLAE_BACKEND"

// Backend is a kind of transport. Higher values are more capable.
type Backend uint8

const (
	// BackendLocal is an in-process loopback, always available.
	BackendLocal Backend = iota
	// BackendQuic is an interconnect over QUIC, built with `-tags quic`.
	BackendQuic
)

func (b Backend) String() string {
	switch b {
	case BackendLocal:
		return "local"
	case BackendQuic:
		return "quic"
	default:
		return fmt.Sprintf("backend(%d)", uint8(b))
	}
}

// ParseBackend is the inverse of `Backend.String`.
func ParseBackend(s string) (Backend, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "local":
		return BackendLocal, nil
	case "quic":
		return BackendQuic, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrBackendUnknown, s)
	}
}

type backendCtor func(sched Scheduler, cfg *config) Lamellae

var (
	backendsMu sync.RWMutex
	backends   = map[Backend]backendCtor{
		BackendLocal: newLocalLamellae,
	}
)

// registerBackend registers a new backend (used by build tags).
func registerBackend(b Backend, ctor backendCtor) {
	backendsMu.Lock()
	defer backendsMu.Unlock()
	backends[b] = ctor
}

// AvailableBackends returns the backends compiled into the binary, least
// capable first.
func AvailableBackends() []Backend {
	backendsMu.RLock()
	defer backendsMu.RUnlock()
	result := make([]Backend, 0, len(backends))
	for b := range backends {
		result = append(result, b)
	}
	slices.Sort(result)
	return result
}

// HasBackend checks if a backend is compiled in.
func HasBackend(b Backend) bool {
	backendsMu.RLock()
	defer backendsMu.RUnlock()
	_, ok := backends[b]
	return ok
}

// DefaultBackend is the most capable backend compiled in, the local one
// when no interconnect is available.
func DefaultBackend() Backend {
	available := AvailableBackends()
	return available[len(available)-1]
}

// BackendFromEnv reads `EnvBackend`, falling back to `DefaultBackend` when
// it is unset or names something unusable.
func BackendFromEnv() Backend {
	raw, ok := os.LookupEnv(EnvBackend)
	if !ok || raw == "" {
		return DefaultBackend()
	}
	b, err := ParseBackend(raw)
	if err != nil || !HasBackend(b) {
		slog.Default().Warn("ignoring unusable backend from environment", LabelBackend.L(raw))
		return DefaultBackend()
	}
	return b
}

// Create builds the transport for backend. sched receives inbound active
// messages and the progress work of hardware backed transports.
//
// Create never fails: a backend that is not compiled in falls back to the
// local one, and rejected options as well as transport specific failures
// surface from `Lamellae.Init`.
func Create(backend Backend, sched Scheduler, opts ...Option) Lamellae {
	cfg := &config{}
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			cfg.err = multierror.Append(cfg.err, err)
		}
	}

	if cfg.logHandler == nil {
		cfg.logHandler = slog.Default().Handler()
	}
	if cfg.msink == nil {
		cfg.msink = metrics.Default()
	}
	if cfg.heapSize <= 0 {
		cfg.heapSize = defaultHeapSize
	}

	backendsMu.RLock()
	ctor, ok := backends[backend]
	backendsMu.RUnlock()
	if !ok {
		slog.New(cfg.logHandler).Warn(
			"backend not available, falling back to local",
			LabelBackend.L(backend.String()),
			LabelError.L(ErrBackendUnavailable),
		)
		ctor = newLocalLamellae
	}
	return ctor(sched, cfg)
}
