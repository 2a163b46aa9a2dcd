package lamellar

import (
	"log/slog"

	"github.com/hashicorp/go-metrics"
)

var (
	// MetricLamellaeOutBytes represents how much bytes have been handed to
	// a transport, active messages and RDMA payloads included.
	MetricLamellaeOutBytes          = []string{"lamellae", "out", "bytes"}
	MetricLamellaeOutMsgCount       = []string{"lamellae", "out", "message", "count"}
	MetricLamellaeInMsgCount        = []string{"lamellae", "in", "message", "count"}
	MetricLamellaeOutErrorCount     = []string{"lamellae", "out", "error", "count"}
	MetricLamellaeRdmaOpCount       = []string{"lamellae", "rdma", "op", "count"}
	MetricLamellaeRdmaErrorCount    = []string{"lamellae", "rdma", "error", "count"}
	MetricLamellaeHeapAllocBytes    = []string{"lamellae", "heap", "allocated", "bytes"}
	MetricLamellaeBarrierCount      = []string{"lamellae", "barrier", "count"}
	MetricLamellaeConnEstCount      = []string{"lamellae", "connection", "established", "count"}
	MetricLamellaeConnErrorCount    = []string{"lamellae", "connection", "error", "count"}
	MetricLamellaeUDPBufferSize     = []string{"lamellae", "udp", "buffer", "size", "bytes"}
	MetricRequestLatency            = []string{"lamellar", "request", "latency"}
	MetricRequestRepliesCount       = []string{"lamellar", "request", "replies", "count"}
	MetricRequestAbandonedCount     = []string{"lamellar", "request", "abandoned", "count"}
	MetricRequestUnmappedReplyCount = []string{"lamellar", "request", "unmapped", "reply", "count"}
)

type TelemetryLabel string

var (
	LabelError    TelemetryLabel = "error"
	LabelBackend  TelemetryLabel = "backend"
	LabelPE       TelemetryLabel = "pe"
	LabelNumPEs   TelemetryLabel = "num_pes"
	LabelTargetPE TelemetryLabel = "target_pe"
	LabelOriginPE TelemetryLabel = "origin_pe"
	LabelOp       TelemetryLabel = "op"
	LabelReqID    TelemetryLabel = "req_id"
	LabelAmType   TelemetryLabel = "am_type"
	LabelPeerAddr TelemetryLabel = "peer_addr"
	LabelDuration TelemetryLabel = "duration"
	LabelHandler  TelemetryLabel = "handler"
)

func (lab TelemetryLabel) M(val string) metrics.Label {
	return metrics.Label{Name: string(lab), Value: val}
}

func (lab TelemetryLabel) L(val any) slog.Attr {
	return slog.Attr{
		Key:   string(lab),
		Value: slog.AnyValue(val),
	}
}
