//go:build quic

package lamellar

import (
	"log/slog"

	"github.com/hashicorp/go-metrics"
	"github.com/hashicorp/memberlist"
)

var (
	MetricLamellaeMemberJoinCount  = []string{"lamellae", "member", "join", "count"}
	MetricLamellaeMemberLeaveCount = []string{"lamellae", "member", "leave", "count"}
)

// gossip follows the membership of the job.
type gossip struct {
	logger  *slog.Logger
	msink   metrics.MetricSink
	mLabels []metrics.Label

	// initialized is consulted to tell apart PEs leaving a running job
	// from the churn of the bootstrap.
	initialized func() bool
}

var _ memberlist.EventDelegate = (*gossip)(nil)

func (g *gossip) NotifyJoin(node *memberlist.Node) {
	withLogNode(g.logger, node).Info("peer joined the job")
	g.msink.IncrCounterWithLabels(MetricLamellaeMemberJoinCount, 1.0, g.mLabels)
}

func (g *gossip) NotifyLeave(node *memberlist.Node) {
	logger := withLogNode(g.logger, node)
	if g.initialized() {
		logger.Warn("peer left a running job, operations targeting it will fail")
	} else {
		logger.Info("peer left the job")
	}
	g.msink.IncrCounterWithLabels(MetricLamellaeMemberLeaveCount, 1.0, g.mLabels)
}

func (g *gossip) NotifyUpdate(node *memberlist.Node) {
	withLogNode(g.logger, node).Debug("peer updated")
}

func withLogNode(logger *slog.Logger, node *memberlist.Node) *slog.Logger {
	return logger.With(
		slog.Group(
			"node",
			slog.String("name", node.Name),
			slog.String("addr", node.Address()),
		),
	)
}
