package transport

import (
	"github.com/hashicorp/go-metrics"
	"go.uber.org/zap"
)

var (
	MetricChannelInBytes          = []string{"framenet", "channel", "in", "bytes"}
	MetricChannelInMessages       = []string{"framenet", "channel", "in", "messages"}
	MetricChannelOutBytes         = []string{"framenet", "channel", "out", "bytes"}
	MetricChannelOutMessages      = []string{"framenet", "channel", "out", "messages"}
	MetricChannelWouldBlockCount  = []string{"framenet", "channel", "would", "block", "count"}
	MetricChannelViolationCount   = []string{"framenet", "channel", "protocol", "violation", "count"}
	MetricChannelCloseCount       = []string{"framenet", "channel", "close", "count"}
	MetricClientOpenCount         = []string{"framenet", "client", "open", "count"}
	MetricClientOpenErrorCount    = []string{"framenet", "client", "open", "error", "count"}
	MetricClientReconnectCount    = []string{"framenet", "client", "reconnect", "count"}
	MetricServerAcceptCount       = []string{"framenet", "server", "accept", "count"}
	MetricServerHandshakeErrCount = []string{"framenet", "server", "handshake", "error", "count"}
	MetricSessionPingTimeoutCount = []string{"framenet", "session", "ping", "timeout", "count"}
)

// TelemetryLabel names a dimension shared by metrics labels and log fields.
type TelemetryLabel string

var (
	LabelPeerAddr  TelemetryLabel = "peer_addr"
	LabelLocalAddr TelemetryLabel = "local_addr"
	LabelNetwork   TelemetryLabel = "network"
)

func (lab TelemetryLabel) M(val string) metrics.Label {
	return metrics.Label{Name: string(lab), Value: val}
}

func (lab TelemetryLabel) L(val any) zap.Field {
	return zap.Any(string(lab), val)
}
