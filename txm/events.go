package txm

import (
	"context"

	"go.uber.org/zap"
)

// LogPublisher writes lifecycle events to the log. It is the default
// publisher for deployments without a broker and the sink of last resort
// in tests.
type LogPublisher struct {
	lggr *zap.SugaredLogger
}

var _ EventPublisher = (*LogPublisher)(nil)

func NewLogPublisher(lggr *zap.SugaredLogger) *LogPublisher {
	return &LogPublisher{lggr: lggr.Named("Events")}
}

func (p *LogPublisher) Publish(_ context.Context, ev Event) {
	p.lggr.Infow("lifecycle event",
		"event", ev.Type, "txId", ev.TxID, "txHash", ev.TxHash.Hex(),
		"chainId", ev.ChainID, "timestamp", ev.Timestamp)
}
