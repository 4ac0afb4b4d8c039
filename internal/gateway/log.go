package gateway

import (
	"context"

	logx "habitbot/pkg/logx"
)

// Log is a dry-run gateway that writes messages to the log instead of
// delivering them.
type Log struct {
	log logx.Logger
}

func NewLog(log logx.Logger) *Log {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Log{log: log.With(logx.String("comp", "gateway.log"))}
}

func (g *Log) Send(ctx context.Context, channelID string, msg string) error {
	if err := ctx.Err(); err != nil {
		return Transient(err)
	}
	g.log.Info("dry-run send", logx.String("channel", channelID), logx.Int("len", len(msg)), logx.String("text", msg))
	return nil
}
