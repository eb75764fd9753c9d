package mcp

import (
	"log/slog"

	"github.com/sourcegraph/conc/panics"
)

var defaultInboxSize = 64

// inbox feeds unsolicited messages to a client handler on a goroutine of its own, in arrival
// order. The reader that fills it never waits: when the handler falls behind by more than the
// inbox size, further messages are dropped and logged.
type inbox struct {
	handler func(JSONRPCMessage)
	logger  *slog.Logger
	msgs    chan JSONRPCMessage
}

func startInbox(handler func(JSONRPCMessage), logger *slog.Logger) *inbox {
	in := &inbox{
		handler: handler,
		logger:  logger,
		msgs:    make(chan JSONRPCMessage, defaultInboxSize),
	}
	go in.run()
	return in
}

func (in *inbox) run() {
	for msg := range in.msgs {
		var pc panics.Catcher
		pc.Try(func() { in.handler(msg) })
		if r := pc.Recovered(); r != nil {
			in.logger.Error("message handler panicked",
				slog.String("method", msg.Method),
				slog.String("err", r.AsError().Error()))
		}
	}
}

// post queues msg for the handler without blocking.
func (in *inbox) post(msg JSONRPCMessage) {
	select {
	case in.msgs <- msg:
	default:
		in.logger.Warn("message handler is behind, dropping message", slog.String("method", msg.Method))
	}
}

// close stops the handler goroutine once the queued messages are handled. post must not be
// called afterwards.
func (in *inbox) close() {
	close(in.msgs)
}
