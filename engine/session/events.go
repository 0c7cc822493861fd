package session

import (
	"context"
	"log/slog"

	"github.com/nats-io/nats.go"

	"github.com/EchoQueryAI/echoquery-mvp/pkg/natsutil"
)

// StateSubject carries StateEvent messages for every source transition.
const StateSubject = "engine.source.state"

// NATSSink publishes state events to NATS. Publish failures are logged and
// dropped; events are advisory and must never stall the pipeline.
func NATSSink(nc *nats.Conn, log *slog.Logger) EventSink {
	if log == nil {
		log = slog.Default()
	}
	return func(ctx context.Context, ev StateEvent) {
		if err := natsutil.Publish(ctx, nc, StateSubject, ev); err != nil {
			log.Warn("state event publish failed", "source_id", ev.SourceID, "state", ev.State, "error", err)
		}
	}
}

// SubscribeStateEvents registers a handler for source state transitions.
// cmd/ingest subscribes to wake its per-file completion waiters instead of
// polling Status.
func SubscribeStateEvents(nc *nats.Conn, handler func(context.Context, StateEvent)) (*nats.Subscription, error) {
	return natsutil.Subscribe(nc, StateSubject, handler)
}
