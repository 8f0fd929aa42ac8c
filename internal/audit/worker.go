package audit

import (
	"context"
	"log/slog"
	"time"
)

// drainGrace bounds how long a stopping worker keeps appending events that
// were already queued when the run context was cancelled.
const drainGrace = 5 * time.Second

// Worker drains an audit inbox into the store, keeping persistence off the
// request path. Append failures are logged and the event dropped; once an
// event leaves the request path the trail is best-effort.
type Worker struct {
	store  Store
	inbox  <-chan Event
	logger *slog.Logger
}

func NewWorker(store Store, inbox <-chan Event, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{store: store, inbox: inbox, logger: logger}
}

// Run consumes until ctx is cancelled, then drains whatever is already
// queued before returning.
func (w *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			w.drain()
			return ctx.Err()
		case event := <-w.inbox:
			w.append(ctx, event)
		}
	}
}

func (w *Worker) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), drainGrace)
	defer cancel()
	for {
		select {
		case event := <-w.inbox:
			w.append(ctx, event)
		default:
			return
		}
	}
}

func (w *Worker) append(ctx context.Context, event Event) {
	if err := w.store.Append(ctx, event); err != nil {
		w.logger.Warn("audit append failed",
			"action", string(event.Action),
			"category", string(event.Category),
			"error", err,
		)
	}
}
