package audit

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"trustledger/pkg/domain"
	"trustledger/pkg/requestcontext"
)

// Sink receives events for out-of-process delivery (Kafka, SIEM forwarders).
// Delivery is best-effort; the store remains the system of record.
type Sink interface {
	Publish(ctx context.Context, event Event) error
}

// Publisher captures structured audit events. It is append-only and uses the
// storage layer for persistence so tests can swap sinks easily. With an
// inbox attached, persistence is handed to a Worker instead of happening
// inline.
type Publisher struct {
	store  Store
	sink   Sink
	inbox  chan<- Event
	logger *slog.Logger
}

// Option configures a Publisher.
type Option func(*Publisher)

// WithSink attaches an out-of-process delivery sink.
func WithSink(sink Sink) Option {
	return func(p *Publisher) { p.sink = sink }
}

// WithInbox routes persistence through an async Worker draining the channel.
// When the inbox is full the event is appended inline instead, so a stalled
// worker slows emitters down rather than losing trail entries.
func WithInbox(inbox chan<- Event) Option {
	return func(p *Publisher) { p.inbox = inbox }
}

// WithLogger overrides the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Publisher) { p.logger = logger }
}

func NewPublisher(store Store, opts ...Option) *Publisher {
	p := &Publisher{store: store, logger: slog.Default()}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Emit records the event, filling identity, timestamp, actor, and request
// correlation from context when the caller left them zero. Persistence is
// inline unless an inbox is attached. Sink failures are logged, never
// propagated: an unreachable broker must not fail a governance mutation.
func (p *Publisher) Emit(ctx context.Context, event Event) error {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = requestcontext.Now(ctx)
	}
	if event.Category == "" {
		event.Category = CategoryOperations
	}
	if actor := requestcontext.Actor(ctx); event.ActorID.IsNil() && !actor.IsZero() {
		event.ActorID = actor.ID
		event.ActorName = actor.DisplayName
	}
	if event.RequestID == "" {
		event.RequestID = requestcontext.RequestID(ctx)
	}

	if p.inbox != nil {
		select {
		case p.inbox <- event:
		default:
			if err := p.store.Append(ctx, event); err != nil {
				return err
			}
		}
	} else if err := p.store.Append(ctx, event); err != nil {
		return err
	}

	if p.sink != nil {
		if err := p.sink.Publish(ctx, event); err != nil {
			p.logger.Warn("audit sink publish failed",
				"action", event.Action,
				"category", event.Category,
				"error", err,
			)
		}
	}
	return nil
}

// List returns the audit trail for one portfolio in append order.
func (p *Publisher) List(ctx context.Context, portfolioID domain.PortfolioID) ([]Event, error) {
	return p.store.ListByPortfolio(ctx, portfolioID)
}
