package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"fractallend/internal/observability"
)

// Event types published on the outbound stream.
const (
	TypePositionCreated     = "position_created"
	TypePositionFunded      = "position_funded"
	TypeCollateralDeposited = "collateral_deposited"
	TypeRepaymentApplied    = "repayment_applied"
	TypePositionRepaid      = "position_repaid"
	TypeCollateralReleased  = "collateral_released"
	TypePositionLiquidated  = "position_liquidated"
)

// Event is an outbound lending lifecycle notification. Published after the
// state change is persisted, never before.
type Event struct {
	Type       string      `json:"type"`
	PositionID uuid.UUID   `json:"position_id"`
	Payload    interface{} `json:"payload,omitempty"`
	Timestamp  time.Time   `json:"timestamp"`
}

// Publisher drains a buffered event channel into NATS JetStream.
// Subjects follow the pattern: lend.events.{type}
// Publishing is best-effort: the channel has a fixed capacity and events
// are dropped when it fills, so a slow broker never blocks loan
// operations. Consumers needing completeness read the database.
type Publisher struct {
	js      jetstream.JetStream
	events  chan Event
	log     zerolog.Logger
	metrics *observability.Metrics
}

func NewPublisher(js jetstream.JetStream, bufferSize int, metrics *observability.Metrics) *Publisher {
	return &Publisher{
		js:      js,
		events:  make(chan Event, bufferSize),
		log:     observability.NewLogger("events"),
		metrics: metrics,
	}
}

// Publish enqueues an event for delivery. Never blocks.
func (p *Publisher) Publish(evt Event) {
	select {
	case p.events <- evt:
	default:
		if p.metrics != nil {
			p.metrics.EventsDropped.Inc()
		}
		p.log.Warn().Str("type", evt.Type).Stringer("position_id", evt.PositionID).
			Msg("event buffer full, dropping event")
	}
}

// Run drains the event channel until the context is cancelled.
func (p *Publisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case evt := <-p.events:
			if err := p.publish(ctx, evt); err != nil {
				p.log.Warn().Str("type", evt.Type).Stringer("position_id", evt.PositionID).
					Err(err).Msg("outbound publish failed")
				continue
			}
			if p.metrics != nil {
				p.metrics.EventsPublished.WithLabelValues(evt.Type).Inc()
			}
		}
	}
}

func (p *Publisher) publish(ctx context.Context, evt Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	subject := fmt.Sprintf("lend.events.%s", evt.Type)
	_, err = p.js.Publish(ctx, subject, data)
	return err
}

// EnsureStream creates the outbound events stream if it doesn't exist.
func EnsureStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      "LEND_EVENTS",
		Subjects:  []string{"lend.events.>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	return nil
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string) (*nats.Conn, jetstream.JetStream, error) {
	log := observability.NewLogger("nats")

	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}

	return nc, js, nil
}
