package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/streadway/amqp"
	"go.uber.org/zap"

	"github.com/pohlai88/accounts-worker/internal/models"
)

// MirrorPublisher copies every accepted event onto a RabbitMQ topic
// exchange so external consumers (audit log, dashboards, legacy screens)
// can observe the event stream without touching the worker's queue.
// Mirroring is best-effort: a broker outage never blocks acceptance.
type MirrorPublisher struct {
	conn     *amqp.Connection
	channel  *amqp.Channel
	exchange string
	logger   *zap.Logger
}

// NewMirrorPublisher connects to RabbitMQ and declares the mirror
// exchange.
func NewMirrorPublisher(url, exchange string, logger *zap.Logger) (*MirrorPublisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	if err := channel.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange %s: %w", exchange, err)
	}

	return &MirrorPublisher{
		conn:     conn,
		channel:  channel,
		exchange: exchange,
		logger:   logger.With(zap.String("component", "bus-mirror")),
	}, nil
}

// Mirror publishes a copy of the event keyed by its name.
func (m *MirrorPublisher) Mirror(_ context.Context, evt models.Event) {
	body, err := json.Marshal(evt)
	if err != nil {
		m.logger.Warn("Failed to marshal event for mirror", zap.Error(err), zap.String("event_id", evt.ID))
		return
	}

	err = m.channel.Publish(
		m.exchange,
		evt.Name,
		false,
		false,
		amqp.Publishing{
			ContentType: "application/json",
			MessageId:   evt.ID,
			Body:        body,
			Timestamp:   time.Now(),
		},
	)
	if err != nil {
		m.logger.Warn("Failed to mirror event to broker",
			zap.Error(err),
			zap.String("event_id", evt.ID),
			zap.String("name", evt.Name),
		)
		return
	}

	m.logger.Debug("Event mirrored",
		zap.String("exchange", m.exchange),
		zap.String("routing_key", evt.Name),
	)
}

// Close closes the RabbitMQ connection.
func (m *MirrorPublisher) Close() error {
	if err := m.channel.Close(); err != nil {
		return fmt.Errorf("failed to close channel: %w", err)
	}
	if err := m.conn.Close(); err != nil {
		return fmt.Errorf("failed to close connection: %w", err)
	}
	return nil
}

// Mirrored wraps a Bus so every accepted (non-duplicate) publish is also
// mirrored to the broker.
type Mirrored struct {
	Bus
	mirror *MirrorPublisher
}

// NewMirrored decorates inner with broker mirroring.
func NewMirrored(inner Bus, mirror *MirrorPublisher) *Mirrored {
	return &Mirrored{Bus: inner, mirror: mirror}
}

// Publish accepts through the inner bus, then mirrors.
func (m *Mirrored) Publish(ctx context.Context, evt models.Event) (PublishResult, error) {
	res, err := m.Bus.Publish(ctx, evt)
	if err != nil || res.Duplicate {
		return res, err
	}
	evt.ID = res.EventID
	m.mirror.Mirror(ctx, evt)
	return res, nil
}
