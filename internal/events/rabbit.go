package events

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"
)

// RabbitPublisher writes event envelopes to one durable queue on the
// default exchange. Publishing is fire-and-forget: failures are logged.
type RabbitPublisher struct {
	conn  *amqp.Connection
	ch    *amqp.Channel
	queue string
	mu    sync.Mutex
}

func NewRabbitPublisher(url, queue string) (*RabbitPublisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, errors.Wrap(err, "connect to rabbitmq")
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "open rabbitmq channel")
	}
	_, err = ch.QueueDeclare(
		queue,
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		conn.Close()
		return nil, errors.Wrapf(err, "declare queue %s", queue)
	}
	log.Info().Str("queue", queue).Msg("RabbitMQ connection established")
	return &RabbitPublisher{conn: conn, ch: ch, queue: queue}, nil
}

func (p *RabbitPublisher) Publish(eventType string, payload interface{}) {
	env := NewEnvelope(eventType, payload)
	body, err := env.Marshal()
	if err != nil {
		log.Error().Err(err).Str("eventType", eventType).Msg("Could not encode event")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// amqp channels are not safe for concurrent publishing
	p.mu.Lock()
	err = p.ch.PublishWithContext(ctx,
		"",      // default exchange
		p.queue, // routing key = queue
		false,   // mandatory
		false,   // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    env.ID,
			Type:         eventType,
			Timestamp:    env.OccurredAt,
			Body:         body,
		},
	)
	p.mu.Unlock()

	if err != nil {
		log.Error().Err(err).Str("eventType", eventType).Str("queue", p.queue).Msg("Failed to publish to RabbitMQ")
		return
	}
	log.Debug().Str("eventType", eventType).Str("queue", p.queue).Msg("Published event to RabbitMQ")
}

func (p *RabbitPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.ch.Close(); err != nil {
		log.Warn().Err(err).Msg("Closing RabbitMQ channel")
	}
	return p.conn.Close()
}
