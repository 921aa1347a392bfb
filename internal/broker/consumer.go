package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/mecconnect/grist-connect/internal/processor"
	amqp "github.com/rabbitmq/amqp091-go"
)

// RabbitMQConsumer manages the connection and message flow from the broker
type RabbitMQConsumer struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	handler *processor.EventHandler
	logger  *slog.Logger
}

// NewRabbitMQConsumer initializes the consumer for the webhook event queue
func NewRabbitMQConsumer(url string, handler *processor.EventHandler, logger *slog.Logger) (*RabbitMQConsumer, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %v", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open a channel: %v", err)
	}

	// QoS: Prefetch 1 ensures we process events one by one, maintaining strict order
	if err := ch.Qos(1, 0, false); err != nil {
		return nil, fmt.Errorf("failed to set QoS: %v", err)
	}

	return &RabbitMQConsumer{
		conn:    conn,
		channel: ch,
		handler: handler,
		logger:  logger,
	}, nil
}

// Listen starts the consumption loop and handles the queue/exchange binding
func (c *RabbitMQConsumer) Listen(ctx context.Context) error {
	queueName := "mec.queue.events"
	routingKey := "mec.event.#"

	// Declare Queue with durability to survive broker restarts
	q, err := c.channel.QueueDeclare(queueName, true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to declare queue: %v", err)
	}

	// Bind queue to every event routing key
	if err := c.channel.QueueBind(q.Name, routingKey, ExchangeEvents, false, nil); err != nil {
		return fmt.Errorf("failed to bind queue: %v", err)
	}

	msgs, err := c.channel.Consume(q.Name, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to register consumer: %v", err)
	}

	c.logger.Info("Consumer is online and waiting for events", "queue", q.Name, "routing_key", routingKey)

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-msgs:
			if !ok {
				return fmt.Errorf("message channel closed")
			}

			var message EventMessage
			if err := json.Unmarshal(d.Body, &message); err != nil {
				c.logger.Error("Failed to unmarshal message", "error", err)
				d.Nack(false, false) // Drop malformed messages
				continue
			}

			// Core routing execution
			err := c.handler.ProcessEvent(ctx, message.EventID)
			if err != nil {
				if processor.IsFatal(err) {
					// The event is already settled as Failed; requeueing
					// would loop forever on the same invariant violation
					c.logger.Error("Processing failed permanently, dropping", "event_id", message.EventID, "error", err)
					d.Nack(false, false)
					continue
				}

				c.logger.Error("Processing failed, requeueing", "event_id", message.EventID, "error", err)
				time.Sleep(5 * time.Second) // Throttling retries
				d.Nack(false, true)         // Requeue for another attempt
				continue
			}

			// Manual Ack: Only confirmed after the event is settled in Postgres
			if err := d.Ack(false); err != nil {
				c.logger.Error("Failed to Ack message", "event_id", message.EventID, "error", err)
			}
		}
	}
}

// Close gracefully terminates RabbitMQ resources
func (c *RabbitMQConsumer) Close() {
	c.logger.Info("Shutting down RabbitMQ consumer")
	c.channel.Close()
	c.conn.Close()
}
