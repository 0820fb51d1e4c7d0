// Package queue_publisher publishes booking domain events to RabbitMQ.
// Failures are logged and returned; the confirm path treats the broker as
// best effort and never fails a request over it.
package queue_publisher

import (
	"context"
	"encoding/json"
	"log"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/escaperoomhq/booking/internal/queue"
)

// PublishBookingConfirmed delivers a BookingConfirmedEvent to the durable
// booking.confirmed queue, marked persistent so it survives broker restarts.
// The connection is opened per publish; the handler calls this off the
// request path exactly once per created booking.
func PublishBookingConfirmed(ctx context.Context, event queue.BookingConfirmedEvent) error {
	conn, err := amqp.Dial(queue.BrokerURL())
	if err != nil {
		log.Printf("rabbitmq: dial failed: %v", err)
		return err
	}
	defer func() { _ = conn.Close() }()

	ch, err := conn.Channel()
	if err != nil {
		log.Printf("rabbitmq: channel open failed: %v", err)
		return err
	}
	defer func() { _ = ch.Close() }()

	// Idempotent declare keeps publisher and consumer startup order free.
	if _, err := ch.QueueDeclare(queue.BookingConfirmedQueue, true, false, false, false, nil); err != nil {
		log.Printf("rabbitmq: queue declare failed: %v", err)
		return err
	}

	body, err := json.Marshal(event)
	if err != nil {
		log.Printf("rabbitmq: marshal event failed: %v", err)
		return err
	}

	err = ch.PublishWithContext(ctx, "", queue.BookingConfirmedQueue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
	if err != nil {
		log.Printf("rabbitmq: publish failed: %v", err)
	}
	return err
}
