// Package broker publishes finished jobs to a RabbitMQ topic exchange.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/transcribegate/transcribegate/internal/job"
)

const publishTimeout = 5 * time.Second

// channel is the part of *amqp.Channel the publisher uses.
type channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Event is the message body of a completion event.
type Event struct {
	JobID          string     `json:"job_id"`
	Filename       string     `json:"filename,omitempty"`
	Status         job.Status `json:"status"`
	Error          string     `json:"error,omitempty"`
	ProcessingTime float64    `json:"processing_time"`
	CompletedAt    time.Time  `json:"completed_at"`
}

// Publisher sends one message per finished job, routed as "<routingKey>.<status>".
type Publisher struct {
	mu         sync.Mutex
	conn       *amqp.Connection
	ch         channel
	exchange   string
	routingKey string
}

// Dial connects to url and declares a durable topic exchange.
func Dial(url, exchange, routingKey string) (*Publisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connect to rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	err = ch.ExchangeDeclare(
		exchange,
		"topic",
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,
	)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	return &Publisher{conn: conn, ch: ch, exchange: exchange, routingKey: routingKey}, nil
}

// Notify publishes the completion. Failures are logged; the job outcome is already stored.
func (p *Publisher) Notify(ctx context.Context, c job.Completion) {
	body, err := json.Marshal(Event{
		JobID:          c.JobID,
		Filename:       c.Resource,
		Status:         c.Status,
		Error:          c.Error,
		ProcessingTime: c.ProcessingTime,
		CompletedAt:    c.CompletedAt,
	})
	if err != nil {
		slog.Error("broker: encode event", "job_id", c.JobID, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	key := p.routingKey + "." + string(c.Status)
	// amqp channels are not safe for concurrent publishing.
	p.mu.Lock()
	err = p.ch.PublishWithContext(ctx, p.exchange, key, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    c.JobID,
		Timestamp:    c.CompletedAt,
		Body:         body,
	})
	p.mu.Unlock()
	if err != nil {
		slog.Error("broker: publish completion", "job_id", c.JobID, "routing_key", key, "error", err)
		return
	}
	slog.Debug("broker: published completion", "job_id", c.JobID, "routing_key", key)
}

// Close closes the channel and the connection.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	err := p.ch.Close()
	if p.conn != nil {
		if cerr := p.conn.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
