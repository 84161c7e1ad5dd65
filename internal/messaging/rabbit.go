// internal/messaging/rabbit.go
package messaging

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/streadway/amqp"
	"go.uber.org/zap"

	"outreach-sequencer/internal/metrics"
)

// InboundEvent is the deferred payload a webhook handler publishes for the
// tenant's consumer to apply. The HTTP handler only acknowledges and
// enqueues; enrollment transitions happen off the provider's retry timer.
type InboundEvent struct {
	TenantID       string    `json:"tenant_id"`
	ContactAddress string    `json:"contact_address"`
	Body           string    `json:"body"`
	ClassifiedAs   string    `json:"classified_as"`
	ReceivedAt     time.Time `json:"received_at"`
}

type RabbitClient struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	log     *zap.Logger
	URL     string

	mu       sync.Mutex
	declared map[string]bool // tenant ids with queues already declared
}

func NewRabbitClient(url string, log *zap.Logger) (*RabbitClient, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create channel: %w", err)
	}

	return &RabbitClient{
		conn:     conn,
		channel:  ch,
		log:      log,
		URL:      url,
		declared: make(map[string]bool),
	}, nil
}

func (r *RabbitClient) GetChannel() *amqp.Channel {
	return r.channel
}

func (r *RabbitClient) GetConnection() *amqp.Connection {
	return r.conn
}

func QueueName(tenantID string) string {
	return fmt.Sprintf("tenant_%s_events", tenantID)
}

// DeclareQueue creates the tenant's durable event queue and its DLQ.
// Poison payloads rejected by the consumer land in the DLQ.
func (r *RabbitClient) DeclareQueue(tenantID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.declareLocked(tenantID)
}

func (r *RabbitClient) declareLocked(tenantID string) error {
	queueName := QueueName(tenantID)
	dlqName := queueName + "_dlq"

	_, err := r.channel.QueueDeclare(
		dlqName,
		true, false, false, false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("declare DLQ: %w", err)
	}

	args := amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": dlqName,
	}
	_, err = r.channel.QueueDeclare(
		queueName,
		true, false, false, false,
		args,
	)
	if err != nil {
		return fmt.Errorf("declare event queue: %w", err)
	}

	r.declared[tenantID] = true
	r.log.Info("queues declared", zap.String("tenant", tenantID))
	return nil
}

// ensureQueue declares the tenant's queues on first use. Publishing to the
// default exchange with an undeclared routing key is silently dropped by the
// broker, so a tenant assigned after startup must get its queue here; the
// events wait durably until a consumer attaches.
func (r *RabbitClient) ensureQueue(tenantID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.declared[tenantID] {
		return nil
	}
	return r.declareLocked(tenantID)
}

// PublishInbound enqueues an inbound-message event onto the tenant's queue.
func (r *RabbitClient) PublishInbound(event InboundEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal inbound event: %w", err)
	}
	if err := r.ensureQueue(event.TenantID); err != nil {
		return fmt.Errorf("ensure queue: %w", err)
	}

	queueName := QueueName(event.TenantID)
	err = r.channel.Publish(
		"",        // default exchange
		queueName, // routing key (queue name)
		false,
		false,
		amqp.Publishing{
			ContentType: "application/json",
			Timestamp:   event.ReceivedAt,
			Body:        body,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish to queue %s: %w", queueName, err)
	}
	return nil
}

// Close cleans up connection and channel
func (r *RabbitClient) Close() error {
	if err := r.channel.Close(); err != nil {
		return err
	}
	if err := r.conn.Close(); err != nil {
		return err
	}
	return nil
}

// UpdateQueueDepth refreshes the backlog gauge for a tenant's event queue.
func (r *RabbitClient) UpdateQueueDepth(tenantID string) {
	q, err := r.channel.QueueInspect(QueueName(tenantID))
	if err != nil {
		r.log.Warn("failed to inspect queue", zap.String("tenant", tenantID), zap.Error(err))
		return
	}

	metrics.EventQueueDepth.WithLabelValues(tenantID).Set(float64(q.Messages))
}
