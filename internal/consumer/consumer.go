// internal/consumer/consumer.go
package consumer

import (
	"fmt"

	"github.com/streadway/amqp"
	"go.uber.org/zap"

	"outreach-sequencer/internal/messaging"
)

type EventHandlerFunc func(tenantID string, delivery amqp.Delivery)

// Consumer holds control channels and metadata for a running tenant event
// consumer.
type Consumer struct {
	TenantID    string
	QueueName   string
	Channel     *amqp.Channel
	StopChan    chan struct{}
	DoneChan    chan struct{}
	Handler     EventHandlerFunc
	ConsumerTag string
	log         *zap.Logger
}

// StartConsumer starts a goroutine that consumes deferred webhook events
// for a tenant.
func StartConsumer(conn *amqp.Connection, tenantID string, handler EventHandlerFunc, log *zap.Logger) (*Consumer, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("tenant %s: failed to open channel: %w", tenantID, err)
	}

	queueName := messaging.QueueName(tenantID)
	consumerTag := fmt.Sprintf("consumer-%s", tenantID)

	msgs, err := ch.Consume(
		queueName,
		consumerTag,
		false, // autoAck: false, events are acked after the transition lands
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("tenant %s: failed to start consuming: %w", tenantID, err)
	}

	c := &Consumer{
		TenantID:    tenantID,
		QueueName:   queueName,
		Channel:     ch,
		StopChan:    make(chan struct{}),
		DoneChan:    make(chan struct{}),
		Handler:     handler,
		ConsumerTag: consumerTag,
		log:         log,
	}

	go c.consumeLoop(msgs)

	log.Info("started event consumer", zap.String("tenant", tenantID))
	return c, nil
}

// consumeLoop processes events until StopChan is closed
func (c *Consumer) consumeLoop(msgs <-chan amqp.Delivery) {
	defer func() {
		close(c.DoneChan)
	}()

	for {
		select {
		case msg, ok := <-msgs:
			if !ok {
				c.log.Warn("delivery channel closed", zap.String("tenant", c.TenantID))
				return
			}
			c.Handler(c.TenantID, msg)

		case <-c.StopChan:
			c.log.Info("stopping event consumer", zap.String("tenant", c.TenantID))
			_ = c.Channel.Cancel(c.ConsumerTag, false)
			return
		}
	}
}

// Stop signals the consumer to stop and waits for cleanup
func (c *Consumer) Stop() {
	close(c.StopChan)
	<-c.DoneChan
	_ = c.Channel.Close()
	c.log.Info("stopped event consumer", zap.String("tenant", c.TenantID))
}
