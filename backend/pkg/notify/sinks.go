package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/nats-io/nats.go"
	amqp "github.com/rabbitmq/amqp091-go"
)

// SubjectPrefix namespaces every published event.
const SubjectPrefix = "paychain.events"

// Subject returns the NATS subject / AMQP routing key for an event type,
// e.g. paychain.events.incoming_payment.
func Subject(t EventType) string {
	return SubjectPrefix + "." + strings.ToLower(string(t))
}

// NATSSink publishes events as JSON on paychain.events.<type>.
type NATSSink struct {
	nc *nats.Conn
}

func NewNATSSink(url string) (*NATSSink, error) {
	nc, err := nats.Connect(url, nats.Name("paychain-ledger"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return &NATSSink{nc: nc}, nil
}

func (s *NATSSink) Deliver(_ context.Context, e Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return s.nc.Publish(Subject(e.Type), body)
}

func (s *NATSSink) Close() {
	if s.nc != nil {
		s.nc.Drain()
	}
}

// AMQPSink publishes persistent events to a durable topic exchange.
type AMQPSink struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string
}

func NewAMQPSink(url, exchange string) (*AMQPSink, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	err = ch.ExchangeDeclare(
		exchange, // name
		"topic",  // type
		true,     // durable
		false,    // auto-deleted
		false,    // internal
		false,    // no-wait
		nil,      // arguments
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange %s: %w", exchange, err)
	}
	log.Printf("RabbitMQ sink initialized: exchange=%s", exchange)
	return &AMQPSink{conn: conn, ch: ch, exchange: exchange}, nil
}

func (s *AMQPSink) Deliver(ctx context.Context, e Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return s.ch.PublishWithContext(ctx,
		s.exchange,      // exchange
		Subject(e.Type), // routing key
		false,           // mandatory
		false,           // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			MessageId:    e.ID,
			Body:         body,
			DeliveryMode: amqp.Persistent,
			Timestamp:    e.Timestamp,
		},
	)
}

func (s *AMQPSink) Close() {
	if s.ch != nil {
		s.ch.Close()
	}
	if s.conn != nil {
		s.conn.Close()
	}
}
