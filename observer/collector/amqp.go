package collector

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"
)

// AMQPFactory builds publishers over a topic exchange. The connection is
// shared process-wide; each build gets its own channel, and a dead
// connection is redialed once per build attempt.
type AMQPFactory struct {
	uri      string
	exchange string

	mu   sync.Mutex
	conn *amqp.Connection
}

// NewAMQPFactory creates the factory for one exchange.
func NewAMQPFactory(uri, exchange string) *AMQPFactory {
	return &AMQPFactory{uri: uri, exchange: exchange}
}

// Identity keys and labels this destination.
func (f *AMQPFactory) Identity() string {
	return fmt.Sprintf("amqp(uri=%s, exchange=%s)", f.uri, f.exchange)
}

// Build opens a channel on the shared connection, declaring the exchange.
func (f *AMQPFactory) Build(ctx context.Context) (Handle, error) {
	ch, err := f.channel(false)
	if err != nil {
		ch, err = f.channel(true)
	}
	if err != nil {
		log.Error().Err(err).Str("exchange", f.exchange).Msg("amqp connect failed")
		return nil, err
	}
	if err := ch.ExchangeDeclare(f.exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		return nil, err
	}
	return &amqpHandle{ch: ch, exchange: f.exchange}, nil
}

func (f *AMQPFactory) channel(redial bool) (*amqp.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conn == nil || f.conn.IsClosed() || redial {
		conn, err := amqp.Dial(f.uri)
		if err != nil {
			return nil, err
		}
		f.conn = conn
	}
	return f.conn.Channel()
}

type amqpHandle struct {
	ch       *amqp.Channel
	exchange string
}

func (h *amqpHandle) Send(ctx context.Context, e Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return h.ch.PublishWithContext(ctx, h.exchange, e.Topic, false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        body,
	})
}

func (h *amqpHandle) Close() {
	_ = h.ch.Close()
}
