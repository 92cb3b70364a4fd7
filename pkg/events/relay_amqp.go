package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

const defaultAMQPExchange = "storefront.storage-changes"

// AMQPRelay carries storage changes over a RabbitMQ fanout exchange. Each
// listener binds its own exclusive, auto-deleted queue.
type AMQPRelay struct {
	conn     *amqp.Connection
	exchange string
	logger   *slog.Logger

	pubMu sync.Mutex
	pubCh *amqp.Channel
}

// NewAMQPRelay dials url and declares the fanout exchange.
func NewAMQPRelay(url, exchange string) (*AMQPRelay, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, errors.New("amqp url required")
	}
	exchange = strings.TrimSpace(exchange)
	if exchange == "" {
		exchange = defaultAMQPExchange
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeFanout, false, true, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}
	return &AMQPRelay{conn: conn, exchange: exchange, logger: slog.Default(), pubCh: ch}, nil
}

func (r *AMQPRelay) Broadcast(ctx context.Context, change StorageChange) error {
	data, err := json.Marshal(change)
	if err != nil {
		return err
	}
	r.pubMu.Lock()
	defer r.pubMu.Unlock()
	return r.pubCh.PublishWithContext(ctx, r.exchange, "", false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        data,
	})
}

func (r *AMQPRelay) Listen(_ context.Context, deliver func(StorageChange)) (func() error, error) {
	ch, err := r.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}
	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("declare queue: %w", err)
	}
	if err := ch.QueueBind(q.Name, "", r.exchange, false, nil); err != nil {
		ch.Close()
		return nil, fmt.Errorf("bind queue: %w", err)
	}
	deliveries, err := ch.Consume(q.Name, "", true, true, false, false, nil)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("consume: %w", err)
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		for d := range deliveries {
			var change StorageChange
			if err := json.Unmarshal(d.Body, &change); err != nil {
				r.logger.Warn("discard malformed storage change", "exchange", r.exchange, "err", err)
				continue
			}
			deliver(change)
		}
	}()

	var once sync.Once
	var stopErr error
	stop := func() error {
		once.Do(func() {
			stopErr = ch.Close()
			<-done
		})
		return stopErr
	}
	return stop, nil
}

// Close tears down the connection and every listener channel on it.
func (r *AMQPRelay) Close() error {
	return r.conn.Close()
}
