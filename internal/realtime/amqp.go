package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"wbot/internal/session"
)

// DefaultExchange is the topic exchange session events go to.
const DefaultExchange = "wbot.sessions"

const (
	amqpQueueSize      = 256
	amqpPublishTimeout = 5 * time.Second
)

// Envelope is the body of a published session event.
type Envelope struct {
	ID        string          `json:"id"`
	Event     string          `json:"event"`
	SessionID string          `json:"sessionId"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

type publishFunc func(ctx context.Context, key string, msg amqp091.Publishing) error

// AMQPPublisher publishes session events to a topic exchange with routing
// keys of the form session.<event>. Publishing is asynchronous; events are
// dropped when the broker falls behind.
type AMQPPublisher struct {
	exchange string
	publish  publishFunc
	log      zerolog.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan Envelope
	wg     sync.WaitGroup
	closer func() error
}

var _ session.Publisher = (*AMQPPublisher)(nil)

// DialAMQP connects to the broker and declares the exchange.
func DialAMQP(url, exchange string, log zerolog.Logger) (*AMQPPublisher, error) {
	if exchange == "" {
		exchange = DefaultExchange
	}
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	var mu sync.Mutex
	publish := func(ctx context.Context, key string, msg amqp091.Publishing) error {
		mu.Lock()
		defer mu.Unlock()
		if ch.IsClosed() {
			if ch, err = conn.Channel(); err != nil {
				return err
			}
		}
		return ch.PublishWithContext(ctx, exchange, key, false, false, msg)
	}
	p := newAMQPPublisher(exchange, publish, log)
	p.closer = conn.Close
	return p, nil
}

func newAMQPPublisher(exchange string, publish publishFunc, log zerolog.Logger) *AMQPPublisher {
	p := &AMQPPublisher{
		exchange: exchange,
		publish:  publish,
		log:      log.With().Str("component", "amqp").Str("exchange", exchange).Logger(),
		queue:    make(chan Envelope, amqpQueueSize),
	}
	p.wg.Add(1)
	go p.loop()
	return p
}

func (p *AMQPPublisher) PublishStatus(tenantID string, status session.Status) {
	p.enqueue(EventStatus, tenantID, statusData{SessionID: tenantID, Status: status})
}

func (p *AMQPPublisher) PublishQR(tenantID, code, image string) {
	// the rendered image stays off the bus
	p.enqueue(EventQR, tenantID, qrData{SessionID: tenantID, QR: code})
}

func (p *AMQPPublisher) PublishPairingCode(tenantID, code string) {
	p.enqueue(EventPairingCode, tenantID, pairingCodeData{Code: code})
}

// Close flushes queued events and closes the connection.
func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	p.wg.Wait()
	if p.closer != nil {
		return p.closer()
	}
	return nil
}

func (p *AMQPPublisher) enqueue(event, tenantID string, data interface{}) {
	raw, err := json.Marshal(data)
	if err != nil {
		p.log.Error().Err(err).Str("event", event).Msg("Could not encode event")
		return
	}
	env := Envelope{
		ID:        uuid.NewString(),
		Event:     event,
		SessionID: tenantID,
		Data:      raw,
		Timestamp: time.Now().UTC(),
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return
	}
	select {
	case p.queue <- env:
	default:
		p.log.Warn().Str("event", event).Str("tenant", tenantID).Msg("Broker queue full, event dropped")
	}
}

func (p *AMQPPublisher) loop() {
	defer p.wg.Done()
	for env := range p.queue {
		if err := p.send(env); err != nil {
			p.log.Error().Err(err).Str("event", env.Event).Str("tenant", env.SessionID).Msg("Publish failed")
		}
	}
}

func (p *AMQPPublisher) send(env Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), amqpPublishTimeout)
	defer cancel()
	err = p.publish(ctx, "session."+env.Event, amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		MessageId:    env.ID,
		Timestamp:    env.Timestamp,
		Body:         body,
	})
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("broker did not accept event in %s", amqpPublishTimeout)
	}
	return err
}
