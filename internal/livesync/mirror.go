package livesync

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/streadway/amqp"
)

// Mirror copies events to an external system
type Mirror interface {
	Name() string
	Mirror(ctx context.Context, e Event) error
	Close() error
}

// wireEvent is the mirrored form of an event. Unlike the stream it keeps the
// routing keys so downstream consumers can filter.
type wireEvent struct {
	Code       Code      `json:"code"`
	Message    string    `json:"message"`
	Result     any       `json:"result,omitempty"`
	DeviceID   string    `json:"device_id,omitempty"`
	CampaignID string    `json:"campaign_id,omitempty"`
	Time       time.Time `json:"time"`
}

func encode(e Event) ([]byte, error) {
	return json.Marshal(wireEvent{
		Code:       e.Code,
		Message:    e.Message,
		Result:     e.Result,
		DeviceID:   e.DeviceID,
		CampaignID: e.CampaignID,
		Time:       e.Time,
	})
}

// RedisConfig configures the redis mirror
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Channel  string
}

// RedisMirror publishes every event on a redis channel
type RedisMirror struct {
	client  *redis.Client
	channel string
}

// NewRedisMirror connects to redis and verifies the connection
func NewRedisMirror(ctx context.Context, cfg RedisConfig) (*RedisMirror, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	channel := cfg.Channel
	if channel == "" {
		channel = "broadcaster.events"
	}
	return &RedisMirror{client: client, channel: channel}, nil
}

func (m *RedisMirror) Name() string { return "redis" }

// Mirror implements Mirror
func (m *RedisMirror) Mirror(ctx context.Context, e Event) error {
	body, err := encode(e)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	if err := m.client.Publish(ctx, m.channel, body).Err(); err != nil {
		return fmt.Errorf("failed to publish to redis: %w", err)
	}
	return nil
}

func (m *RedisMirror) Close() error {
	return m.client.Close()
}

// AMQPConfig configures the AMQP mirror
type AMQPConfig struct {
	URL   string
	Queue string
}

// AMQPMirror publishes every event to a durable AMQP queue
type AMQPMirror struct {
	mu    sync.Mutex
	conn  *amqp.Connection
	ch    *amqp.Channel
	queue string
}

// NewAMQPMirror dials the broker and declares the queue
func NewAMQPMirror(cfg AMQPConfig) (*AMQPMirror, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to amqp broker: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open amqp channel: %w", err)
	}

	name := cfg.Queue
	if name == "" {
		name = "broadcaster_events"
	}
	q, err := ch.QueueDeclare(
		name,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare amqp queue: %w", err)
	}

	return &AMQPMirror{conn: conn, ch: ch, queue: q.Name}, nil
}

func (m *AMQPMirror) Name() string { return "amqp" }

// Mirror implements Mirror. Channels are not safe for concurrent publishing.
func (m *AMQPMirror) Mirror(ctx context.Context, e Event) error {
	body, err := encode(e)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	err = m.ch.Publish("", m.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    e.Time,
		Type:         string(e.Code),
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("failed to publish to amqp: %w", err)
	}
	return nil
}

func (m *AMQPMirror) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ch.Close()
	return m.conn.Close()
}

// Forwarder copies bus events to mirrors from a single goroutine, so a slow
// mirror only ever costs its own subscription buffer.
type Forwarder struct {
	bus     *Bus
	mirrors []Mirror
	timeout time.Duration
	logger  *slog.Logger

	unsub func()
	wg    sync.WaitGroup
}

// NewForwarder creates a forwarder for the given mirrors
func NewForwarder(bus *Bus, mirrors []Mirror, timeout time.Duration, logger *slog.Logger) *Forwarder {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Forwarder{
		bus:     bus,
		mirrors: mirrors,
		timeout: timeout,
		logger:  logger.With("component", "mirror"),
	}
}

// Start subscribes to the bus and begins forwarding
func (f *Forwarder) Start(buffer int) {
	if len(f.mirrors) == 0 {
		return
	}
	events, unsub := f.bus.Subscribe(buffer)
	f.unsub = unsub

	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		for e := range events {
			f.forward(e)
		}
	}()

	names := make([]string, 0, len(f.mirrors))
	for _, m := range f.mirrors {
		names = append(names, m.Name())
	}
	f.logger.Info("event mirroring started", "mirrors", names)
}

func (f *Forwarder) forward(e Event) {
	for _, m := range f.mirrors {
		ctx, cancel := context.WithTimeout(context.Background(), f.timeout)
		if err := m.Mirror(ctx, e); err != nil {
			f.logger.Warn("failed to mirror event",
				"mirror", m.Name(),
				"code", e.Code,
				"error", err,
			)
		}
		cancel()
	}
}

// Stop drains the subscription and closes every mirror
func (f *Forwarder) Stop() {
	if f.unsub != nil {
		f.unsub()
	}
	f.wg.Wait()

	for _, m := range f.mirrors {
		if err := m.Close(); err != nil {
			f.logger.Warn("failed to close mirror", "mirror", m.Name(), "error", err)
		}
	}
}
