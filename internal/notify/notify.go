// Package notify publishes committed escrow transitions to Redis so other
// services can follow the lifecycle without polling the API.
//
// Each transition is appended to a capped stream and also published on a
// pub/sub channel. Publishing happens on a background worker: a slow or
// unreachable Redis drops notifications, it never delays or fails the
// escrow operation that produced them.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/mbd888/lendbridge/internal/escrow"
	"github.com/mbd888/lendbridge/internal/metrics"
)

const (
	DefaultStream    = "escrow:events"
	DefaultChannel   = "escrow:events"
	DefaultMaxLen    = 100000
	DefaultQueueSize = 1024

	publishTimeout = 5 * time.Second
	sink           = "redis"
)

// Message is the published form of one transition.
type Message struct {
	EscrowID        string        `json:"escrowId"`
	EventType       string        `json:"eventType"`
	Status          escrow.Status `json:"status"`
	ContractAddress string        `json:"contractAddress"`
	Borrower        string        `json:"borrowerAddress"`
	Lender          string        `json:"lenderAddress"`
	Amount          int64         `json:"amount"`
	TxHash          string        `json:"txHash,omitempty"`
	OccurredAt      time.Time     `json:"occurredAt"`
}

// NewMessage builds the message for a committed transition.
func NewMessage(e *escrow.Escrow, ev *escrow.Event) Message {
	return Message{
		EscrowID:        e.ID,
		EventType:       string(ev.Type),
		Status:          e.Status,
		ContractAddress: e.ContractAddress,
		Borrower:        e.Borrower,
		Lender:          e.Lender,
		Amount:          e.Amount,
		TxHash:          ev.TxHash,
		OccurredAt:      ev.CreatedAt,
	}
}

// NewRedisClient parses url, connects and pings.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// Client is the subset of *redis.Client the publisher needs.
type Client interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// Publisher implements escrow.Notifier on top of Redis.
type Publisher struct {
	client  Client
	stream  string
	channel string
	maxLen  int64
	logger  *slog.Logger

	mu        sync.RWMutex
	closed    bool
	queue     chan Message
	wg        sync.WaitGroup
	startOnce sync.Once
}

// Option configures a Publisher.
type Option func(*Publisher)

// WithStream sets the stream name. An empty name disables the stream.
func WithStream(name string, maxLen int64) Option {
	return func(p *Publisher) {
		p.stream = name
		p.maxLen = maxLen
	}
}

// WithChannel sets the pub/sub channel. An empty name disables it.
func WithChannel(name string) Option {
	return func(p *Publisher) { p.channel = name }
}

// WithQueueSize bounds how many notifications may wait for the worker.
func WithQueueSize(n int) Option {
	return func(p *Publisher) {
		if n > 0 {
			p.queue = make(chan Message, n)
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Publisher) { p.logger = l }
}

// NewPublisher creates a publisher. Call Start before use and Close on
// shutdown.
func NewPublisher(client Client, opts ...Option) *Publisher {
	p := &Publisher{
		client:  client,
		stream:  DefaultStream,
		channel: DefaultChannel,
		maxLen:  DefaultMaxLen,
		logger:  slog.Default(),
		queue:   make(chan Message, DefaultQueueSize),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start launches the publishing worker.
func (p *Publisher) Start() {
	p.startOnce.Do(func() {
		p.wg.Add(1)
		go p.run()
	})
}

// Close stops accepting notifications and waits for queued ones to be
// published or for ctx to end.
func (p *Publisher) Close(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// EscrowChanged implements escrow.Notifier. It only enqueues.
func (p *Publisher) EscrowChanged(_ context.Context, e *escrow.Escrow, ev *escrow.Event) {
	msg := NewMessage(e, ev)

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		metrics.NotificationsTotal.WithLabelValues(sink, "dropped").Inc()
		return
	}
	select {
	case p.queue <- msg:
	default:
		metrics.NotificationsTotal.WithLabelValues(sink, "dropped").Inc()
		p.logger.Warn("redis notification dropped: queue full", "escrowId", e.ID, "eventType", ev.Type)
	}
}

func (p *Publisher) run() {
	defer p.wg.Done()
	for msg := range p.queue {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		err := p.publish(ctx, msg)
		cancel()

		result := "ok"
		if err != nil {
			result = "error"
			p.logger.Warn("redis notification failed",
				"escrowId", msg.EscrowID, "eventType", msg.EventType, "error", err)
		}
		metrics.NotificationsTotal.WithLabelValues(sink, result).Inc()
	}
}

func (p *Publisher) publish(ctx context.Context, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	if p.stream != "" {
		args := &redis.XAddArgs{
			Stream: p.stream,
			Values: map[string]interface{}{
				"escrowId":  msg.EscrowID,
				"eventType": msg.EventType,
				"data":      string(data),
			},
		}
		if p.maxLen > 0 {
			args.MaxLen = p.maxLen
			args.Approx = true
		}
		if err := p.client.XAdd(ctx, args).Err(); err != nil {
			return fmt.Errorf("xadd %s: %w", p.stream, err)
		}
	}

	if p.channel != "" {
		if err := p.client.Publish(ctx, p.channel, string(data)).Err(); err != nil {
			return fmt.Errorf("publish %s: %w", p.channel, err)
		}
	}
	return nil
}

// Subscribe delivers messages published on channel to fn until ctx ends.
// Messages that fail to decode are skipped.
func Subscribe(ctx context.Context, client *redis.Client, channel string, fn func(Message)) error {
	pubsub := client.Subscribe(ctx, channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", channel, err)
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-ch:
			if !ok {
				return nil
			}
			var msg Message
			if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
				continue
			}
			fn(msg)
		}
	}
}

// SettleObserver records how long escrows take to reach a terminal status.
// A nil Histogram observes into metrics.EscrowSettleDuration.
type SettleObserver struct {
	Histogram prometheus.Observer
}

// EscrowChanged implements escrow.Notifier.
func (o SettleObserver) EscrowChanged(_ context.Context, e *escrow.Escrow, ev *escrow.Event) {
	if !e.IsTerminal() || e.CreatedAt.IsZero() {
		return
	}
	at := ev.CreatedAt
	if at.IsZero() {
		at = time.Now()
	}
	h := o.Histogram
	if h == nil {
		h = metrics.EscrowSettleDuration
	}
	h.Observe(at.Sub(e.CreatedAt).Seconds())
}
