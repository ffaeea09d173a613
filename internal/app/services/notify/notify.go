// Package notify delivers best-effort notifications after state changes
// commit. Delivery never participates in the storage transaction: a failed
// or dropped notification is logged and counted, not retried into the
// caller's request path.
package notify

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/campusmarket/exchange_core/internal/app/metrics"
	"github.com/campusmarket/exchange_core/internal/app/system"
	"github.com/campusmarket/exchange_core/pkg/logger"
)

// Kind labels a notification event.
type Kind string

const (
	KindExchangeCreated   Kind = "exchange_created"
	KindExchangeAccepted  Kind = "exchange_accepted"
	KindExchangeRejected  Kind = "exchange_rejected"
	KindExchangeConfirmed Kind = "exchange_confirmed"
	KindExchangeCompleted Kind = "exchange_completed"
	KindExchangeCancelled Kind = "exchange_cancelled"
	KindExchangeDisputed  Kind = "exchange_disputed"
	KindRewardClaimed     Kind = "reward_claimed"
	KindClaimUpdated      Kind = "claim_updated"
)

// Message is a single notification addressed to one user.
type Message struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Kind      Kind      `json:"kind"`
	Title     string    `json:"title"`
	Body      string    `json:"body,omitempty"`
	RefID     string    `json:"ref_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Sender delivers a message to its transport.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// LogSender writes notifications to the log. It is the default transport for
// development and tests.
type LogSender struct {
	log *logger.Logger
}

// NewLogSender creates a LogSender.
func NewLogSender(log *logger.Logger) *LogSender {
	if log == nil {
		log = logger.NewDefault("notify")
	}
	return &LogSender{log: log}
}

func (s *LogSender) Send(_ context.Context, msg Message) error {
	s.log.WithField("user_id", msg.UserID).
		WithField("kind", string(msg.Kind)).
		WithField("ref_id", msg.RefID).
		Info(msg.Title)
	return nil
}

// RedisSender publishes notifications as JSON to a Redis channel, rate
// limited so a completion burst cannot flood downstream consumers.
type RedisSender struct {
	client  *redis.Client
	channel string
	limiter *rate.Limiter
}

// NewRedisSender creates a RedisSender publishing to channel. perSecond
// bounds the publish rate; zero or negative means 100/s.
func NewRedisSender(client *redis.Client, channel string, perSecond int) *RedisSender {
	if perSecond <= 0 {
		perSecond = 100
	}
	return &RedisSender{
		client:  client,
		channel: channel,
		limiter: rate.NewLimiter(rate.Limit(perSecond), perSecond),
	}
}

func (s *RedisSender) Send(ctx context.Context, msg Message) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return s.client.Publish(ctx, s.channel, payload).Err()
}

// recentLimit bounds the per-user history the dispatcher keeps in memory.
const recentLimit = 50

// Dispatcher queues messages and delivers them on a background worker. It
// also keeps a short per-user history so callers can list what was sent.
type Dispatcher struct {
	sender  Sender
	log     *logger.Logger
	metrics *metrics.Metrics
	queue   chan Message

	mu      sync.Mutex
	recent  map[string][]Message
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

var _ system.Service = (*Dispatcher)(nil)

// NewDispatcher creates a Dispatcher delivering through sender.
func NewDispatcher(sender Sender, m *metrics.Metrics, log *logger.Logger) *Dispatcher {
	if log == nil {
		log = logger.NewDefault("notify")
	}
	if sender == nil {
		sender = NewLogSender(log)
	}
	return &Dispatcher{
		sender:  sender,
		log:     log,
		metrics: m,
		queue:   make(chan Message, 256),
		recent:  make(map[string][]Message),
	}
}

func (d *Dispatcher) Name() string { return "notify-dispatcher" }

func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return nil
	}
	runCtx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.running = true

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for {
			select {
			case <-runCtx.Done():
				return
			case msg := <-d.queue:
				d.deliver(runCtx, msg)
			}
		}
	}()

	d.log.Info("notification dispatcher started")
	return nil
}

func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	cancel := d.cancel
	d.running = false
	d.cancel = nil
	d.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		d.wg.Wait()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// Dispatch enqueues a message without blocking. When the queue is full the
// message is dropped; notifications are best effort.
func (d *Dispatcher) Dispatch(msg Message) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	select {
	case d.queue <- msg:
	default:
		d.log.WithField("user_id", msg.UserID).
			WithField("kind", string(msg.Kind)).
			Warn("notification queue full, dropping")
	}
}

func (d *Dispatcher) deliver(ctx context.Context, msg Message) {
	if err := d.sender.Send(ctx, msg); err != nil {
		d.log.WithError(err).
			WithField("user_id", msg.UserID).
			Warn("notification delivery failed")
		return
	}
	if d.metrics != nil {
		d.metrics.NotificationsSent.Inc()
	}

	d.mu.Lock()
	history := append(d.recent[msg.UserID], msg)
	if len(history) > recentLimit {
		history = history[len(history)-recentLimit:]
	}
	d.recent[msg.UserID] = history
	d.mu.Unlock()
}

// Recent returns the most recently delivered messages for a user, newest
// first.
func (d *Dispatcher) Recent(userID string, limit int) []Message {
	d.mu.Lock()
	defer d.mu.Unlock()

	history := d.recent[userID]
	var result []Message
	for i := len(history) - 1; i >= 0; i-- {
		if limit > 0 && len(result) >= limit {
			break
		}
		result = append(result, history[i])
	}
	return result
}
