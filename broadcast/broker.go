package broadcast

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/clipforge/pipeline/hook"
	"github.com/clipforge/pipeline/job"
)

// Compile-time interface checks.
var (
	_ hook.Hook         = (*Broker)(nil)
	_ hook.JobEnqueued  = (*Broker)(nil)
	_ hook.JobStarted   = (*Broker)(nil)
	_ hook.JobProgress  = (*Broker)(nil)
	_ hook.JobCompleted = (*Broker)(nil)
	_ hook.JobFailed    = (*Broker)(nil)
	_ hook.JobRetrying  = (*Broker)(nil)
	_ hook.JobCancelled = (*Broker)(nil)
	_ hook.Shutdown     = (*Broker)(nil)
)

// DefaultBufferSize is the default per-subscriber update buffer.
const DefaultBufferSize = 256

// DefaultCredits is the default initial credits for new subscribers.
const DefaultCredits int64 = 1000

// Broker is the progress broker. It implements the hook interfaces to
// receive lifecycle events and fans them out to subscribers via
// topic-based pub/sub. Delivery is per-subscriber isolated: a slow or
// stuck subscriber drops its own updates without affecting the others or
// the publishing worker.
type Broker struct {
	topics *TopicRegistry
	logger *slog.Logger

	// Subscriber management.
	subscribers sync.Map // subscriberID → *Subscriber

	// Metrics.
	totalPublished atomic.Int64

	// Config.
	bufferSize     int
	defaultCredits int64
}

// BrokerOption configures a Broker.
type BrokerOption func(*Broker)

// WithBufferSize sets the per-subscriber update buffer size.
func WithBufferSize(size int) BrokerOption {
	return func(b *Broker) { b.bufferSize = size }
}

// WithDefaultCredits sets the initial credits for new subscribers.
func WithDefaultCredits(credits int64) BrokerOption {
	return func(b *Broker) { b.defaultCredits = credits }
}

// NewBroker creates a new progress broker.
func NewBroker(logger *slog.Logger, opts ...BrokerOption) *Broker {
	b := &Broker{
		topics:         NewTopicRegistry(),
		logger:         logger,
		bufferSize:     DefaultBufferSize,
		defaultCredits: DefaultCredits,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Name implements hook.Hook.
func (b *Broker) Name() string { return "progress-broker" }

// Topics returns the topic registry for external use (e.g., the
// transport server).
func (b *Broker) Topics() *TopicRegistry { return b.topics }

// Subscribe creates a new subscriber on the given topics.
func (b *Broker) Subscribe(subscriberID string, topics ...string) *Subscriber {
	sub := NewSubscriber(subscriberID, b.bufferSize, b.defaultCredits)
	b.subscribers.Store(subscriberID, sub)
	for _, topic := range topics {
		b.topics.Subscribe(topic, sub)
	}
	return sub
}

// SubscribeTo adds an existing subscriber to additional topics.
func (b *Broker) SubscribeTo(subscriberID string, topics ...string) {
	val, ok := b.subscribers.Load(subscriberID)
	if !ok {
		return
	}
	sub := val.(*Subscriber) //nolint:errcheck // sync.Map always stores *Subscriber
	for _, topic := range topics {
		b.topics.Subscribe(topic, sub)
	}
}

// Unsubscribe removes a subscriber from specific topics.
func (b *Broker) Unsubscribe(subscriberID string, topics ...string) {
	for _, topic := range topics {
		b.topics.Unsubscribe(topic, subscriberID)
	}
}

// RemoveSubscriber removes a subscriber from all topics and closes it.
func (b *Broker) RemoveSubscriber(subscriberID string) {
	b.topics.UnsubscribeAll(subscriberID)
	if val, ok := b.subscribers.LoadAndDelete(subscriberID); ok {
		val.(*Subscriber).Close() //nolint:errcheck // sync.Map always stores *Subscriber
	}
}

// GetSubscriber returns a subscriber by ID.
func (b *Broker) GetSubscriber(subscriberID string) (*Subscriber, bool) {
	val, ok := b.subscribers.Load(subscriberID)
	if !ok {
		return nil, false
	}
	return val.(*Subscriber), true //nolint:errcheck // sync.Map always stores *Subscriber
}

// Publish fans an update out to all matching topics. Exposed so the
// transport can replay a snapshot through the same delivery path.
func (b *Broker) Publish(u *Update) int {
	delivered := b.topics.Broadcast(resolveTopics(u), u)
	b.totalPublished.Add(int64(delivered))
	return delivered
}

// Stats returns broker statistics.
func (b *Broker) Stats() BrokerStats {
	count := 0
	var dropped int64
	b.subscribers.Range(func(_, value any) bool {
		count++
		dropped += value.(*Subscriber).Dropped() //nolint:errcheck // sync.Map always stores *Subscriber
		return true
	})
	return BrokerStats{
		TopicCount:      b.topics.TopicCount(),
		SubscriberCount: count,
		TotalPublished:  b.totalPublished.Load(),
		TotalDropped:    dropped,
	}
}

// BrokerStats contains broker metrics.
type BrokerStats struct {
	TopicCount      int   `json:"topic_count"`
	SubscriberCount int   `json:"subscriber_count"`
	TotalPublished  int64 `json:"total_published"`
	TotalDropped    int64 `json:"total_dropped"`
}

// ── Job lifecycle hooks ─────────────────────────────

func (b *Broker) OnJobEnqueued(_ context.Context, r *job.Record) error {
	b.Publish(NewUpdate(r))
	return nil
}

func (b *Broker) OnJobStarted(_ context.Context, r *job.Record) error {
	b.Publish(NewUpdate(r))
	return nil
}

func (b *Broker) OnJobProgress(_ context.Context, r *job.Record, percent int, message string) error {
	u := NewUpdate(r)
	u.Progress = percent
	u.Message = message
	b.Publish(u)
	return nil
}

func (b *Broker) OnJobCompleted(_ context.Context, r *job.Record, _ time.Duration) error {
	b.Publish(NewUpdate(r))
	return nil
}

func (b *Broker) OnJobFailed(_ context.Context, r *job.Record, jobErr error) error {
	u := NewUpdate(r)
	u.Error = jobErr.Error()
	b.Publish(u)
	return nil
}

func (b *Broker) OnJobRetrying(_ context.Context, r *job.Record, attempt int, nextRunAt time.Time) error {
	u := NewUpdate(r)
	u.Attempt = attempt
	if u.Metadata == nil {
		u.Metadata = make(map[string]string, 1)
	}
	u.Metadata["next_retry_at"] = nextRunAt.UTC().Format(time.RFC3339)
	b.Publish(u)
	return nil
}

func (b *Broker) OnJobCancelled(_ context.Context, r *job.Record) error {
	b.Publish(NewUpdate(r))
	return nil
}

// ── Shutdown ────────────────────────────────────────

func (b *Broker) OnShutdown(_ context.Context) error {
	b.subscribers.Range(func(key, value any) bool {
		sub := value.(*Subscriber) //nolint:errcheck // sync.Map always stores *Subscriber
		sub.Close()
		b.subscribers.Delete(key)
		return true
	})
	b.logger.Info("progress broker shut down")
	return nil
}
