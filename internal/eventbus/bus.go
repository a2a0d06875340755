// Package eventbus is a partitioned in-memory publish/subscribe bus.
package eventbus

import (
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/serialx/hashring"

	"github.com/jmpesp/opte/internal/log"
	"github.com/jmpesp/opte/internal/metrics"
)

var (
	// ErrClosed is returned by operations on a closed bus.
	ErrClosed = errors.New("event bus is closed")
	// ErrQueueFull is returned when the target partition cannot take more events.
	ErrQueueFull = errors.New("event bus partition queue is full")
)

// EventBus publishes events to per-topic handlers.
type EventBus interface {
	Publish(event *Event) error
	Subscribe(topic string, handler Handler) error
	Close() error
	GetStats() *Stats
}

// Stats is a point-in-time view of the bus.
type Stats struct {
	PublishedCount int64 `json:"published"`
	DroppedCount   int64 `json:"dropped"`
	ProcessedCount int64 `json:"processed"`
	FailedCount    int64 `json:"failed"`
	PartitionCount int   `json:"partitions"`
	QueuedCount    []int `json:"queued"`
}

// InMemoryEventBus routes events to partitions by consistent hashing of
// their key. Publish never blocks: a full partition drops the event.
type InMemoryEventBus struct {
	partitions []*partition
	ring       *hashring.HashRing
	byNode     map[string]int

	mu          sync.RWMutex
	subscribers map[string]Handler
	closed      bool
	wg          sync.WaitGroup

	publishedCount atomic.Int64
	droppedCount   atomic.Int64
	processedCount atomic.Int64
	failedCount    atomic.Int64
}

// NewInMemoryEventBus starts partitionCount consumers, each with a queue of
// queueSize events.
func NewInMemoryEventBus(partitionCount, queueSize int) *InMemoryEventBus {
	if partitionCount <= 0 {
		partitionCount = 1
	}
	if queueSize <= 0 {
		queueSize = 1024
	}
	b := &InMemoryEventBus{
		partitions:  make([]*partition, partitionCount),
		byNode:      make(map[string]int, partitionCount),
		subscribers: make(map[string]Handler),
	}

	nodes := make([]string, partitionCount)
	for i := range nodes {
		nodes[i] = "partition-" + strconv.Itoa(i)
		b.byNode[nodes[i]] = i
		b.partitions[i] = &partition{
			id:    i,
			name:  strconv.Itoa(i),
			queue: make(chan *Event, queueSize),
		}
	}
	b.ring = hashring.New(nodes)

	for _, p := range b.partitions {
		b.wg.Add(1)
		go b.runPartition(p)
	}
	return b
}

// Publish enqueues event on the partition owning its key.
func (b *InMemoryEventBus) Publish(event *Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}

	p := b.partitions[b.partitionFor(event.Key)]
	select {
	case p.queue <- event:
		b.publishedCount.Add(1)
		metrics.EventsTotal.WithLabelValues(p.name, "published").Inc()
		return nil
	default:
		b.droppedCount.Add(1)
		metrics.EventsTotal.WithLabelValues(p.name, "dropped").Inc()
		return fmt.Errorf("%w: partition %d", ErrQueueFull, p.id)
	}
}

// Subscribe sets the handler for topic, replacing any previous one.
func (b *InMemoryEventBus) Subscribe(topic string, handler Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	b.subscribers[topic] = handler
	log.GetLogger().WithField("topic", topic).Debug("event bus subscription added")
	return nil
}

// Close stops accepting events, lets every partition drain its queue and
// waits for the consumers to exit.
func (b *InMemoryEventBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for _, p := range b.partitions {
		close(p.queue)
	}
	b.mu.Unlock()

	b.wg.Wait()
	log.GetLogger().Info("event bus closed")
	return nil
}

// GetStats returns the bus counters and current queue depths.
func (b *InMemoryEventBus) GetStats() *Stats {
	stats := &Stats{
		PublishedCount: b.publishedCount.Load(),
		DroppedCount:   b.droppedCount.Load(),
		ProcessedCount: b.processedCount.Load(),
		FailedCount:    b.failedCount.Load(),
		PartitionCount: len(b.partitions),
		QueuedCount:    make([]int, len(b.partitions)),
	}
	for i, p := range b.partitions {
		stats.QueuedCount[i] = len(p.queue)
	}
	return stats
}

func (b *InMemoryEventBus) partitionFor(key string) int {
	node, ok := b.ring.GetNode(key)
	if !ok {
		return 0
	}
	return b.byNode[node]
}

func (b *InMemoryEventBus) handler(topic string) (Handler, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	h, ok := b.subscribers[topic]
	return h, ok
}

func (b *InMemoryEventBus) runPartition(p *partition) {
	defer b.wg.Done()
	logger := log.GetLogger()
	for event := range p.queue {
		h, ok := b.handler(event.Topic)
		if !ok {
			continue
		}
		if err := h(event); err != nil {
			b.failedCount.Add(1)
			logger.WithError(err).WithFields(map[string]interface{}{
				"partition": p.id,
				"topic":     event.Topic,
			}).Warn("event handler failed")
			continue
		}
		b.processedCount.Add(1)
	}
}
