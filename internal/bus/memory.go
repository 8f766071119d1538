package bus

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// MemoryConfig tunes the in-process transport.
type MemoryConfig struct {
	// QueueSize bounds each subscription's queue.
	QueueSize int
	// PublishTimeout bounds how long Publish blocks on a full queue.
	PublishTimeout time.Duration
	// DrainTimeout bounds how long Close waits for handlers to finish.
	DrainTimeout time.Duration
}

// DefaultMemoryConfig returns the documented defaults.
func DefaultMemoryConfig() MemoryConfig {
	return MemoryConfig{
		QueueSize:      10000,
		PublishTimeout: 100 * time.Millisecond,
		DrainTimeout:   5 * time.Second,
	}
}

// MemoryBus is the in-process transport. Each subscription owns a bounded
// queue and a single dispatch goroutine, which gives FIFO per (topic,
// publisher) and at-most-one handler invocation in flight per subscription.
type MemoryBus struct {
	mu     sync.RWMutex
	cfg    MemoryConfig
	subs   map[string][]*memorySub
	closed bool
	wg     sync.WaitGroup
}

type memorySub struct {
	bus     *MemoryBus
	topic   string
	queue   chan []byte
	done    chan struct{}
	cancel  sync.Once
	handler Handler
}

// NewMemoryBus creates an in-process bus.
func NewMemoryBus(cfg MemoryConfig) *MemoryBus {
	ensureMetrics()
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultMemoryConfig().QueueSize
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = DefaultMemoryConfig().PublishTimeout
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = DefaultMemoryConfig().DrainTimeout
	}
	return &MemoryBus{cfg: cfg, subs: make(map[string][]*memorySub)}
}

// Publish implements Bus.
func (b *MemoryBus) Publish(ctx context.Context, topic string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Str("topic", topic).Msg("Dropping payload: serialization failed")
		return err
	}
	return b.publishRaw(ctx, topic, data)
}

func (b *MemoryBus) publishRaw(ctx context.Context, topic string, data []byte) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrClosed
	}
	subs := make([]*memorySub, len(b.subs[topic]))
	copy(subs, b.subs[topic])
	b.mu.RUnlock()

	publishedTotal.WithLabelValues(topic).Inc()

	var firstErr error
	for _, sub := range subs {
		select {
		case sub.queue <- data:
			continue
		default:
		}
		// Queue full: apply backpressure up to the publish timeout.
		timer := time.NewTimer(b.cfg.PublishTimeout)
		select {
		case sub.queue <- data:
			timer.Stop()
		case <-sub.done:
			timer.Stop()
		case <-ctx.Done():
			timer.Stop()
			droppedTotal.WithLabelValues(topic).Inc()
			if firstErr == nil {
				firstErr = ctx.Err()
			}
		case <-timer.C:
			droppedTotal.WithLabelValues(topic).Inc()
			log.Warn().Str("topic", topic).Msg("Subscriber queue full, payload dropped")
			if firstErr == nil {
				firstErr = ErrQueueFull
			}
		}
	}
	return firstErr
}

// Subscribe implements Bus.
func (b *MemoryBus) Subscribe(topic string, h Handler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	sub := &memorySub{
		bus:     b,
		topic:   topic,
		queue:   make(chan []byte, b.cfg.QueueSize),
		done:    make(chan struct{}),
		handler: h,
	}
	b.subs[topic] = append(b.subs[topic], sub)
	b.wg.Add(1)
	go sub.run()
	return sub, nil
}

func (s *memorySub) run() {
	defer s.bus.wg.Done()
	for {
		select {
		case <-s.done:
			// Drain whatever is already queued before exiting.
			for {
				select {
				case data := <-s.queue:
					s.invoke(data)
				default:
					return
				}
			}
		case data := <-s.queue:
			s.invoke(data)
		}
	}
}

// invoke runs the handler, absorbing panics so one bad payload cannot kill
// the subscription.
func (s *memorySub) invoke(data []byte) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("topic", s.topic).Interface("panic", r).Msg("Subscriber handler panicked")
		}
	}()
	s.handler(context.Background(), data)
}

// Cancel implements Subscription.
func (s *memorySub) Cancel() {
	s.cancel.Do(func() {
		close(s.done)
		s.bus.mu.Lock()
		subs := s.bus.subs[s.topic]
		for i, candidate := range subs {
			if candidate == s {
				s.bus.subs[s.topic] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		s.bus.mu.Unlock()
	})
}

// Close implements Bus.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	var all []*memorySub
	for _, subs := range b.subs {
		all = append(all, subs...)
	}
	b.subs = make(map[string][]*memorySub)
	b.mu.Unlock()

	for _, sub := range all {
		sub.cancel.Do(func() { close(sub.done) })
	}

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(b.cfg.DrainTimeout):
		log.Warn().Msg("Bus drain timeout expired with handlers still running")
		return nil
	}
}
