package bus

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const channelPrefix = "aegis:"

// BrokerConfig tunes the redis-backed transport.
type BrokerConfig struct {
	// URL is the redis connection string, e.g. redis://localhost:6379/0.
	URL string
	// Memory configures the embedded fallback transport, which also hosts
	// every local subscription.
	Memory MemoryConfig
	// ReconnectMin and ReconnectMax bound the reconnect backoff.
	ReconnectMin time.Duration
	ReconnectMax time.Duration
}

// BrokerBus publishes through redis pub/sub. Redis delivers a payload only to
// readers attached at publish time; nothing is acknowledged or redelivered,
// so a payload published while a reader is detached is lost for it.
// Local subscriptions are hosted on an embedded MemoryBus; broker messages
// are routed into it, so per-subscription serialization and queue bounds are
// identical in both transports. While the broker is unreachable the bus
// degrades to the embedded transport and keeps delivering locally.
type BrokerBus struct {
	cfg      BrokerConfig
	client   *redis.Client
	fallback *MemoryBus

	mu       sync.Mutex
	degraded bool
	readers  map[string]context.CancelFunc
	closed   bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewBrokerBus connects to the broker at cfg.URL. Connection failure at
// startup is not fatal: the bus starts degraded and keeps trying.
func NewBrokerBus(cfg BrokerConfig) (*BrokerBus, error) {
	ensureMetrics()
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, err
	}
	if cfg.ReconnectMin <= 0 {
		cfg.ReconnectMin = 100 * time.Millisecond
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = 30 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &BrokerBus{
		cfg:      cfg,
		client:   redis.NewClient(opts),
		fallback: NewMemoryBus(cfg.Memory),
		readers:  make(map[string]context.CancelFunc),
		ctx:      ctx,
		cancel:   cancel,
	}

	pingCtx, pingCancel := context.WithTimeout(ctx, 2*time.Second)
	defer pingCancel()
	if err := b.client.Ping(pingCtx).Err(); err != nil {
		log.Warn().Err(err).Str("url", cfg.URL).Msg("Broker unreachable at startup, degrading to memory transport")
		b.setDegraded(true)
	}
	return b, nil
}

func (b *BrokerBus) setDegraded(v bool) {
	b.mu.Lock()
	changed := b.degraded != v
	b.degraded = v
	b.mu.Unlock()
	if !changed {
		return
	}
	if v {
		degradedGauge.Set(1)
		log.Warn().Msg("Bus degraded to memory transport")
	} else {
		degradedGauge.Set(0)
		log.Info().Msg("Broker connection restored")
	}
}

func (b *BrokerBus) isDegraded() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.degraded
}

// Publish implements Bus. Broker publish failure degrades the bus and routes
// the payload through the embedded transport so local subscribers never miss
// it.
func (b *BrokerBus) Publish(ctx context.Context, topic string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Str("topic", topic).Msg("Dropping payload: serialization failed")
		return err
	}
	if !b.isDegraded() {
		if err := b.client.Publish(ctx, channelPrefix+topic, data).Err(); err == nil {
			publishedTotal.WithLabelValues(topic).Inc()
			return nil
		} else {
			log.Warn().Err(err).Str("topic", topic).Msg("Broker publish failed")
			b.setDegraded(true)
		}
	}
	return b.fallback.publishRaw(ctx, topic, data)
}

// Subscribe implements Bus. The handler is hosted on the embedded transport;
// a per-topic reader goroutine routes broker messages into it.
func (b *BrokerBus) Subscribe(topic string, h Handler) (Subscription, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	if _, ok := b.readers[topic]; !ok {
		readerCtx, readerCancel := context.WithCancel(b.ctx)
		b.readers[topic] = readerCancel
		b.wg.Add(1)
		go b.readLoop(readerCtx, topic)
	}
	b.mu.Unlock()
	return b.fallback.Subscribe(topic, h)
}

// readLoop consumes one redis channel and re-publishes into the fallback bus.
// On broker loss it marks the bus degraded and reconnects with exponential
// backoff. Payloads published while it was disconnected are not replayed.
func (b *BrokerBus) readLoop(ctx context.Context, topic string) {
	defer b.wg.Done()
	backoff := b.cfg.ReconnectMin
	for {
		if ctx.Err() != nil {
			return
		}
		pubsub := b.client.Subscribe(ctx, channelPrefix+topic)
		if _, err := pubsub.Receive(ctx); err != nil {
			pubsub.Close()
			b.setDegraded(true)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, b.cfg.ReconnectMax)
			continue
		}
		b.setDegraded(false)
		backoff = b.cfg.ReconnectMin

		ch := pubsub.Channel()
	recv:
		for {
			select {
			case <-ctx.Done():
				pubsub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					break recv
				}
				_ = b.fallback.publishRaw(ctx, topic, []byte(msg.Payload))
			}
		}
		pubsub.Close()
		b.setDegraded(true)
	}
}

// Close implements Bus.
func (b *BrokerBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	b.cancel()
	b.wg.Wait()
	err := b.fallback.Close()
	if cerr := b.client.Close(); err == nil {
		err = cerr
	}
	return err
}
