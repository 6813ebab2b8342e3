// Spoolsum - Filament Stock and Print Job Consumption Accounting
// Copyright 2026 Tao Y. (yangtao121)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/yangtao121/Bambu-consumables-management

package eventprocessor

import (
	"context"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/ThreeDotsLabs/watermill/message/router/plugin"

	"github.com/yangtao121/Bambu-consumables-management/internal/cache"
	"github.com/yangtao121/Bambu-consumables-management/internal/config"
)

// RouterConfig holds configuration for the Watermill Router.
type RouterConfig struct {
	// CloseTimeout is how long to wait for handlers to finish when closing.
	CloseTimeout time.Duration

	// Retry configuration
	RetryMaxRetries      int
	RetryInitialInterval time.Duration
	RetryMaxInterval     time.Duration
	RetryMultiplier      float64

	// Throttle configuration (messages per second, 0 = disabled)
	ThrottlePerSecond int64

	// PoisonQueue configuration
	PoisonQueueTopic string

	// Deduplication configuration. Keys come from the dedupe_key
	// metadata (printer + sequence number), so replays collapse even
	// when the message UUID differs.
	DeduplicationEnabled bool
	DeduplicationTTL     time.Duration
}

// DefaultRouterConfig returns production defaults for the Router.
func DefaultRouterConfig() RouterConfig {
	return RouterConfig{
		CloseTimeout:         30 * time.Second,
		RetryMaxRetries:      5,
		RetryInitialInterval: time.Second,
		RetryMaxInterval:     time.Minute,
		RetryMultiplier:      2.0,
		ThrottlePerSecond:    0,
		PoisonQueueTopic:     TopicPoisonQueue,
		DeduplicationEnabled: true,
		DeduplicationTTL:     5 * time.Minute,
	}
}

// RouterConfigFromNATS maps the transport section of the application
// config onto a RouterConfig, falling back to defaults for unset values.
func RouterConfigFromNATS(cfg *config.NATSConfig) RouterConfig {
	rc := DefaultRouterConfig()
	if cfg == nil {
		return rc
	}
	if cfg.RouterCloseTimeout > 0 {
		rc.CloseTimeout = cfg.RouterCloseTimeout
	}
	if cfg.RouterRetryCount > 0 {
		rc.RetryMaxRetries = cfg.RouterRetryCount
	}
	if cfg.RouterRetryInitialInterval > 0 {
		rc.RetryInitialInterval = cfg.RouterRetryInitialInterval
	}
	if cfg.RouterThrottlePerSecond > 0 {
		rc.ThrottlePerSecond = cfg.RouterThrottlePerSecond
	}
	if cfg.RouterPoisonQueueTopic != "" {
		rc.PoisonQueueTopic = cfg.RouterPoisonQueueTopic
	}
	rc.DeduplicationEnabled = cfg.RouterDeduplicationEnabled
	if cfg.RouterDeduplicationTTL > 0 {
		rc.DeduplicationTTL = cfg.RouterDeduplicationTTL
	}
	return rc
}

// Router wraps the Watermill Router with pre-configured middleware.
// It provides automatic Ack/Nack handling, retry logic, panic
// recovery, deduplication, and poison queue routing for failed
// messages.
type Router struct {
	router    *message.Router
	config    RouterConfig
	logger    watermill.LoggerAdapter
	poisonPub message.Publisher
	running   bool
	handlers  map[string]*message.Handler
	dedupe    *dedupeRepository
}

// dedupeRepository implements middleware.ExpiringKeyRepository on top
// of the bounded TTL cache.
type dedupeRepository struct {
	cache *cache.DedupeCache
}

func newDedupeRepository(ttl time.Duration) *dedupeRepository {
	return &dedupeRepository{cache: cache.NewDedupeCache(10000, ttl)}
}

// IsDuplicate reports whether a key was already processed within the
// TTL window, recording it otherwise.
func (d *dedupeRepository) IsDuplicate(_ context.Context, key string) (bool, error) {
	return d.cache.Seen(key), nil
}

// NewRouter creates a Watermill Router with the middleware stack
// applied outer to inner:
//  1. Recoverer - catch panics and convert to errors
//  2. Retry - exponential backoff for transient failures
//  3. Throttle - rate limiting (if enabled)
//  4. Deduplicator - drop replayed reports (if enabled)
//  5. Poison Queue - route permanent failures to the DLQ
func NewRouter(
	cfg *RouterConfig,
	poisonPublisher message.Publisher,
	logger watermill.LoggerAdapter,
) (*Router, error) {
	if logger == nil {
		logger = watermill.NewStdLogger(false, false)
	}

	if cfg == nil {
		defaultCfg := DefaultRouterConfig()
		cfg = &defaultCfg
	}

	wmRouter, err := message.NewRouter(message.RouterConfig{
		CloseTimeout: cfg.CloseTimeout,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("create watermill router: %w", err)
	}

	r := &Router{
		router:    wmRouter,
		config:    *cfg,
		logger:    logger,
		poisonPub: poisonPublisher,
		handlers:  make(map[string]*message.Handler),
	}

	wmRouter.AddPlugin(plugin.SignalsHandler)

	wmRouter.AddMiddleware(middleware.Recoverer)

	retryMiddleware := middleware.Retry{
		MaxRetries:      cfg.RetryMaxRetries,
		InitialInterval: cfg.RetryInitialInterval,
		MaxInterval:     cfg.RetryMaxInterval,
		Multiplier:      cfg.RetryMultiplier,
		Logger:          logger,
	}
	wmRouter.AddMiddleware(retryMiddleware.Middleware)

	if cfg.ThrottlePerSecond > 0 {
		throttle := middleware.NewThrottle(cfg.ThrottlePerSecond, time.Second)
		wmRouter.AddMiddleware(throttle.Middleware)
	}

	if cfg.DeduplicationEnabled {
		r.dedupe = newDedupeRepository(cfg.DeduplicationTTL)
		dedup := middleware.Deduplicator{
			KeyFactory: func(msg *message.Message) (string, error) {
				if key := msg.Metadata.Get(MetadataDedupeKey); key != "" {
					return key, nil
				}
				return msg.UUID, nil
			},
			Repository: r.dedupe,
		}
		wmRouter.AddMiddleware(dedup.Middleware)
	}

	if poisonPublisher != nil && cfg.PoisonQueueTopic != "" {
		poisonQueue, err := middleware.PoisonQueue(poisonPublisher, cfg.PoisonQueueTopic)
		if err != nil {
			return nil, fmt.Errorf("create poison queue middleware: %w", err)
		}
		wmRouter.AddMiddleware(poisonQueue)
	}

	return r, nil
}

// AddHandler registers a handler that consumes from subscribeTopic and
// publishes its output messages to publishTopic. Errors trigger retry
// logic; permanent failures go to the poison queue.
func (r *Router) AddHandler(
	name string,
	subscribeTopic string,
	subscriber message.Subscriber,
	publishTopic string,
	publisher message.Publisher,
	handler message.HandlerFunc,
) *message.Handler {
	h := r.router.AddHandler(
		name,
		subscribeTopic,
		subscriber,
		publishTopic,
		publisher,
		handler,
	)
	r.handlers[name] = h
	return h
}

// AddConsumerHandler registers a handler that doesn't produce output
// messages.
func (r *Router) AddConsumerHandler(
	name string,
	subscribeTopic string,
	subscriber message.Subscriber,
	handler message.NoPublishHandlerFunc,
) *message.Handler {
	h := r.router.AddConsumerHandler(
		name,
		subscribeTopic,
		subscriber,
		handler,
	)
	r.handlers[name] = h
	return h
}

// AddHandlerMiddleware adds middleware to a specific handler.
// Handler-level middleware runs after router-level middleware.
func (r *Router) AddHandlerMiddleware(handlerName string, m ...message.HandlerMiddleware) error {
	h, exists := r.handlers[handlerName]
	if !exists {
		return fmt.Errorf("handler %q not found", handlerName)
	}
	h.AddMiddleware(m...)
	return nil
}

// Run starts the router and blocks until context cancellation or Close().
func (r *Router) Run(ctx context.Context) error {
	r.running = true
	defer func() { r.running = false }()
	return r.router.Run(ctx)
}

// RunAsync starts the router in a goroutine and returns a channel that
// closes once the router is running.
func (r *Router) RunAsync(ctx context.Context) <-chan struct{} {
	running := make(chan struct{})

	go func() {
		go func() {
			r.running = true
			defer func() { r.running = false }()
			if err := r.router.Run(ctx); err != nil {
				r.logger.Error("Router error", err, nil)
			}
		}()

		<-r.router.Running()
		close(running)
	}()

	return running
}

// Running returns a channel that closes when the router is running.
func (r *Router) Running() <-chan struct{} {
	return r.router.Running()
}

// Close gracefully stops the router.
// Waits for in-flight messages to complete up to CloseTimeout.
func (r *Router) Close() error {
	return r.router.Close()
}

// IsRunning returns whether the router is currently processing messages.
func (r *Router) IsRunning() bool {
	return r.running
}
