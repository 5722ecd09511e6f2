package events

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/saiset-co/sai-cache/types"
)

var customBrokerCreators = make(map[string]func(config interface{}) (types.ChangeBroker, error))

func RegisterChangeBroker(brokerName string, creator func(config interface{}) (types.ChangeBroker, error)) {
	customBrokerCreators[brokerName] = creator
}

// NewChangeBroker builds the configured change feed. Returns nil when
// events are disabled; callers treat a nil broker as "no observers".
func NewChangeBroker(ctx context.Context, config *types.EventsConfig, logger types.Logger, metrics types.MetricsManager) (types.ChangeBroker, error) {
	if config == nil || !config.Enabled {
		return nil, nil
	}

	switch config.Type {
	case "", "memory":
		return NewMemoryBroker(logger, metrics), nil
	case "websocket":
		return NewWebSocketFeed(ctx, logger, config, metrics)
	default:
		if creator, exists := customBrokerCreators[config.Type]; exists {
			return creator(config.Config)
		}
		return nil, types.Errorf(types.ErrEventsConfigInvalid, "type: %s", config.Type)
	}
}

// MemoryBroker dispatches change events synchronously to in-process
// handlers. Publish returns once every handler for the op has run, so
// a mutation is fully observed before the mutating call returns.
type MemoryBroker struct {
	logger        types.Logger
	metrics       types.MetricsManager
	subscriptions map[types.ChangeOp][]types.ChangeHandler
	mu            sync.RWMutex
	running       int32
}

func NewMemoryBroker(logger types.Logger, metrics types.MetricsManager) *MemoryBroker {
	return &MemoryBroker{
		logger:        logger,
		metrics:       metrics,
		subscriptions: make(map[types.ChangeOp][]types.ChangeHandler),
	}
}

func (mb *MemoryBroker) Start() error {
	if !atomic.CompareAndSwapInt32(&mb.running, 0, 1) {
		return types.ErrServerAlreadyRunning
	}

	mb.logger.Info("Change broker started")
	return nil
}

func (mb *MemoryBroker) Stop() error {
	if !atomic.CompareAndSwapInt32(&mb.running, 1, 0) {
		return types.ErrServerNotRunning
	}

	mb.mu.Lock()
	mb.subscriptions = make(map[types.ChangeOp][]types.ChangeHandler)
	mb.mu.Unlock()

	mb.logger.Info("Change broker stopped gracefully")
	return nil
}

func (mb *MemoryBroker) IsRunning() bool {
	return atomic.LoadInt32(&mb.running) == 1
}

func (mb *MemoryBroker) Publish(event *types.ChangeEvent) error {
	if event == nil {
		return types.ErrEventsConfigInvalid
	}

	if !mb.IsRunning() {
		return types.ErrEventsNotInitialized
	}

	mb.mu.RLock()
	handlers := make([]types.ChangeHandler, len(mb.subscriptions[event.Op]))
	copy(handlers, mb.subscriptions[event.Op])
	mb.mu.RUnlock()

	for _, handler := range handlers {
		mb.invoke(handler, event)
	}

	if mb.metrics != nil {
		mb.metrics.Counter("cache_change_events_total", map[string]string{
			"op": string(event.Op),
		}).Inc()
	}

	return nil
}

func (mb *MemoryBroker) Subscribe(op types.ChangeOp, handler types.ChangeHandler) error {
	if op == "" || handler == nil {
		return types.ErrEventsConfigInvalid
	}

	mb.mu.Lock()
	defer mb.mu.Unlock()

	mb.subscriptions[op] = append(mb.subscriptions[op], handler)

	mb.logger.Debug("Subscribed to change op",
		zap.String("op", string(op)),
		zap.Int("total_handlers", len(mb.subscriptions[op])))

	return nil
}

func (mb *MemoryBroker) Unsubscribe(op types.ChangeOp) error {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	handlersCount := len(mb.subscriptions[op])
	delete(mb.subscriptions, op)

	mb.logger.Debug("Unsubscribed from change op",
		zap.String("op", string(op)),
		zap.Int("removed_handlers", handlersCount))

	return nil
}

func (mb *MemoryBroker) invoke(handler types.ChangeHandler, event *types.ChangeEvent) {
	defer func() {
		if r := recover(); r != nil {
			mb.logger.Error("Change handler panicked",
				zap.String("op", string(event.Op)),
				zap.Any("panic", r))
		}
	}()

	if err := handler(event); err != nil {
		mb.logger.Error("Change handler failed",
			zap.String("op", string(event.Op)),
			zap.String("kind", string(event.Kind)),
			zap.Error(err))
	}
}
