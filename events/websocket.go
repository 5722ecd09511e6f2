package events

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-cache/types"
	"github.com/saiset-co/sai-cache/utils"
)

type FeedState int32

const (
	FeedStateStopped FeedState = iota
	FeedStateStarting
	FeedStateRunning
	FeedStateStopping
	FeedStateReconnecting
)

type WebSocketConfig struct {
	URL            string        `yaml:"url" json:"url"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay" json:"reconnect_delay"`
	MaxRetries     int           `yaml:"max_retries" json:"max_retries"`
	PingInterval   time.Duration `yaml:"ping_interval" json:"ping_interval"`
	PongWait       time.Duration `yaml:"pong_wait" json:"pong_wait"`
	WriteWait      time.Duration `yaml:"write_wait" json:"write_wait"`
}

// WebSocketFeed relays change events to the application shell over a
// websocket and injects events arriving from the shell into local
// subscribers. Local delivery stays synchronous; only the outbound leg
// is queued.
type WebSocketFeed struct {
	ctx               context.Context
	cancel            context.CancelFunc
	logger            types.Logger
	metrics           types.MetricsManager
	config            *WebSocketConfig
	local             *MemoryBroker
	conn              *websocket.Conn
	connMu            sync.RWMutex
	send              chan *types.ChangeEvent
	reconnectCh       chan struct{}
	state             atomic.Value
	reconnectAttempts int32
	shutdownTimeout   time.Duration
}

func NewWebSocketFeed(ctx context.Context, logger types.Logger, config *types.EventsConfig, metrics types.MetricsManager) (types.ChangeBroker, error) {
	wsConfig := &WebSocketConfig{
		URL:            "ws://localhost:8081/feed",
		ReconnectDelay: 5 * time.Second,
		MaxRetries:     10,
		PingInterval:   54 * time.Second,
		PongWait:       60 * time.Second,
		WriteWait:      10 * time.Second,
	}

	if config.Config != nil {
		err := utils.UnmarshalConfig(config.Config, wsConfig)
		if err != nil {
			return nil, types.WrapError(err, "failed to unmarshal websocket feed config")
		}
	}

	feedCtx, cancel := context.WithCancel(ctx)

	feed := &WebSocketFeed{
		ctx:             feedCtx,
		cancel:          cancel,
		logger:          logger,
		metrics:         metrics,
		config:          wsConfig,
		local:           NewMemoryBroker(logger, metrics),
		send:            make(chan *types.ChangeEvent, 256),
		reconnectCh:     make(chan struct{}, 1),
		shutdownTimeout: 10 * time.Second,
	}

	feed.state.Store(FeedStateStopped)

	logger.Info("WebSocket feed initialized",
		zap.String("url", wsConfig.URL),
		zap.Duration("reconnect_delay", wsConfig.ReconnectDelay),
		zap.Int("max_retries", wsConfig.MaxRetries))

	return feed, nil
}

func (w *WebSocketFeed) Publish(event *types.ChangeEvent) error {
	if !w.IsRunning() {
		return types.ErrEventsNotInitialized
	}

	if err := w.local.Publish(event); err != nil {
		return err
	}

	select {
	case w.send <- event:
		return nil
	case <-w.ctx.Done():
		return types.ErrEventsNotInitialized
	default:
		// Local subscribers already ran; a full outbound queue only
		// loses the relay copy.
		w.logger.Warn("Feed send queue full, dropping relay copy",
			zap.String("op", string(event.Op)),
			zap.String("message_id", event.MessageID))
		return types.ErrEventsPublishFailed
	}
}

func (w *WebSocketFeed) Subscribe(op types.ChangeOp, handler types.ChangeHandler) error {
	return w.local.Subscribe(op, handler)
}

func (w *WebSocketFeed) Unsubscribe(op types.ChangeOp) error {
	return w.local.Unsubscribe(op)
}

func (w *WebSocketFeed) Start() error {
	if !w.transitionState(FeedStateStopped, FeedStateStarting) {
		return types.ErrServerAlreadyRunning
	}

	defer func() {
		if w.getState() == FeedStateStarting {
			w.setState(FeedStateRunning)
		}
	}()

	if err := w.local.Start(); err != nil {
		w.setState(FeedStateStopped)
		return err
	}

	if err := w.connect(); err != nil {
		w.setState(FeedStateStopped)
		return types.WrapError(err, "failed to establish initial connection")
	}

	go w.readPump()
	go w.writePump()
	go w.reconnectLoop()

	w.logger.Info("WebSocket feed started")
	return nil
}

func (w *WebSocketFeed) Stop() error {
	if !w.transitionState(FeedStateRunning, FeedStateStopping) &&
		!w.transitionState(FeedStateReconnecting, FeedStateStopping) {
		return types.ErrServerNotRunning
	}

	defer func() {
		w.setState(FeedStateStopped)
		w.cancel()
	}()

	w.connMu.Lock()
	if w.conn != nil {
		if err := w.conn.Close(); err != nil {
			w.logger.Error("Failed to close feed connection", zap.Error(err))
		}
		w.conn = nil
	}
	w.connMu.Unlock()

	if err := w.local.Stop(); err != nil {
		w.logger.Warn("Local broker stop failed", zap.Error(err))
	}

	w.logger.Info("WebSocket feed stopped gracefully")
	return nil
}

func (w *WebSocketFeed) IsRunning() bool {
	state := w.getState()
	return state == FeedStateRunning || state == FeedStateReconnecting
}

func (w *WebSocketFeed) getState() FeedState {
	return w.state.Load().(FeedState)
}

func (w *WebSocketFeed) setState(newState FeedState) bool {
	currentState := w.getState()
	return w.state.CompareAndSwap(currentState, newState)
}

func (w *WebSocketFeed) transitionState(from, to FeedState) bool {
	return w.state.CompareAndSwap(from, to)
}

func (w *WebSocketFeed) connect() error {
	dialCtx, cancel := context.WithTimeout(w.ctx, 10*time.Second)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, w.config.URL, nil)
	if err != nil {
		return types.WrapError(err, "failed to dial feed endpoint")
	}

	w.connMu.Lock()
	if w.conn != nil {
		_ = w.conn.Close()
	}
	w.conn = conn
	w.connMu.Unlock()

	_ = conn.SetReadDeadline(time.Now().Add(w.config.PongWait))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(w.config.PongWait))
		return nil
	})

	atomic.StoreInt32(&w.reconnectAttempts, 0)

	w.logger.Info("Connected to change feed endpoint",
		zap.String("url", w.config.URL))
	return nil
}

func (w *WebSocketFeed) reconnectLoop() {
	defer w.logger.Debug("Feed reconnect loop stopped")

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-w.reconnectCh:
			if !w.IsRunning() {
				return
			}

			if w.getState() == FeedStateRunning {
				w.setState(FeedStateReconnecting)
			}

			retryCount := atomic.LoadInt32(&w.reconnectAttempts)
			if int(retryCount) >= w.config.MaxRetries {
				w.logger.Error("Max feed reconnection attempts reached, stopping")
				if w.transitionState(FeedStateReconnecting, FeedStateStopping) {
					w.cancel()
				}
				return
			}

			select {
			case <-time.After(w.config.ReconnectDelay):
			case <-w.ctx.Done():
				return
			}

			atomic.AddInt32(&w.reconnectAttempts, 1)

			if err := w.connect(); err != nil {
				w.logger.Error("Feed reconnection attempt failed",
					zap.Int32("attempt", atomic.LoadInt32(&w.reconnectAttempts)),
					zap.Error(err))
				w.safeReconnectTrigger()
				continue
			}

			w.setState(FeedStateRunning)
			go w.readPump()
		}
	}
}

func (w *WebSocketFeed) safeReconnectTrigger() {
	select {
	case w.reconnectCh <- struct{}{}:
	case <-w.ctx.Done():
	default:
	}
}

func (w *WebSocketFeed) readPump() {
	defer w.logger.Debug("Feed read pump stopped")

	for {
		select {
		case <-w.ctx.Done():
			return
		default:
			if !w.IsRunning() {
				return
			}

			ok := w.withConnection(func(conn *websocket.Conn) error {
				_, messageData, err := conn.ReadMessage()
				if err != nil {
					if websocket.IsCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
						w.logger.Debug("Feed connection closed", zap.Error(err))
					}
					return err
				}

				var event types.ChangeEvent
				if err := utils.Unmarshal(messageData, &event); err != nil {
					w.logger.Error("Failed to unmarshal feed event", zap.Error(err))
					return nil
				}

				// Events from the shell flow into local subscribers
				// but are not relayed back out.
				if err := w.local.Publish(&event); err != nil {
					w.logger.Error("Failed to dispatch feed event", zap.Error(err))
				}
				return nil
			})

			if !ok && w.IsRunning() {
				w.safeReconnectTrigger()
				return
			}
		}
	}
}

func (w *WebSocketFeed) writePump() {
	ticker := time.NewTicker(w.config.PingInterval)
	defer func() {
		ticker.Stop()
		w.logger.Debug("Feed write pump stopped")
	}()

	for {
		select {
		case <-w.ctx.Done():
			return
		case event := <-w.send:
			if !w.IsRunning() {
				return
			}

			ok := w.withConnection(func(conn *websocket.Conn) error {
				_ = conn.SetWriteDeadline(time.Now().Add(w.config.WriteWait))

				data, err := utils.Marshal(event)
				if err != nil {
					w.logger.Error("Failed to marshal feed event", zap.Error(err))
					return nil
				}

				return conn.WriteMessage(websocket.TextMessage, data)
			})

			if !ok && w.IsRunning() {
				w.safeReconnectTrigger()
			}

		case <-ticker.C:
			if !w.IsRunning() {
				return
			}

			ok := w.withConnection(func(conn *websocket.Conn) error {
				_ = conn.SetWriteDeadline(time.Now().Add(w.config.WriteWait))
				return conn.WriteMessage(websocket.PingMessage, nil)
			})

			if !ok && w.IsRunning() {
				w.safeReconnectTrigger()
			}
		}
	}
}

func (w *WebSocketFeed) withConnection(fn func(*websocket.Conn) error) bool {
	w.connMu.RLock()
	defer w.connMu.RUnlock()

	if w.conn == nil {
		return false
	}

	if err := fn(w.conn); err != nil {
		w.logger.Error("Feed connection operation failed", zap.Error(err))
		return false
	}

	return true
}
