package feed

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const combinedStreamBase = "wss://fstream.binance.com/stream"

// Supervisor owns a single multiplexed websocket connection carrying every
// symbol's aggTrade/markPrice/kline streams, and applies exponential-backoff
// reconnection, a periodic ping heartbeat, and a stale-feed watchdog.
type Supervisor struct {
	baseURL string
	subs    []string

	conn *websocket.Conn
	mu   sync.Mutex

	connected    atomic.Bool
	reconnecting atomic.Bool

	pingInterval  time.Duration
	reconnectBase time.Duration
	reconnectMax  time.Duration
	staleTimeout  time.Duration

	lastMessageAt atomic.Int64
	reconnects    atomic.Int64

	events chan MarketEvent
	errs   chan error

	log zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// Option configures a Supervisor at construction.
type Option func(*Supervisor)

func WithBaseURL(u string) Option              { return func(s *Supervisor) { s.baseURL = u } }
func WithPingInterval(d time.Duration) Option  { return func(s *Supervisor) { s.pingInterval = d } }
func WithReconnectBase(d time.Duration) Option { return func(s *Supervisor) { s.reconnectBase = d } }
func WithReconnectMax(d time.Duration) Option  { return func(s *Supervisor) { s.reconnectMax = d } }
func WithStaleTimeout(d time.Duration) Option  { return func(s *Supervisor) { s.staleTimeout = d } }

// NewSupervisor builds a supervisor for the given per-symbol subscription
// streams, e.g. "btcusdt@aggTrade", "btcusdt@markPrice@1s", "btcusdt@kline_5m".
func NewSupervisor(subs []string, log zerolog.Logger, opts ...Option) *Supervisor {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Supervisor{
		baseURL:       combinedStreamBase,
		subs:          subs,
		pingInterval:  15 * time.Second,
		reconnectBase: 1 * time.Second,
		reconnectMax:  15 * time.Second,
		staleTimeout:  45 * time.Second,
		events:        make(chan MarketEvent, 1024),
		errs:          make(chan error, 16),
		log:           log,
		ctx:           ctx,
		cancel:        cancel,
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Events returns the channel of decoded events. The tick loop is the only
// consumer; the supervisor is the only producer.
func (s *Supervisor) Events() <-chan MarketEvent { return s.events }

// Errors returns the channel of decode/venue errors surfaced for logging.
func (s *Supervisor) Errors() <-chan error { return s.errs }

// Run dials the combined stream, subscribes, and loops reconnecting with
// exponential backoff until the context is cancelled.
func (s *Supervisor) Run() {
	attempt := 0
	for {
		select {
		case <-s.ctx.Done():
			close(s.done)
			return
		default:
		}

		if err := s.connect(); err != nil {
			delay := backoff(s.reconnectBase, s.reconnectMax, attempt)
			s.log.Warn().Err(err).Dur("delay", delay).Int("attempt", attempt).Msg("feed connect failed")
			s.reconnects.Add(1)
			attempt++
			select {
			case <-time.After(delay):
				continue
			case <-s.ctx.Done():
				close(s.done)
				return
			}
		}

		attempt = 0
		s.connected.Store(true)
		s.lastMessageAt.Store(nowMs())

		var wg sync.WaitGroup
		wg.Add(2)
		go func() { defer wg.Done(); s.pingLoop() }()
		go func() { defer wg.Done(); s.readLoop() }()
		wg.Wait()

		s.connected.Store(false)
		select {
		case <-s.ctx.Done():
			close(s.done)
			return
		default:
		}
	}
}

func (s *Supervisor) connect() error {
	u := fmt.Sprintf("%s?streams=%s", s.baseURL, strings.Join(s.subs, "/"))
	if _, err := url.Parse(u); err != nil {
		return fmt.Errorf("invalid stream url: %w", err)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(s.ctx, u, nil)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	return nil
}

func (s *Supervisor) readLoop() {
	for {
		s.mu.Lock()
		conn := s.conn
		s.mu.Unlock()
		if conn == nil {
			return
		}
		_, raw, err := conn.ReadMessage()
		if err != nil {
			select {
			case s.errs <- fmt.Errorf("read: %w", err):
			default:
			}
			return
		}
		s.lastMessageAt.Store(nowMs())

		ev, err := Decode(raw)
		if err != nil {
			select {
			case s.errs <- err:
			default:
			}
			continue
		}
		if ev == nil {
			continue
		}
		select {
		case s.events <- *ev:
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Supervisor) pingLoop() {
	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.mu.Lock()
			conn := s.conn
			s.mu.Unlock()
			if conn == nil {
				return
			}
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		case <-s.ctx.Done():
			return
		}
	}
}

// Watchdog forces the current connection closed with code 4000 if no
// frame has been observed for longer than the configured stale timeout.
// Call once per tick.
func (s *Supervisor) Watchdog(now int64) {
	last := s.lastMessageAt.Load()
	if last == 0 {
		return
	}
	if now-last <= s.staleTimeout.Milliseconds() {
		return
	}
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()
	if conn != nil {
		s.log.Warn().Msg("feed stale, forcing reconnect")
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(4000, "stale feed"), time.Now().Add(time.Second))
		conn.Close()
	}
}

// IsConnected reports the current connection state.
func (s *Supervisor) IsConnected() bool { return s.connected.Load() }

// ReconnectAttempts reports the cumulative count of failed connect attempts
// since the supervisor started, for the caller to diff against a prometheus
// counter.
func (s *Supervisor) ReconnectAttempts() int64 { return s.reconnects.Load() }

// Stop cancels the supervisor and waits for its goroutines to exit.
func (s *Supervisor) Stop() {
	s.cancel()
	s.mu.Lock()
	if s.conn != nil {
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		s.conn.Close()
	}
	s.mu.Unlock()
	<-s.done
}

func backoff(base, max time.Duration, attempt int) time.Duration {
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

func nowMs() int64 { return time.Now().UnixMilli() }
