// Package feed implements the resilient streaming market data client.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"botfleet/shared"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
	"github.com/rs/zerolog"
)

const (
	// defaultReconnectMin is the default base reconnect delay.
	defaultReconnectMin = time.Millisecond * 500
	// defaultReconnectMax is the default reconnect delay cap. Deliberately
	// independent of the cache's retry constants.
	defaultReconnectMax = time.Second * 30
	// defaultAckTimeout is the default wait for subscription acknowledgements.
	defaultAckTimeout = time.Second * 5
	// jitterFraction is the fraction of the reconnect delay added as jitter.
	jitterFraction = 0.1
)

// Conn defines the requirements for the stream transport connection.
type Conn interface {
	// ReadMessage reads the next message from the connection.
	ReadMessage() (int, []byte, error)
	// WriteMessage writes a message to the connection.
	WriteMessage(messageType int, data []byte) error
	// SetReadDeadline bounds subsequent reads on the connection.
	SetReadDeadline(t time.Time) error
	// Close closes the connection.
	Close() error
}

// Dialer opens a transport connection to the provided stream url.
type Dialer func(ctx context.Context, url string) (Conn, error)

// DialWebsocket is the default websocket dialer.
func DialWebsocket(ctx context.Context, url string) (Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", url, err)
	}

	return conn, nil
}

// Config represents the market feed configuration.
type Config struct {
	// URL is the exchange stream url.
	URL string
	// Dial opens the stream transport connection.
	Dial Dialer
	// RelayCandle relays a parsed candle for processing.
	RelayCandle func(candle shared.Candle)
	// ReconnectMin is the base reconnect delay.
	ReconnectMin time.Duration
	// ReconnectMax caps the reconnect delay.
	ReconnectMax time.Duration
	// AckTimeout bounds the wait for subscription acknowledgements.
	AckTimeout time.Duration
	// Logger represents the application logger.
	Logger *zerolog.Logger
}

// Feed maintains one multiplexed live subscription stream for all tracked
// (symbol, interval) pairs and survives connection faults transparently.
type Feed struct {
	cfg     *Config
	backoff *backoff.Backoff

	stateMtx sync.RWMutex
	state    shared.ConnectionState

	// desired is the desired subscription set, mutated under a single
	// mutex writer and resent in full on every reconnect.
	desiredMtx sync.Mutex
	desired    map[string]shared.Subscription

	connMtx sync.Mutex
	conn    Conn

	running   atomic.Bool
	closeOnce sync.Once
	quit      chan struct{}
}

// Ensure the feed implements the MarketStream interface.
var _ shared.MarketStream = (*Feed)(nil)

// NewFeed initializes a new market feed.
func NewFeed(cfg *Config) (*Feed, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("feed url cannot be an empty string")
	}
	if cfg.RelayCandle == nil {
		return nil, fmt.Errorf("candle relay function cannot be nil")
	}
	if cfg.Dial == nil {
		cfg.Dial = DialWebsocket
	}
	if cfg.ReconnectMin == 0 {
		cfg.ReconnectMin = defaultReconnectMin
	}
	if cfg.ReconnectMax == 0 {
		cfg.ReconnectMax = defaultReconnectMax
	}
	if cfg.AckTimeout == 0 {
		cfg.AckTimeout = defaultAckTimeout
	}

	return &Feed{
		cfg: cfg,
		backoff: &backoff.Backoff{
			Min:    cfg.ReconnectMin,
			Max:    cfg.ReconnectMax,
			Factor: 2,
			// Jitter is applied separately so the underlying delay curve
			// stays non-decreasing across consecutive failures.
			Jitter: false,
		},
		state:   shared.Closed,
		desired: make(map[string]shared.Subscription),
		quit:    make(chan struct{}),
	}, nil
}

// State returns the current connection state of the feed.
func (f *Feed) State() shared.ConnectionState {
	f.stateMtx.RLock()
	defer f.stateMtx.RUnlock()
	return f.state
}

// setState transitions the feed to the provided connection state.
func (f *Feed) setState(state shared.ConnectionState) {
	f.stateMtx.Lock()
	defer f.stateMtx.Unlock()

	// Shutdown is terminal apart from reaching closed.
	if f.state == shared.ShuttingDown && state != shared.Closed {
		return
	}

	f.state = state
}

// Health reports the health of the feed connection.
func (f *Feed) Health() shared.Health {
	connected := f.State() == shared.Connected
	return shared.Health{Connected: connected, PingOK: connected}
}

// Subscribe adds the provided pair to the desired subscription set. The
// control frame is sent immediately when connected and otherwise queued for
// the next successful connection.
func (f *Feed) Subscribe(symbol string, interval shared.Interval) error {
	sub := shared.Subscription{Symbol: symbol, Interval: interval}

	f.desiredMtx.Lock()
	f.desired[sub.Key()] = sub
	f.desiredMtx.Unlock()

	return f.sendControlFrame(frameSubscribe, &sub)
}

// Unsubscribe removes the provided pair from the desired subscription set.
func (f *Feed) Unsubscribe(symbol string, interval shared.Interval) error {
	sub := shared.Subscription{Symbol: symbol, Interval: interval}

	f.desiredMtx.Lock()
	delete(f.desired, sub.Key())
	f.desiredMtx.Unlock()

	return f.sendControlFrame(frameUnsubscribe, &sub)
}

// sendControlFrame sends the provided subscription control frame if the feed
// is currently connected. Failures are left to the reconnect path, which
// resends the full desired set.
func (f *Feed) sendControlFrame(kind string, sub *shared.Subscription) error {
	if f.State() != shared.Connected {
		return nil
	}

	f.connMtx.Lock()
	conn := f.conn
	f.connMtx.Unlock()
	if conn == nil {
		return nil
	}

	return writeControlFrame(conn, kind, sub)
}

// writeControlFrame writes the provided subscription control frame to the
// connection.
func writeControlFrame(conn Conn, kind string, sub *shared.Subscription) error {
	frame, err := json.Marshal(controlFrame{Type: kind, Symbol: sub.Symbol, Interval: sub.Interval.String()})
	if err != nil {
		return fmt.Errorf("marshaling %s frame: %w", kind, err)
	}

	err = conn.WriteMessage(websocket.TextMessage, frame)
	if err != nil {
		return fmt.Errorf("sending %s frame for %s: %w", kind, sub.Key(), err)
	}

	return nil
}

// desiredSnapshot copies the current desired subscription set.
func (f *Feed) desiredSnapshot() []shared.Subscription {
	f.desiredMtx.Lock()
	defer f.desiredMtx.Unlock()

	subs := make([]shared.Subscription, 0, len(f.desired))
	for _, sub := range f.desired {
		subs = append(subs, sub)
	}

	return subs
}

// nextDelay returns the next reconnect delay with jitter applied.
func (f *Feed) nextDelay() time.Duration {
	delay := f.backoff.Duration()
	jitter := time.Duration(rand.Float64() * jitterFraction * float64(delay))
	return delay + jitter
}

// Run manages the lifecycle processes of the feed, owning the single stream
// reader. It is idempotent; concurrent calls beyond the first are no-ops.
func (f *Feed) Run(ctx context.Context) {
	if !f.running.CompareAndSwap(false, true) {
		return
	}
	defer f.running.Store(false)
	defer f.setState(shared.Closed)

	for {
		select {
		case <-ctx.Done():
			f.Close()
			return
		case <-f.quit:
			return
		default:
			// fallthrough
		}

		err := f.streamOnce(ctx)
		if f.State() == shared.ShuttingDown || ctx.Err() != nil {
			return
		}
		if err != nil {
			f.cfg.Logger.Error().Msgf("feed connection fault: %v", err)
		}

		f.setState(shared.Reconnecting)
		delay := f.nextDelay()
		f.cfg.Logger.Info().Msgf("reconnecting feed in %s", delay)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			f.Close()
			return
		case <-f.quit:
			// Close cancels a pending reconnect wait immediately.
			timer.Stop()
			return
		case <-timer.C:
			// do nothing.
		}
	}
}

// streamOnce establishes one connection, resends the desired subscription
// set, and streams messages until a fault or shutdown.
func (f *Feed) streamOnce(ctx context.Context) error {
	f.setState(shared.Connecting)

	conn, err := f.cfg.Dial(ctx, f.cfg.URL)
	if err != nil {
		return fmt.Errorf("connecting feed: %w", err)
	}

	f.connMtx.Lock()
	f.conn = conn
	f.connMtx.Unlock()
	defer func() {
		conn.Close()
		f.connMtx.Lock()
		f.conn = nil
		f.connMtx.Unlock()
	}()

	// The full desired set is resent and acknowledged before the feed is
	// reported connected to consumers.
	sent, buffered, err := f.resubscribe(conn)
	if err != nil {
		return fmt.Errorf("restoring subscriptions: %w", err)
	}

	f.setState(shared.Connected)

	// The desired set may have changed while acknowledgements were pending,
	// since control frames are only sent directly on a connected feed.
	f.reconcileSubscriptions(conn, sent)
	f.cfg.Logger.Info().Msgf("feed connected with %d subscriptions", len(f.desiredSnapshot()))

	for idx := range buffered {
		f.handleMessage(buffered[idx])
	}

	productive := len(buffered) > 0
	if productive {
		f.backoff.Reset()
	}

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("reading stream message: %w", err)
		}

		if !productive {
			// The connection survived long enough to process a message,
			// so the reconnect delay resets to its base.
			productive = true
			f.backoff.Reset()
		}

		f.handleMessage(msg)
	}
}

// resubscribe resends the desired subscription set on the provided connection
// and awaits an acknowledgement for every subscription. It returns the set of
// subscriptions sent, keyed canonically, plus any data frames arriving during
// the wait for processing after the feed is connected.
func (f *Feed) resubscribe(conn Conn) (map[string]shared.Subscription, [][]byte, error) {
	subs := f.desiredSnapshot()

	sent := make(map[string]shared.Subscription, len(subs))
	pending := make(map[string]struct{}, len(subs))
	for idx := range subs {
		err := writeControlFrame(conn, frameSubscribe, &subs[idx])
		if err != nil {
			return nil, nil, err
		}

		sent[subs[idx].Key()] = subs[idx]
		pending[subs[idx].Key()] = struct{}{}
	}

	if len(pending) == 0 {
		return sent, nil, nil
	}

	conn.SetReadDeadline(time.Now().Add(f.cfg.AckTimeout))
	defer conn.SetReadDeadline(time.Time{})

	buffered := make([][]byte, 0)
	for len(pending) > 0 {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return nil, nil, fmt.Errorf("awaiting subscription acks: %w", err)
		}

		switch frameType(msg) {
		case frameAck:
			key, err := ackKey(msg)
			if err != nil {
				f.cfg.Logger.Error().Msgf("dropping malformed ack frame: %v", err)
				continue
			}
			delete(pending, key)
		default:
			buffered = append(buffered, msg)
		}
	}

	return sent, buffered, nil
}

// reconcileSubscriptions diffs the desired subscription set against the set
// sent during resubscription, subscribing additions and unsubscribing
// removals that landed while acknowledgements were pending. Write failures
// are logged and left to the reconnect path.
func (f *Feed) reconcileSubscriptions(conn Conn, sent map[string]shared.Subscription) {
	f.desiredMtx.Lock()
	added := make([]shared.Subscription, 0)
	removed := make([]shared.Subscription, 0)
	for key, sub := range f.desired {
		if _, ok := sent[key]; !ok {
			added = append(added, sub)
		}
	}
	for key, sub := range sent {
		if _, ok := f.desired[key]; !ok {
			removed = append(removed, sub)
		}
	}
	f.desiredMtx.Unlock()

	for idx := range added {
		err := writeControlFrame(conn, frameSubscribe, &added[idx])
		if err != nil {
			f.cfg.Logger.Error().Msgf("reconciling subscriptions: %v", err)
		}
	}
	for idx := range removed {
		err := writeControlFrame(conn, frameUnsubscribe, &removed[idx])
		if err != nil {
			f.cfg.Logger.Error().Msgf("reconciling subscriptions: %v", err)
		}
	}
}

// handleMessage dispatches one inbound frame. Malformed frames are logged
// and dropped without resetting the connection.
func (f *Feed) handleMessage(msg []byte) {
	switch frameType(msg) {
	case frameKline:
		candle, err := parseCandle(msg)
		if err != nil {
			f.cfg.Logger.Error().Msgf("dropping malformed kline frame: %v", err)
			return
		}
		f.cfg.RelayCandle(candle)
	case framePing:
		f.pong()
	case frameAck, framePong:
		// do nothing.
	default:
		f.cfg.Logger.Error().Msgf("dropping frame with unknown type %q", frameType(msg))
	}
}

// pong answers a ping control frame.
func (f *Feed) pong() {
	f.connMtx.Lock()
	conn := f.conn
	f.connMtx.Unlock()
	if conn == nil {
		return
	}

	frame, err := json.Marshal(pongFrame{Type: framePong})
	if err != nil {
		return
	}

	err = conn.WriteMessage(websocket.TextMessage, frame)
	if err != nil {
		f.cfg.Logger.Error().Msgf("sending pong frame: %v", err)
	}
}

// Close terminates the feed. It is idempotent, cancels any pending reconnect
// wait and prevents further reconnection attempts.
func (f *Feed) Close() {
	f.closeOnce.Do(func() {
		f.setState(shared.ShuttingDown)
		close(f.quit)

		f.connMtx.Lock()
		if f.conn != nil {
			f.conn.Close()
		}
		f.connMtx.Unlock()

		if !f.running.Load() {
			f.setState(shared.Closed)
		}
	})
}
