// Package wstransport implements the ASAP WebSocket transport: a
// persistent, reconnecting, bidirectional channel to one remote agent
// with at-least-once delivery for envelopes that require
// acknowledgement, built on a read/write pump with ping/pong keepalive,
// single-writer discipline, a circuit breaker gating sends, and
// exponential backoff on reconnect.
package wstransport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/asap-proto/asap/pkg/breaker"
	"github.com/asap-proto/asap/pkg/envelope"
)

var (
	// ErrNotConnected is returned by Send when no live connection exists.
	ErrNotConnected = errors.New("wstransport: not connected")
	// ErrReceiveTimeout is returned by SendAndReceive when no matching
	// response arrives within the configured receive timeout.
	ErrReceiveTimeout = errors.New("wstransport: receive timeout")
	// ErrClosed is returned by in-flight calls when Close is invoked.
	ErrClosed = errors.New("wstransport: transport closed")
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
)

// Config configures a Transport.
type Config struct {
	URL                   string
	InitialBackoff        time.Duration
	MaxBackoff            time.Duration
	MaxReconnectAttempts  int
	AckCheckInterval      time.Duration
	AckTimeout            time.Duration
	MaxAckRetries         int
	ReceiveTimeout        time.Duration
	RatePerSecond         float64
	BreakerThreshold      int
	BreakerTimeout        time.Duration
	Logger                *slog.Logger
}

// DefaultConfig returns production defaults for url.
func DefaultConfig(url string) Config {
	return Config{
		URL:                  url,
		InitialBackoff:       1 * time.Second,
		MaxBackoff:           30 * time.Second,
		MaxReconnectAttempts: 10,
		AckCheckInterval:     5 * time.Second,
		AckTimeout:           10 * time.Second,
		MaxAckRetries:        3,
		ReceiveTimeout:       30 * time.Second,
		RatePerSecond:        50,
		BreakerThreshold:     breaker.DefaultThreshold,
		BreakerTimeout:       breaker.DefaultTimeout,
	}
}

// wireFrame discriminates an inbound frame as either an ack or an
// Envelope without committing to either shape up front.
type wireFrame struct {
	Type string `json:"type,omitempty"`
}

type pendingAck struct {
	envelope *envelope.Envelope
	sentAt   time.Time
	retries  int
}

type pendingResult struct {
	envelope *envelope.Envelope
	err      error
}

// EnvelopeHandler processes an unsolicited inbound Envelope (one with
// no pending SendAndReceive future awaiting it).
type EnvelopeHandler func(env *envelope.Envelope)

// Transport is a single reconnecting WebSocket connection to one remote
// agent. The run loop, recv loop, and ack-check loop are all started by
// Connect and torn down by Close; after Close returns no goroutines
// remain and every map is empty.
type Transport struct {
	cfg     Config
	dialer  *websocket.Dialer
	onRecv  EnvelopeHandler
	breaker *breaker.Breaker
	limiter *rate.Limiter
	logger  *slog.Logger

	connMu sync.Mutex
	conn   *websocket.Conn

	writeMu sync.Mutex // gorilla connections are not safe for concurrent writes

	pendingAcksMu sync.Mutex
	pendingAcks   map[string]*pendingAck

	pendingReqsMu sync.Mutex
	pendingReqs   map[string]chan pendingResult

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Transport for cfg.URL. onRecv is invoked for every
// inbound Envelope that isn't the resolution of a pending
// SendAndReceive call.
func New(cfg Config, onRecv EnvelopeHandler) *Transport {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	rps := cfg.RatePerSecond
	if rps <= 0 {
		rps = 50
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Transport{
		cfg:         cfg,
		dialer:      websocket.DefaultDialer,
		onRecv:      onRecv,
		breaker:     breaker.New(cfg.URL, cfg.BreakerThreshold, cfg.BreakerTimeout),
		limiter:     rate.NewLimiter(rate.Limit(rps), int(rps)+1),
		logger:      cfg.Logger,
		pendingAcks: make(map[string]*pendingAck),
		pendingReqs: make(map[string]chan pendingResult),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Connect starts the run loop, which dials, supervises reconnection,
// and (per live connection) runs the recv and ack-check loops.
func (t *Transport) Connect() {
	t.wg.Add(1)
	go t.runLoop()
}

func (t *Transport) runLoop() {
	defer t.wg.Done()

	attempt := 0
	for {
		if t.ctx.Err() != nil {
			return
		}

		conn, _, err := t.dialer.DialContext(t.ctx, t.cfg.URL, nil)
		if err != nil {
			attempt++
			if attempt >= t.cfg.MaxReconnectAttempts {
				t.logger.Error("wstransport: giving up after max reconnect attempts", "url", t.cfg.URL, "attempts", attempt)
				return
			}
			delay := backoffDelay(t.cfg.InitialBackoff, t.cfg.MaxBackoff, attempt)
			select {
			case <-time.After(delay):
			case <-t.ctx.Done():
				return
			}
			continue
		}
		attempt = 0
		t.setConn(conn)

		connCtx, connCancel := context.WithCancel(t.ctx)
		var live sync.WaitGroup
		live.Add(3)
		go func() { defer live.Done(); t.recvLoop(conn, connCancel) }()
		go func() { defer live.Done(); t.ackCheckLoop(connCtx, conn) }()
		go func() { defer live.Done(); t.pingLoop(connCtx, conn) }()
		live.Wait()

		t.setConn(nil)
		_ = conn.Close()

		if t.ctx.Err() != nil {
			return
		}
	}
}

// backoffDelay computes min(initial*2^(attempt-1), max).
func backoffDelay(initial, max time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := initial * time.Duration(1<<uint(attempt-1))
	if delay > max {
		delay = max
	}
	return delay
}

func (t *Transport) setConn(c *websocket.Conn) {
	t.connMu.Lock()
	t.conn = c
	t.connMu.Unlock()
}

func (t *Transport) getConn() *websocket.Conn {
	t.connMu.Lock()
	defer t.connMu.Unlock()
	return t.conn
}

func (t *Transport) recvLoop(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		t.handleFrame(data)
	}
}

func (t *Transport) handleFrame(data []byte) {
	var frame wireFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		t.logger.Warn("wstransport: malformed frame", "error", err)
		return
	}

	if frame.Type == "ack" {
		var ack envelope.AckPayload
		if err := json.Unmarshal(data, &ack); err != nil {
			return
		}
		t.removePendingAck(ack.EnvelopeID)
		return
	}

	var env envelope.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.logger.Warn("wstransport: malformed envelope frame", "error", err)
		return
	}

	if env.CorrelationID != "" {
		if ch, ok := t.takePendingReq(env.CorrelationID); ok {
			t.removePendingAck(env.CorrelationID)
			ch <- pendingResult{envelope: &env}
			return
		}
	}

	if t.onRecv != nil {
		t.onRecv(&env)
	}
}

func (t *Transport) ackCheckLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(t.cfg.AckCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.checkPendingAcks(conn)
		}
	}
}

func (t *Transport) checkPendingAcks(conn *websocket.Conn) {
	now := time.Now()

	t.pendingAcksMu.Lock()
	var toResend []*pendingAck
	var toDrop []string
	for id, pa := range t.pendingAcks {
		if now.Sub(pa.sentAt) < t.cfg.AckTimeout {
			continue
		}
		if pa.retries < t.cfg.MaxAckRetries {
			pa.retries++
			pa.sentAt = now
			toResend = append(toResend, pa)
		} else {
			toDrop = append(toDrop, id)
		}
	}
	for _, id := range toDrop {
		delete(t.pendingAcks, id)
	}
	t.pendingAcksMu.Unlock()

	for _, pa := range toResend {
		if err := t.writeEnvelope(conn, pa.envelope); err != nil {
			t.logger.Warn("wstransport: ack resend failed", "envelope_id", pa.envelope.ID, "error", err)
		}
	}
	for range toDrop {
		t.breaker.RecordFailure()
	}
}

// pingLoop keeps the read deadline alive: the peer answers each ping
// with a pong, which recvLoop's pong handler uses to extend pongWait.
func (t *Transport) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.writeMu.Lock()
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			t.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (t *Transport) removePendingAck(envelopeID string) {
	t.pendingAcksMu.Lock()
	delete(t.pendingAcks, envelopeID)
	t.pendingAcksMu.Unlock()
}

func (t *Transport) takePendingReq(correlationID string) (chan pendingResult, bool) {
	t.pendingReqsMu.Lock()
	defer t.pendingReqsMu.Unlock()
	ch, ok := t.pendingReqs[correlationID]
	if ok {
		delete(t.pendingReqs, correlationID)
	}
	return ch, ok
}

func (t *Transport) writeEnvelope(conn *websocket.Conn, env *envelope.Envelope) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return conn.WriteJSON(env)
}

// Send transmits env over the live connection, blocking until the
// outbound rate limiter admits it. When requireAck is true, the
// envelope is tracked in the pending-ack map until an ack frame or a
// correlated response arrives.
func (t *Transport) Send(ctx context.Context, env *envelope.Envelope, requireAck bool) error {
	if err := t.limiter.Wait(ctx); err != nil {
		return err
	}
	if err := t.breaker.Allow(); err != nil {
		return err
	}

	conn := t.getConn()
	if conn == nil {
		return ErrNotConnected
	}

	if err := t.writeEnvelope(conn, env); err != nil {
		t.breaker.RecordFailure()
		return fmt.Errorf("wstransport: write failed: %w", err)
	}
	t.breaker.RecordSuccess()

	if requireAck {
		t.pendingAcksMu.Lock()
		t.pendingAcks[env.ID] = &pendingAck{envelope: env, sentAt: time.Now()}
		t.pendingAcksMu.Unlock()
	}
	return nil
}

// SendAndReceive sends env and blocks until a response whose
// correlation_id matches env.ID arrives, the receive timeout elapses,
// ctx is cancelled, or the transport is closed.
func (t *Transport) SendAndReceive(ctx context.Context, env *envelope.Envelope) (*envelope.Envelope, error) {
	resultCh := make(chan pendingResult, 1)

	t.pendingReqsMu.Lock()
	t.pendingReqs[env.ID] = resultCh
	t.pendingReqsMu.Unlock()
	defer func() {
		t.pendingReqsMu.Lock()
		delete(t.pendingReqs, env.ID)
		t.pendingReqsMu.Unlock()
	}()

	if err := t.Send(ctx, env, true); err != nil {
		return nil, err
	}

	timeout := t.cfg.ReceiveTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-resultCh:
		return res.envelope, res.err
	case <-timer.C:
		return nil, ErrReceiveTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.ctx.Done():
		return nil, ErrClosed
	}
}

// Close tears down the run/recv/ack-check loops, resolves all
// outstanding SendAndReceive futures with ErrClosed, and clears every
// pending map. After Close returns, no goroutines owned by this
// Transport remain.
func (t *Transport) Close() {
	t.cancel()
	if conn := t.getConn(); conn != nil {
		_ = conn.Close()
	}
	t.wg.Wait()

	t.pendingReqsMu.Lock()
	for id, ch := range t.pendingReqs {
		ch <- pendingResult{err: ErrClosed}
		delete(t.pendingReqs, id)
	}
	t.pendingReqsMu.Unlock()

	t.pendingAcksMu.Lock()
	for id := range t.pendingAcks {
		delete(t.pendingAcks, id)
	}
	t.pendingAcksMu.Unlock()
}
