// Package broker owns the single connection to the brokerage gateway. No
// other component holds the session handle; everything else goes through
// the adapter methods.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"brokerbot/internal/domain"
	"brokerbot/internal/metrics"
)

const (
	defaultCallTimeout  = 10 * time.Second
	defaultReadRetries  = 2
	defaultRetryBackoff = 250 * time.Millisecond
)

type Config struct {
	Host         string
	Port         int
	ClientID     int
	CallTimeout  time.Duration
	ReadRetries  int           // extra attempts for read-only calls
	RetryBackoff time.Duration // base backoff between read retries
	Logger       *slog.Logger
}

// Session is the single authenticated gateway connection. It is opened once
// at process start, reused for every invocation, and closed on shutdown.
//
// Concurrency: mutating calls hold the lock exclusively for the whole
// request/acknowledge round-trip; read-only calls share it, so market data
// lookups can overlap each other but never an in-flight order.
type Session struct {
	cfg    Config
	conn   *websocket.Conn
	logger *slog.Logger

	rw      sync.RWMutex // mutating exclusive vs read-only shared
	writeMu sync.Mutex   // websocket allows one concurrent writer

	pendMu  sync.Mutex
	pending map[string]chan gatewayResponse

	degraded atomic.Bool
	done     chan struct{}
	closeOne sync.Once
}

// Dial connects to the gateway and starts the response reader.
func Dial(ctx context.Context, cfg Config) (*Session, error) {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = defaultCallTimeout
	}
	if cfg.ReadRetries < 0 {
		cfg.ReadRetries = defaultReadRetries
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = defaultRetryBackoff
	}

	url := fmt.Sprintf("ws://%s:%d/v1/session?client_id=%d", cfg.Host, cfg.Port, cfg.ClientID)
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("connect gateway %s:%d: %w", cfg.Host, cfg.Port, err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	s := &Session{
		cfg:     cfg,
		conn:    conn,
		logger:  cfg.Logger,
		pending: make(map[string]chan gatewayResponse),
		done:    make(chan struct{}),
	}
	go s.readLoop()
	s.logger.Info("gateway session opened", "host", cfg.Host, "port", cfg.Port, "client_id", cfg.ClientID)
	return s, nil
}

// Degraded reports whether the session has seen a network-level failure.
func (s *Session) Degraded() bool { return s.degraded.Load() }

func (s *Session) Close() error {
	s.closeOne.Do(func() { close(s.done) })
	return s.conn.Close()
}

// readLoop demuxes gateway responses to their pending callers by
// correlation ID. A read error degrades the session and fails all pending
// round-trips.
func (s *Session) readLoop() {
	for {
		var resp gatewayResponse
		if err := s.conn.ReadJSON(&resp); err != nil {
			select {
			case <-s.done:
			default:
				s.logger.Error("gateway read failed, session degraded", "error", err)
				s.degraded.Store(true)
				metrics.SessionDegraded.Set(1)
			}
			s.failPending()
			return
		}

		s.pendMu.Lock()
		ch, ok := s.pending[resp.ID]
		if ok {
			delete(s.pending, resp.ID)
		}
		s.pendMu.Unlock()

		if !ok {
			s.logger.Warn("response for unknown correlation id", "id", resp.ID)
			continue
		}
		ch <- resp
	}
}

func (s *Session) failPending() {
	s.pendMu.Lock()
	for id, ch := range s.pending {
		close(ch)
		delete(s.pending, id)
	}
	s.pendMu.Unlock()
}

// roundTrip issues exactly one request and waits for its correlated
// response. The caller must already hold the appropriate session lock.
func (s *Session) roundTrip(ctx context.Context, method string, params any) (*gatewayResponse, error) {
	if s.degraded.Load() {
		return nil, &SessionError{Op: method, Err: fmt.Errorf("session degraded")}
	}

	id := uuid.NewString()
	ch := make(chan gatewayResponse, 1)
	s.pendMu.Lock()
	s.pending[id] = ch
	s.pendMu.Unlock()

	req := gatewayRequest{ID: id, Method: method, Params: params}
	s.writeMu.Lock()
	err := s.conn.WriteJSON(req)
	s.writeMu.Unlock()
	if err != nil {
		s.dropPending(id)
		s.degraded.Store(true)
		metrics.SessionDegraded.Set(1)
		return nil, &SessionError{Op: method, Err: err}
	}

	timer := time.NewTimer(s.cfg.CallTimeout)
	defer timer.Stop()

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, &SessionError{Op: method, Err: fmt.Errorf("connection lost")}
		}
		if !resp.OK {
			return nil, &GatewayError{Op: method, Message: resp.Error}
		}
		return &resp, nil
	case <-timer.C:
		s.dropPending(id)
		return nil, &SessionError{Op: method, Timeout: true}
	case <-ctx.Done():
		s.dropPending(id)
		return nil, &SessionError{Op: method, Err: ctx.Err()}
	case <-s.done:
		s.dropPending(id)
		return nil, &SessionError{Op: method, Err: fmt.Errorf("session closed")}
	}
}

func (s *Session) dropPending(id string) {
	s.pendMu.Lock()
	delete(s.pending, id)
	s.pendMu.Unlock()
}

// readCall runs a read-only round-trip under the shared lock, retrying
// transient failures up to the configured bound with backoff. Gateway
// rejections are not retried.
func (s *Session) readCall(ctx context.Context, method string, params any, out any) error {
	s.rw.RLock()
	defer s.rw.RUnlock()

	var lastErr error
	for attempt := 0; attempt <= s.cfg.ReadRetries; attempt++ {
		if attempt > 0 {
			// Degraded means the transport is gone; retrying is pointless.
			if s.degraded.Load() {
				break
			}
			metrics.SessionRetries.Inc()
			backoff := time.Duration(attempt) * s.cfg.RetryBackoff
			s.logger.Warn("retrying read-only call", "method", method, "attempt", attempt+1, "backoff", backoff)
			select {
			case <-ctx.Done():
				return &SessionError{Op: method, Err: ctx.Err()}
			case <-time.After(backoff):
			}
		}

		resp, err := s.roundTrip(ctx, method, params)
		if err != nil {
			var gw *GatewayError
			if errors.As(err, &gw) {
				return err
			}
			lastErr = err
			continue
		}
		if err := json.Unmarshal(resp.Result, out); err != nil {
			return &SessionError{Op: method, Err: fmt.Errorf("decode result: %w", err)}
		}
		return nil
	}
	return lastErr
}

// mutateCall runs a mutating round-trip under the exclusive lock. Exactly
// one request is issued; a blind retry could execute an order twice.
func (s *Session) mutateCall(ctx context.Context, method string, params any, out any) error {
	s.rw.Lock()
	defer s.rw.Unlock()

	resp, err := s.roundTrip(ctx, method, params)
	if err != nil {
		// A timed-out mutating call leaves the gateway state unknown;
		// degrade the session rather than risk reusing it blindly.
		var se *SessionError
		if errors.As(err, &se) && se.Timeout {
			s.degraded.Store(true)
			metrics.SessionDegraded.Set(1)
		}
		return err
	}
	if err := json.Unmarshal(resp.Result, out); err != nil {
		return &SessionError{Op: method, Err: fmt.Errorf("decode result: %w", err)}
	}
	return nil
}

// GetQuote requests a market data snapshot.
func (s *Session) GetQuote(ctx context.Context, symbol, secType, exchange, currency string) (*domain.Quote, error) {
	var q domain.Quote
	params := contractParams{Symbol: symbol, SecType: secType, Exchange: exchange, Currency: currency}
	if err := s.readCall(ctx, methodQuote, params, &q); err != nil {
		return nil, err
	}
	return &q, nil
}

// QualifyContract fills in missing contract fields.
func (s *Session) QualifyContract(ctx context.Context, symbol, secType, exchange, currency string) (*domain.Contract, error) {
	var c domain.Contract
	params := contractParams{Symbol: symbol, SecType: secType, Exchange: exchange, Currency: currency}
	if err := s.readCall(ctx, methodQualify, params, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// PlaceOrder submits an order. Never retried: on SessionError the order may
// or may not have executed.
func (s *Session) PlaceOrder(ctx context.Context, order domain.OrderRequest) (*domain.OrderReceipt, error) {
	var receipt domain.OrderReceipt
	if err := s.mutateCall(ctx, methodPlaceOrder, order, &receipt); err != nil {
		return nil, err
	}
	return &receipt, nil
}

// Positions lists current positions.
func (s *Session) Positions(ctx context.Context, account string) ([]domain.Position, error) {
	var positions []domain.Position
	if err := s.readCall(ctx, methodPositions, accountParams{Account: account}, &positions); err != nil {
		return nil, err
	}
	return positions, nil
}

// AccountValues lists account values.
func (s *Session) AccountValues(ctx context.Context, account string) ([]domain.AccountValue, error) {
	var values []domain.AccountValue
	if err := s.readCall(ctx, methodAccountValues, accountParams{Account: account}, &values); err != nil {
		return nil, err
	}
	return values, nil
}

// LastPrice returns the last traded price for a symbol. Used by the
// authorization policy's price-band check.
func (s *Session) LastPrice(ctx context.Context, symbol string) (float64, error) {
	q, err := s.GetQuote(ctx, symbol, "STK", "SMART", "USD")
	if err != nil {
		return 0, err
	}
	return q.Last, nil
}
