package alert

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// circuitState is the circuit breaker's current mode.
type circuitState int

const (
	circuitClosed circuitState = iota
	circuitHalfOpen
	circuitOpen
)

// circuitBreaker isolates a failing downstream sink: after threshold
// consecutive failures it stops letting requests through until timeout
// has passed, then allows a trial batch through before fully closing
// again.
type circuitBreaker struct {
	mu                sync.Mutex
	state             circuitState
	failureCount      int
	successCount      int
	lastFailure       time.Time
	threshold         int
	timeout           time.Duration
	recoveryThreshold int
}

func newCircuitBreaker(threshold int, timeout time.Duration, recoveryThreshold int) *circuitBreaker {
	return &circuitBreaker{threshold: threshold, timeout: timeout, recoveryThreshold: recoveryThreshold}
}

func (cb *circuitBreaker) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case circuitClosed:
		return true
	case circuitHalfOpen:
		return cb.successCount < cb.recoveryThreshold
	case circuitOpen:
		if time.Since(cb.lastFailure) > cb.timeout {
			cb.state = circuitHalfOpen
			cb.successCount = 0
			cb.failureCount = 0
			return true
		}
		return false
	}
	return true
}

func (cb *circuitBreaker) recordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failureCount++
	cb.lastFailure = time.Now()
	if cb.failureCount >= cb.threshold {
		cb.state = circuitOpen
	}
}

func (cb *circuitBreaker) recordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.successCount++
	cb.failureCount = 0
	if cb.state == circuitHalfOpen && cb.successCount >= cb.recoveryThreshold {
		cb.state = circuitClosed
	}
}

func (cb *circuitBreaker) State() string {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case circuitClosed:
		return "closed"
	case circuitHalfOpen:
		return "half-open"
	default:
		return "open"
	}
}

// NATSSink republishes every alert onto a JetStream subject, for
// downstream consumers (SIEM forwarders, other correlation tools) that
// want the raw alert stream rather than querying the store. It is purely
// additive: if NATS is unreachable, alert emission continues unaffected
// because this sink runs in its own isolated fan-out slot.
type NATSSink struct {
	conn    *nats.Conn
	js      jetstream.JetStream
	subject string
	cb      *circuitBreaker
}

// NewNATSSink connects to the given NATS URL and prepares a JetStream
// publishing context.
func NewNATSSink(url, subject string) (*NATSSink, error) {
	conn, err := nats.Connect(url, nats.Name("sentryd"))
	if err != nil {
		return nil, fmt.Errorf("connect to NATS at %s: %w", url, err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}

	return &NATSSink{
		conn:    conn,
		js:      js,
		subject: subject,
		cb:      newCircuitBreaker(5, 30*time.Second, 3),
	}, nil
}

func (s *NATSSink) Name() string { return "nats" }

// Notify publishes a alert as JSON. If the circuit is open, publish is
// skipped without blocking the caller.
func (s *NATSSink) Notify(ctx context.Context, a *Alert) error {
	if !s.cb.allow() {
		return fmt.Errorf("nats sink circuit breaker open (state=%s)", s.cb.State())
	}

	data, err := json.Marshal(a)
	if err != nil {
		s.cb.recordFailure()
		return fmt.Errorf("marshal alert for nats: %w", err)
	}

	if _, err := s.js.Publish(ctx, s.subject, data); err != nil {
		s.cb.recordFailure()
		return fmt.Errorf("publish alert to nats: %w", err)
	}

	s.cb.recordSuccess()
	return nil
}

// Close releases the underlying NATS connection.
func (s *NATSSink) Close() {
	if s.conn != nil {
		s.conn.Close()
	}
}
