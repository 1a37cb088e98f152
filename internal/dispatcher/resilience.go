package dispatcher

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fleetmesh/server/internal/orcherr"
)

// breakerState mirrors the classic three-state circuit breaker.
type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

// breaker is a per-operationKey circuit breaker. Trips after
// consecutiveFailureThreshold transient failures in a row; stays open for
// openDuration before allowing one half-open trial.
type breaker struct {
	mu               sync.Mutex
	state            breakerState
	consecutiveFails int
	openedAt         time.Time
}

// Resilience wraps outbound hub calls with retry-on-transient, a
// circuit-breaker per operationKey, and a hard timeout — a general resilience
// wrapper around outbound hub calls. Non-transient errors (orcherr kinds
// other than Transient) short-circuit both retry and the breaker: they are
// returned to the caller immediately, unmodified.
type Resilience struct {
	mu       sync.Mutex
	breakers map[string]*breaker
	logger   *zap.Logger

	maxAttempts           int
	baseDelay             time.Duration
	maxDelay              time.Duration
	failureThreshold      int
	openDuration          time.Duration
	hardTimeout           time.Duration
}

// ResilienceConfig holds the tunables, defaulted in NewResilience.
type ResilienceConfig struct {
	MaxAttempts      int
	BaseDelay        time.Duration
	MaxDelay         time.Duration
	FailureThreshold int
	OpenDuration     time.Duration
	HardTimeout      time.Duration
}

func NewResilience(cfg ResilienceConfig, logger *zap.Logger) *Resilience {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 200 * time.Millisecond
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 5 * time.Second
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.OpenDuration <= 0 {
		cfg.OpenDuration = 30 * time.Second
	}
	if cfg.HardTimeout <= 0 {
		cfg.HardTimeout = 10 * time.Second
	}
	return &Resilience{
		breakers:         make(map[string]*breaker),
		logger:           logger.Named("resilience"),
		maxAttempts:      cfg.MaxAttempts,
		baseDelay:        cfg.BaseDelay,
		maxDelay:         cfg.MaxDelay,
		failureThreshold: cfg.FailureThreshold,
		openDuration:     cfg.OpenDuration,
		hardTimeout:      cfg.HardTimeout,
	}
}

func (r *Resilience) breakerFor(key string) *breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[key]
	if !ok {
		b = &breaker{}
		r.breakers[key] = b
	}
	return b
}

// Call executes fn under the named operationKey's breaker, retrying
// transient failures with jittered exponential backoff up to maxAttempts,
// and enforcing hardTimeout on each attempt.
func (r *Resilience) Call(ctx context.Context, operationKey string, fn func(ctx context.Context) error) error {
	b := r.breakerFor(operationKey)

	if !b.allow(r.openDuration) {
		return fmt.Errorf("dispatcher: circuit open for %s: %w", operationKey, orcherr.ErrTransportClosed)
	}

	var lastErr error
	for attempt := 0; attempt < r.maxAttempts; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, r.hardTimeout)
		err := fn(callCtx)
		cancel()

		if err == nil {
			b.recordSuccess()
			return nil
		}
		lastErr = err

		if !orcherr.IsTransient(err) {
			// Non-transient: short-circuit both retry and breaker bookkeeping.
			return err
		}

		tripped := b.recordFailure(r.failureThreshold)
		if tripped {
			r.logger.Warn("circuit breaker tripped", zap.String("operation", operationKey))
		}

		if attempt == r.maxAttempts-1 {
			break
		}

		delay := backoffDelay(r.baseDelay, r.maxDelay, attempt)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}

	return fmt.Errorf("dispatcher: %s failed after %d attempts: %w", operationKey, r.maxAttempts, lastErr)
}

func (b *breaker) allow(openDuration time.Duration) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case breakerClosed:
		return true
	case breakerOpen:
		if time.Since(b.openedAt) >= openDuration {
			b.state = breakerHalfOpen
			return true
		}
		return false
	case breakerHalfOpen:
		return true
	default:
		return true
	}
}

func (b *breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutiveFails = 0
	b.state = breakerClosed
}

// recordFailure returns true if this call tripped the breaker open.
func (b *breaker) recordFailure(threshold int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFails++
	if b.consecutiveFails >= threshold && b.state != breakerOpen {
		b.state = breakerOpen
		b.openedAt = time.Now()
		return true
	}
	return false
}

// backoffDelay computes baseDelay*2^attempt, jittered +/-20%, capped at
// maxDelay — the retry policy formula, also reused for job-level retry
// scheduling in dispatcher.go.
func backoffDelay(base, max time.Duration, attempt int) time.Duration {
	d := base << uint(attempt)
	if d > max || d <= 0 {
		d = max
	}
	jitterFrac := 0.8 + rand.Float64()*0.4 // ±20%
	return time.Duration(float64(d) * jitterFrac)
}
