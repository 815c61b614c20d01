package devserver

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sync"
	"time"
)

var (
	errUnknownProof      = errors.New("payment proof is unknown or expired")
	errProofRedeemed     = errors.New("payment proof has already been used")
	errAttemptIDMismatch = errors.New("payment attempt id does not match proof")
)

// Settlement is one proof issued by the settle endpoint
type Settlement struct {
	Proof         string    `json:"paymentHeader"`
	AttemptID     string    `json:"attemptId"`
	WalletAddress string    `json:"walletAddress"`
	Network       string    `json:"network"`
	Resource      string    `json:"resource"`
	IssuedAt      time.Time `json:"-"`
}

// ledger issues single-use proofs and makes settle requests idempotent: a
// repeated identical settle request gets the proof issued the first time
// until it expires.
type ledger struct {
	mu       sync.Mutex
	results  map[string]*Settlement
	expiry   map[string]time.Time
	inFlight map[string]chan struct{}
	proofs   map[string]*Settlement
	redeemed map[string]bool
	ttl      time.Duration
}

func newLedger(ttl time.Duration) *ledger {
	return &ledger{
		results:  make(map[string]*Settlement),
		expiry:   make(map[string]time.Time),
		inFlight: make(map[string]chan struct{}),
		proofs:   make(map[string]*Settlement),
		redeemed: make(map[string]bool),
		ttl:      ttl,
	}
}

// settlementKey identifies a settle request by its body and the caller's
// credentials.
func settlementKey(body []byte, authorization string) string {
	h := sha256.New()
	h.Write(body)
	h.Write([]byte{0})
	h.Write([]byte(authorization))
	return hex.EncodeToString(h.Sum(nil))
}

type settlementStatus int

const (
	statusNotFound settlementStatus = iota
	statusCached
	statusInFlight
)

// checkAndMark atomically checks the cache and marks the key as in-flight if needed.
// Returns:
// - statusCached + result if a cached result exists
// - statusInFlight + wait channel if another request is processing
// - statusNotFound + done channel if this request should proceed (now marked in-flight)
func (l *ledger) checkAndMark(key string) (settlementStatus, *Settlement, chan struct{}) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if expiry, exists := l.expiry[key]; exists {
		if time.Now().Before(expiry) {
			if result, ok := l.results[key]; ok {
				return statusCached, result, nil
			}
		}
		delete(l.results, key)
		delete(l.expiry, key)
	}

	if done, exists := l.inFlight[key]; exists {
		return statusInFlight, nil, done
	}

	done := make(chan struct{})
	l.inFlight[key] = done
	return statusNotFound, nil, done
}

// waitForResult waits for an in-flight request to complete, respecting context cancellation.
// A nil result means the in-flight request failed.
func (l *ledger) waitForResult(ctx context.Context, key string, done chan struct{}) (*Settlement, error) {
	select {
	case <-done:
		return l.get(key), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *ledger) get(key string) *Settlement {
	l.mu.Lock()
	defer l.mu.Unlock()

	expiry, exists := l.expiry[key]
	if !exists || time.Now().After(expiry) {
		return nil
	}
	return l.results[key]
}

// complete records an issued proof and signals any waiting goroutines
func (l *ledger) complete(key string, s *Settlement, done chan struct{}) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.results[key] = s
	l.expiry[key] = time.Now().Add(l.ttl)
	l.proofs[s.Proof] = s
	delete(l.inFlight, key)
	close(done)

	l.cleanupExpiredLocked()
}

// fail removes the in-flight marker without recording a proof
func (l *ledger) fail(key string, done chan struct{}) {
	l.mu.Lock()
	defer l.mu.Unlock()

	delete(l.inFlight, key)
	close(done)
}

// redeem consumes proof. attemptID must match when given.
func (l *ledger) redeem(proof, attemptID string) (*Settlement, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	s, ok := l.proofs[proof]
	if !ok || time.Since(s.IssuedAt) > l.ttl {
		return nil, errUnknownProof
	}
	if l.redeemed[proof] {
		return nil, errProofRedeemed
	}
	if attemptID != "" && attemptID != s.AttemptID {
		return nil, errAttemptIDMismatch
	}
	l.redeemed[proof] = true
	return s, nil
}

// cleanupExpiredLocked removes expired entries. Must be called with lock held.
func (l *ledger) cleanupExpiredLocked() {
	now := time.Now()
	for key, expiry := range l.expiry {
		if now.After(expiry) {
			delete(l.results, key)
			delete(l.expiry, key)
		}
	}
	for proof, s := range l.proofs {
		if now.Sub(s.IssuedAt) > l.ttl {
			delete(l.proofs, proof)
			delete(l.redeemed, proof)
		}
	}
}
