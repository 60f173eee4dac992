// Package confirm guards side-effectful actions behind short-lived,
// redeem-once tokens. The orchestrator parks a pending deploy here and
// only proceeds when the owner sends "confirm <token>" before expiry.
package confirm

import (
	"crypto/rand"
	"encoding/base32"
	"errors"
	"sync"
	"time"

	"clawd/internal/logging"
)

// ErrNotFound is returned for unknown or already-redeemed tokens.
var ErrNotFound = errors.New("confirmation not found")

// ErrExpired is returned when a token is redeemed after its deadline.
var ErrExpired = errors.New("confirmation expired")

// Pending is one parked action awaiting confirmation.
type Pending struct {
	Token     string
	Kind      string
	Payload   any
	ExpiresAt time.Time
	CreatedBy string
}

// Broker stores pending confirmations in memory. Tokens are one-time
// use; a periodic sweep discards expired entries so redeem never has
// to trust the map's size.
type Broker struct {
	mu      sync.Mutex
	pending map[string]*Pending

	sweepEvery time.Duration
	stopCh     chan struct{}
	stopOnce   sync.Once

	now func() time.Time
}

// New creates a broker and starts its background sweep.
func New() *Broker {
	b := &Broker{
		pending:    make(map[string]*Pending),
		sweepEvery: time.Minute,
		stopCh:     make(chan struct{}),
		now:        time.Now,
	}
	go b.sweepLoop()
	return b
}

// Create parks a payload and returns its token. expiresIn at or below
// zero gets the 5 minute default.
func (b *Broker) Create(kind string, payload any, expiresIn time.Duration, createdBy string) string {
	if expiresIn <= 0 {
		expiresIn = 5 * time.Minute
	}
	token := newToken()

	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending[token] = &Pending{
		Token:     token,
		Kind:      kind,
		Payload:   payload,
		ExpiresAt: b.now().Add(expiresIn),
		CreatedBy: createdBy,
	}

	logging.Get(logging.CategoryPipeline).Debug("Created confirmation %s kind=%s ttl=%v", token, kind, expiresIn)
	return token
}

// Redeem consumes a token exactly once. A second redeem of the same
// token returns ErrNotFound; a redeem past the deadline returns
// ErrExpired (and the token is gone either way).
func (b *Broker) Redeem(token, actor string) (*Pending, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	p, ok := b.pending[token]
	if !ok {
		return nil, ErrNotFound
	}
	delete(b.pending, token)

	if b.now().After(p.ExpiresAt) {
		logging.Get(logging.CategoryPipeline).Debug("Confirmation %s expired before redeem by %s", token, actor)
		return nil, ErrExpired
	}
	logging.Get(logging.CategoryPipeline).Debug("Confirmation %s redeemed by %s", token, actor)
	return p, nil
}

// Cancel discards a pending token.
func (b *Broker) Cancel(token string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.pending[token]; !ok {
		return ErrNotFound
	}
	delete(b.pending, token)
	return nil
}

// PendingCount reports how many confirmations are parked.
func (b *Broker) PendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Stop terminates the sweep goroutine.
func (b *Broker) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
}

func (b *Broker) sweepLoop() {
	ticker := time.NewTicker(b.sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			b.sweep()
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) sweep() {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	for token, p := range b.pending {
		if now.After(p.ExpiresAt) {
			delete(b.pending, token)
		}
	}
}

var tokenEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// newToken produces a short chat-safe token with 60 bits of entropy.
func newToken() string {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		// crypto/rand failing means the process is in serious trouble;
		// fall back to the clock rather than return a constant.
		return tokenEncoding.EncodeToString([]byte(time.Now().Format("150405.000000")))[:12]
	}
	// 12 base32 chars = 60 bits.
	return tokenEncoding.EncodeToString(buf[:])[:12]
}
