package fountain

import "sync"

// TokenBucket shapes a fountain Source's Data emission rate toward a single
// destination: each Data frame consumes one token, and tokens are granted
// by observed Call messages (spec §4.4 "Rate control").
// A slow receiver naturally halts the sender once its bucket is drained,
// giving the back-pressure behaviour spec §5 requires without the sender
// polling anything.
type TokenBucket struct {
	mu     sync.Mutex
	tokens int
	max    int
}

// NewTokenBucket creates a bucket that never holds more than max tokens.
func NewTokenBucket(max int) *TokenBucket {
	return &TokenBucket{max: max}
}

// Grant adds n tokens, capped at the bucket's maximum.
func (b *TokenBucket) Grant(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.tokens += n
	if b.tokens > b.max {
		b.tokens = b.max
	}
}

// TryTake consumes one token and reports whether one was available.
func (b *TokenBucket) TryTake() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.tokens <= 0 {
		return false
	}
	b.tokens--
	return true
}

// Available returns the current token count, for diagnostics.
func (b *TokenBucket) Available() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tokens
}
