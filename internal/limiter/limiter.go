// Package limiter locks out peers that keep presenting bad operator tokens.
package limiter

import (
	"context"
	"crypto/sha256"
	"net"
	"time"
)

// Limiter controls authentication attempts and temporary lockouts per peer.
type Limiter interface {
	// Allow reports whether the peer may authenticate now and, if not, for how long it stays blocked.
	Allow(ctx context.Context, peer []byte) (bool, time.Duration, error)
	// Success resets counters after a valid token.
	Success(ctx context.Context, peer []byte) error
	// Failure records a bad token; may place a temporary block.
	Failure(ctx context.Context, peer []byte) (bool, time.Duration, error)
}

// Policy sets the lockout thresholds.
type Policy struct {
	// Window is how long failures keep counting towards MaxFails.
	Window   time.Duration
	MaxFails int
	BlockFor time.Duration
}

// DefaultPolicy blocks a peer for 15 minutes after 5 failures within 15 minutes.
func DefaultPolicy() Policy {
	return Policy{Window: 15 * time.Minute, MaxFails: 5, BlockFor: 15 * time.Minute}
}

// HashPeer returns a stable hash for a peer address to avoid storing raw addresses.
// The port is dropped so reconnects from the same host share a counter.
func HashPeer(addr string) []byte {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		addr = host
	}
	h := sha256.Sum256([]byte(addr))
	return h[:]
}
