// Package fingerprint derives a stable pseudo-identity for an unauthenticated
// device from passive browser signals. The resulting hash is advisory: it can
// collide, drift, or be forged, and must only ever key soft throttling, never
// authentication.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"time"
)

const (
	fullPrefix     = "fp1"
	fallbackPrefix = "fp1d"
)

// Computer computes fingerprint hashes and caches the result per session so
// repeated computations within one session are idempotent.
type Computer struct {
	mu    sync.RWMutex
	cache map[string]string
	clock func() time.Time
}

// ComputerConfig configures a Computer. Clock defaults to time.Now.
type ComputerConfig struct {
	Clock func() time.Time
}

// NewComputer constructs a Computer with an empty session cache.
func NewComputer(cfg ComputerConfig) *Computer {
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Computer{
		cache: make(map[string]string),
		clock: clock,
	}
}

// Compute returns the fingerprint hash for the supplied signals, caching it
// under sessionID. It never fails: failed probes are replaced by a sentinel,
// and a degraded probe pipeline falls back to the minimal signal subset.
func (c *Computer) Compute(sessionID string, signals Signals) string {
	if sessionID != "" {
		c.mu.RLock()
		cached, ok := c.cache[sessionID]
		c.mu.RUnlock()
		if ok {
			return cached
		}
	}

	hash := Hash(signals)

	if sessionID != "" {
		c.mu.Lock()
		c.cache[sessionID] = hash
		c.mu.Unlock()
	}
	return hash
}

// Forget drops the cached hash for a session, forcing the next Compute to
// re-derive it. Used when a session ends or its storage is cleared.
func (c *Computer) Forget(sessionID string) {
	c.mu.Lock()
	delete(c.cache, sessionID)
	c.mu.Unlock()
}

// Hash derives the fingerprint hash for the supplied signals without caching.
// Deterministic for stable signals.
func Hash(signals Signals) string {
	if signals.Degraded {
		return digest(fallbackPrefix, signals.minimal())
	}
	return digest(fullPrefix, signals.ordered())
}

func digest(prefix string, parts []string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, "\x1f")))
	return prefix + ":" + hex.EncodeToString(sum[:16])
}
