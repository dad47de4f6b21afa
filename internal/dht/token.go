package dht

import (
	"context"
	"crypto/rand"
	"crypto/sha1"
	"net/netip"
	"sync"
	"time"
)

const tokenRotationInterval = 5 * time.Minute

// TokenManager issues and validates the write tokens a future KRPC
// announce_peer responder would require (BEP 5 §"Tokens"). Two
// secrets are kept live at once so a token issued just before a
// rotation still validates afterwards.
type TokenManager struct {
	mu             sync.RWMutex
	currentSecret  [sha1.Size]byte
	previousSecret [sha1.Size]byte
}

func NewTokenManager() (*TokenManager, error) {
	tm := &TokenManager{}
	if _, err := rand.Read(tm.currentSecret[:]); err != nil {
		return nil, err
	}
	if _, err := rand.Read(tm.previousSecret[:]); err != nil {
		return nil, err
	}
	return tm, nil
}

// Run rotates the current secret into the previous slot on a fixed
// interval until ctx is cancelled.
func (tm *TokenManager) Run(ctx context.Context) error {
	ticker := time.NewTicker(tokenRotationInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := tm.rotate(); err != nil {
				return err
			}
		}
	}
}

func (tm *TokenManager) Generate(addr netip.Addr) string {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	return generateToken(addr, tm.currentSecret)
}

func (tm *TokenManager) Validate(addr netip.Addr, token string) bool {
	tm.mu.RLock()
	defer tm.mu.RUnlock()

	return token == generateToken(addr, tm.currentSecret) ||
		token == generateToken(addr, tm.previousSecret)
}

func (tm *TokenManager) rotate() error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	tm.previousSecret = tm.currentSecret
	_, err := rand.Read(tm.currentSecret[:])
	return err
}

func generateToken(addr netip.Addr, secret [sha1.Size]byte) string {
	h := sha1.New()
	a16 := addr.As16()
	h.Write(a16[:])
	h.Write(secret[:])
	return string(h.Sum(nil))
}
