package paxos

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/consusdb/consus/pkg/ids"
)

// AdmissionToken grants a daemon one-time permission to join a
// specific Paxos group (TXMAN) or partition (KVS). Scoping per
// group/partition means a leaked token only admits its holder to the
// one group it names, not the whole cluster.
type AdmissionToken struct {
	Token     string
	GroupID   ids.PaxosGroupID
	CreatedAt time.Time
	ExpiresAt time.Time
}

// TokenManager issues and validates AdmissionTokens.
type TokenManager struct {
	mu     sync.RWMutex
	tokens map[string]*AdmissionToken
}

// NewTokenManager constructs an empty TokenManager.
func NewTokenManager() *TokenManager {
	return &TokenManager{tokens: make(map[string]*AdmissionToken)}
}

// Issue generates a new token admitting its holder to group, valid
// for duration.
func (tm *TokenManager) Issue(group ids.PaxosGroupID, duration time.Duration) (*AdmissionToken, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("paxos: generate token: %w", err)
	}

	t := &AdmissionToken{
		Token:     hex.EncodeToString(raw),
		GroupID:   group,
		CreatedAt: time.Now(),
		ExpiresAt: time.Now().Add(duration),
	}

	tm.mu.Lock()
	tm.tokens[t.Token] = t
	tm.mu.Unlock()
	return t, nil
}

// Validate checks token and returns the group it admits to.
func (tm *TokenManager) Validate(token string) (ids.PaxosGroupID, error) {
	tm.mu.RLock()
	defer tm.mu.RUnlock()

	t, ok := tm.tokens[token]
	if !ok {
		return 0, fmt.Errorf("paxos: invalid token")
	}
	if time.Now().After(t.ExpiresAt) {
		return 0, fmt.Errorf("paxos: token expired")
	}
	return t.GroupID, nil
}

// Revoke invalidates a token immediately.
func (tm *TokenManager) Revoke(token string) {
	tm.mu.Lock()
	delete(tm.tokens, token)
	tm.mu.Unlock()
}

// Sweep removes expired tokens, meant to be called periodically by a
// background loop.
func (tm *TokenManager) Sweep() {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	now := time.Now()
	for token, t := range tm.tokens {
		if now.After(t.ExpiresAt) {
			delete(tm.tokens, token)
		}
	}
}
