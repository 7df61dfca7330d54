// Package store provides nonce persistence for applications that want
// the client to manage single-use login sessions. The verification core
// itself only compares nonces; a Store adds the consume-once semantics
// on top.
//
// The in-memory implementation works for single-process applications.
// Multi-worker deployments need a shared backend such as the Redis
// implementation in the redisstore subpackage, because workers cannot
// recognize each other's sessions otherwise.
package store

import (
	"context"
	"sync"
)

// Store tracks pending (nonce, email) login pairs. Implementations must
// be safe for concurrent use and should expire abandoned pairs after a
// reasonable lifetime.
type Store interface {
	// SaveNonce records a pending login for email under nonce.
	SaveNonce(ctx context.Context, nonce, email string) error
	// ConsumeNonce removes the (nonce, email) pair and reports whether
	// it existed. The error return is for store failures only; a missing
	// pair is (false, nil).
	ConsumeNonce(ctx context.Context, nonce, email string) (bool, error)
}

type pair struct {
	nonce, email string
}

// Memory is an in-memory Store. Pairs live until consumed or the process
// exits; login sessions are short-lived, so unconsumed pairs are lost on
// restart.
type Memory struct {
	mu     sync.Mutex
	nonces map[pair]struct{}
}

func NewMemory() *Memory {
	return &Memory{nonces: make(map[pair]struct{})}
}

func (m *Memory) SaveNonce(ctx context.Context, nonce, email string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nonces[pair{nonce, email}] = struct{}{}
	return nil
}

func (m *Memory) ConsumeNonce(ctx context.Context, nonce, email string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := pair{nonce, email}
	if _, ok := m.nonces[p]; !ok {
		return false, nil
	}
	delete(m.nonces, p)
	return true, nil
}
