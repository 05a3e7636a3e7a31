package tokenstore

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/b0bbywan/go-odio-portal/cache"
)

// Memory keeps tokens for the lifetime of the process.
type Memory struct {
	entries *cache.Cache[Record]
	closed  atomic.Bool
}

func NewMemory(ttl time.Duration) *Memory {
	return &Memory{entries: cache.New[Record](ttl)}
}

func (m *Memory) Put(_ context.Context, token string, rec Record) error {
	if m.closed.Load() {
		return ErrClosed
	}
	m.entries.Set(token, rec)
	return nil
}

func (m *Memory) Take(_ context.Context, token string) (Record, bool, error) {
	if m.closed.Load() {
		return Record{}, false, ErrClosed
	}
	rec, ok := m.entries.Pop(token)
	return rec, ok, nil
}

func (m *Memory) Len() int {
	m.entries.CleanExpired()
	return m.entries.Len()
}

func (m *Memory) Close() error {
	m.closed.Store(true)
	m.entries.Clear()
	return nil
}
