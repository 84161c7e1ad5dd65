package counter

import (
	"sync"
)

// Memory is the in-process Store backend: a mutex-guarded map of named
// counters. All operations are linearizable under the single lock, which is
// what gives Increment its compare-and-increment guarantee.
type Memory struct {
	mu     sync.Mutex
	values map[string]int
}

func NewMemory() *Memory {
	return &Memory{values: make(map[string]int)}
}

func (m *Memory) Increment(key string, max int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if max >= 0 && m.values[key] >= max {
		return false, nil
	}
	m.values[key]++
	return true, nil
}

func (m *Memory) Decrement(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.values[key] == 0 {
		return ErrUnderflow
	}
	m.values[key]--
	return nil
}

func (m *Memory) Get(key string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.values[key], nil
}

func (m *Memory) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.values, key)
	return nil
}
