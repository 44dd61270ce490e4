package lock

import "sync"

// MemoryManager is the in-process lock manager: one FIFO wait queue per
// key behind a single mutex. A releasing holder hands the key directly to
// the head of the queue, so grants follow arrival order exactly.
type MemoryManager struct {
	mu   sync.Mutex
	keys map[string]*keyState
}

type keyState struct {
	held    bool
	waiters []chan struct{}
}

func NewMemoryManager() *MemoryManager {
	return &MemoryManager{
		keys: make(map[string]*keyState),
	}
}

func (m *MemoryManager) Acquire(key string) (*Handle, error) {
	m.mu.Lock()
	ks := m.keys[key]
	if ks == nil {
		ks = &keyState{}
		m.keys[key] = ks
	}
	if !ks.held {
		ks.held = true
		m.mu.Unlock()
		return &Handle{Key: key}, nil
	}

	wake := make(chan struct{})
	ks.waiters = append(ks.waiters, wake)
	m.mu.Unlock()

	<-wake
	return &Handle{Key: key}, nil
}

func (m *MemoryManager) TryAcquire(key string) (*Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ks := m.keys[key]
	if ks == nil {
		ks = &keyState{}
		m.keys[key] = ks
	}
	if ks.held {
		return nil, ErrUnavailable
	}
	ks.held = true
	return &Handle{Key: key}, nil
}

func (m *MemoryManager) Release(h *Handle) error {
	if h == nil {
		return ErrNotHeld
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	ks := m.keys[h.Key]
	if ks == nil || !ks.held {
		return ErrNotHeld
	}

	if len(ks.waiters) > 0 {
		// Hand off while still held: the woken waiter becomes the
		// holder without racing late TryAcquire callers.
		wake := ks.waiters[0]
		ks.waiters = ks.waiters[1:]
		close(wake)
		return nil
	}

	delete(m.keys, h.Key)
	return nil
}

var _ Manager = (*MemoryManager)(nil)
