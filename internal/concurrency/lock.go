package concurrency

import "sync"

// SandboxLockManager serializes operations per sandbox. Lock blocks until
// the sandbox is free; TryLock fails fast so callers that must not queue
// behind in-flight work (rollback) can reject instead.
type SandboxLockManager struct {
	locks map[string]*sync.Mutex
	mu    sync.Mutex
}

func NewSandboxLockManager() *SandboxLockManager {
	return &SandboxLockManager{
		locks: make(map[string]*sync.Mutex),
	}
}

func (m *SandboxLockManager) get(sandboxID string) *sync.Mutex {
	m.mu.Lock()
	lock, ok := m.locks[sandboxID]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[sandboxID] = lock
	}
	m.mu.Unlock()
	return lock
}

func (m *SandboxLockManager) Lock(sandboxID string) {
	m.get(sandboxID).Lock()
}

// TryLock acquires the sandbox lock only if it is not held.
func (m *SandboxLockManager) TryLock(sandboxID string) bool {
	return m.get(sandboxID).TryLock()
}

func (m *SandboxLockManager) Unlock(sandboxID string) {
	m.mu.Lock()
	lock, ok := m.locks[sandboxID]
	m.mu.Unlock()
	if ok {
		lock.Unlock()
	}
}

// Forget drops the lock entry for a destroyed sandbox. The caller must
// not hold the lock it is forgetting.
func (m *SandboxLockManager) Forget(sandboxID string) {
	m.mu.Lock()
	delete(m.locks, sandboxID)
	m.mu.Unlock()
}
