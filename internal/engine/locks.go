package engine

import "sync"

// caseLocks serializes mutations per case. SQLite transactions already
// guard correctness; the lock keeps concurrent approvals of the same case
// from burning retries on SQLITE_BUSY.
type caseLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newCaseLocks() *caseLocks {
	return &caseLocks{locks: map[string]*sync.Mutex{}}
}

func (c *caseLocks) lock(caseID string) func() {
	c.mu.Lock()
	m, ok := c.locks[caseID]
	if !ok {
		m = &sync.Mutex{}
		c.locks[caseID] = m
	}
	c.mu.Unlock()
	m.Lock()
	return m.Unlock
}
