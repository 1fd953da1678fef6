package deploy

import "sync"

// targetLocks serializes deploys per target identity. Two change events for
// the same target arriving in quick succession would otherwise run
// overlapping deploys against the same output files.
type targetLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (t *targetLocks) acquire(id string) func() {
	t.mu.Lock()
	if t.locks == nil {
		t.locks = map[string]*sync.Mutex{}
	}
	l, ok := t.locks[id]
	if !ok {
		l = &sync.Mutex{}
		t.locks[id] = l
	}
	t.mu.Unlock()

	l.Lock()
	return l.Unlock
}
