package workflow

import "sync"

// guard serializes runs per project. Two runs for the same project
// must never overlap: they would race on the working tree and on the
// release cutover. Runs for different projects proceed concurrently.
type guard struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newGuard() *guard {
	return &guard{locks: make(map[string]*sync.Mutex)}
}

// TryAcquire claims the project slot without blocking. Returns false
// when another run already holds it.
func (g *guard) TryAcquire(project string) bool {
	g.mu.Lock()
	l, ok := g.locks[project]
	if !ok {
		l = &sync.Mutex{}
		g.locks[project] = l
	}
	g.mu.Unlock()

	return l.TryLock()
}

// Release frees the project slot. Must only be called by the holder.
func (g *guard) Release(project string) {
	g.mu.Lock()
	l, ok := g.locks[project]
	g.mu.Unlock()
	if ok {
		l.Unlock()
	}
}
