package workflow

import (
	"sync"
	"testing"
)

func TestGuardSerializesPerProject(t *testing.T) {
	g := newGuard()

	if !g.TryAcquire("myapp") {
		t.Fatal("TryAcquire() = false on a free slot")
	}
	if g.TryAcquire("myapp") {
		t.Error("TryAcquire() = true while the slot is held")
	}
	if !g.TryAcquire("otherapp") {
		t.Error("TryAcquire() = false for an unrelated project")
	}

	g.Release("myapp")
	if !g.TryAcquire("myapp") {
		t.Error("TryAcquire() = false after release")
	}

	g.Release("myapp")
	g.Release("otherapp")
}

func TestGuardUnderContention(t *testing.T) {
	g := newGuard()

	const attempts = 64
	var wg sync.WaitGroup
	acquired := make(chan struct{}, attempts)

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if g.TryAcquire("myapp") {
				acquired <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(acquired)

	var winners int
	for range acquired {
		winners++
	}
	if winners != 1 {
		t.Errorf("%d goroutines acquired the slot, want exactly 1", winners)
	}
}
