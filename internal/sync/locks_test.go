package sync

import (
	"sync"
	"testing"
)

func TestUIDLocksSerialize(t *testing.T) {
	l := newUIDLocks()

	var mu sync.Mutex
	active := 0
	overlap := false

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := l.lock("uid-1")
			defer unlock()

			mu.Lock()
			active++
			if active > 1 {
				overlap = true
			}
			mu.Unlock()

			mu.Lock()
			active--
			mu.Unlock()
		}()
	}
	wg.Wait()

	if overlap {
		t.Error("two holders of the same uid lock ran concurrently")
	}
	if len(l.locks) != 0 {
		t.Errorf("lock map not drained: %d entries", len(l.locks))
	}
}

func TestUIDLocksIndependentKeys(t *testing.T) {
	l := newUIDLocks()

	unlockA := l.lock("a")
	done := make(chan struct{})
	go func() {
		unlockB := l.lock("b")
		unlockB()
		close(done)
	}()
	<-done // must not deadlock while "a" is held
	unlockA()
}
