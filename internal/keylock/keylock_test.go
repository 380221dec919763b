package keylock

import (
	"sync"
	"testing"
)

func TestLock_SerializesSameKey(t *testing.T) {
	m := New()
	counter := 0

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := m.Lock("post_tag#1")
			defer unlock()
			v := counter
			v++
			counter = v
		}()
	}
	wg.Wait()

	if counter != 50 {
		t.Errorf("expected counter 50, got %d", counter)
	}
}

func TestLock_DifferentKeysIndependent(t *testing.T) {
	m := New()

	unlockA := m.Lock("a")
	done := make(chan struct{})
	go func() {
		unlockB := m.Lock("b")
		unlockB()
		close(done)
	}()
	<-done
	unlockA()
}

func TestLock_ReleasesEntries(t *testing.T) {
	m := New()

	unlock := m.Lock("k")
	if m.Len() != 1 {
		t.Errorf("expected 1 live key, got %d", m.Len())
	}
	unlock()
	if m.Len() != 0 {
		t.Errorf("expected 0 live keys after unlock, got %d", m.Len())
	}
}
