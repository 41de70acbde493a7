package keylock

import (
	"sync"
	"testing"
)

func TestLockSerializesSameKey(t *testing.T) {
	l := New()
	var (
		wg      sync.WaitGroup
		counter int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := l.Lock("team-a/bank-1")
			defer unlock()
			v := counter
			counter = v + 1
		}()
	}
	wg.Wait()

	if counter != 50 {
		t.Errorf("counter = %d, want 50", counter)
	}
	if l.Len() != 0 {
		t.Errorf("Len() = %d after all unlocks, want 0", l.Len())
	}
}

func TestLockIndependentKeys(t *testing.T) {
	l := New()
	unlockA := l.Lock("a")
	done := make(chan struct{})
	go func() {
		unlock := l.Lock("b")
		unlock()
		close(done)
	}()
	<-done
	unlockA()
}

func TestKey(t *testing.T) {
	if Key("a", "bc") == Key("ab", "c") {
		t.Error("keys with different boundaries must differ")
	}
}
