package keylock

import (
	"sync"
	"testing"
	"time"
)

func TestLockSerializesSameKey(t *testing.T) {
	table := New()
	counter := 0
	var waitGroup sync.WaitGroup
	for index := 0; index < 50; index++ {
		waitGroup.Add(1)
		go func() {
			defer waitGroup.Done()
			unlock := table.Lock("owner-1")
			defer unlock()
			value := counter
			time.Sleep(time.Microsecond)
			counter = value + 1
		}()
	}
	waitGroup.Wait()
	if counter != 50 {
		t.Fatalf("expected serialized increments, got %d", counter)
	}
	if table.Len() != 0 {
		t.Fatalf("expected table to drop released keys, got %d", table.Len())
	}
}

func TestLockIndependentKeys(t *testing.T) {
	table := New()
	unlockFirst := table.Lock("a")
	done := make(chan struct{})
	go func() {
		unlock := table.Lock("b")
		unlock()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("lock on unrelated key must not block")
	}
	unlockFirst()
}
