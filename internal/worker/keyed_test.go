package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestKeyedMutex_SerializesSameKey(t *testing.T) {
	k := NewKeyedMutex()
	var inside, maxInside int32
	var wg sync.WaitGroup

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := k.Lock(context.Background(), "AAPL")
			if err != nil {
				t.Error(err)
				return
			}
			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxInside)
				if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			atomic.AddInt32(&inside, -1)
			unlock()
		}()
	}
	wg.Wait()

	if maxInside != 1 {
		t.Errorf("expected at most one holder, saw %d", maxInside)
	}
	if k.Held() != 0 {
		t.Errorf("expected no entries left, got %d", k.Held())
	}
}

func TestKeyedMutex_DistinctKeys(t *testing.T) {
	k := NewKeyedMutex()
	unlockA, err := k.Lock(context.Background(), "AAPL")
	if err != nil {
		t.Fatal(err)
	}
	defer unlockA()

	unlockB, ok := k.TryLock("MSFT")
	if !ok {
		t.Fatal("distinct key should not block")
	}
	unlockB()

	if _, ok := k.TryLock("AAPL"); ok {
		t.Error("held key should not be acquired")
	}
}

func TestKeyedMutex_ContextCancel(t *testing.T) {
	k := NewKeyedMutex()
	unlock, _ := k.Lock(context.Background(), "AAPL")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := k.Lock(ctx, "AAPL"); err == nil {
		t.Error("expected context error while key is held")
	}

	unlock()
	unlock()
	if k.Held() != 0 {
		t.Errorf("expected no entries left, got %d", k.Held())
	}
}
