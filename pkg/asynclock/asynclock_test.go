package asynclock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestLockSerializesWithLock(t *testing.T) {
	l := New()
	var counter int32
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.WithLock(context.Background(), func() error {
				cur := atomic.AddInt32(&counter, 1)
				if cur != 1 {
					t.Errorf("overlapping critical section: counter = %d", cur)
				}
				time.Sleep(time.Millisecond)
				atomic.AddInt32(&counter, -1)
				return nil
			})
		}()
	}
	wg.Wait()
}

func TestLockReleasesOnError(t *testing.T) {
	l := New()
	err := l.WithLock(context.Background(), func() error {
		return context.DeadlineExceeded
	})
	if err != context.DeadlineExceeded {
		t.Fatalf("WithLock error = %v, want %v", err, context.DeadlineExceeded)
	}

	acquired := make(chan struct{})
	go func() {
		l.Lock(context.Background())
		close(acquired)
	}()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("lock not released after body returned an error")
	}
}

func TestLockFIFOOrder(t *testing.T) {
	l := New()
	if err := l.Lock(context.Background()); err != nil {
		t.Fatalf("initial lock: %v", err)
	}

	const n = 10
	order := make(chan int, n)
	started := make(chan struct{}, n)

	for i := 0; i < n; i++ {
		i := i
		go func() {
			started <- struct{}{}
			time.Sleep(5 * time.Millisecond) // let goroutines queue up in launch order
			l.Lock(context.Background())
			order <- i
			l.Unlock()
		}()
		<-started
		time.Sleep(time.Millisecond)
	}

	l.Unlock()

	for i := 0; i < n; i++ {
		got := <-order
		if got != i {
			t.Fatalf("waiter %d resumed out of order (got waiter %d)", i, got)
		}
	}
}

func TestLockCancelledContextNeverReceivesToken(t *testing.T) {
	l := New()
	l.Lock(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := l.Lock(ctx); err == nil {
		t.Fatal("expected context deadline error")
	}

	l.Unlock()
	if err := l.Lock(context.Background()); err != nil {
		t.Fatalf("lock should still be acquirable after cancellation: %v", err)
	}
}
