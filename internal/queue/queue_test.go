package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestQueue_FIFO(t *testing.T) {
	t.Parallel()

	q := New[int]()
	for i := range 5 {
		if err := q.Push(i); err != nil {
			t.Fatalf("Push failed: %v", err)
		}
	}

	for want := range 5 {
		got, err := q.Pop(context.Background())
		if err != nil {
			t.Fatalf("Pop failed: %v", err)
		}
		if got != want {
			t.Errorf("Expected %d, got %d", want, got)
		}
	}
}

func TestQueue_PopBlocksUntilPush(t *testing.T) {
	t.Parallel()

	q := New[string]()
	result := make(chan string, 1)
	go func() {
		v, _ := q.Pop(context.Background())
		result <- v
	}()

	select {
	case <-result:
		t.Fatal("Pop returned before Push")
	case <-time.After(20 * time.Millisecond):
	}

	_ = q.Push("a")
	select {
	case v := <-result:
		if v != "a" {
			t.Errorf("Expected 'a', got %q", v)
		}
	case <-time.After(time.Second):
		t.Fatal("Pop did not return after Push")
	}
}

func TestQueue_CloseDrains(t *testing.T) {
	t.Parallel()

	q := New[int]()
	_ = q.Push(1, 2)
	q.Close()

	if err := q.Push(3); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed on Push after Close, got %v", err)
	}

	for want := 1; want <= 2; want++ {
		got, err := q.Pop(context.Background())
		if err != nil || got != want {
			t.Errorf("Expected %d, got %d (err=%v)", want, got, err)
		}
	}
	if _, err := q.Pop(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed on drained queue, got %v", err)
	}
}

func TestQueue_CloseUnblocksPop(t *testing.T) {
	t.Parallel()

	q := New[int]()
	done := make(chan error, 1)
	go func() {
		_, err := q.Pop(context.Background())
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	q.Close()

	select {
	case err := <-done:
		if !errors.Is(err, ErrClosed) {
			t.Errorf("Expected ErrClosed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Close did not unblock Pop")
	}
}

func TestQueue_PopContextCancel(t *testing.T) {
	t.Parallel()

	q := New[int]()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, err := q.Pop(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected DeadlineExceeded, got %v", err)
	}
}

func TestQueue_ConcurrentProducers(t *testing.T) {
	t.Parallel()

	const producers, perProducer = 8, 100
	q := New[int]()

	var wg sync.WaitGroup
	for p := range producers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range perProducer {
				_ = q.Push(p*perProducer + i)
			}
		}()
	}

	seen := make(map[int]bool)
	last := make(map[int]int)
	for range producers * perProducer {
		v, err := q.Pop(context.Background())
		if err != nil {
			t.Fatalf("Pop failed: %v", err)
		}
		if seen[v] {
			t.Fatalf("duplicate item %d", v)
		}
		seen[v] = true

		p, i := v/perProducer, v%perProducer
		if prev, ok := last[p]; ok && i <= prev {
			t.Errorf("producer %d out of order: %d after %d", p, i, prev)
		}
		last[p] = i
	}
	wg.Wait()

	if q.Len() != 0 {
		t.Errorf("Expected empty queue, got %d", q.Len())
	}
}
