package sessions

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestQueueRunsInOrder(t *testing.T) {
	q := NewQueue("q", 4)
	var mu sync.Mutex
	var got []int
	for i := 0; i < 100; i++ {
		i := i
		if err := q.Submit(func() {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
		}); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}
	q.Close()
	if len(got) != 100 {
		t.Fatalf("ran %d tasks, want 100", len(got))
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("task %d ran at position %d", v, i)
		}
	}
}

func TestQueueCloseDrainsAndRejects(t *testing.T) {
	q := NewQueue("q", 8)
	release := make(chan struct{})
	var ran int
	_ = q.Submit(func() { <-release })
	for i := 0; i < 5; i++ {
		_ = q.Submit(func() { ran++ })
	}
	closed := make(chan struct{})
	go func() {
		q.Close()
		close(closed)
	}()
	select {
	case <-closed:
		t.Fatalf("Close returned while a task was in flight")
	case <-time.After(20 * time.Millisecond):
	}
	close(release)
	<-closed
	if ran != 5 {
		t.Fatalf("ran = %d, want 5", ran)
	}
	if err := q.Submit(func() {}); !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("Submit after Close err = %v", err)
	}
	q.Close()
}

func TestQueueSurvivesPanic(t *testing.T) {
	q := NewQueue("q", 2)
	defer q.Close()
	_ = q.Submit(func() { panic("boom") })
	done := false
	if err := q.Do(context.Background(), func() { done = true }); err != nil {
		t.Fatalf("Do: %v", err)
	}
	if !done {
		t.Fatalf("task after panic did not run")
	}
}

func TestQueueDoHonoursContext(t *testing.T) {
	q := NewQueue("q", 2)
	release := make(chan struct{})
	_ = q.Submit(func() { <-release })
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := q.Do(ctx, func() {}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Do err = %v", err)
	}
	close(release)
	q.Close()
}
