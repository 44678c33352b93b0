package sessions

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/park285/cheese-othello/internal/obslog"
)

// Queue runs submitted tasks one at a time, in submission order, on its own goroutine.
// It is the only writer of the session it belongs to.
type Queue struct {
	mu     sync.RWMutex
	tasks  chan func()
	closed bool
	done   chan struct{}
	name   string
}

// NewQueue starts the worker goroutine. size bounds the number of pending tasks;
// Submit blocks while the buffer is full.
func NewQueue(name string, size int) *Queue {
	if size <= 0 {
		size = 64
	}
	q := &Queue{
		tasks: make(chan func(), size),
		done:  make(chan struct{}),
		name:  name,
	}
	go q.loop()
	return q
}

func (q *Queue) loop() {
	defer close(q.done)
	for task := range q.tasks {
		q.run(task)
	}
}

func (q *Queue) run(task func()) {
	defer func() {
		if r := recover(); r != nil {
			obslog.L().Error("session_task_panic", zap.String("session_id", q.name), zap.Any("panic", r))
		}
	}()
	task()
}

// Submit enqueues task. It must not be called from a task running on the same queue
// while the buffer may be full.
func (q *Queue) Submit(task func()) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}
	q.tasks <- task
	return nil
}

// Do enqueues task and waits until it has run or ctx is done.
func (q *Queue) Do(ctx context.Context, task func()) error {
	ran := make(chan struct{})
	if err := q.Submit(func() {
		defer close(ran)
		task()
	}); err != nil {
		return err
	}
	select {
	case <-ran:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting tasks and blocks until every queued task has run.
// Calling Close from inside a task of the same queue deadlocks.
func (q *Queue) Close() {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.tasks)
	}
	q.mu.Unlock()
	<-q.done
}

// Done is closed once the queue has drained after Close.
func (q *Queue) Done() <-chan struct{} { return q.done }
