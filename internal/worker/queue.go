// Package worker runs jobs one at a time on a single goroutine.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Job is a unit of work submitted to the Queue.
type Job func(ctx context.Context) error

// ErrClosed is returned by Submit and Do after Close.
var ErrClosed = errors.New("worker queue closed")

type task struct {
	name   string
	job    Job
	result chan error // nil for fire-and-forget
}

// Queue serializes every state-changing operation of the daemon.
// A job must not call Do on the queue it runs on.
type Queue struct {
	tasks chan task
	done  chan struct{}
	once  sync.Once
	wg    sync.WaitGroup
	log   *zap.Logger
}

// New creates a queue buffering up to size pending jobs.
func New(size int, log *zap.Logger) *Queue {
	if size <= 0 {
		size = 64
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Queue{tasks: make(chan task, size), done: make(chan struct{}), log: log}
}

// Start launches the worker. It stops when ctx is done or Close is called.
func (q *Queue) Start(ctx context.Context) {
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		for {
			select {
			case <-ctx.Done():
				q.drain(ctx.Err())
				return
			case <-q.done:
				q.drain(ErrClosed)
				return
			case t := <-q.tasks:
				q.run(ctx, t)
			}
		}
	}()
}

func (q *Queue) run(ctx context.Context, t task) {
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("job %s panicked: %v", t.name, r)
			}
		}()
		return t.job(ctx)
	}()
	if t.result != nil {
		t.result <- err
		return
	}
	if err != nil {
		q.log.Error("job failed", zap.String("job", t.name), zap.Error(err))
	}
}

func (q *Queue) drain(reason error) {
	for {
		select {
		case t := <-q.tasks:
			if t.result != nil {
				t.result <- reason
			}
		default:
			return
		}
	}
}

func (q *Queue) submit(t task) error {
	select {
	case <-q.done:
		return ErrClosed
	default:
	}
	select {
	case <-q.done:
		return ErrClosed
	case q.tasks <- t:
		return nil
	}
}

// Submit enqueues job without waiting; its error is logged.
func (q *Queue) Submit(name string, job Job) error {
	return q.submit(task{name: name, job: job})
}

// Do enqueues job and waits for its result or for ctx to end.
func (q *Queue) Do(ctx context.Context, name string, job Job) error {
	res := make(chan error, 1)
	if err := q.submit(task{name: name, job: job, result: res}); err != nil {
		return err
	}
	select {
	case err := <-res:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting jobs, fails queued ones with ErrClosed and waits for the running one.
func (q *Queue) Close() {
	q.once.Do(func() { close(q.done) })
	q.wg.Wait()
}
