package session

import (
	"context"
	"sync"
)

type op struct {
	ctx  context.Context
	fn   func(ctx context.Context) error
	done chan error
}

// opQueue очередь операций согласования с одним потребителем.
//
// Операции выполняются строго по одной в порядке постановки: удержание,
// входящий re-INVITE и ответ на вызов не пересекаются своими асинхронными
// частями. Операция не должна ставить в очередь другую и ждать ее.
type opQueue struct {
	ch     chan op
	stop   chan struct{}
	closed sync.Once
	wg     sync.WaitGroup
}

func newOpQueue() *opQueue {
	q := &opQueue{
		ch:   make(chan op, 16),
		stop: make(chan struct{}),
	}
	q.wg.Add(1)
	go q.loop()
	return q
}

func (q *opQueue) loop() {
	defer q.wg.Done()
	for {
		select {
		case o := <-q.ch:
			err := o.fn(o.ctx)
			if o.done != nil {
				o.done <- err
			}
		case <-q.stop:
			return
		}
	}
}

// Do выполняет fn в очереди и ждет результата
func (q *opQueue) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	done := make(chan error, 1)
	select {
	case q.ch <- op{ctx: ctx, fn: fn, done: done}:
	case <-q.stop:
		return ErrTerminated
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-done:
		return err
	case <-q.stop:
		return ErrTerminated
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Submit ставит fn в очередь без ожидания результата
func (q *opQueue) Submit(fn func(ctx context.Context) error) {
	select {
	case q.ch <- op{ctx: context.Background(), fn: fn}:
	case <-q.stop:
	}
}

// Close останавливает потребителя. Операции, еще не взятые в работу,
// отбрасываются.
func (q *opQueue) Close() {
	q.closed.Do(func() { close(q.stop) })
}
