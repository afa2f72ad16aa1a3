package coordinator

import (
	"context"
	"sync"

	"candleflow/models"
)

// taskQueue is the two-level priority queue feeding the worker pool.
// Live tasks always dequeue before backfill tasks; within a level order
// is FIFO, so candles for one symbol stay in arrival order.
type taskQueue struct {
	mu       sync.Mutex
	live     []models.FetchTask
	backfill []models.FetchTask
	signal   chan struct{}
	limit    int
}

func newTaskQueue(limit int) *taskQueue {
	return &taskQueue{
		signal: make(chan struct{}, 1),
		limit:  limit,
	}
}

// push enqueues a task. It reports false when the queue is at capacity;
// the caller decides whether dropping matters.
func (q *taskQueue) push(task models.FetchTask) bool {
	q.mu.Lock()
	if q.limit > 0 && len(q.live)+len(q.backfill) >= q.limit {
		q.mu.Unlock()
		return false
	}
	if task.Priority == models.PriorityLive {
		q.live = append(q.live, task)
	} else {
		q.backfill = append(q.backfill, task)
	}
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// pop blocks until a claimable task is available or the context ends.
// claim is called under the queue lock on candidates in dequeue order;
// returning true both selects the task and lets the caller take
// ownership atomically, so per-symbol serialization holds across
// workers. Tasks whose claim returns false keep their queue position.
func (q *taskQueue) pop(ctx context.Context, claim func(models.FetchTask) bool) (models.FetchTask, bool) {
	for {
		q.mu.Lock()
		var (
			task models.FetchTask
			ok   bool
		)
		for i, t := range q.live {
			if claim(t) {
				task, ok = t, true
				q.live = append(q.live[:i], q.live[i+1:]...)
				break
			}
		}
		if !ok {
			for i, t := range q.backfill {
				if claim(t) {
					task, ok = t, true
					q.backfill = append(q.backfill[:i], q.backfill[i+1:]...)
					break
				}
			}
		}
		remaining := len(q.live) + len(q.backfill)
		q.mu.Unlock()

		if ok {
			// The buffered signal holds one token at most; restore it so
			// a second waiter is not left sleeping on remaining work.
			if remaining > 0 {
				select {
				case q.signal <- struct{}{}:
				default:
				}
			}
			return task, true
		}

		select {
		case <-ctx.Done():
			return models.FetchTask{}, false
		case <-q.signal:
		}
	}
}

// wake re-checks waiters whose last claim pass found nothing, used when
// an in-flight task releases its symbol.
func (q *taskQueue) wake() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *taskQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.live) + len(q.backfill)
}
