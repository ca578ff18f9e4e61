package completion

import (
	"context"
	"log/slog"
	"sync"
)

// Queue is the explicit handoff between the pipeline and the orchestrator.
// Production runs Start for background workers; tests call Drain to execute
// queued fan-outs synchronously.
type Queue struct {
	orch   *Orchestrator
	tasks  chan string
	wg     sync.WaitGroup
	logger *slog.Logger
}

func NewQueue(orch *Orchestrator, buffer int) *Queue {
	if buffer < 1 {
		buffer = 64
	}
	return &Queue{
		orch:   orch,
		tasks:  make(chan string, buffer),
		logger: slog.Default().With("component", "completion-queue"),
	}
}

// Enqueue hands a completed document to the fan-out workers without
// blocking the caller. A full queue drops the task with a log line; the
// callback status stays unset for manual follow-up.
func (q *Queue) Enqueue(documentID string) {
	select {
	case q.tasks <- documentID:
	default:
		q.logger.Error("queue full, dropping fanout task", "document_id", documentID)
	}
}

// Start launches workers that process tasks until ctx is done.
func (q *Queue) Start(ctx context.Context, workers int) {
	if workers < 1 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case id := <-q.tasks:
					q.orch.Run(ctx, id)
				}
			}
		}()
	}
}

// Drain synchronously runs every queued task and returns how many ran.
func (q *Queue) Drain(ctx context.Context) int {
	n := 0
	for {
		select {
		case id := <-q.tasks:
			q.orch.Run(ctx, id)
			n++
		default:
			return n
		}
	}
}

// Wait blocks until Start workers have exited.
func (q *Queue) Wait() { q.wg.Wait() }
