package agent

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

type job struct {
	agentID string
	done    chan struct{}
	result  *Result
	err     error
}

// RunAsync starts cmd in the background and returns a job id. The command
// keeps running when ctx is cancelled; use AwaitJob to collect it.
func (h *Hub) RunAsync(ctx context.Context, id string, cmd Command) (string, error) {
	if _, err := h.session(ctx, id); err != nil {
		return "", err
	}

	jobID := uuid.NewString()
	j := &job{agentID: id, done: make(chan struct{})}

	h.mu.Lock()
	h.jobs[jobID] = j
	h.mu.Unlock()

	go func() {
		defer close(j.done)
		j.result, j.err = h.run(context.WithoutCancel(ctx), id, cmd)
		h.metrics.RecordAgentCommand("async", j.err)
	}()

	return jobID, nil
}

// AwaitJob blocks until the job's completion event and returns its result.
func (h *Hub) AwaitJob(ctx context.Context, jobID, id string) (*Result, error) {
	h.mu.Lock()
	j, ok := h.jobs[jobID]
	h.mu.Unlock()

	if !ok || j.agentID != id {
		return nil, fmt.Errorf("unknown job %s for agent %s", jobID, id)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-j.done:
	}

	h.mu.Lock()
	delete(h.jobs, jobID)
	h.mu.Unlock()

	return j.result, j.err
}
