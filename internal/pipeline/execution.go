package pipeline

import (
	"fmt"
	"time"

	"CommitLane/internal/logger"
)

// ExecutionPhase runs execution requests one at a time, in arrival order.
type ExecutionPhase struct {
	executor  Executor                  // executor computes block results
	requests  *Queue[ExecutionRequest]  // requests come from the manager
	responses *Queue[ExecutionResponse] // responses go back to the manager
}

// NewExecutionPhase creates an execution worker over the given queues.
func NewExecutionPhase(executor Executor, requests *Queue[ExecutionRequest], responses *Queue[ExecutionResponse]) *ExecutionPhase {
	return &ExecutionPhase{executor: executor, requests: requests, responses: responses}
}

// Run serves requests until stop is closed.
func (p *ExecutionPhase) Run(stop <-chan struct{}) {
	runWorker(stop, p.requests, func(req ExecutionRequest) {
		p.responses.Push(p.process(req))
	})
}

// process executes one batch.
func (p *ExecutionPhase) process(req ExecutionRequest) ExecutionResponse {
	start := time.Now()

	executed, err := p.executor.Execute(req.Blocks)
	if err != nil {
		return ExecutionResponse{Blocks: req.Blocks, Err: fmt.Errorf("execute batch:\n%w", err)}
	}

	logger.Debug("batch execution finished", "blocks", len(executed), logger.Timed(start))

	return ExecutionResponse{Blocks: executed}
}
