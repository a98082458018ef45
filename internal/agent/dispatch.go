package agent

import (
	"context"
	"sync"

	"github.com/skeinworks/skein-agent/internal/agent/model"
)

const defaultParallelism = 2

// dispatch runs one batch of invocations and delivers outcomes in
// submission order. The channel is buffered for the whole batch so an
// abandoned consumer never blocks a worker, and it closes once every
// outcome is in.
//
// Sequential batches run strictly in submission order so a later call
// can observe an earlier call's side effects. Parallel batches fan out
// to a bounded set of workers; outcomes are still delivered in
// submission order, which keeps consumers deterministic.
func (c *Conversation) dispatch(ctx context.Context, calls []model.Invocation, parallel bool) <-chan model.Outcome {
	out := make(chan model.Outcome, len(calls))
	go func() {
		defer close(out)
		if !parallel {
			for _, call := range calls {
				if ctx.Err() != nil {
					out <- canceledOutcome(call)
					continue
				}
				out <- c.executor.Invoke(ctx, call)
			}
			return
		}

		results := make([]model.Outcome, len(calls))
		limit := c.parallelism
		if limit <= 0 {
			limit = defaultParallelism
		}
		sem := make(chan struct{}, limit)
		var wg sync.WaitGroup
		for i, call := range calls {
			i, call := i, call
			wg.Add(1)
			go func() {
				defer wg.Done()
				select {
				case sem <- struct{}{}:
					defer func() { <-sem }()
					results[i] = c.executor.Invoke(ctx, call)
				case <-ctx.Done():
					results[i] = canceledOutcome(call)
				}
			}()
		}
		wg.Wait()
		for _, oc := range results {
			out <- oc
		}
	}()
	return out
}

func canceledOutcome(call model.Invocation) model.Outcome {
	return model.Outcome{
		InvocationID: call.ID,
		Success:      false,
		Error:        "invocation canceled before dispatch",
	}
}
