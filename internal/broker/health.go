package broker

import "context"

// QueueHealth is one queue's depth report. When a queue fails to report,
// Error carries the failure and the depth fields are zero.
type QueueHealth struct {
	Depth        int64  `json:"depth"`
	PendingDepth int64  `json:"pending_depth"`
	DLQDepth     int64  `json:"dlq_depth"`
	Error        string `json:"error,omitempty"`
}

// QueuesHealth reports depths for every named queue. A failing queue gets a
// per-queue error entry instead of failing the whole report, so operators
// still see the healthy queues.
func (b *Broker) QueuesHealth(ctx context.Context, names []string) map[string]QueueHealth {
	report := make(map[string]QueueHealth, len(names))
	for _, name := range names {
		q, err := b.Queue(name)
		if err != nil {
			report[name] = QueueHealth{Error: err.Error()}
			continue
		}

		var h QueueHealth
		if h.Depth, err = q.Depth(ctx); err != nil {
			report[name] = QueueHealth{Error: err.Error()}
			continue
		}
		if h.PendingDepth, err = q.PendingDepth(ctx); err != nil {
			report[name] = QueueHealth{Error: err.Error()}
			continue
		}
		if h.DLQDepth, err = q.DLQDepth(ctx); err != nil {
			report[name] = QueueHealth{Error: err.Error()}
			continue
		}
		report[name] = h
	}
	return report
}
