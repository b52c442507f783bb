package sandbox

import "context"

// StatusUpdate carries one state transition of a run.
type StatusUpdate struct {
	RunID    string
	Language string
	From     State
	To       State
	At       int64
}

// StatusReporter receives every state transition. Errors are logged and ignored.
type StatusReporter interface {
	ReportStatus(ctx context.Context, update StatusUpdate) error
}

// TransitionCounter counts state changes, e.g. observer.PrometheusRecorder.
type TransitionCounter interface {
	ObserveTransition(from, to string)
}

type countingReporter struct {
	counter TransitionCounter
}

// NewCountingStatusReporter forwards every transition to counter.
func NewCountingStatusReporter(counter TransitionCounter) StatusReporter {
	return countingReporter{counter: counter}
}

func (r countingReporter) ReportStatus(_ context.Context, update StatusUpdate) error {
	r.counter.ObserveTransition(string(update.From), string(update.To))
	return nil
}
