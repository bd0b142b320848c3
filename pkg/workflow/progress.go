package workflow

import "log/slog"

// Reporter is the one-way progress sink. The workflow emits and never
// receives; implementations must not assume they see every event.
type Reporter interface {
	// Step announces that a named step has begun.
	Step(name string)
	// Progress reports fractional completion of the current step,
	// in [0, 1].
	Progress(fraction float64)
	// Terminal reports the final outcome. err is nil unless the run
	// failed or was aborted.
	Terminal(status string, err error)
}

// NopReporter discards all events.
type NopReporter struct{}

func (NopReporter) Step(string)            {}
func (NopReporter) Progress(float64)       {}
func (NopReporter) Terminal(string, error) {}

// LogReporter mirrors events into the structured log.
type LogReporter struct{}

func (LogReporter) Step(name string) {
	slog.Info("workflow_step", "step", name)
}

func (LogReporter) Progress(fraction float64) {
	slog.Info("workflow_progress", "percent", int(fraction*100))
}

func (LogReporter) Terminal(status string, err error) {
	if err != nil {
		slog.Info("workflow_terminal", "status", status, "error", err)
		return
	}
	slog.Info("workflow_terminal", "status", status)
}

type event struct {
	kind     int
	step     string
	fraction float64
	status   string
	err      error
}

const (
	eventStep = iota
	eventProgress
	eventTerminal
)

// AsyncReporter decouples a slow or absent sink from the workflow:
// events are handed off through a buffered channel and dropped when the
// buffer is full, so notification can never stall a destructive step.
type AsyncReporter struct {
	sink Reporter
	ch   chan event
	done chan struct{}
}

// Async wraps a reporter in a non-blocking dispatcher. Close releases
// the dispatch goroutine and flushes whatever is buffered.
func Async(sink Reporter) *AsyncReporter {
	r := &AsyncReporter{
		sink: sink,
		ch:   make(chan event, 64),
		done: make(chan struct{}),
	}
	go r.dispatch()
	return r
}

func (r *AsyncReporter) dispatch() {
	defer close(r.done)
	for ev := range r.ch {
		switch ev.kind {
		case eventStep:
			r.sink.Step(ev.step)
		case eventProgress:
			r.sink.Progress(ev.fraction)
		case eventTerminal:
			r.sink.Terminal(ev.status, ev.err)
		}
	}
}

func (r *AsyncReporter) send(ev event) {
	select {
	case r.ch <- ev:
	default:
		// Sink is not keeping up; dropping is preferable to stalling.
	}
}

func (r *AsyncReporter) Step(name string) { r.send(event{kind: eventStep, step: name}) }

func (r *AsyncReporter) Progress(fraction float64) {
	r.send(event{kind: eventProgress, fraction: fraction})
}

func (r *AsyncReporter) Terminal(status string, err error) {
	r.send(event{kind: eventTerminal, status: status, err: err})
}

// Close stops the dispatcher after delivering buffered events.
func (r *AsyncReporter) Close() {
	close(r.ch)
	<-r.done
}
