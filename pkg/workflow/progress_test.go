package workflow

import (
	"sync"
	"testing"
	"time"
)

// gateReporter blocks every delivery until the gate opens, to simulate
// a sink that cannot keep up.
type gateReporter struct {
	gate chan struct{}

	mu     sync.Mutex
	steps  []string
	status string
}

func (r *gateReporter) Step(name string) {
	<-r.gate
	r.mu.Lock()
	r.steps = append(r.steps, name)
	r.mu.Unlock()
}

func (r *gateReporter) Progress(float64) { <-r.gate }

func (r *gateReporter) Terminal(status string, err error) {
	<-r.gate
	r.mu.Lock()
	r.status = status
	r.mu.Unlock()
}

func TestAsyncReporter_Delivers(t *testing.T) {
	sink := &gateReporter{gate: make(chan struct{})}
	close(sink.gate)

	r := Async(sink)
	r.Step("partition")
	r.Step("format")
	r.Progress(0.5)
	r.Terminal("completed", nil)
	r.Close()

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.steps) != 2 || sink.steps[0] != "partition" || sink.steps[1] != "format" {
		t.Errorf("steps = %v", sink.steps)
	}
	if sink.status != "completed" {
		t.Errorf("status = %q", sink.status)
	}
}

func TestAsyncReporter_SlowSinkNeverBlocksSender(t *testing.T) {
	sink := &gateReporter{gate: make(chan struct{})}
	r := Async(sink)

	// Far more events than the buffer holds, against a stalled sink.
	// The sends must all return promptly; overflow is dropped.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			r.Progress(float64(i) / 1000)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("sender blocked on a slow sink")
	}

	close(sink.gate)
	r.Close()
}
