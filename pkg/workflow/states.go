package workflow

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/superfly/fsm"
)

// The handlers adapt the step methods to the state machine: they thread
// the accumulated response through, guard against transition retries
// (a partially executed destructive step is not idempotent), and turn
// step errors into a terminal abort.

func (m *Machine) handlePrepare(ctx context.Context, req *fsm.Request[FlashRequest, FlashResponse]) (*fsm.Response[FlashResponse], error) {
	slog.Info("workflow_state", "state", StatePrepare, "device", req.Msg.DevicePath)

	if err := noRetry(ctx); err != nil {
		return nil, err
	}

	resp := req.W.Msg
	if resp == nil {
		resp = &FlashResponse{}
	}

	if err := m.stepPrepare(ctx, *req.Msg, resp); err != nil {
		m.fail(resp, err)
		return nil, fsm.Abort(err)
	}
	return fsm.NewResponse(resp), nil
}

func (m *Machine) handleUnmount(ctx context.Context, req *fsm.Request[FlashRequest, FlashResponse]) (*fsm.Response[FlashResponse], error) {
	return m.runStep(ctx, req, StateUnmount, m.stepUnmount)
}

func (m *Machine) handlePartition(ctx context.Context, req *fsm.Request[FlashRequest, FlashResponse]) (*fsm.Response[FlashResponse], error) {
	return m.runStep(ctx, req, StatePartition, m.stepPartition)
}

func (m *Machine) handleFormat(ctx context.Context, req *fsm.Request[FlashRequest, FlashResponse]) (*fsm.Response[FlashResponse], error) {
	return m.runStep(ctx, req, StateFormat, m.stepFormat)
}

func (m *Machine) handleFlash(ctx context.Context, req *fsm.Request[FlashRequest, FlashResponse]) (*fsm.Response[FlashResponse], error) {
	return m.runStep(ctx, req, StateFlash, m.stepFlash)
}

func (m *Machine) handleVerify(ctx context.Context, req *fsm.Request[FlashRequest, FlashResponse]) (*fsm.Response[FlashResponse], error) {
	return m.runStep(ctx, req, StateVerify, m.stepVerify)
}

func (m *Machine) handleComplete(ctx context.Context, req *fsm.Request[FlashRequest, FlashResponse]) (*fsm.Response[FlashResponse], error) {
	slog.Info("workflow_state", "state", StateComplete, "device", req.Msg.DevicePath)

	resp := req.W.Msg
	if resp == nil {
		return nil, fsm.Abort(fmt.Errorf("response not initialized"))
	}

	m.finish(resp)
	return fsm.NewResponse(resp), nil
}

// runStep is the shared wrapper for the destructive middle states.
func (m *Machine) runStep(ctx context.Context, req *fsm.Request[FlashRequest, FlashResponse], state string, step func(context.Context, *FlashResponse) error) (*fsm.Response[FlashResponse], error) {
	slog.Info("workflow_state", "state", state, "device", req.Msg.DevicePath)

	if err := noRetry(ctx); err != nil {
		resp := req.W.Msg
		if resp != nil {
			m.fail(resp, err)
		}
		return nil, err
	}

	resp := req.W.Msg
	if resp == nil {
		return nil, fsm.Abort(fmt.Errorf("response not initialized"))
	}

	if err := step(ctx, resp); err != nil {
		m.fail(resp, err)
		return nil, fsm.Abort(err)
	}
	return fsm.NewResponse(resp), nil
}

// noRetry aborts any re-execution of a transition. Destructive steps
// either fully succeed or end the run; retrying them without
// re-validation is never safe.
func noRetry(ctx context.Context) error {
	if retry := fsm.RetryFromContext(ctx); retry > 0 {
		slog.Error("workflow_retry_refused", "retry", retry)
		return fsm.Abort(fmt.Errorf("destructive step re-execution refused (retry %d)", retry))
	}
	return nil
}
