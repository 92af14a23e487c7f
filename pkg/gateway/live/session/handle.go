package session

import (
	"context"
	"fmt"
	"sync/atomic"
)

// CancelError is the cause recorded when a handle is canceled, carrying
// the client-facing interruption reason.
type CancelError struct {
	Reason string
}

func (e *CancelError) Error() string {
	return fmt.Sprintf("canceled: %s", e.Reason)
}

// Handle binds one pipeline invocation to a cancellation scope. Stale
// results are detected by comparing handle identity against the
// session's current handle, so a result from a previous turn can never
// be mistaken for the current one.
type Handle struct {
	ctx      context.Context
	cancel   context.CancelCauseFunc
	canceled atomic.Bool
}

func newHandle(parent context.Context) *Handle {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancelCause(parent)
	return &Handle{ctx: ctx, cancel: cancel}
}

// Context is the scope passed into every remote call of the turn.
func (h *Handle) Context() context.Context {
	if h == nil {
		return context.Background()
	}
	return h.ctx
}

// Cancel aborts the turn. Only the first call records the reason;
// later calls are no-ops.
func (h *Handle) Cancel(reason string) {
	if h == nil {
		return
	}
	if !h.canceled.CompareAndSwap(false, true) {
		return
	}
	h.cancel(&CancelError{Reason: reason})
}

func (h *Handle) Canceled() bool {
	return h != nil && h.canceled.Load()
}

// CancelReason returns the reason from the first Cancel call, or ""
// when the handle is still live.
func (h *Handle) CancelReason() string {
	if h == nil || !h.canceled.Load() {
		return ""
	}
	var ce *CancelError
	if cause := context.Cause(h.ctx); cause != nil {
		if c, ok := cause.(*CancelError); ok {
			ce = c
		}
	}
	if ce == nil {
		return ""
	}
	return ce.Reason
}
