package engine

import (
	"context"
	"errors"
	"time"

	"github.com/paxlab/ussd-pilot/internal/snapshot"
)

// submitLabels are the submit-like controls tried in order after text
// injection.
var submitLabels = []string{"Send", "Reply", "OK", "Submit", "Confirm"}

// ackLabels dismiss informational turns that expect no free-field input.
var ackLabels = []string{"OK", "Done", "Dismiss", "Close"}

var errNoSubmitControl = errors.New("no submit control in snapshot")

// inject starts the actuation sequence for a decided response. Must run
// on the loop goroutine; the blocking actuator calls run in a helper
// goroutine that posts state changes back.
func (e *Engine) inject(fp, resp string, root *snapshot.Node) {
	if e.session == nil {
		return
	}

	field := e.input.FindInputField(root)
	if field == nil {
		// No free field expected: acknowledge the turn directly. This path
		// does not mark the turn as responded beyond normal terminal
		// handling.
		ctl := e.input.FindControlByLabel(root, ackLabels)
		if ctl == nil {
			e.logger.Warn("[ENGINE] No input field or acknowledgement control", "fingerprint", fp)
			return
		}
		gen := e.beginSubmission()
		go e.runAcknowledge(gen, ctl)
		return
	}

	gen := e.beginSubmission()
	e.logger.Info("[ENGINE] Injecting response",
		"handle", e.session.Handle,
		"fingerprint", fp,
		"response_len", len(resp),
	)
	go e.runInjection(gen, fp, resp, root, field)
}

// beginSubmission takes the submission lock and claims an inflight slot.
// Must run on the loop goroutine. The returned epoch lets the actuation
// goroutine detect that its session ended underneath it.
func (e *Engine) beginSubmission() uint64 {
	e.inflight++
	e.state.submitting = true
	e.publishStatus()
	return e.gen.Load()
}

// stale reports whether the session that started a submission has been
// cancelled or finished since. Safe to call off the loop goroutine.
func (e *Engine) stale(gen uint64) bool {
	return e.gen.Load() != gen
}

// runInjection performs focus, text injection, submit and cooldown off
// the loop goroutine. The snapshot tree is read-only; every state write
// is posted back onto the loop and dropped if the session epoch moved on.
func (e *Engine) runInjection(gen uint64, fp, resp string, root, field *snapshot.Node) {
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.ActuationTimeout)
	defer cancel()

	if !field.Focused {
		if e.stale(gen) {
			e.endSubmission(gen)
			return
		}
		if err := e.input.RequestFocus(ctx, field); err != nil {
			e.abortSubmission(gen, "request focus", err)
			return
		}
		time.Sleep(e.cfg.FocusGrantDelay)
	}

	if e.stale(gen) {
		e.endSubmission(gen)
		return
	}
	if err := e.input.SetText(ctx, field, resp); err != nil {
		e.abortSubmission(gen, "set text", err)
		return
	}
	// The turn counts as answered the moment text lands, so a slow submit
	// cannot be mistaken for an unanswered turn.
	e.loop.post(func() {
		if e.stale(gen) {
			return
		}
		e.state.lastRespondedFingerprint = fp
	})

	time.Sleep(e.cfg.PostInjectDelay)

	ctl := e.input.FindControlByLabel(root, submitLabels)
	if ctl == nil {
		e.abortSubmission(gen, "find submit control", errNoSubmitControl)
		return
	}
	if e.stale(gen) {
		// The session is gone; tapping submit now would land on whatever
		// the device shows for the next session.
		e.endSubmission(gen)
		return
	}
	if err := e.input.Activate(ctx, ctl); err != nil {
		e.abortSubmission(gen, "activate submit", err)
		return
	}
	e.loop.post(func() {
		if e.stale(gen) {
			return
		}
		e.state.lastSubmitAt = e.now()
	})

	time.Sleep(e.cfg.SubmitCooldown)
	e.endSubmission(gen)
}

// runAcknowledge activates an acknowledgement control and releases the
// submission lock after the cooldown.
func (e *Engine) runAcknowledge(gen uint64, ctl *snapshot.Node) {
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.ActuationTimeout)
	defer cancel()

	if e.stale(gen) {
		e.endSubmission(gen)
		return
	}
	if err := e.input.Activate(ctx, ctl); err != nil {
		e.abortSubmission(gen, "activate acknowledgement", err)
		return
	}
	e.loop.post(func() {
		if e.stale(gen) {
			return
		}
		e.state.lastSubmitAt = e.now()
	})

	time.Sleep(e.cfg.SubmitCooldown)
	e.endSubmission(gen)
}

// abortSubmission releases the submission lock after an actuation
// failure. The session, if still current, stays active so the next turn
// can be attempted.
func (e *Engine) abortSubmission(gen uint64, step string, err error) {
	e.logger.Warn("[ENGINE] Actuation failed, aborting response", "step", step, "error", err)
	e.endSubmission(gen)
}

// endSubmission drains the inflight slot and, when the submission still
// belongs to the current session, releases the submission lock and
// replays any turn parked behind it. A stale end must not unlock a newer
// session's submission.
func (e *Engine) endSubmission(gen uint64) {
	e.loop.post(func() {
		e.inflight--
		if e.stale(gen) {
			return
		}
		e.state.submitting = false
		e.publishStatus()
		e.flushPendingTurn()
	})
}
