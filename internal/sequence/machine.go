// Package sequence defines the enrollment lifecycle: the legal state
// transitions triggered by scheduler ticks and inbound provider signals.
// The package is pure; persistence and side effects live in the callers.
package sequence

import (
	"errors"
	"strings"
	"time"

	"outreach-sequencer/internal/model"
)

// ErrInvalidTransition is returned when a requested state change is not
// legal from the enrollment's current status.
var ErrInvalidTransition = errors.New("invalid enrollment transition")

// Classification of an inbound message body.
type Classification string

const (
	// ClassOptOut: recognized opt-out keyword; enrollment goes terminal.
	ClassOptOut Classification = "opt_out"
	// ClassControl: recognized control keyword (START, HELP, ...);
	// acknowledged but does not change enrollment status.
	ClassControl Classification = "control"
	// ClassReply: anything else; enrollment is held for review.
	ClassReply Classification = "reply"
)

var optOutKeywords = map[string]bool{
	"STOP":        true,
	"UNSUBSCRIBE": true,
	"CANCEL":      true,
}

var controlKeywords = map[string]bool{
	"START":     true,
	"YES":       true,
	"SUBSCRIBE": true,
	"HELP":      true,
	"INFO":      true,
}

// Classify maps an inbound message body onto a classification. Matching is
// trimmed and case-insensitive.
func Classify(body string) Classification {
	normalized := strings.ToUpper(strings.TrimSpace(body))
	switch {
	case optOutKeywords[normalized]:
		return ClassOptOut
	case controlKeywords[normalized]:
		return ClassControl
	default:
		return ClassReply
	}
}

// ApplyInbound returns the status an enrollment moves to when the contact
// sends a message with the given classification. The second return is false
// when no transition applies (control keywords, terminal states).
func ApplyInbound(current model.EnrollmentStatus, class Classification) (model.EnrollmentStatus, bool) {
	switch class {
	case ClassOptOut:
		if current == model.StatusActive || current == model.StatusPaused {
			return model.StatusOptedOut, true
		}
	case ClassReply:
		if current == model.StatusActive {
			return model.StatusReplied, true
		}
	}
	return current, false
}

// Resume is the explicit paused → active transition.
func Resume(current model.EnrollmentStatus) (model.EnrollmentStatus, error) {
	if current != model.StatusPaused && current != model.StatusReplied {
		return current, ErrInvalidTransition
	}
	return model.StatusActive, nil
}

// Fail marks an enrollment terminal after its dispatch retry budget is
// exhausted.
func Fail(current model.EnrollmentStatus) (model.EnrollmentStatus, error) {
	if current != model.StatusActive {
		return current, ErrInvalidTransition
	}
	return model.StatusFailed, nil
}

// Advance computes the post-dispatch state of an active enrollment. next is
// the step following the one just dispatched, nil when the dispatched step
// was the last: the enrollment completes and next_step_at clears.
func Advance(current model.EnrollmentStatus, stepOrder int, next *model.SequenceStep, now time.Time) (model.EnrollmentStatus, int, *time.Time, error) {
	if current != model.StatusActive {
		return current, stepOrder, nil, ErrInvalidTransition
	}
	if next == nil {
		return model.StatusCompleted, stepOrder, nil, nil
	}
	at := now.Add(time.Duration(next.DelayMinutes) * time.Minute)
	return model.StatusActive, next.StepOrder, &at, nil
}
