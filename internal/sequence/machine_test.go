package sequence

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"outreach-sequencer/internal/model"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		body string
		want Classification
	}{
		{"STOP", ClassOptOut},
		{"stop", ClassOptOut},
		{"  Unsubscribe  ", ClassOptOut},
		{"CANCEL", ClassOptOut},
		{"START", ClassControl},
		{"yes", ClassControl},
		{"HELP", ClassControl},
		{"info", ClassControl},
		{"SUBSCRIBE", ClassControl},
		{"sounds interesting, tell me more", ClassReply},
		{"stop calling me please", ClassReply},
		{"", ClassReply},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, Classify(c.body), "body %q", c.body)
	}
}

func TestOptOutFromActiveAndPaused(t *testing.T) {
	for _, from := range []model.EnrollmentStatus{model.StatusActive, model.StatusPaused} {
		next, changed := ApplyInbound(from, ClassOptOut)
		require.True(t, changed, "from %s", from)
		require.Equal(t, model.StatusOptedOut, next)
	}
}

func TestOptOutIsTerminal(t *testing.T) {
	next, changed := ApplyInbound(model.StatusOptedOut, ClassReply)
	assert.False(t, changed)
	assert.Equal(t, model.StatusOptedOut, next)

	_, err := Resume(model.StatusOptedOut)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestReplyHoldsActiveEnrollment(t *testing.T) {
	next, changed := ApplyInbound(model.StatusActive, ClassReply)
	require.True(t, changed)
	require.Equal(t, model.StatusReplied, next)

	// paused enrollments are not moved by an ordinary reply
	_, changed = ApplyInbound(model.StatusPaused, ClassReply)
	require.False(t, changed)
}

func TestControlKeywordsDoNotTransition(t *testing.T) {
	for _, from := range []model.EnrollmentStatus{model.StatusActive, model.StatusPaused} {
		next, changed := ApplyInbound(from, ClassControl)
		assert.False(t, changed)
		assert.Equal(t, from, next)
	}
}

func TestResume(t *testing.T) {
	next, err := Resume(model.StatusPaused)
	require.NoError(t, err)
	require.Equal(t, model.StatusActive, next)

	next, err = Resume(model.StatusReplied)
	require.NoError(t, err)
	require.Equal(t, model.StatusActive, next)

	for _, from := range []model.EnrollmentStatus{model.StatusActive, model.StatusCompleted, model.StatusFailed} {
		_, err := Resume(from)
		assert.ErrorIs(t, err, ErrInvalidTransition, "from %s", from)
	}
}

func TestAdvanceToNextStep(t *testing.T) {
	now := time.Now()
	next := &model.SequenceStep{ID: uuid.New(), StepOrder: 3, DelayMinutes: 60}

	status, order, at, err := Advance(model.StatusActive, 2, next, now)
	require.NoError(t, err)
	require.Equal(t, model.StatusActive, status)
	require.Equal(t, 3, order)
	require.NotNil(t, at)
	require.Equal(t, now.Add(time.Hour), *at)
}

func TestAdvancePastLastStepCompletes(t *testing.T) {
	status, order, at, err := Advance(model.StatusActive, 5, nil, time.Now())
	require.NoError(t, err)
	require.Equal(t, model.StatusCompleted, status)
	require.Equal(t, 5, order)
	require.Nil(t, at)
}

func TestAdvanceRequiresActive(t *testing.T) {
	_, _, _, err := Advance(model.StatusPaused, 1, nil, time.Now())
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestFail(t *testing.T) {
	status, err := Fail(model.StatusActive)
	require.NoError(t, err)
	require.Equal(t, model.StatusFailed, status)

	_, err = Fail(model.StatusCompleted)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestTerminal(t *testing.T) {
	assert.True(t, model.StatusOptedOut.Terminal())
	assert.True(t, model.StatusCompleted.Terminal())
	assert.True(t, model.StatusFailed.Terminal())
	assert.False(t, model.StatusActive.Terminal())
	assert.False(t, model.StatusPaused.Terminal())
	assert.False(t, model.StatusReplied.Terminal())
}
