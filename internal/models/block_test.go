package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBlockStatusCanTransitionTo(t *testing.T) {
	cases := []struct {
		from    BlockStatus
		to      BlockStatus
		allowed bool
	}{
		{BlockStatusDraft, BlockStatusOpen, true},
		{BlockStatusOpen, BlockStatusInProgress, true},
		{BlockStatusInProgress, BlockStatusGrading, true},
		{BlockStatusGrading, BlockStatusCompleted, true},
		{BlockStatusDraft, BlockStatusCancelled, true},
		{BlockStatusOpen, BlockStatusCancelled, true},
		{BlockStatusInProgress, BlockStatusCancelled, true},
		{BlockStatusGrading, BlockStatusCancelled, true},
		{BlockStatusDraft, BlockStatusInProgress, false},
		{BlockStatusDraft, BlockStatusGrading, false},
		{BlockStatusOpen, BlockStatusDraft, false},
		{BlockStatusInProgress, BlockStatusOpen, false},
		{BlockStatusGrading, BlockStatusInProgress, false},
		{BlockStatusCompleted, BlockStatusGrading, false},
		{BlockStatusCompleted, BlockStatusCancelled, false},
		{BlockStatusCancelled, BlockStatusOpen, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.allowed, tc.from.CanTransitionTo(tc.to),
			"%s -> %s", tc.from, tc.to)
	}
}

func TestBlockStatusTerminal(t *testing.T) {
	assert.True(t, BlockStatusCompleted.Terminal())
	assert.True(t, BlockStatusCancelled.Terminal())
	assert.False(t, BlockStatusDraft.Terminal())
	assert.False(t, BlockStatusGrading.Terminal())
}

func TestEvaluationEffectiveMaxGrade(t *testing.T) {
	ten := 10.0
	e := &Evaluation{MaxGrade: &ten}
	assert.Equal(t, 10.0, e.EffectiveMaxGrade(20))

	e = &Evaluation{}
	assert.Equal(t, 20.0, e.EffectiveMaxGrade(20))

	zero := 0.0
	e = &Evaluation{MaxGrade: &zero}
	assert.Equal(t, 20.0, e.EffectiveMaxGrade(20))
}
