package security

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPipelineRunSummary(t *testing.T) {
	run := &PipelineRun{Passes: []*PassResult{
		{PassID: "cwe78", Status: PassCompleted, Findings: []Finding{
			{Status: StatusConfirmed},
			{Status: StatusSuppressed, Sanitized: true},
		}},
		{PassID: "cwe134", Status: PassTimedOut, Findings: []Finding{{Status: StatusNeedsReview}}},
		{PassID: "taint", Status: PassPending},
	}}

	assert.Equal(t, Summary{
		Findings:        3,
		Confirmed:       1,
		Suppressed:      1,
		NeedsReview:     1,
		Sanitized:       1,
		PassesCompleted: 1,
		PassesTimedOut:  1,
		PassesPending:   1,
	}, run.Summary())
	assert.Len(t, run.Findings(), 3)
}

func TestPassResultDegraded(t *testing.T) {
	start := time.Now()
	ok := &PassResult{Status: PassCompleted, Started: start, Ended: start.Add(time.Second)}
	assert.False(t, ok.Degraded())
	assert.Equal(t, time.Second, ok.Duration())

	truncated := &PassResult{Status: PassCompleted, Truncated: true}
	assert.True(t, truncated.Degraded())
	assert.Zero(t, truncated.Duration())

	warned := &PassResult{Status: PassCompleted, Warnings: []string{"refinement failed"}}
	assert.True(t, warned.Degraded())
}
