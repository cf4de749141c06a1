package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScanJob_Transitions(t *testing.T) {
	tests := []struct {
		name    string
		from    string
		to      string
		wantErr bool
	}{
		{"pending to running", ScanStatusPending, ScanStatusRunning, false},
		{"pending to cancelled", ScanStatusPending, ScanStatusCancelled, false},
		{"running to completed", ScanStatusRunning, ScanStatusCompleted, false},
		{"running to failed", ScanStatusRunning, ScanStatusFailed, false},
		{"completed is final", ScanStatusCompleted, ScanStatusRunning, true},
		{"cancelled is final", ScanStatusCancelled, ScanStatusCompleted, true},
		{"failed is final", ScanStatusFailed, ScanStatusCancelled, true},
		{"pending cannot complete", ScanStatusPending, ScanStatusCompleted, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job := NewScanJob("abc", "n", "", ScanFilter{})
			job.Status = tt.from

			var err error
			if tt.to == ScanStatusRunning {
				err = job.Start()
			} else {
				err = job.Finish(tt.to, "")
			}
			if tt.wantErr {
				assert.Error(t, err)
				assert.Equal(t, tt.from, job.Status)
			} else {
				assert.NoError(t, err)
				assert.Equal(t, tt.to, job.Status)
			}
		})
	}
}

func TestScanJob_CountersNeverExceedTotals(t *testing.T) {
	job := NewScanJob("abc", "n", "", ScanFilter{})
	require.NoError(t, job.Start())
	job.SetTotals(1, 2)

	ok := NewDocument(&Workspace{ID: "w"}, &Dataset{ID: "d1"})
	failed := FailedDocument(&Workspace{ID: "w"}, &Dataset{ID: "d2"}, "permission_error", "", "denied")

	job.RecordOutcome(ok)
	job.RecordOutcome(failed)
	job.RecordOutcome(ok)
	job.WorkspaceDone()
	job.WorkspaceDone()
	job.Skip(5)

	snap := job.Snapshot()
	assert.Equal(t, 2, snap.ProcessedDatasets)
	assert.Equal(t, 1, snap.ProcessedWorkspaces)
	assert.Equal(t, 2, snap.Outcomes.Succeeded)
	assert.Equal(t, 1, snap.Outcomes.Failed)
	assert.Equal(t, 0, snap.Outcomes.Skipped)
	require.Len(t, snap.Errors, 1)
	assert.Equal(t, "d2", snap.Errors[0].DatasetID)
	assert.Equal(t, "permission_error", snap.Errors[0].Kind)
}

func TestScanJob_PartialRecordsFacetErrors(t *testing.T) {
	job := NewScanJob("abc", "n", "", ScanFilter{})
	job.SetTotals(1, 1)

	doc := NewDocument(&Workspace{ID: "w"}, &Dataset{ID: "d"})
	doc.Outcome = OutcomePartial
	doc.SetFacetError(FacetMeasures, &OutcomeError{Kind: "permission_error", Message: "no"})
	job.RecordOutcome(doc)

	snap := job.Snapshot()
	assert.Equal(t, 1, snap.Outcomes.Partial)
	require.Len(t, snap.Errors, 1)
	assert.Equal(t, "extraction:measures", snap.Errors[0].Stage)
}

func TestScanJob_SnapshotIsIndependent(t *testing.T) {
	job := NewScanJob("abc", "n", "", ScanFilter{})
	require.NoError(t, job.Start())
	job.AddError(UnitError{Stage: StageDiscovery, Kind: "rate_limit_error"})

	snap := job.Snapshot()
	job.AddError(UnitError{Stage: StageSink})
	*job.StartedAt = job.StartedAt.Add(1)

	assert.Len(t, snap.Errors, 1)
	assert.NotEqual(t, *job.StartedAt, *snap.StartedAt)
}

func TestScanJob_RequestCancel(t *testing.T) {
	job := NewScanJob("abc", "n", "", ScanFilter{})
	assert.True(t, job.RequestCancel())
	assert.True(t, job.Cancelled())

	done := NewScanJob("def", "n", "", ScanFilter{})
	require.NoError(t, done.Start())
	require.NoError(t, done.Finish(ScanStatusCompleted, ""))
	assert.False(t, done.RequestCancel())
}

func TestFacetErrors_ValueScan(t *testing.T) {
	fe := FacetErrors{FacetMeasures: {Kind: "permission_error", Message: "no access"}}

	v, err := fe.Value()
	require.NoError(t, err)

	var back FacetErrors
	require.NoError(t, back.Scan(v))
	assert.Equal(t, "permission_error", back[FacetMeasures].Kind)

	empty, err := FacetErrors{}.Value()
	require.NoError(t, err)
	assert.Nil(t, empty)
}
