package chart

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func at(d time.Duration) *time.Time {
	t := testNow.Add(d)
	return &t
}

func TestIsOverdue(t *testing.T) {
	tests := []struct {
		name string
		rec  Record
		want bool
	}{
		{
			name: "unsigned past 24h",
			rec:  Record{State: StateDraft, EncounterEndedAt: at(-30 * time.Hour), LastModifiedAt: at(-25 * time.Hour)},
			want: true,
		},
		{
			name: "exactly 24h is not overdue",
			rec:  Record{State: StateDraft, EncounterEndedAt: at(-30 * time.Hour), LastModifiedAt: at(-24 * time.Hour)},
			want: false,
		},
		{
			name: "encounter still open",
			rec:  Record{State: StateDraft, LastModifiedAt: at(-72 * time.Hour)},
			want: false,
		},
		{
			name: "preliminary counts as unsigned",
			rec:  Record{State: StatePreliminary, EncounterEndedAt: at(-48 * time.Hour), LastModifiedAt: at(-48 * time.Hour)},
			want: true,
		},
		{
			name: "signed is never overdue",
			rec:  Record{State: StateSigned, SignedAt: at(-40 * time.Hour), LastModifiedAt: at(-50 * time.Hour)},
			want: false,
		},
		{
			name: "closed is never overdue",
			rec:  Record{State: StateClosed, EncounterEndedAt: at(-1000 * time.Hour), LastModifiedAt: at(-1000 * time.Hour)},
			want: false,
		},
		{
			name: "amended is never overdue",
			rec:  Record{State: StateAmended, EncounterEndedAt: at(-1000 * time.Hour), CreatedAt: testNow.Add(-1000 * time.Hour)},
			want: false,
		},
		{
			name: "unlocked after signing uses last modification",
			rec:  Record{State: StateDraft, SignedAt: at(-100 * time.Hour), LastModifiedAt: at(-2 * time.Hour)},
			want: false,
		},
		{
			name: "falls back to scheduled time",
			rec:  Record{State: StateDraft, EncounterEndedAt: at(-2 * time.Hour), ScheduledAt: at(-26 * time.Hour), CreatedAt: testNow},
			want: true,
		},
		{
			name: "falls back to creation time",
			rec:  Record{State: StateDraft, EncounterEndedAt: at(-2 * time.Hour), CreatedAt: testNow.Add(-25 * time.Hour)},
			want: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsOverdue(&tt.rec, testNow))
		})
	}
}

func TestNeedsCosign(t *testing.T) {
	assert.True(t, NeedsCosign(&Record{CosignRequired: true}))
	assert.False(t, NeedsCosign(&Record{CosignRequired: true, CosignedAt: at(0)}))
	assert.False(t, NeedsCosign(&Record{}))
}

func TestAverageSignLatency(t *testing.T) {
	records := []*Record{
		{SignedAt: at(2 * time.Hour), LastModifiedAt: at(0)},
		{SignedAt: at(4 * time.Hour), ScheduledAt: at(0)},
		{State: StateDraft, LastModifiedAt: at(0)},
	}
	avg, ok := AverageSignLatency(records)
	assert.True(t, ok)
	assert.Equal(t, 3*time.Hour, avg)

	avg, ok = AverageSignLatency([]*Record{{State: StateDraft}})
	assert.False(t, ok)
	assert.Zero(t, avg)

	avg, ok = AverageSignLatency(nil)
	assert.False(t, ok)
	assert.Zero(t, avg)
}

func TestComplianceRate(t *testing.T) {
	assert.Equal(t, 100.0, ComplianceRate(nil))
	assert.Equal(t, 100.0, ComplianceRate([]*Record{{State: StateDraft}}), "nothing eligible")

	records := []*Record{
		{State: StateClosed, SignedAt: at(0)},
		{State: StateAmended, SignedAt: at(0)},
		{State: StateSigned, SignedAt: at(0)},
		{State: StateDraft, EncounterEndedAt: at(0)},
		{State: StateDraft},
	}
	assert.Equal(t, 50.0, ComplianceRate(records))
}

func TestComputeMetrics(t *testing.T) {
	records := []*Record{
		{State: StateClosed, SignedAt: at(-10 * time.Hour), LastModifiedAt: at(-11 * time.Hour)},
		{State: StateSigned, SignedAt: at(-1 * time.Hour), LastModifiedAt: at(-4 * time.Hour), CosignRequired: true},
		{State: StateDraft, EncounterEndedAt: at(-30 * time.Hour), LastModifiedAt: at(-30 * time.Hour)},
		{State: StateDraft, CreatedAt: testNow.Add(-time.Hour)},
	}

	m := ComputeMetrics(records, testNow)
	assert.Equal(t, 4, m.Total)
	assert.Equal(t, 1, m.OverdueCount)
	assert.Equal(t, 1, m.NeedsCosignCount)
	assert.Equal(t, 2, m.SignedCount)
	assert.Equal(t, 2*time.Hour.Seconds(), m.AverageSignLatencySeconds)
	assert.Equal(t, 3, m.EligibleCount)
	assert.Equal(t, 1, m.CompletedCount)
	assert.Equal(t, 33.33, m.ComplianceRate)
	assert.Equal(t, testNow, m.ComputedAt)
}

func TestComputeMetrics_Empty(t *testing.T) {
	m := ComputeMetrics(nil, testNow)
	assert.Zero(t, m.Total)
	assert.Zero(t, m.AverageSignLatencySeconds)
	assert.Equal(t, 100.0, m.ComplianceRate)
}
