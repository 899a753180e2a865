package chart

import (
	"math"
	"time"
)

// OverdueAfter is how long a completed encounter may stay unsigned.
const OverdueAfter = 24 * time.Hour

// IsOverdue reports whether rec is still unlocked more than OverdueAfter
// past its reference time, once the encounter is complete.
func IsOverdue(rec *Record, now time.Time) bool {
	if rec.Locked() || !rec.EncounterComplete() {
		return false
	}
	return now.Sub(rec.ReferenceTime()) > OverdueAfter
}

func NeedsCosign(rec *Record) bool { return rec.NeedsCosign() }

// AverageSignLatency is the mean of signedAt minus reference time over signed
// records. It is zero, with ok false, when no record has been signed.
func AverageSignLatency(records []*Record) (avg time.Duration, ok bool) {
	var sum float64
	var n int
	for _, r := range records {
		if r.SignedAt == nil {
			continue
		}
		sum += r.SignedAt.Sub(r.ReferenceTime()).Seconds()
		n++
	}
	if n == 0 {
		return 0, false
	}
	return time.Duration(sum / float64(n) * float64(time.Second)), true
}

// ComplianceRate is the percentage of completion-eligible records that have
// reached Closed or Amended. With nothing eligible the rate is 100.
func ComplianceRate(records []*Record) float64 {
	eligible, completed := complianceCounts(records)
	return rate(eligible, completed)
}

func complianceCounts(records []*Record) (eligible, completed int) {
	for _, r := range records {
		if !r.EncounterComplete() {
			continue
		}
		eligible++
		if r.State.Finalized() {
			completed++
		}
	}
	return eligible, completed
}

func rate(eligible, completed int) float64 {
	if eligible == 0 {
		return 100
	}
	return math.Round(float64(completed)/float64(eligible)*10000) / 100
}

// Metrics summarises compliance over a set of records.
type Metrics struct {
	Total                     int       `json:"total"`
	OverdueCount              int       `json:"overdue_count"`
	NeedsCosignCount          int       `json:"needs_cosign_count"`
	SignedCount               int       `json:"signed_count"`
	AverageSignLatencySeconds float64   `json:"average_sign_latency_seconds"`
	ComplianceRate            float64   `json:"compliance_rate"`
	EligibleCount             int       `json:"eligible_count"`
	CompletedCount            int       `json:"completed_count"`
	ComputedAt                time.Time `json:"computed_at"`
}

// ComputeMetrics is a pure function of records and now.
func ComputeMetrics(records []*Record, now time.Time) Metrics {
	m := Metrics{Total: len(records), ComputedAt: now}
	for _, r := range records {
		if IsOverdue(r, now) {
			m.OverdueCount++
		}
		if r.NeedsCosign() {
			m.NeedsCosignCount++
		}
		if r.SignedAt != nil {
			m.SignedCount++
		}
	}
	avg, _ := AverageSignLatency(records)
	m.AverageSignLatencySeconds = avg.Seconds()
	m.EligibleCount, m.CompletedCount = complianceCounts(records)
	m.ComplianceRate = rate(m.EligibleCount, m.CompletedCount)
	return m
}
