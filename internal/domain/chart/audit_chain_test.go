package chart

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildChain(t *testing.T, recordID uuid.UUID, n int) []*AuditEntry {
	t.Helper()
	var prev *AuditEntry
	out := make([]*AuditEntry, 0, n)
	for i := 0; i < n; i++ {
		e := newEntry(recordID, ActionCosigned, superv, StateSigned, StateSigned,
			CosignDetails{RecordState: StateSigned}, nil, testNow.Add(time.Duration(i)*time.Second))
		require.NoError(t, link(prev, e))
		e.Seq = int64(i + 1)
		out = append(out, e)
		prev = e
	}
	return out
}

func TestLink(t *testing.T) {
	id := uuid.New()
	chain := buildChain(t, id, 3)

	assert.Empty(t, chain[0].PrevHash)
	assert.Len(t, chain[0].Hash, 64)
	assert.Equal(t, chain[0].Hash, chain[1].PrevHash)
	assert.Equal(t, chain[1].Hash, chain[2].PrevHash)
}

func TestLink_ClampsOccurredAt(t *testing.T) {
	id := uuid.New()
	prev := newEntry(id, ActionSigned, physician, StateDraft, StateSigned, SignedDetails{}, nil, testNow)
	require.NoError(t, link(nil, prev))

	e := newEntry(id, ActionClosed, physician, StateSigned, StateClosed, ClosedDetails{}, nil, testNow.Add(-time.Minute))
	require.NoError(t, link(prev, e))
	assert.Equal(t, testNow, e.OccurredAt)
}

func TestVerifyChain(t *testing.T) {
	id := uuid.New()

	t.Run("valid", func(t *testing.T) {
		report := VerifyChain(id, buildChain(t, id, 4))
		assert.True(t, report.Valid)
		assert.Equal(t, 4, report.Entries)
		assert.Nil(t, report.BrokenAt)
	})

	t.Run("empty", func(t *testing.T) {
		assert.True(t, VerifyChain(id, nil).Valid)
	})

	t.Run("edited field", func(t *testing.T) {
		chain := buildChain(t, id, 3)
		chain[1].ActorRole = "physician"
		report := VerifyChain(id, chain)
		assert.False(t, report.Valid)
		assert.Equal(t, chain[1].ID, *report.BrokenAt)
		assert.Equal(t, "hash mismatch", report.Reason)
	})

	t.Run("deleted entry", func(t *testing.T) {
		chain := buildChain(t, id, 3)
		chain = append(chain[:1], chain[2:]...)
		report := VerifyChain(id, chain)
		assert.False(t, report.Valid)
		assert.Equal(t, chain[1].ID, *report.BrokenAt)
		assert.Equal(t, "prev_hash does not match previous entry", report.Reason)
	})

	t.Run("foreign entry", func(t *testing.T) {
		chain := buildChain(t, id, 2)
		report := VerifyChain(uuid.New(), chain)
		assert.False(t, report.Valid)
		assert.Equal(t, chain[0].ID, *report.BrokenAt)
	})

	t.Run("reordered", func(t *testing.T) {
		chain := buildChain(t, id, 2)
		chain[0], chain[1] = chain[1], chain[0]
		assert.False(t, VerifyChain(id, chain).Valid)
	})
}

// Hashes must survive a JSONB round trip that reorders keys and strips
// whitespace.
func TestComputeHash_StableAcrossDetailsEncoding(t *testing.T) {
	e := newEntry(uuid.New(), "chart_migrated", superv, StateClosed, StateClosed,
		OpaqueDetails{ActionName: "chart_migrated", Raw: json.RawMessage(`{ "b": 1,  "a": "x" }`)}, nil, testNow)
	require.NoError(t, link(nil, e))

	reordered := *e
	reordered.Details = OpaqueDetails{ActionName: "chart_migrated", Raw: json.RawMessage(`{"a":"x","b":1}`)}
	h, err := reordered.computeHash()
	require.NoError(t, err)
	assert.Equal(t, e.Hash, h)
}

func TestComputeHash_IgnoresSeq(t *testing.T) {
	e := newEntry(uuid.New(), ActionSigned, physician, StateDraft, StateSigned, SignedDetails{ContentDigest: "x"}, nil, testNow)
	h1, err := e.computeHash()
	require.NoError(t, err)
	e.Seq = 99
	h2, err := e.computeHash()
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
}
