package entitlements

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTierOrdering(t *testing.T) {
	assert.True(t, TierEnterprise.AtLeast(TierTeam))
	assert.True(t, TierTeam.AtLeast(TierTeam))
	assert.False(t, TierFree.AtLeast(TierProfessional))
	assert.Equal(t, TierTeam, ParseTier("  Team "))

	unknown := ParseTier("platinum")
	assert.False(t, unknown.Valid())
	assert.Equal(t, -1, unknown.Rank())
	assert.False(t, unknown.AtLeast(TierFree))
	assert.False(t, TierEnterprise.AtLeast(unknown))
}

func TestNewUsageRecordDerivesFields(t *testing.T) {
	rec := NewUsageRecord("AI Queries", 120, 100)
	require.NotNil(t, rec.Remaining)
	assert.Equal(t, int64(0), *rec.Remaining, "remaining never goes negative")
	assert.Equal(t, 100.0, rec.PercentUsed())
	assert.True(t, rec.IsAtLimit)
	assert.False(t, rec.Allows(1))

	locked := NewUsageRecord("Deep Research", 0, 0)
	assert.True(t, locked.IsAtLimit)
	assert.Zero(t, locked.PercentUsed())

	unlimited := NewUsageRecord("Storage", 7, -1)
	assert.True(t, unlimited.IsUnlimited)
	assert.Nil(t, unlimited.Limit)
	assert.Nil(t, unlimited.Remaining)
	assert.Nil(t, unlimited.Percentage)
	assert.True(t, unlimited.Allows(1_000_000))
	assert.False(t, unlimited.IsAtLimit)
}

func TestAllowsTreatsNonPositiveAmountAsOne(t *testing.T) {
	rec := NewUsageRecord("AI Queries", 49, 50)
	assert.True(t, rec.Allows(0))
	assert.True(t, rec.Allows(-3))
	assert.False(t, rec.Allows(2))

	full := NewUsageRecord("AI Queries", 50, 50)
	assert.False(t, full.Allows(0))
}

func TestSnapshotCloneIsIndependent(t *testing.T) {
	orig := professionalSnapshot()
	cp := orig.Clone()
	require.True(t, orig.Equal(cp))

	cp.Features["deep_research"] = false
	*cp.Usage[UsageAIQuery].Remaining = 1
	assert.True(t, orig.HasFeature("deep_research"))
	rec, _ := orig.UsageFor(UsageAIQuery)
	assert.Equal(t, int64(490), *rec.Remaining)
	assert.False(t, orig.Equal(cp))

	var nilSnap *Snapshot
	assert.Nil(t, nilSnap.Clone())
	assert.True(t, nilSnap.Equal(nil))
	assert.False(t, nilSnap.HasFeature("deep_research"))
}

func TestFallbackSnapshotMatchesFreeTier(t *testing.T) {
	now := time.Date(2026, 3, 4, 5, 6, 7, 0, time.FixedZone("X", 3600))
	got := FallbackSnapshot(now)

	want := &Snapshot{
		Tier:     TierFree,
		Features: map[string]bool{},
		Usage: map[string]UsageRecord{
			UsageAIQuery:       NewUsageRecord("AI Queries", 0, 50),
			UsageDeepResearch:  NewUsageRecord("Deep Research", 0, 0),
			UsageContractDraft: NewUsageRecord("Contract Drafts", 0, 0),
			UsageStorageGB:     NewUsageRecord("Storage (GB)", 0, 1),
		},
		PeriodStart: now.UTC(),
		PeriodEnd:   now.UTC(),
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("fallback mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, time.UTC, got.PeriodStart.Location())
	assert.Empty(t, got.Features, "fallback grants no features")
}

func TestDecodeSnapshotNormalizesPayload(t *testing.T) {
	body := []byte(`{
		"tier": "Enterprise",
		"features": {"deep_research": true, "": true},
		"usage": {
			"ai_query": {"display_name": "AI Queries", "current": 80, "limit": 100, "remaining": 20, "percentage": 80, "is_at_limit": false},
			"storage_gb": {"display_name": "Storage (GB)", "current": 12, "limit": 1000, "is_unlimited": true},
			"contract_draft": {"current": 2, "remaining": 3},
			"seats": {"display_name": "Seats", "current": 4, "limit": null, "remaining": null},
			"exports": {"display_name": "Exports", "current": 5, "limit": 5, "is_at_limit": false, "percentage": 250}
		},
		"period_start": "2026-10-01T00:00:00.123Z",
		"period_end": "2026-11-01T00:00:00"
	}`)
	snap, err := DecodeSnapshot(body)
	require.NoError(t, err)

	assert.Equal(t, TierEnterprise, snap.Tier)
	assert.Equal(t, map[string]bool{"deep_research": true}, snap.Features)
	assert.Equal(t, time.Date(2026, 10, 1, 0, 0, 0, 123_000_000, time.UTC), snap.PeriodStart)
	assert.Equal(t, time.Date(2026, 11, 1, 0, 0, 0, 0, time.UTC), snap.PeriodEnd)

	ai := snap.Usage[UsageAIQuery]
	assert.Equal(t, 80.0, ai.PercentUsed())
	assert.False(t, ai.IsAtLimit)

	storage := snap.Usage[UsageStorageGB]
	assert.True(t, storage.IsUnlimited)
	assert.Nil(t, storage.Limit, "unlimited records drop the finite limit")

	draft := snap.Usage[UsageContractDraft]
	assert.Equal(t, UsageContractDraft, draft.DisplayName)
	require.NotNil(t, draft.Limit)
	assert.Equal(t, int64(5), *draft.Limit)

	assert.True(t, snap.Usage["seats"].IsUnlimited)

	exports := snap.Usage["exports"]
	assert.True(t, exports.IsAtLimit, "at-limit is recomputed from current and limit")
	assert.Equal(t, 100.0, exports.PercentUsed())
}

func TestDecodeSnapshotDefaultsMissingTier(t *testing.T) {
	snap, err := DecodeSnapshot([]byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, TierFree, snap.Tier)
	assert.NotNil(t, snap.Features)
	assert.NotNil(t, snap.Usage)
	assert.True(t, snap.PeriodStart.IsZero())
}

func TestDecodeSnapshotRejectsMalformedBody(t *testing.T) {
	_, err := DecodeSnapshot([]byte(`{"tier":`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode entitlements response")
}

func TestSnapshotMarshalUsesWireShape(t *testing.T) {
	snap := professionalSnapshot()
	data, err := json.Marshal(snap)
	require.NoError(t, err)

	var wire map[string]any
	require.NoError(t, json.Unmarshal(data, &wire))
	assert.Equal(t, "professional", wire["tier"])
	assert.Equal(t, "2026-10-01T00:00:00Z", wire["period_start"])

	decoded, err := DecodeSnapshot(data)
	require.NoError(t, err)
	assert.True(t, snap.Equal(decoded), "wire output decodes back to the same snapshot")
}
