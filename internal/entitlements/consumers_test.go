package entitlements

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConsumersStayNeutralWhileLoading(t *testing.T) {
	for _, st := range []State{
		{},
		{Loading: true},
		{Loading: true, Snapshot: professionalSnapshot(), Initialized: true},
	} {
		assert.Equal(t, DecisionPending, CheckFeature(st, "deep_research"))
		assert.Equal(t, DecisionPending, CheckUsage(st, UsageAIQuery, 1))
		assert.Nil(t, UsageAlerts(st, 0))
		assert.False(t, UpgradeRequired(st, "deep_research"))
	}
}

func TestConsumersDecideFromCommittedSnapshot(t *testing.T) {
	st := State{Snapshot: professionalSnapshot(), Initialized: true}
	assert.Equal(t, DecisionGranted, CheckFeature(st, "deep_research"))
	assert.Equal(t, DecisionDenied, CheckFeature(st, "contract_review"))
	assert.Equal(t, DecisionGranted, CheckUsage(st, UsageAIQuery, 490))
	assert.Equal(t, DecisionDenied, CheckUsage(st, UsageAIQuery, 491))
	assert.Equal(t, DecisionDenied, CheckUsage(st, "unknown", 1))

	// A background revalidation does not withdraw a decision.
	st.Refreshing = true
	assert.Equal(t, DecisionGranted, CheckFeature(st, "deep_research"))
	assert.Equal(t, "granted", DecisionGranted.String())
}

func TestUsageAlerts(t *testing.T) {
	snap := &Snapshot{
		Tier: TierProfessional,
		Usage: map[string]UsageRecord{
			"b_warn":    NewUsageRecord("Warn", 7, 8),
			"a_limit":   NewUsageRecord("Limit", 10, 10),
			"c_ok":      NewUsageRecord("Ok", 10, 100),
			"d_locked":  NewUsageRecord("Locked", 0, 0),
			"e_forever": NewUnlimitedUsage("Forever", 1_000),
		},
	}
	alerts := UsageAlerts(State{Snapshot: snap, Initialized: true}, 0)
	assert.Equal(t, []UsageAlert{
		{Key: "a_limit", DisplayName: "Limit", Level: AlertLimit, Percentage: 100},
		{Key: "b_warn", DisplayName: "Warn", Level: AlertWarning, Percentage: 87.5},
	}, alerts)

	alerts = UsageAlerts(State{Snapshot: snap, Initialized: true}, 90)
	assert.Len(t, alerts, 1)
}

func TestUpgradeRequired(t *testing.T) {
	st := State{Snapshot: FallbackSnapshot(fixedNow), Initialized: true}
	assert.True(t, UpgradeRequired(st, UsageDeepResearch), "locked allowance")
	assert.False(t, UpgradeRequired(st, UsageAIQuery))
	assert.True(t, UpgradeRequired(st, "contract_review"), "feature off")

	st.Snapshot.Tier = TierEnterprise
	assert.False(t, UpgradeRequired(st, UsageDeepResearch), "nothing to upgrade to")
}
