package entitlements

import "time"

// Usage keys the backend reports for every tier.
const (
	UsageAIQuery       = "ai_query"
	UsageDeepResearch  = "deep_research"
	UsageContractDraft = "contract_draft"
	UsageStorageGB     = "storage_gb"
)

// FallbackSnapshot is the free-tier view committed when the entitlements
// endpoint cannot be reached or answers with an error.
func FallbackSnapshot(now time.Time) *Snapshot {
	now = now.UTC()
	return &Snapshot{
		Tier:     TierFree,
		Features: map[string]bool{},
		Usage: map[string]UsageRecord{
			UsageAIQuery:       NewUsageRecord("AI Queries", 0, 50),
			UsageDeepResearch:  NewUsageRecord("Deep Research", 0, 0),
			UsageContractDraft: NewUsageRecord("Contract Drafts", 0, 0),
			UsageStorageGB:     NewUsageRecord("Storage (GB)", 0, 1),
		},
		PeriodStart: now,
		PeriodEnd:   now,
	}
}
