package entitlements

import (
	"maps"
	"strings"
	"time"
)

// Tier is the subscription level. Tiers are ordered free < professional <
// team < enterprise.
type Tier string

const (
	TierFree         Tier = "free"
	TierProfessional Tier = "professional"
	TierTeam         Tier = "team"
	TierEnterprise   Tier = "enterprise"
)

var tierRanks = map[Tier]int{
	TierFree:         0,
	TierProfessional: 1,
	TierTeam:         2,
	TierEnterprise:   3,
}

func ParseTier(s string) Tier {
	return Tier(strings.ToLower(strings.TrimSpace(s)))
}

func (t Tier) Valid() bool {
	_, ok := tierRanks[t]
	return ok
}

// Rank returns the tier's position in the ordering, or -1 for unknown tiers.
func (t Tier) Rank() int {
	if r, ok := tierRanks[t]; ok {
		return r
	}
	return -1
}

// AtLeast reports whether t is the same as or above other. Unknown tiers are
// never at least anything.
func (t Tier) AtLeast(other Tier) bool {
	if !t.Valid() || !other.Valid() {
		return false
	}
	return t.Rank() >= other.Rank()
}

// UsageRecord is the state of one metered resource for the current period.
// Limit, Remaining and Percentage are nil when the resource is unlimited.
type UsageRecord struct {
	DisplayName string   `json:"display_name"`
	Current     int64    `json:"current"`
	Limit       *int64   `json:"limit"`
	IsUnlimited bool     `json:"is_unlimited"`
	Remaining   *int64   `json:"remaining"`
	Percentage  *float64 `json:"percentage"`
	IsAtLimit   bool     `json:"is_at_limit"`
}

func NewUsageRecord(displayName string, current, limit int64) UsageRecord {
	if current < 0 {
		current = 0
	}
	if limit < 0 {
		return NewUnlimitedUsage(displayName, current)
	}
	remaining := limit - current
	if remaining < 0 {
		remaining = 0
	}
	pct := usagePercent(current, limit)
	return UsageRecord{
		DisplayName: displayName,
		Current:     current,
		Limit:       &limit,
		Remaining:   &remaining,
		Percentage:  &pct,
		IsAtLimit:   remaining == 0,
	}
}

func NewUnlimitedUsage(displayName string, current int64) UsageRecord {
	if current < 0 {
		current = 0
	}
	return UsageRecord{
		DisplayName: displayName,
		Current:     current,
		IsUnlimited: true,
	}
}

func usagePercent(current, limit int64) float64 {
	if limit <= 0 {
		return 0
	}
	pct := float64(current) / float64(limit) * 100
	if pct > 100 {
		return 100
	}
	if pct < 0 {
		return 0
	}
	return pct
}

// Allows reports whether amount more units fit in the record.
func (u UsageRecord) Allows(amount int64) bool {
	if amount <= 0 {
		amount = 1
	}
	if u.IsUnlimited {
		return true
	}
	if u.Remaining == nil {
		return false
	}
	return *u.Remaining >= amount
}

// PercentUsed returns the used percentage, 0 when unlimited or unknown.
func (u UsageRecord) PercentUsed() float64 {
	if u.IsUnlimited || u.Percentage == nil {
		return 0
	}
	return *u.Percentage
}

func (u UsageRecord) Equal(other UsageRecord) bool {
	return u.DisplayName == other.DisplayName &&
		u.Current == other.Current &&
		u.IsUnlimited == other.IsUnlimited &&
		u.IsAtLimit == other.IsAtLimit &&
		equalInt64Ptr(u.Limit, other.Limit) &&
		equalInt64Ptr(u.Remaining, other.Remaining) &&
		equalFloat64Ptr(u.Percentage, other.Percentage)
}

func (u UsageRecord) clone() UsageRecord {
	out := u
	out.Limit = cloneInt64Ptr(u.Limit)
	out.Remaining = cloneInt64Ptr(u.Remaining)
	if u.Percentage != nil {
		v := *u.Percentage
		out.Percentage = &v
	}
	return out
}

// Snapshot is one committed view of the user's entitlements. The store
// replaces snapshots wholesale and never mutates one after publishing it.
type Snapshot struct {
	Tier        Tier                   `json:"tier"`
	Features    map[string]bool        `json:"features"`
	Usage       map[string]UsageRecord `json:"usage"`
	PeriodStart time.Time              `json:"period_start"`
	PeriodEnd   time.Time              `json:"period_end"`
}

func (s *Snapshot) HasFeature(key string) bool {
	if s == nil {
		return false
	}
	return s.Features[key]
}

func (s *Snapshot) UsageFor(key string) (UsageRecord, bool) {
	if s == nil {
		return UsageRecord{}, false
	}
	rec, ok := s.Usage[key]
	if !ok {
		return UsageRecord{}, false
	}
	return rec.clone(), true
}

func (s *Snapshot) Clone() *Snapshot {
	if s == nil {
		return nil
	}
	out := &Snapshot{
		Tier:        s.Tier,
		Features:    maps.Clone(s.Features),
		PeriodStart: s.PeriodStart,
		PeriodEnd:   s.PeriodEnd,
	}
	if out.Features == nil {
		out.Features = map[string]bool{}
	}
	out.Usage = make(map[string]UsageRecord, len(s.Usage))
	for k, v := range s.Usage {
		out.Usage[k] = v.clone()
	}
	return out
}

func (s *Snapshot) Equal(other *Snapshot) bool {
	if s == nil || other == nil {
		return s == other
	}
	if s.Tier != other.Tier || !s.PeriodStart.Equal(other.PeriodStart) || !s.PeriodEnd.Equal(other.PeriodEnd) {
		return false
	}
	if !maps.Equal(s.Features, other.Features) {
		return false
	}
	return maps.EqualFunc(s.Usage, other.Usage, UsageRecord.Equal)
}

func cloneInt64Ptr(v *int64) *int64 {
	if v == nil {
		return nil
	}
	out := *v
	return &out
}

func equalInt64Ptr(a, b *int64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func equalFloat64Ptr(a, b *float64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
