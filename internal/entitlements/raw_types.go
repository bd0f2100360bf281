package entitlements

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

type usageRecordRaw struct {
	DisplayName string   `json:"display_name"`
	Current     int64    `json:"current"`
	Limit       *int64   `json:"limit"`
	IsUnlimited bool     `json:"is_unlimited"`
	Remaining   *int64   `json:"remaining"`
	Percentage  *float64 `json:"percentage"`
	IsAtLimit   bool     `json:"is_at_limit"`
}

type entitlementsPayloadRaw struct {
	Tier        string                    `json:"tier"`
	Features    map[string]bool           `json:"features"`
	Usage       map[string]usageRecordRaw `json:"usage"`
	PeriodStart string                    `json:"period_start"`
	PeriodEnd   string                    `json:"period_end"`
}

// DecodeSnapshot parses an entitlements response body.
func DecodeSnapshot(body []byte) (*Snapshot, error) {
	var payload entitlementsPayloadRaw
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("decode entitlements response: %w", err)
	}
	return normalizeSnapshot(payload), nil
}

func normalizeSnapshot(payload entitlementsPayloadRaw) *Snapshot {
	tier := ParseTier(payload.Tier)
	if tier == "" {
		tier = TierFree
	}

	out := &Snapshot{
		Tier:        tier,
		Features:    make(map[string]bool, len(payload.Features)),
		Usage:       make(map[string]UsageRecord, len(payload.Usage)),
		PeriodStart: parsePeriodTime(payload.PeriodStart),
		PeriodEnd:   parsePeriodTime(payload.PeriodEnd),
	}
	for key, enabled := range payload.Features {
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		out.Features[key] = enabled
	}
	for key, raw := range payload.Usage {
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		out.Usage[key] = normalizeUsageRecord(key, raw)
	}
	return out
}

// normalizeUsageRecord trusts the server's current/limit pair and derives the
// rest, so an unlimited record never carries a finite limit.
func normalizeUsageRecord(key string, raw usageRecordRaw) UsageRecord {
	name := strings.TrimSpace(raw.DisplayName)
	if name == "" {
		name = key
	}
	if raw.IsUnlimited || (raw.Limit != nil && *raw.Limit < 0) {
		return NewUnlimitedUsage(name, raw.Current)
	}
	if raw.Limit == nil {
		if raw.Remaining == nil {
			// No cap and no remaining: the server is describing an uncapped meter.
			return NewUnlimitedUsage(name, raw.Current)
		}
		limit := raw.Current + *raw.Remaining
		return NewUsageRecord(name, raw.Current, limit)
	}

	rec := NewUsageRecord(name, raw.Current, *raw.Limit)
	if raw.Percentage != nil {
		pct := clampPercent(*raw.Percentage)
		rec.Percentage = &pct
	}
	return rec
}

func clampPercent(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 100:
		return 100
	default:
		return v
	}
}

func parsePeriodTime(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02"} {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC()
		}
	}
	return time.Time{}
}

// MarshalJSON writes the snapshot in the same shape the endpoint serves.
func (s Snapshot) MarshalJSON() ([]byte, error) {
	features := s.Features
	if features == nil {
		features = map[string]bool{}
	}
	usage := s.Usage
	if usage == nil {
		usage = map[string]UsageRecord{}
	}
	return json.Marshal(struct {
		Tier        Tier                   `json:"tier"`
		Features    map[string]bool        `json:"features"`
		Usage       map[string]UsageRecord `json:"usage"`
		PeriodStart string                 `json:"period_start"`
		PeriodEnd   string                 `json:"period_end"`
	}{
		Tier:        s.Tier,
		Features:    features,
		Usage:       usage,
		PeriodStart: formatPeriodTime(s.PeriodStart),
		PeriodEnd:   formatPeriodTime(s.PeriodEnd),
	})
}

func formatPeriodTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
