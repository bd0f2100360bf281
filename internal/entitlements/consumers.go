package entitlements

import "sort"

// Decision is a consumer's verdict on a gated action. Pending means the
// store has nothing authoritative yet and the consumer should render a
// neutral state instead of granting or denying.
type Decision int

const (
	DecisionPending Decision = iota
	DecisionGranted
	DecisionDenied
)

func (d Decision) String() string {
	switch d {
	case DecisionGranted:
		return "granted"
	case DecisionDenied:
		return "denied"
	default:
		return "pending"
	}
}

func (st State) pending() bool {
	return st.Loading || (st.Snapshot == nil && !st.Initialized)
}

func CheckFeature(st State, key string) Decision {
	if st.pending() {
		return DecisionPending
	}
	if st.Snapshot.HasFeature(key) {
		return DecisionGranted
	}
	return DecisionDenied
}

func CheckUsage(st State, key string, amount int64) Decision {
	if st.pending() {
		return DecisionPending
	}
	rec, ok := st.Snapshot.UsageFor(key)
	if !ok || !rec.Allows(amount) {
		return DecisionDenied
	}
	return DecisionGranted
}

type AlertLevel string

const (
	AlertWarning AlertLevel = "warning"
	AlertLimit   AlertLevel = "limit"
)

const DefaultWarnPercent = 80

type UsageAlert struct {
	Key         string     `json:"key"`
	DisplayName string     `json:"display_name"`
	Level       AlertLevel `json:"level"`
	Percentage  float64    `json:"percentage"`
}

// UsageAlerts lists bounded allowances that are at their limit or at least
// warnPercent used, sorted by key. Allowances with a zero limit are locked
// features, not exhausted quotas, and are skipped.
func UsageAlerts(st State, warnPercent float64) []UsageAlert {
	if st.pending() || st.Snapshot == nil {
		return nil
	}
	if warnPercent <= 0 {
		warnPercent = DefaultWarnPercent
	}

	var alerts []UsageAlert
	for key, rec := range st.Snapshot.Usage {
		if rec.IsUnlimited || rec.Limit == nil || *rec.Limit == 0 {
			continue
		}
		pct := rec.PercentUsed()
		switch {
		case rec.IsAtLimit:
			alerts = append(alerts, UsageAlert{Key: key, DisplayName: rec.DisplayName, Level: AlertLimit, Percentage: pct})
		case pct >= warnPercent:
			alerts = append(alerts, UsageAlert{Key: key, DisplayName: rec.DisplayName, Level: AlertWarning, Percentage: pct})
		}
	}
	sort.Slice(alerts, func(i, j int) bool { return alerts[i].Key < alerts[j].Key })
	return alerts
}

// UpgradeRequired reports whether an upgrade prompt should be offered for
// key: the feature is off or its allowance is exhausted, and a higher tier
// exists.
func UpgradeRequired(st State, key string) bool {
	if st.pending() || st.Snapshot == nil {
		return false
	}
	if st.Snapshot.Tier == TierEnterprise {
		return false
	}
	if rec, ok := st.Snapshot.UsageFor(key); ok {
		return rec.IsAtLimit
	}
	return !st.Snapshot.HasFeature(key)
}
