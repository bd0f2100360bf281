package entitlements

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
)

type DoctorCheck struct {
	Name    string `json:"name"`
	OK      bool   `json:"ok"`
	Details string `json:"details"`
}

type DoctorReport struct {
	Checks []DoctorCheck `json:"checks"`
}

type DoctorOptions struct {
	Source      Source
	SessionPath string
	// ConfigErr is the result of validating the loaded configuration.
	ConfigErr error
	// CheckTimeout bounds each endpoint check.
	CheckTimeout time.Duration
}

const (
	checkConfig       = "config"
	checkSessionFile  = "session file"
	checkAuthedFetch  = "authenticated fetch"
	checkAnonymousGet = "anonymous fetch"
)

func RunDoctor(ctx context.Context, opts DoctorOptions) DoctorReport {
	timeout := opts.CheckTimeout
	if timeout <= 0 {
		timeout = 8 * time.Second
	}

	sessionCheck, token := checkSession(opts.SessionPath)
	checks := []DoctorCheck{checkConfigValid(opts), sessionCheck}

	fetchChecks := make([]DoctorCheck, 2)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if token == "" {
			fetchChecks[0] = DoctorCheck{Name: checkAuthedFetch, OK: false, Details: "skipped: no session token"}
			return nil
		}
		fetchChecks[0] = checkFetch(gctx, opts.Source, checkAuthedFetch, token, timeout)
		return nil
	})
	g.Go(func() error {
		fetchChecks[1] = checkFetch(gctx, opts.Source, checkAnonymousGet, "", timeout)
		return nil
	})
	_ = g.Wait()

	return DoctorReport{Checks: append(checks, fetchChecks...)}
}

// Healthy is true when the endpoint answered either with or without the
// session credential.
func (r DoctorReport) Healthy() bool {
	for _, c := range r.Checks {
		if (c.Name == checkAuthedFetch || c.Name == checkAnonymousGet) && c.OK {
			return true
		}
	}
	return false
}

func checkConfigValid(opts DoctorOptions) DoctorCheck {
	if opts.ConfigErr != nil {
		return DoctorCheck{Name: checkConfig, OK: false, Details: opts.ConfigErr.Error()}
	}
	endpoint := "unknown endpoint"
	if src, ok := opts.Source.(*HTTPSource); ok {
		endpoint = src.Endpoint()
	}
	return DoctorCheck{Name: checkConfig, OK: true, Details: "endpoint " + endpoint}
}

func checkSession(path string) (DoctorCheck, string) {
	if strings.TrimSpace(path) == "" {
		return DoctorCheck{Name: checkSessionFile, OK: false, Details: "no session file configured"}, ""
	}
	token, err := ReadSessionToken(path)
	if err != nil {
		return DoctorCheck{
			Name:    checkSessionFile,
			OK:      false,
			Details: fmt.Sprintf("found %s but token read failed: %v", path, err),
		}, ""
	}
	if token == "" {
		return DoctorCheck{
			Name:    checkSessionFile,
			OK:      true,
			Details: fmt.Sprintf("no session at %s; requests will be anonymous", path),
		}, ""
	}
	return DoctorCheck{
		Name:    checkSessionFile,
		OK:      true,
		Details: fmt.Sprintf("found %s with access token for %s", path, IdentityFromToken(token)),
	}, token
}

func checkFetch(parent context.Context, source Source, name, token string, timeout time.Duration) DoctorCheck {
	if source == nil {
		return DoctorCheck{Name: name, OK: false, Details: "missing entitlements source"}
	}
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	snapshot, err := source.Fetch(ctx, token)
	if err != nil {
		return DoctorCheck{Name: name, OK: false, Details: err.Error()}
	}
	return DoctorCheck{
		Name:    name,
		OK:      true,
		Details: fmt.Sprintf("tier=%s features=%d usage=[%s]", snapshot.Tier, countEnabled(snapshot.Features), describeUsage(snapshot.Usage)),
	}
}

func countEnabled(features map[string]bool) int {
	n := 0
	for _, on := range features {
		if on {
			n++
		}
	}
	return n
}

func describeUsage(usage map[string]UsageRecord) string {
	keys := make([]string, 0, len(usage))
	for k := range usage {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		rec := usage[k]
		if rec.IsUnlimited {
			parts = append(parts, fmt.Sprintf("%s=%d/unlimited", k, rec.Current))
			continue
		}
		limit := int64(0)
		if rec.Limit != nil {
			limit = *rec.Limit
		}
		parts = append(parts, fmt.Sprintf("%s=%d/%d", k, rec.Current, limit))
	}
	return strings.Join(parts, " ")
}
