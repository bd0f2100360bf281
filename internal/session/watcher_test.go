package session

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/lawlens/entitlements_monitor/internal/entitlements"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type recordingRefresher struct {
	mu    sync.Mutex
	calls []entitlements.RefreshOptions
}

func (r *recordingRefresher) Refresh(_ context.Context, opts entitlements.RefreshOptions) entitlements.RefreshResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, opts)
	return entitlements.RefreshCommitted
}

func (r *recordingRefresher) snapshot() []entitlements.RefreshOptions {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]entitlements.RefreshOptions(nil), r.calls...)
}

func tokenFor(t *testing.T, subject string, issuedAt time.Time) string {
	t.Helper()
	claims := jwt.RegisteredClaims{
		Subject:  subject,
		IssuedAt: jwt.NewNumericDate(issuedAt),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("secret"))
	require.NoError(t, err)
	return token
}

func TestCheckClassifiesChanges(t *testing.T) {
	current := ""
	w := NewWatcher("/unused/session.json", nil)
	w.readToken = func(string) (string, error) { return current, nil }

	assert.Equal(t, ChangeNone, w.Check(), "anonymous baseline")

	current = tokenFor(t, "user-1", time.Unix(1_700_000_000, 0))
	assert.Equal(t, ChangeIdentity, w.Check(), "login")
	assert.Equal(t, "sub:user-1", w.Identity().Key)
	assert.Equal(t, ChangeNone, w.Check())

	current = tokenFor(t, "user-1", time.Unix(1_700_000_600, 0))
	assert.Equal(t, ChangeRotated, w.Check(), "same subject, new token")

	current = tokenFor(t, "user-2", time.Unix(1_700_000_600, 0))
	assert.Equal(t, ChangeIdentity, w.Check(), "account switch")

	current = ""
	assert.Equal(t, ChangeIdentity, w.Check(), "logout")
	assert.True(t, w.Identity().Anonymous())
}

func TestCheckTreatsUnreadableSessionAsLogout(t *testing.T) {
	w := NewWatcher("/unused/session.json", nil)
	w.readToken = func(string) (string, error) { return "opaque", nil }
	require.Equal(t, ChangeIdentity, w.Check())

	w.readToken = func(string) (string, error) { return "", os.ErrPermission }
	assert.Equal(t, ChangeIdentity, w.Check())
	assert.True(t, w.Identity().Anonymous())
}

func TestTriggerResetsOnlyOnIdentityChange(t *testing.T) {
	refresher := &recordingRefresher{}
	current := tokenFor(t, "user-1", time.Unix(1_700_000_000, 0))
	w := NewWatcher("/unused/session.json", refresher)
	w.readToken = func(string) (string, error) { return current, nil }
	w.Check()

	w.trigger(context.Background())
	current = tokenFor(t, "user-1", time.Unix(1_700_000_900, 0))
	w.trigger(context.Background())
	current = tokenFor(t, "user-3", time.Unix(1_700_000_900, 0))
	w.trigger(context.Background())
	w.Stop()

	calls := refresher.snapshot()
	require.Len(t, calls, 2, "an unchanged session does not refresh")
	resets := 0
	for _, c := range calls {
		if c.Reset {
			resets++
		}
	}
	assert.Equal(t, 1, resets, "only the account switch resets")
}

func TestWatcherRefreshesOnSessionFileChanges(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, entitlements.SessionFileName)
	refresher := &recordingRefresher{}

	w := NewWatcher(path, refresher, WithDebounce(10*time.Millisecond), WithPollInterval(20*time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	defer w.Stop()
	assert.True(t, w.Identity().Anonymous())

	token := tokenFor(t, "user-9", time.Unix(1_700_000_000, 0))
	require.NoError(t, os.WriteFile(path, []byte(`{"access_token":"`+token+`"}`), 0o600))

	require.Eventually(t, func() bool { return len(refresher.snapshot()) == 1 }, 3*time.Second, 10*time.Millisecond)
	assert.True(t, refresher.snapshot()[0].Reset, "login resets the store")
	assert.Equal(t, "sub:user-9", w.Identity().Key)

	require.NoError(t, os.Remove(path))
	require.Eventually(t, func() bool { return len(refresher.snapshot()) == 2 }, 3*time.Second, 10*time.Millisecond)
	assert.True(t, w.Identity().Anonymous())
}

func TestChangeString(t *testing.T) {
	assert.Equal(t, "none", ChangeNone.String())
	assert.Equal(t, "rotated", ChangeRotated.String())
	assert.Equal(t, "identity", ChangeIdentity.String())
}
