// Package session turns changes to the on-disk session file into
// entitlement refreshes. A login, logout or account switch resets the store
// before refetching; a token rotation for the same account only revalidates.
package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/lawlens/entitlements_monitor/internal/entitlements"
)

const (
	DefaultDebounce     = 250 * time.Millisecond
	DefaultPollInterval = 5 * time.Second
)

type Refresher interface {
	Refresh(ctx context.Context, opts entitlements.RefreshOptions) entitlements.RefreshResult
}

type Change int

const (
	ChangeNone Change = iota
	ChangeRotated
	ChangeIdentity
)

func (c Change) String() string {
	switch c {
	case ChangeRotated:
		return "rotated"
	case ChangeIdentity:
		return "identity"
	default:
		return "none"
	}
}

type Watcher struct {
	path         string
	refresher    Refresher
	logger       zerolog.Logger
	debounce     time.Duration
	pollInterval time.Duration
	readToken    func(path string) (string, error)

	mu          sync.Mutex
	identity    entitlements.Identity
	fingerprint string

	fsw      *fsnotify.Watcher
	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

type Option func(*Watcher)

func WithLogger(logger zerolog.Logger) Option {
	return func(w *Watcher) { w.logger = logger }
}

func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) { w.debounce = d }
}

// WithPollInterval sets the mod-time polling period used when the directory
// cannot be watched.
func WithPollInterval(d time.Duration) Option {
	return func(w *Watcher) { w.pollInterval = d }
}

func NewWatcher(path string, refresher Refresher, opts ...Option) *Watcher {
	w := &Watcher{
		path:         filepath.Clean(path),
		refresher:    refresher,
		logger:       zerolog.Nop(),
		debounce:     DefaultDebounce,
		pollInterval: DefaultPollInterval,
		readToken:    entitlements.ReadSessionToken,
		stopCh:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Identity returns the identity seen at the last check.
func (w *Watcher) Identity() entitlements.Identity {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.identity
}

// Start records the current identity and begins watching. It does not
// trigger a refresh by itself; the initial load is the caller's.
func (w *Watcher) Start(ctx context.Context) error {
	w.Check()

	fsw, err := fsnotify.NewWatcher()
	if err == nil {
		if addErr := fsw.Add(filepath.Dir(w.path)); addErr != nil {
			_ = fsw.Close()
			err = addErr
		}
	}
	if err != nil {
		w.logger.Warn().Err(err).Str("path", w.path).Msg("Failed to watch session directory, falling back to polling")
		w.wg.Add(1)
		go w.pollForChanges(ctx)
		return nil
	}

	w.fsw = fsw
	w.wg.Add(1)
	go w.watchForChanges(ctx)
	w.logger.Info().Str("path", w.path).Msg("Watching session file")
	return nil
}

func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
		if w.fsw != nil {
			_ = w.fsw.Close()
		}
	})
	w.wg.Wait()
}

// Check re-reads the session file and reports how it changed since the last
// check. An unreadable file counts as a logout.
func (w *Watcher) Check() Change {
	token, err := w.readToken(w.path)
	if err != nil {
		w.logger.Warn().Err(err).Str("path", w.path).Msg("Session file unreadable, treating as signed out")
		token = ""
	}
	identity := entitlements.IdentityFromToken(token)
	fingerprint := ""
	if token != "" {
		sum := sha256.Sum256([]byte(token))
		fingerprint = hex.EncodeToString(sum[:])
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	change := ChangeNone
	switch {
	case identity.Key != w.identity.Key:
		change = ChangeIdentity
	case fingerprint != w.fingerprint:
		change = ChangeRotated
	}
	w.identity = identity
	w.fingerprint = fingerprint
	return change
}

func (w *Watcher) trigger(ctx context.Context) {
	change := w.Check()
	if change == ChangeNone || w.refresher == nil {
		return
	}
	opts := entitlements.RefreshOptions{Reset: change == ChangeIdentity}
	w.logger.Info().
		Str("change", change.String()).
		Str("identity", w.Identity().String()).
		Msg("Session changed, refreshing entitlements")

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.refresher.Refresh(ctx, opts)
	}()
}

func (w *Watcher) watchForChanges(ctx context.Context) {
	defer w.wg.Done()

	var debounce *time.Timer
	var fire <-chan time.Time
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if debounce == nil {
				debounce = time.NewTimer(w.debounce)
			} else {
				debounce.Stop()
				debounce.Reset(w.debounce)
			}
			fire = debounce.C
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn().Err(err).Msg("Session watcher error")
		case <-fire:
			fire = nil
			w.trigger(ctx)
		}
	}
}

func (w *Watcher) pollForChanges(ctx context.Context) {
	defer w.wg.Done()

	interval := w.pollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	lastMod := modTime(w.path)
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			mod := modTime(w.path)
			if mod.Equal(lastMod) {
				continue
			}
			lastMod = mod
			w.trigger(ctx)
		}
	}
}

func modTime(path string) time.Time {
	info, err := os.Stat(path)
	if err != nil {
		return time.Time{}
	}
	return info.ModTime()
}
