package entitlements

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lawlens/entitlements_monitor/internal/gate"
)

const (
	DefaultRequestTimeout = 10 * time.Second
	DefaultSettleDelay    = 100 * time.Millisecond
)

type RefreshOptions struct {
	// ForceLoading shows the full loading state even when a snapshot is
	// already visible.
	ForceLoading bool
	// Reset drops the visible snapshot before the request goes out, so data
	// from a previous identity is never shown under a new one.
	Reset bool
}

type RefreshResult int

const (
	RefreshCommitted RefreshResult = iota
	RefreshFellBack
	RefreshSuperseded
	RefreshAborted
)

func (r RefreshResult) String() string {
	switch r {
	case RefreshCommitted:
		return "committed"
	case RefreshFellBack:
		return "fallback"
	case RefreshSuperseded:
		return "superseded"
	case RefreshAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// State is a point-in-time copy of the store. Snapshot is nil until the first
// refresh settles or right after a reset.
type State struct {
	Snapshot    *Snapshot `json:"entitlements"`
	Loading     bool      `json:"loading"`
	Refreshing  bool      `json:"is_refreshing"`
	Initialized bool      `json:"has_initialized"`
	Err         string    `json:"error,omitempty"`
	Version     uint64    `json:"version"`
	UpdatedAt   time.Time `json:"updated_at,omitzero"`
}

// Store holds the latest committed entitlements and serializes refreshes so
// only the most recently started one is ever applied.
type Store struct {
	source      Source
	credentials CredentialProvider
	gate        *gate.Gate
	logger      zerolog.Logger
	metrics     *Metrics

	requestTimeout time.Duration
	settleDelay    time.Duration
	now            func() time.Time

	mu          sync.RWMutex
	state       State
	started     bool
	closed      bool
	settleTimer *time.Timer
	subs        map[int]chan State
	nextSubID   int
}

type Option func(*Store)

func WithLogger(logger zerolog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

func WithMetrics(m *Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

// WithRequestTimeout bounds each fetch. Zero disables the bound; a timed out
// fetch is a failure and commits the fallback snapshot.
func WithRequestTimeout(d time.Duration) Option {
	return func(s *Store) { s.requestTimeout = d }
}

// WithSettleDelay sets how long after the first completed load Initialized
// flips to true. Zero flips it in the same commit.
func WithSettleDelay(d time.Duration) Option {
	return func(s *Store) { s.settleDelay = d }
}

func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

func NewStore(source Source, credentials CredentialProvider, opts ...Option) *Store {
	if credentials == nil {
		credentials = StaticCredentials("")
	}
	s := &Store{
		source:         source,
		credentials:    credentials,
		gate:           gate.New(),
		logger:         zerolog.Nop(),
		requestTimeout: DefaultRequestTimeout,
		settleDelay:    DefaultSettleDelay,
		now:            time.Now,
		subs:           map[int]chan State{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Refresh fetches entitlements and commits the result if no newer Refresh
// has started in the meantime. A superseded call's request is cancelled and
// it returns without touching the store. Refresh never fails: errors commit
// the fallback snapshot and are reported through State.Err.
func (s *Store) Refresh(ctx context.Context, opts RefreshOptions) RefreshResult {
	if ctx == nil {
		ctx = context.Background()
	}
	start := s.now()

	ticket := s.gate.Begin(ctx)
	defer ticket.Done()
	log := s.logger.With().Uint64("version", ticket.Version()).Logger()

	closed := false
	began := s.gate.CommitIfCurrent(ticket, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.closed {
			closed = true
			return
		}
		s.stopSettleLocked()
		if opts.Reset {
			s.state.Snapshot = nil
			s.state.Initialized = false
		}
		fullLoad := !s.started || opts.ForceLoading || s.state.Snapshot == nil
		s.started = true
		s.state.Loading = fullLoad
		s.state.Refreshing = !fullLoad
		s.publishLocked()
	})
	if closed {
		return RefreshAborted
	}
	if !began {
		s.metrics.recordRefresh(RefreshSuperseded, 0)
		return RefreshSuperseded
	}
	log.Debug().Bool("reset", opts.Reset).Bool("force_loading", opts.ForceLoading).Msg("Refreshing entitlements")

	reqCtx := ticket.Context()
	if s.requestTimeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(reqCtx, s.requestTimeout)
		defer cancel()
	}

	token, err := s.credentials.Token(reqCtx)
	if err != nil {
		log.Warn().Err(err).Msg("Session credential unavailable, requesting anonymously")
		token = ""
	}

	snapshot, fetchErr := s.fetch(reqCtx, token)

	if ticket.Cancelled() {
		if !s.gate.IsCurrent(ticket) {
			log.Debug().Msg("Entitlements refresh superseded")
			s.metrics.recordRefresh(RefreshSuperseded, 0)
			return RefreshSuperseded
		}
		// The caller's context ended while this call still owned the store.
		if s.gate.CommitIfCurrent(ticket, func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			s.state.Loading = false
			s.state.Refreshing = false
			// The begin commit stopped any pending settle; a shown first
			// load must still become initialized.
			if !s.closed && s.state.Snapshot != nil && !s.state.Initialized {
				s.settleLocked(ticket)
			}
			s.publishLocked()
		}) {
			log.Debug().Msg("Entitlements refresh aborted")
			s.metrics.recordRefresh(RefreshAborted, 0)
			return RefreshAborted
		}
		s.metrics.recordRefresh(RefreshSuperseded, 0)
		return RefreshSuperseded
	}

	result := RefreshCommitted
	if fetchErr != nil {
		result = RefreshFellBack
		snapshot = FallbackSnapshot(s.now())
	}

	committed := s.gate.CommitIfCurrent(ticket, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.closed {
			closed = true
			return
		}
		s.state.Snapshot = snapshot
		s.state.Err = ""
		if fetchErr != nil {
			s.state.Err = fetchErr.Error()
		}
		s.state.Version = ticket.Version()
		s.state.UpdatedAt = s.now()
		s.state.Loading = false
		s.state.Refreshing = false
		if !s.state.Initialized {
			s.settleLocked(ticket)
		}
		s.metrics.recordSnapshot(snapshot)
		s.publishLocked()
	})
	if !committed {
		log.Debug().Msg("Discarding stale entitlements response")
		s.metrics.recordRefresh(RefreshSuperseded, 0)
		return RefreshSuperseded
	}
	if closed {
		log.Debug().Msg("Store closed, dropping entitlements response")
		s.metrics.recordRefresh(RefreshAborted, 0)
		return RefreshAborted
	}

	duration := s.now().Sub(start)
	s.metrics.recordRefresh(result, duration)
	if fetchErr != nil {
		log.Warn().Err(fetchErr).Dur("duration", duration).Msg("Entitlements fetch failed, using free-tier fallback")
	} else {
		log.Info().Str("tier", string(snapshot.Tier)).Dur("duration", duration).Msg("Entitlements updated")
	}
	return result
}

func (s *Store) fetch(ctx context.Context, token string) (*Snapshot, error) {
	if s.source == nil {
		return nil, errors.New("missing entitlements source")
	}
	snapshot, err := s.source.Fetch(ctx, token)
	if err != nil {
		return nil, err
	}
	if snapshot == nil {
		return nil, errors.New("entitlements source returned no data")
	}
	return snapshot, nil
}

// settleLocked marks the store initialized, after the settle delay when one
// is configured. A newer refresh invalidates the pending mark.
func (s *Store) settleLocked(ticket gate.Ticket) {
	if s.settleDelay <= 0 {
		s.state.Initialized = true
		return
	}
	s.settleTimer = time.AfterFunc(s.settleDelay, func() {
		s.gate.CommitIfCurrent(ticket, func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if s.closed || s.state.Initialized {
				return
			}
			s.state.Initialized = true
			s.publishLocked()
		})
	})
}

func (s *Store) stopSettleLocked() {
	if s.settleTimer != nil {
		s.settleTimer.Stop()
		s.settleTimer = nil
	}
}

// Poll refreshes in the background every interval until ctx is done.
func (s *Store) Poll(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			wg.Add(1)
			go func() {
				defer wg.Done()
				s.Refresh(ctx, RefreshOptions{})
			}()
		}
	}
}

func (s *Store) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.copyStateLocked()
}

func (s *Store) copyStateLocked() State {
	out := s.state
	out.Snapshot = s.state.Snapshot.Clone()
	return out
}

func (s *Store) Snapshot() *Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Snapshot.Clone()
}

func (s *Store) Loading() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Loading
}

func (s *Store) Refreshing() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Refreshing
}

func (s *Store) Initialized() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Initialized
}

func (s *Store) Err() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Err
}

// HasFeature is false without a snapshot or when the key is absent.
func (s *Store) HasFeature(key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Snapshot.HasFeature(key)
}

// CanUse reports whether amount more units of usageKey fit in the current
// period. Amounts below 1 are treated as 1.
func (s *Store) CanUse(usageKey string, amount int64) bool {
	rec, ok := s.GetUsage(usageKey)
	if !ok {
		return false
	}
	return rec.Allows(amount)
}

func (s *Store) GetUsage(usageKey string) (UsageRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Snapshot.UsageFor(usageKey)
}

// IsAtLimit fails closed: no snapshot or an unknown key counts as at limit.
func (s *Store) IsAtLimit(usageKey string) bool {
	rec, ok := s.GetUsage(usageKey)
	if !ok {
		return true
	}
	return rec.IsAtLimit
}

func (s *Store) GetUsagePercentage(usageKey string) float64 {
	rec, ok := s.GetUsage(usageKey)
	if !ok {
		return 0
	}
	return rec.PercentUsed()
}

// Tier returns the committed tier, or "" without a snapshot.
func (s *Store) Tier() Tier {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state.Snapshot == nil {
		return ""
	}
	return s.state.Snapshot.Tier
}

func (s *Store) HasTierAtLeast(t Tier) bool {
	return s.Tier().AtLeast(t)
}

// Subscribe returns a channel that always holds the most recent state. A
// slow reader skips intermediate states but never misses the latest one.
func (s *Store) Subscribe() (<-chan State, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan State, 1)
	if s.closed {
		close(ch)
		return ch, func() {}
	}
	id := s.nextSubID
	s.nextSubID++
	s.subs[id] = ch
	ch <- s.copyStateLocked()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if sub, ok := s.subs[id]; ok {
				delete(s.subs, id)
				close(sub)
			}
		})
	}
}

func (s *Store) publishLocked() {
	if len(s.subs) == 0 {
		return
	}
	st := s.copyStateLocked()
	for _, ch := range s.subs {
		select {
		case ch <- st:
			continue
		default:
		}
		// Replace the unread state with the newer one.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- st:
		default:
		}
	}
}

// Close cancels any in-flight refresh, ends all subscriptions and closes the
// source. Later refreshes return RefreshAborted.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.stopSettleLocked()
	for id, ch := range s.subs {
		delete(s.subs, id)
		close(ch)
	}
	s.mu.Unlock()

	s.gate.Cancel()
	if s.source != nil {
		return s.source.Close()
	}
	return nil
}
