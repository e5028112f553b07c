package game

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"tontap/internal/types"
)

// Manager owns the live sessions, one per user, and evicts idle ones.
type Manager struct {
	rules   Rules
	clock   Clock
	rng     Rand
	persist *Persister
	remote  RemoteStore
	obs     Observer
	rec     Recorder
	idleTTL time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	sessions map[string]*Session
}

type ManagerOptions struct {
	Rules     Rules
	Clock     Clock
	Rand      Rand
	Persister *Persister
	Observer  Observer
	Recorder  Recorder
	// IdleTTL evicts sessions with no player-driven operation for this long.
	// Zero disables eviction.
	IdleTTL time.Duration
}

func NewManager(opts ManagerOptions) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		rules:    opts.Rules,
		clock:    opts.Clock,
		rng:      opts.Rand,
		persist:  opts.Persister,
		obs:      opts.Observer,
		rec:      opts.Recorder,
		idleTTL:  opts.IdleTTL,
		ctx:      ctx,
		cancel:   cancel,
		sessions: map[string]*Session{},
	}
	if m.clock == nil {
		m.clock = RealClock{}
	}
	if m.persist == nil {
		m.persist = &Persister{}
	}
	m.remote = m.persist.Remote
	if m.rec == nil {
		m.rec = nopRecorder{}
	}
	if m.obs == nil {
		m.obs = nopObserver{}
	}
	return m
}

func (m *Manager) Rules() Rules { return m.rules }

// Open returns the live session for userID, loading it on first use.
func (m *Manager) Open(ctx context.Context, userID, username string) (*Session, error) {
	return m.OpenTelegram(ctx, userID, username, nil)
}

// OpenTelegram is Open for a verified Telegram user; tg is stored with the
// state and travels in every remote save.
func (m *Manager) OpenTelegram(ctx context.Context, userID, username string, tg *types.TelegramUser) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[userID]; ok {
		if username != "" || tg != nil {
			s.mu.Lock()
			if username != "" {
				s.state.Username = username
			}
			if tg != nil {
				s.state.Telegram = tg
			}
			s.mu.Unlock()
		}
		return s, nil
	}

	st, err := m.persist.Load(ctx, NewState(m.rules), userID)
	if err != nil {
		return nil, err
	}
	st.UserID = userID
	if username != "" {
		st.Username = username
	}
	if tg != nil {
		st.Telegram = tg
	}
	// A first open writes the player down so it can be found as a referrer.
	if err := m.persist.Save(ctx, st); err != nil {
		log.Printf("game: save %q on open: %v", userID, err)
	}

	s := NewSession(m.ctx, st, SessionOptions{
		Rules:     m.rules,
		Clock:     m.clock,
		Rand:      m.rng,
		Persister: m.persist,
		Observer:  m.obs,
		Recorder:  m.rec,
	})
	s.Start()
	m.sessions[userID] = s
	m.rec.SessionsActive(len(m.sessions))
	log.Printf("game: session opened for %q", userID)
	return s, nil
}

// Get returns an already open session.
func (m *Manager) Get(userID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[userID]
	return s, ok
}

// Attribute applies a referral link: the joiner gets the welcome bonus once
// and, when the remote store records a new edge, the referrer's count grows.
// Self-referrals and repeat attributions are ignored. The referrer must be a
// known player, live or saved.
func (m *Manager) Attribute(ctx context.Context, joiner *Session, referrerID string) error {
	if referrerID == "" || referrerID == joiner.UserID() {
		return nil
	}
	if !m.known(ctx, referrerID) {
		return fmt.Errorf("%w: %q", ErrUnknownReferrer, referrerID)
	}
	err := joiner.AttributeReferral(ctx, referrerID)
	switch {
	case errors.Is(err, ErrReferralSelfAttribution), errors.Is(err, ErrAlreadyReferred):
		return nil
	case err != nil:
		return err
	}

	created := true
	if m.remote != nil {
		created, err = m.remote.TrackReferral(ctx, types.ReferralEdge{
			ReferrerID:     referrerID,
			ReferredUserID: joiner.UserID(),
			Timestamp:      m.clock.Now().UTC(),
			Status:         types.ReferralStatusActive,
		})
		if err != nil {
			m.rec.PersistenceFailure("remote")
			log.Printf("game: track referral %q -> %q: %v", referrerID, joiner.UserID(), err)
			created = true
		}
	}
	if !created {
		return nil
	}

	ref, err := m.Open(ctx, referrerID, "")
	if err != nil {
		return err
	}
	_, err = ref.AddReferral(ctx)
	return err
}

func (m *Manager) known(ctx context.Context, userID string) bool {
	if _, ok := m.Get(userID); ok {
		return true
	}
	return m.persist.Exists(ctx, userID)
}

// ReferralsCount prefers the remote edge count and falls back to the
// session's own counter.
func (m *Manager) ReferralsCount(ctx context.Context, s *Session) int {
	local := s.State().Referrals
	if m.remote == nil {
		return local
	}
	n, err := m.remote.ReferralsCount(ctx, s.UserID())
	if err != nil {
		log.Printf("game: referrals count for %q: %v", s.UserID(), err)
		return local
	}
	if n < local {
		return local
	}
	return n
}

// Leaderboard lists the top n players by balance.
func (m *Manager) Leaderboard(ctx context.Context, n int) ([]types.LeaderboardEntry, error) {
	if m.remote != nil {
		return m.remote.TopByBalance(ctx, n)
	}
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	out := make([]types.LeaderboardEntry, 0, len(sessions))
	for _, s := range sessions {
		st := s.State()
		out = append(out, LeaderboardEntryFromDocument(st.UserID, st.Document()))
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Balance == out[j].Balance {
			return out[i].ID < out[j].ID
		}
		return out[i].Balance > out[j].Balance
	})
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out, nil
}

// Sweep closes sessions idle for longer than the idle TTL and returns how
// many were evicted.
func (m *Manager) Sweep() int {
	if m.idleTTL <= 0 {
		return 0
	}
	now := m.clock.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	evicted := 0
	for id, s := range m.sessions {
		if now.Sub(s.LastTouched()) > m.idleTTL {
			s.Close()
			delete(m.sessions, id)
			evicted++
		}
	}
	if evicted > 0 {
		log.Printf("game: evicted %d idle sessions", evicted)
		m.rec.SessionsActive(len(m.sessions))
	}
	return evicted
}

// Run sweeps idle sessions until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	interval := m.idleTTL / 2
	if interval <= 0 {
		return
	}
	if interval > time.Minute {
		interval = time.Minute
	}
	every(ctx, interval, func() bool {
		m.Sweep()
		return true
	})
}

func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Close stops every session and waits for queued remote writes.
func (m *Manager) Close() {
	m.mu.Lock()
	for id, s := range m.sessions {
		s.Close()
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	m.cancel()
	m.rec.SessionsActive(0)
	m.persist.Wait()
}
