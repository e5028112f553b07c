package game

import (
	"context"
	"fmt"
	"log"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Rand is the source for the rewarded-ad prompt gate.
type Rand interface {
	Float64() float64
}

type RandFunc func() float64

func (f RandFunc) Float64() float64 { return f() }

// Session owns one player's GameState. Every operation holds the session
// mutex, so a tap and a timer callback never interleave inside each other;
// their relative order is arrival order.
type Session struct {
	mu    sync.Mutex
	state GameState

	rules   Rules
	clock   Clock
	rng     Rand
	persist *Persister
	obs     Observer
	rec     Recorder

	ctx         context.Context
	cancel      context.CancelFunc
	regenCancel context.CancelFunc
	boostCancel context.CancelFunc

	closed      bool
	lastTouched time.Time
}

type SessionOptions struct {
	Rules     Rules
	Clock     Clock
	Rand      Rand
	Persister *Persister
	Observer  Observer
	Recorder  Recorder
}

// NewSession wraps an already loaded state. Timers start with Start.
func NewSession(parent context.Context, st GameState, opts SessionOptions) *Session {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	s := &Session{
		state:   st,
		rules:   opts.Rules,
		clock:   opts.Clock,
		rng:     opts.Rand,
		persist: opts.Persister,
		obs:     opts.Observer,
		rec:     opts.Recorder,
		ctx:     ctx,
		cancel:  cancel,
	}
	if s.clock == nil {
		s.clock = RealClock{}
	}
	if s.rng == nil {
		s.rng = RandFunc(rand.Float64)
	}
	if s.persist == nil {
		s.persist = &Persister{}
	}
	if s.obs == nil {
		s.obs = nopObserver{}
	}
	if s.rec == nil {
		s.rec = nopRecorder{}
	}
	s.lastTouched = s.clock.Now()
	return s
}

// Start launches energy regeneration and, when the loaded boost is still
// running, its countdown.
func (s *Session) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.startRegenLocked()
	if s.state.Boost.Active {
		s.startBoostTickerLocked()
	}
	s.publishStateLocked(s.now())
}

// Close cancels every timer owned by the session.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.stopBoostTickerLocked()
	if s.regenCancel != nil {
		s.regenCancel()
		s.regenCancel = nil
	}
	s.cancel()
}

func (s *Session) UserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.UserID
}

func (s *Session) State() GameState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.clone()
}

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked(s.now())
}

func (s *Session) Rules() Rules { return s.rules }

// LastTouched is the time of the last player-driven operation.
func (s *Session) LastTouched() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastTouched
}

func (s *Session) now() time.Time {
	return millis(s.clock.Now())
}

func (s *Session) beginLocked() (time.Time, error) {
	if s.closed {
		return time.Time{}, ErrSessionClosed
	}
	now := s.now()
	s.lastTouched = now
	return now, nil
}

type TapResult struct {
	Reward    float64  `json:"reward"`
	LeveledUp bool     `json:"leveledUp"`
	Prompted  bool     `json:"prompted"`
	State     Snapshot `json:"state"`
}

// Tap spends one energy for min(tapPower × multiplier, cap).
func (s *Session) Tap(ctx context.Context) (TapResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now, err := s.beginLocked()
	if err != nil {
		return TapResult{}, err
	}
	if s.state.Energy <= 0 {
		s.noticeLocked(now, "⚠️ No energy! Wait for recharge.")
		return TapResult{}, ErrInsufficientEnergy
	}

	s.expireBoostLocked(now)
	reward := s.rewardAt(now)
	s.state.Balance += reward
	s.state.Energy--
	s.state.TotalTaps++
	s.rec.Tap(reward)

	leveled := s.checkLevelUpLocked(now)
	prompted := s.rewardPromptLocked(now)
	s.commitLocked(ctx, now)
	if prompted {
		s.publishLocked(Event{Kind: EventRewardPrompt, At: now, Options: s.rules.AdOptions})
	}

	return TapResult{
		Reward:    reward,
		LeveledUp: leveled,
		Prompted:  prompted,
		State:     s.snapshotLocked(now),
	}, nil
}

// rewardAt reads the boost lazily: the multiplier applies only while now < expiresAt.
func (s *Session) rewardAt(now time.Time) float64 {
	m := 1.0
	if s.state.Boost.ActiveAt(now) {
		m = s.state.Boost.Multiplier
	}
	return math.Min(s.state.TapPower*m, s.rules.TapRewardCap)
}

// expireBoostLocked ends a boost whose expiry has passed. The caller commits.
func (s *Session) expireBoostLocked(now time.Time) bool {
	if s.state.Boost.Active && !now.Before(s.state.Boost.ExpiresAt) {
		s.endBoostLocked(now)
		return true
	}
	return false
}

// endBoostLocked is the single boost expiry transition: the countdown stops
// and the client is told the boost slot is free again.
func (s *Session) endBoostLocked(now time.Time) {
	s.state.Boost.Active = false
	s.stopBoostTickerLocked()
	s.publishLocked(Event{Kind: EventBoostTick, At: now, Boost: &BoostTick{Active: false}})
	s.noticeLocked(now, "⏰ Boost ended")
}

// checkLevelUpLocked grants at most one level per call.
func (s *Session) checkLevelUpLocked(now time.Time) bool {
	if s.state.TotalTaps < int64(s.state.Level)*s.rules.TapsPerLevel {
		return false
	}
	s.state.Level++
	s.state.TapPower += s.rules.TapPowerStep
	s.state.Energy = s.state.MaxEnergy
	s.rec.LevelUp()
	s.noticeLocked(now, fmt.Sprintf("⭐ Level Up! Now Level %d", s.state.Level))
	return true
}

func (s *Session) rewardPromptLocked(now time.Time) bool {
	if !s.rules.RewardPromptEnabled {
		return false
	}
	if s.rng.Float64() >= s.rules.RewardPromptChance {
		return false
	}
	last := s.state.LastRewardedPromptAt
	if !last.IsZero() && now.Sub(last) <= s.rules.RewardPromptCooldown {
		return false
	}
	s.state.LastRewardedPromptAt = now
	return true
}

type BoostResult struct {
	ShareURL  string    `json:"shareUrl"`
	ExpiresAt time.Time `json:"expiresAt"`
	State     Snapshot  `json:"state"`
}

// ActivateBoost (re)starts the single boost slot and grants the flat bonus.
// Repeated activation resets the expiry; the multiplier never stacks.
func (s *Session) ActivateBoost(ctx context.Context) (BoostResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now, err := s.beginLocked()
	if err != nil {
		return BoostResult{}, err
	}

	s.publishLocked(Event{Kind: EventOpenURL, At: now, URL: s.rules.ShareURL})

	s.state.Boost.Active = true
	s.state.Boost.ExpiresAt = now.Add(s.rules.BoostDuration)
	s.state.Boost.Multiplier = s.rules.BoostMultiplier
	s.state.Balance += s.rules.BoostBonus
	s.rec.BoostActivated()

	s.noticeLocked(now, fmt.Sprintf("🎉 %gx Earnings Boost Activated for %s! +%g TON bonus!",
		s.rules.BoostMultiplier, humanDuration(s.rules.BoostDuration), s.rules.BoostBonus))
	s.commitLocked(ctx, now)
	s.startBoostTickerLocked()

	return BoostResult{
		ShareURL:  s.rules.ShareURL,
		ExpiresAt: s.state.Boost.ExpiresAt,
		State:     s.snapshotLocked(now),
	}, nil
}

// TickBoost is the boost countdown task. It reports whether the countdown
// should keep running.
func (s *Session) TickBoost() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	if !s.state.Boost.Active {
		s.stopBoostTickerLocked()
		return false
	}
	now := s.now()
	left := s.state.Boost.ExpiresAt.Sub(now)
	if left <= 0 {
		s.endBoostLocked(now)
		s.commitLocked(context.Background(), now)
		return false
	}
	s.publishLocked(Event{Kind: EventBoostTick, At: now, Boost: &BoostTick{Active: true, Remaining: formatRemaining(left)}})
	return true
}

// RegenEnergy is the energy regeneration task: +1 up to maxEnergy.
func (s *Session) RegenEnergy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	if s.state.Energy < s.state.MaxEnergy {
		s.state.Energy++
		s.commitLocked(context.Background(), s.now())
	}
	return true
}

type ReferralResult struct {
	Referrals int      `json:"referrals"`
	Milestone string   `json:"milestone,omitempty"`
	State     Snapshot `json:"state"`
}

// AddReferral counts one converted invitee and applies the milestone whose
// count matches exactly.
func (s *Session) AddReferral(ctx context.Context) (ReferralResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now, err := s.beginLocked()
	if err != nil {
		return ReferralResult{}, err
	}

	s.state.Referrals++
	s.rec.Referral()
	res := ReferralResult{}
	if m, ok := milestoneFor(s.state.Referrals); ok {
		s.state.Balance += m.Bonus
		if m.LevelUp {
			s.state.Level++
		}
		if m.UnlockWithdrawal {
			s.state.WithdrawalUnlocked = true
		}
		res.Milestone = m.Notice
		s.noticeLocked(now, m.Notice)
	}
	s.commitLocked(ctx, now)

	res.Referrals = s.state.Referrals
	res.State = s.snapshotLocked(now)
	return res, nil
}

// AttributeReferral credits the joiner's welcome bonus for arriving through
// referrerID. Only the first attribution counts.
func (s *Session) AttributeReferral(ctx context.Context, referrerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now, err := s.beginLocked()
	if err != nil {
		return err
	}
	if referrerID == "" {
		return nil
	}
	if referrerID == s.state.UserID {
		return ErrReferralSelfAttribution
	}
	if s.state.ReferredBy != "" {
		return ErrAlreadyReferred
	}
	s.state.ReferredBy = referrerID
	s.state.Balance += s.rules.WelcomeBonus
	s.noticeLocked(now, fmt.Sprintf("🎁 Welcome bonus: +%g TON!", s.rules.WelcomeBonus))
	s.commitLocked(ctx, now)
	return nil
}

// RequestWithdrawal zeroes the balance once withdrawal is unlocked and the
// minimum is reached. Nothing is settled.
func (s *Session) RequestWithdrawal(ctx context.Context) (Withdrawal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now, err := s.beginLocked()
	if err != nil {
		return Withdrawal{}, err
	}
	if !s.state.WithdrawalUnlocked {
		s.noticeLocked(now, fmt.Sprintf("❌ Need %d referrals to unlock withdrawal", ReferralsToUnlock()))
		return Withdrawal{}, ErrWithdrawalLocked
	}
	if s.state.Balance < s.rules.MinWithdrawal {
		s.noticeLocked(now, fmt.Sprintf("❌ Minimum withdrawal: %g TON", s.rules.MinWithdrawal))
		return Withdrawal{}, ErrInsufficientBalance
	}

	w := Withdrawal{
		ID:          uuid.NewString(),
		Amount:      s.state.Balance,
		RequestedAt: now,
	}
	s.state.Balance = 0
	s.state.LastWithdrawal = &w
	s.rec.Withdrawal(w.Amount)
	s.noticeLocked(now, fmt.Sprintf("✅ Withdrawal submitted!\nAmount: %.2f TON\nProcessing: 3-5 days", w.Amount))
	s.commitLocked(ctx, now)
	return w, nil
}

// CreditAd adds a rewarded-ad payout. source names the crediting path.
func (s *Session) CreditAd(ctx context.Context, source string, amount float64) error {
	if amount <= 0 || math.IsNaN(amount) || math.IsInf(amount, 0) {
		return ErrInvalidAmount
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now, err := s.beginLocked()
	if err != nil {
		return err
	}
	s.state.Balance += amount
	s.rec.AdCredit(source, amount)
	s.noticeLocked(now, fmt.Sprintf("✅ +%g TON added for watching ad!", amount))
	s.commitLocked(ctx, now)
	return nil
}

// AddCoins is the debug credit used by the admin router.
func (s *Session) AddCoins(ctx context.Context, amount float64) error {
	if amount <= 0 || math.IsNaN(amount) || math.IsInf(amount, 0) {
		return ErrInvalidAmount
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now, err := s.beginLocked()
	if err != nil {
		return err
	}
	s.state.Balance += amount
	s.noticeLocked(now, fmt.Sprintf("✅ +%g TON added!", amount))
	s.commitLocked(ctx, now)
	return nil
}

// Reset replaces the state with fresh defaults, keeping the identity and
// the referrer.
func (s *Session) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now, err := s.beginLocked()
	if err != nil {
		return err
	}
	fresh := NewState(s.rules)
	fresh.UserID = s.state.UserID
	fresh.Username = s.state.Username
	fresh.Telegram = s.state.Telegram
	// The referral edge outlives a reset, so the welcome bonus cannot be claimed twice.
	fresh.ReferredBy = s.state.ReferredBy
	s.state = fresh
	s.stopBoostTickerLocked()
	s.noticeLocked(now, "🔄 Game reset!")
	s.commitLocked(ctx, now)
	return nil
}

func (s *Session) DebugInfo() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.state
	lock := "LOCKED"
	if st.WithdrawalUnlocked {
		lock = "UNLOCKED"
	}
	return fmt.Sprintf("Balance: %g | Level: %d | Energy: %d | Referrals: %d | Total Taps: %d | Withdrawal: %s",
		st.Balance, st.Level, st.Energy, st.Referrals, st.TotalTaps, lock)
}

// commitLocked persists the state and refreshes the presentation layer. A
// failed local write is logged; the in-memory state stays authoritative.
func (s *Session) commitLocked(ctx context.Context, now time.Time) {
	if err := s.persist.Save(ctx, s.state); err != nil {
		log.Printf("game: save %q: %v", s.state.UserID, err)
	}
	s.publishStateLocked(now)
}

func (s *Session) publishStateLocked(now time.Time) {
	snap := s.snapshotLocked(now)
	s.publishLocked(Event{Kind: EventState, At: now, State: &snap})
}

func (s *Session) noticeLocked(now time.Time, msg string) {
	s.publishLocked(Event{Kind: EventNotice, At: now, Notice: msg})
}

func (s *Session) publishLocked(e Event) {
	e.UserID = s.state.UserID
	if e.At.IsZero() {
		e.At = s.now()
	}
	s.obs.Publish(e)
}

func humanDuration(d time.Duration) string {
	switch {
	case d == time.Hour:
		return "1 Hour"
	case d%time.Hour == 0:
		return fmt.Sprintf("%d Hours", int(d/time.Hour))
	case d%time.Minute == 0:
		return fmt.Sprintf("%d Minutes", int(d/time.Minute))
	default:
		return d.String()
	}
}
