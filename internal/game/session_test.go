package game

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tontap/internal/types"
)

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) Publish(e Event) {
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
}

func (l *eventLog) ofKind(k EventKind) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Event
	for _, e := range l.events {
		if e.Kind == k {
			out = append(out, e)
		}
	}
	return out
}

func (l *eventLog) notices() []string {
	var out []string
	for _, e := range l.ofKind(EventNotice) {
		out = append(out, e.Notice)
	}
	return out
}

func (l *eventLog) lastNotice() string {
	n := l.notices()
	if len(n) == 0 {
		return ""
	}
	return n[len(n)-1]
}

type fixedRand float64

func (f fixedRand) Float64() float64 { return float64(f) }

type sessionFixture struct {
	s      *Session
	clock  *FakeClock
	local  *MemoryStore
	events *eventLog
	rules  Rules
}

// testRules keeps background tasks out of the way; tests drive them directly.
func testRules() Rules {
	r := DefaultRules()
	r.EnergyRegenInterval = time.Hour
	r.BoostTickInterval = time.Hour
	r.RewardPromptEnabled = false
	return r
}

func newSessionFixture(t *testing.T, rules Rules, mutate func(*GameState)) *sessionFixture {
	t.Helper()
	clock := NewFakeClock(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))
	local := NewMemoryStore()
	events := &eventLog{}
	st := NewState(rules)
	st.UserID = "u1"
	st.Username = "alice"
	if mutate != nil {
		mutate(&st)
	}
	s := NewSession(context.Background(), st, SessionOptions{
		Rules:     rules,
		Clock:     clock,
		Rand:      fixedRand(0.99),
		Persister: &Persister{Local: local, Namespace: "tonTapMaster"},
		Observer:  events,
	})
	s.Start()
	t.Cleanup(s.Close)
	return &sessionFixture{s: s, clock: clock, local: local, events: events, rules: rules}
}

func TestTap_SpendsEnergyAndCreditsTapPower(t *testing.T) {
	f := newSessionFixture(t, testRules(), nil)

	res, err := f.s.Tap(context.Background())
	require.NoError(t, err)

	assert.InDelta(t, 0.1, res.Reward, 1e-9)
	st := f.s.State()
	assert.InDelta(t, 0.1, st.Balance, 1e-9)
	assert.Equal(t, 99, st.Energy)
	assert.Equal(t, int64(1), st.TotalTaps)
	assert.False(t, res.LeveledUp)
}

func TestTap_NoEnergyIsRejectedWithoutMutation(t *testing.T) {
	f := newSessionFixture(t, testRules(), func(st *GameState) {
		st.Energy = 0
		st.Balance = 3
	})

	_, err := f.s.Tap(context.Background())
	require.ErrorIs(t, err, ErrInsufficientEnergy)

	st := f.s.State()
	assert.Equal(t, 0, st.Energy)
	assert.InDelta(t, 3, st.Balance, 1e-9)
	assert.Equal(t, int64(0), st.TotalTaps)
	assert.Contains(t, f.events.lastNotice(), "No energy")
}

func TestTap_BoostDoublesUntilExpiry(t *testing.T) {
	f := newSessionFixture(t, testRules(), nil)
	ctx := context.Background()

	_, err := f.s.ActivateBoost(ctx)
	require.NoError(t, err)

	res, err := f.s.Tap(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 0.2, res.Reward, 1e-9)

	f.clock.Advance(time.Hour)
	res, err = f.s.Tap(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 0.1, res.Reward, 1e-9)
	assert.False(t, f.s.State().Boost.Active, "expired boost is cleared lazily on tap")
}

func TestTap_RewardIsCapped(t *testing.T) {
	f := newSessionFixture(t, testRules(), func(st *GameState) {
		st.TapPower = 3
		st.Boost = Boost{Active: true, ExpiresAt: time.Date(2026, 1, 1, 13, 0, 0, 0, time.UTC), Multiplier: 2}
	})

	res, err := f.s.Tap(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 5, res.Reward, 1e-9)
}

func TestTap_LevelUpAtThreshold(t *testing.T) {
	f := newSessionFixture(t, testRules(), func(st *GameState) {
		st.TotalTaps = 99
		st.Energy = 40
	})

	res, err := f.s.Tap(context.Background())
	require.NoError(t, err)
	assert.True(t, res.LeveledUp)

	st := f.s.State()
	assert.Equal(t, 2, st.Level)
	assert.InDelta(t, 0.2, st.TapPower, 1e-9)
	assert.Equal(t, st.MaxEnergy, st.Energy)
	assert.Contains(t, f.events.notices(), "⭐ Level Up! Now Level 2")
}

func TestTap_LevelsUpAtMostOncePerTap(t *testing.T) {
	f := newSessionFixture(t, testRules(), func(st *GameState) {
		st.TotalTaps = 299
	})

	_, err := f.s.Tap(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, f.s.State().Level)
}

func TestTap_RewardPromptGate(t *testing.T) {
	rules := testRules()
	rules.RewardPromptEnabled = true
	f := newSessionFixture(t, rules, nil)
	f.s.rng = fixedRand(0.1)
	ctx := context.Background()

	res, err := f.s.Tap(ctx)
	require.NoError(t, err)
	assert.True(t, res.Prompted)
	require.Len(t, f.events.ofKind(EventRewardPrompt), 1)
	assert.Len(t, f.events.ofKind(EventRewardPrompt)[0].Options, 3)

	f.clock.Advance(10 * time.Second)
	res, err = f.s.Tap(ctx)
	require.NoError(t, err)
	assert.False(t, res.Prompted, "cooldown not elapsed")

	f.clock.Advance(21 * time.Second)
	res, err = f.s.Tap(ctx)
	require.NoError(t, err)
	assert.True(t, res.Prompted)

	f.s.rng = fixedRand(0.5)
	f.clock.Advance(time.Minute)
	res, err = f.s.Tap(ctx)
	require.NoError(t, err)
	assert.False(t, res.Prompted)
}

func TestActivateBoost_GrantsBonusAndOpensShare(t *testing.T) {
	f := newSessionFixture(t, testRules(), nil)
	start := f.clock.Now()

	res, err := f.s.ActivateBoost(context.Background())
	require.NoError(t, err)

	st := f.s.State()
	assert.InDelta(t, 2, st.Balance, 1e-9)
	assert.True(t, st.Boost.Active)
	assert.Equal(t, start.Add(time.Hour).UnixMilli(), st.Boost.ExpiresAt.UnixMilli())
	assert.Equal(t, f.rules.ShareURL, res.ShareURL)
	assert.True(t, f.s.BoostTickerRunning())

	opens := f.events.ofKind(EventOpenURL)
	require.Len(t, opens, 1)
	assert.True(t, strings.HasPrefix(opens[0].URL, "https://www.facebook.com/sharer/sharer.php?u="))
}

func TestActivateBoost_RepeatResetsExpiryWithoutStacking(t *testing.T) {
	f := newSessionFixture(t, testRules(), nil)
	ctx := context.Background()

	_, err := f.s.ActivateBoost(ctx)
	require.NoError(t, err)
	f.clock.Advance(30 * time.Minute)
	_, err = f.s.ActivateBoost(ctx)
	require.NoError(t, err)

	st := f.s.State()
	assert.InDelta(t, 2, st.Boost.Multiplier, 1e-9)
	assert.InDelta(t, 4, st.Balance, 1e-9)
	assert.Equal(t, f.clock.Now().Add(time.Hour).UnixMilli(), st.Boost.ExpiresAt.UnixMilli())
}

func TestTickBoost_ReportsRemainingThenExpires(t *testing.T) {
	f := newSessionFixture(t, testRules(), nil)
	_, err := f.s.ActivateBoost(context.Background())
	require.NoError(t, err)

	f.clock.Advance(59*time.Minute + 30*time.Second)
	assert.True(t, f.s.TickBoost())
	ticks := f.events.ofKind(EventBoostTick)
	require.NotEmpty(t, ticks)
	assert.Equal(t, "0:30", ticks[len(ticks)-1].Boost.Remaining)

	f.clock.Advance(30 * time.Second)
	assert.False(t, f.s.TickBoost())
	assert.False(t, f.s.State().Boost.Active)
	assert.False(t, f.s.BoostTickerRunning())
	assert.Equal(t, "⏰ Boost ended", f.events.lastNotice())
}

func TestTap_ExpiredBoostEndsCountdown(t *testing.T) {
	f := newSessionFixture(t, testRules(), nil)
	ctx := context.Background()
	_, err := f.s.ActivateBoost(ctx)
	require.NoError(t, err)
	require.True(t, f.s.BoostTickerRunning())

	f.clock.Advance(time.Hour + time.Second)
	_, err = f.s.Tap(ctx)
	require.NoError(t, err)

	ticks := f.events.ofKind(EventBoostTick)
	require.Len(t, ticks, 1)
	assert.False(t, ticks[0].Boost.Active)
	assert.Contains(t, f.events.notices(), "⏰ Boost ended")
	assert.False(t, f.s.BoostTickerRunning())

	raw, ok, err := f.local.Get(ctx, "tonTapMaster_u1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Contains(t, string(raw), `"active":false`)

	assert.False(t, f.s.TickBoost())
	assert.Len(t, f.events.ofKind(EventBoostTick), 1, "the end is reported once")
}

func TestRegenEnergy_StopsAtMax(t *testing.T) {
	f := newSessionFixture(t, testRules(), func(st *GameState) {
		st.Energy = 99
	})

	assert.True(t, f.s.RegenEnergy())
	assert.Equal(t, 100, f.s.State().Energy)
	assert.True(t, f.s.RegenEnergy())
	assert.Equal(t, 100, f.s.State().Energy)
}

func TestRegenEnergy_RunsOnTimer(t *testing.T) {
	rules := testRules()
	rules.EnergyRegenInterval = 5 * time.Millisecond
	f := newSessionFixture(t, rules, func(st *GameState) {
		st.Energy = 97
	})

	assert.Eventually(t, func() bool {
		return f.s.State().Energy == 100
	}, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 100, f.s.State().Energy)
}

func TestAddReferral_Milestones(t *testing.T) {
	f := newSessionFixture(t, testRules(), nil)
	ctx := context.Background()

	for i := 1; i <= 10; i++ {
		res, err := f.s.AddReferral(ctx)
		require.NoError(t, err)
		assert.Equal(t, i, res.Referrals)
		switch i {
		case 4:
			assert.False(t, f.s.State().WithdrawalUnlocked)
		case 5:
			assert.True(t, f.s.State().WithdrawalUnlocked)
			assert.Equal(t, "🚀 WITHDRAWAL UNLOCKED!", res.Milestone)
		}
	}

	st := f.s.State()
	assert.Equal(t, 10, st.Referrals)
	assert.InDelta(t, 40, st.Balance, 1e-9)
	assert.Equal(t, 2, st.Level)
	assert.True(t, st.WithdrawalUnlocked)
	assert.Contains(t, f.events.notices(), "🚀 WITHDRAWAL UNLOCKED!")
}

func TestAttributeReferral_WelcomeBonusOnce(t *testing.T) {
	f := newSessionFixture(t, testRules(), nil)
	ctx := context.Background()

	require.ErrorIs(t, f.s.AttributeReferral(ctx, "u1"), ErrReferralSelfAttribution)
	assert.InDelta(t, 0, f.s.State().Balance, 1e-9)

	require.NoError(t, f.s.AttributeReferral(ctx, "r1"))
	assert.InDelta(t, 5, f.s.State().Balance, 1e-9)
	assert.Equal(t, "r1", f.s.State().ReferredBy)

	require.ErrorIs(t, f.s.AttributeReferral(ctx, "r2"), ErrAlreadyReferred)
	assert.InDelta(t, 5, f.s.State().Balance, 1e-9)
}

func TestRequestWithdrawal(t *testing.T) {
	ctx := context.Background()

	t.Run("locked", func(t *testing.T) {
		f := newSessionFixture(t, testRules(), func(st *GameState) { st.Balance = 50 })
		_, err := f.s.RequestWithdrawal(ctx)
		require.ErrorIs(t, err, ErrWithdrawalLocked)
		assert.InDelta(t, 50, f.s.State().Balance, 1e-9)
		assert.Equal(t, "❌ Need 5 referrals to unlock withdrawal", f.events.lastNotice())
	})

	t.Run("below minimum", func(t *testing.T) {
		f := newSessionFixture(t, testRules(), func(st *GameState) {
			st.Balance = 9.99
			st.WithdrawalUnlocked = true
		})
		_, err := f.s.RequestWithdrawal(ctx)
		require.ErrorIs(t, err, ErrInsufficientBalance)
		assert.InDelta(t, 9.99, f.s.State().Balance, 1e-9)
	})

	t.Run("submitted", func(t *testing.T) {
		f := newSessionFixture(t, testRules(), func(st *GameState) {
			st.Balance = 12.5
			st.WithdrawalUnlocked = true
		})
		w, err := f.s.RequestWithdrawal(ctx)
		require.NoError(t, err)
		assert.NotEmpty(t, w.ID)
		assert.InDelta(t, 12.5, w.Amount, 1e-9)

		st := f.s.State()
		assert.InDelta(t, 0, st.Balance, 1e-9)
		require.NotNil(t, st.LastWithdrawal)
		assert.Equal(t, w.ID, st.LastWithdrawal.ID)
		assert.Contains(t, f.events.lastNotice(), "Amount: 12.50 TON")
	})

	t.Run("exactly the minimum", func(t *testing.T) {
		f := newSessionFixture(t, testRules(), func(st *GameState) {
			st.Balance = 10
			st.WithdrawalUnlocked = true
		})
		w, err := f.s.RequestWithdrawal(ctx)
		require.NoError(t, err)
		assert.InDelta(t, 10, w.Amount, 1e-9)
		assert.InDelta(t, 0, f.s.State().Balance, 1e-9)
		assert.Contains(t, f.events.lastNotice(), "Amount: 10.00 TON")
	})
}

func TestCreditAd(t *testing.T) {
	f := newSessionFixture(t, testRules(), nil)
	ctx := context.Background()

	require.ErrorIs(t, f.s.CreditAd(ctx, "watch", 0), ErrInvalidAmount)
	require.NoError(t, f.s.CreditAd(ctx, "watch", 10))
	assert.InDelta(t, 10, f.s.State().Balance, 1e-9)
	assert.Equal(t, "✅ +10 TON added for watching ad!", f.events.lastNotice())
}

func TestReset_KeepsIdentity(t *testing.T) {
	f := newSessionFixture(t, testRules(), func(st *GameState) {
		st.Balance = 77
		st.Level = 4
		st.Referrals = 6
		st.ReferredBy = "r1"
		st.Telegram = &types.TelegramUser{ID: 1, Username: "alice"}
	})
	_, err := f.s.ActivateBoost(context.Background())
	require.NoError(t, err)

	require.NoError(t, f.s.Reset(context.Background()))
	st := f.s.State()
	assert.Equal(t, "u1", st.UserID)
	assert.Equal(t, "alice", st.Username)
	assert.Equal(t, "r1", st.ReferredBy)
	require.NotNil(t, st.Telegram)
	assert.InDelta(t, 0, st.Balance, 1e-9)
	assert.Equal(t, 1, st.Level)
	assert.Equal(t, 0, st.Referrals)
	assert.False(t, st.Boost.Active)
	assert.False(t, f.s.BoostTickerRunning())

	require.ErrorIs(t, f.s.AttributeReferral(context.Background(), "r2"), ErrAlreadyReferred)
	assert.InDelta(t, 0, f.s.State().Balance, 1e-9)
}

func TestSession_SavesEveryMutation(t *testing.T) {
	f := newSessionFixture(t, testRules(), nil)
	ctx := context.Background()

	_, err := f.s.Tap(ctx)
	require.NoError(t, err)

	p := &Persister{Local: f.local, Namespace: "tonTapMaster"}
	loaded, err := p.Load(ctx, NewState(f.rules), "u1")
	require.NoError(t, err)
	assert.Equal(t, f.s.State(), loaded)
}

func TestSession_ClosedRejectsOperations(t *testing.T) {
	f := newSessionFixture(t, testRules(), nil)
	f.s.Close()

	_, err := f.s.Tap(context.Background())
	assert.ErrorIs(t, err, ErrSessionClosed)
	assert.False(t, f.s.RegenEnergy())
}

func TestSnapshot(t *testing.T) {
	f := newSessionFixture(t, testRules(), func(st *GameState) {
		st.Referrals = 2
		st.Level = 3
	})
	_, err := f.s.ActivateBoost(context.Background())
	require.NoError(t, err)

	snap := f.s.Snapshot()
	assert.True(t, snap.BoostActive)
	assert.Equal(t, "60:00", snap.BoostRemaining)
	assert.InDelta(t, 0.2, snap.TapValue, 1e-9)
	assert.Equal(t, int64(300), snap.NextLevelAt)
	assert.InDelta(t, 0.4, snap.ReferralProgress, 1e-9)
}

func TestDebugInfo(t *testing.T) {
	f := newSessionFixture(t, testRules(), func(st *GameState) { st.Balance = 1.5 })
	info := f.s.DebugInfo()
	assert.Contains(t, info, "Balance: 1.5")
	assert.Contains(t, info, "Withdrawal: LOCKED")
}
