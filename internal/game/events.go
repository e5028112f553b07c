package game

import (
	"fmt"
	"time"
)

type EventKind string

const (
	EventState        EventKind = "state"
	EventNotice       EventKind = "notice"
	EventOpenURL      EventKind = "open_url"
	EventBoostTick    EventKind = "boost_tick"
	EventRewardPrompt EventKind = "reward_prompt"
	EventAdCountdown  EventKind = "ad_countdown"
)

// Event is a one-way message to the presentation layer.
type Event struct {
	Kind   EventKind `json:"type"`
	UserID string    `json:"userId"`
	At     time.Time `json:"at"`

	State   *Snapshot   `json:"state,omitempty"`
	Notice  string      `json:"notice,omitempty"`
	URL     string      `json:"url,omitempty"`
	Boost   *BoostTick  `json:"boost,omitempty"`
	Options []AdOption  `json:"options,omitempty"`
	Ad      *AdProgress `json:"ad,omitempty"`
}

type BoostTick struct {
	Active    bool   `json:"active"`
	Remaining string `json:"remaining,omitempty"`
}

type AdProgress struct {
	SessionID string `json:"sessionId"`
	OptionID  string `json:"optionId"`
	Left      int    `json:"secondsLeft"`
	Credited  bool   `json:"credited"`
}

// Observer consumes engine events. Publish must not block.
type Observer interface {
	Publish(Event)
}

type ObserverFunc func(Event)

func (f ObserverFunc) Publish(e Event) { f(e) }

type nopObserver struct{}

func (nopObserver) Publish(Event) {}

// Snapshot is the read model handed to the presentation layer after every mutation.
type Snapshot struct {
	GameState
	TapValue         float64 `json:"tapValue"`
	BoostActive      bool    `json:"boostActive"`
	BoostRemaining   string  `json:"boostRemaining,omitempty"`
	NextLevelAt      int64   `json:"nextLevelAt"`
	ReferralProgress float64 `json:"referralProgress"`
}

func (s *Session) snapshotLocked(now time.Time) Snapshot {
	st := s.state.clone()
	snap := Snapshot{
		GameState:   st,
		TapValue:    s.rewardAt(now),
		BoostActive: st.Boost.ActiveAt(now),
		NextLevelAt: int64(st.Level) * s.rules.TapsPerLevel,
	}
	if snap.BoostActive {
		snap.BoostRemaining = formatRemaining(st.Boost.ExpiresAt.Sub(now))
	}
	if need := ReferralsToUnlock(); need > 0 {
		p := float64(st.Referrals) / float64(need)
		if p > 1 {
			p = 1
		}
		snap.ReferralProgress = p
	}
	return snap
}

// formatRemaining renders minutes:seconds as shown on the boost timer.
func formatRemaining(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	ms := d.Milliseconds()
	minutes := ms / 1000 / 60
	seconds := (ms / 1000) % 60
	return fmt.Sprintf("%d:%02d", minutes, seconds)
}

// Recorder receives business counters. monitoring.Metrics implements it.
type Recorder interface {
	Tap(reward float64)
	LevelUp()
	BoostActivated()
	Referral()
	Withdrawal(amount float64)
	AdCredit(source string, amount float64)
	PersistenceFailure(target string)
	SessionsActive(n int)
}

type nopRecorder struct{}

func (nopRecorder) Tap(float64)               {}
func (nopRecorder) LevelUp()                  {}
func (nopRecorder) BoostActivated()           {}
func (nopRecorder) Referral()                 {}
func (nopRecorder) Withdrawal(float64)        {}
func (nopRecorder) AdCredit(string, float64)  {}
func (nopRecorder) PersistenceFailure(string) {}
func (nopRecorder) SessionsActive(int)        {}
