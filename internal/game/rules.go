package game

import (
	"fmt"
	"net/url"
	"time"
)

// Rules are the economy constants of the game. DefaultRules matches the
// shipped client; config may override the tunable ones.
type Rules struct {
	MaxEnergy     int
	StartTapPower float64
	TapPowerStep  float64
	TapsPerLevel  int64
	TapRewardCap  float64

	BoostDuration     time.Duration
	BoostMultiplier   float64
	BoostBonus        float64
	BoostTickInterval time.Duration

	EnergyRegenInterval time.Duration

	WelcomeBonus  float64
	MinWithdrawal float64

	RewardPromptEnabled  bool
	RewardPromptChance   float64
	RewardPromptCooldown time.Duration

	AdWatchReward float64
	AdWatchDelay  time.Duration
	AdCountdown   time.Duration
	AdOptions     []AdOption

	ShareURL string
}

// AdOption is one entry of the rewarded-ad choice overlay.
type AdOption struct {
	ID     string  `json:"id"`
	Title  string  `json:"title"`
	Reward float64 `json:"reward"`
	URL    string  `json:"url"`
}

const (
	DefaultBotLink   = "https://t.me/TonTapMasterBot"
	DefaultShareText = "I'm earning TON coins in TON Tap Master! 🚀 Join now!"
)

func DefaultRules() Rules {
	return Rules{
		MaxEnergy:     100,
		StartTapPower: 0.1,
		TapPowerStep:  0.1,
		TapsPerLevel:  100,
		TapRewardCap:  5,

		BoostDuration:     time.Hour,
		BoostMultiplier:   2,
		BoostBonus:        2,
		BoostTickInterval: time.Second,

		EnergyRegenInterval: 5 * time.Minute,

		WelcomeBonus:  5,
		MinWithdrawal: 10,

		RewardPromptEnabled:  true,
		RewardPromptChance:   0.3,
		RewardPromptCooldown: 30 * time.Second,

		AdWatchReward: 10,
		AdWatchDelay:  time.Second,
		AdCountdown:   10 * time.Second,
		AdOptions:     DefaultAdOptions(""),

		ShareURL: ShareURL(DefaultBotLink, DefaultShareText),
	}
}

// DefaultAdOptions builds the three choice-flow options. adLink is the ad
// network's direct link; each option gets its placement as a query parameter.
func DefaultAdOptions(adLink string) []AdOption {
	opts := []AdOption{
		{ID: "quick", Title: "Quick ad", Reward: 15},
		{ID: "video", Title: "Video ad", Reward: 20},
		{ID: "premium", Title: "Premium offer", Reward: 25},
	}
	if adLink == "" {
		return opts
	}
	for i := range opts {
		u, err := url.Parse(adLink)
		if err != nil {
			opts[i].URL = adLink
			continue
		}
		q := u.Query()
		q.Set("placement", opts[i].ID)
		u.RawQuery = q.Encode()
		opts[i].URL = u.String()
	}
	return opts
}

// ShareURL is the external share dialog opened when a boost is activated.
func ShareURL(botLink, text string) string {
	return fmt.Sprintf("https://www.facebook.com/sharer/sharer.php?u=%s&quote=%s",
		url.QueryEscape(botLink), url.QueryEscape(text))
}

func (r Rules) AdOption(id string) (AdOption, bool) {
	for _, o := range r.AdOptions {
		if o.ID == id {
			return o, true
		}
	}
	return AdOption{}, false
}

// referralMilestone is applied when the referral count equals Count exactly.
type referralMilestone struct {
	Count            int
	Bonus            float64
	LevelUp          bool
	UnlockWithdrawal bool
	Notice           string
}

var referralMilestones = []referralMilestone{
	{Count: 1, Bonus: 5, Notice: "🎉 First referral! +5 TON bonus!"},
	{Count: 3, Bonus: 10, LevelUp: true, Notice: "🎊 3 referrals! +10 TON and Level Up!"},
	{Count: 5, UnlockWithdrawal: true, Notice: "🚀 WITHDRAWAL UNLOCKED!"},
	{Count: 10, Bonus: 25, Notice: "🏆 10 referrals! VIP status! +25 TON bonus!"},
}

func milestoneFor(count int) (referralMilestone, bool) {
	for _, m := range referralMilestones {
		if m.Count == count {
			return m, true
		}
	}
	return referralMilestone{}, false
}

// ReferralsToUnlock is the referral count that unlocks withdrawal.
func ReferralsToUnlock() int {
	for _, m := range referralMilestones {
		if m.UnlockWithdrawal {
			return m.Count
		}
	}
	return 0
}
