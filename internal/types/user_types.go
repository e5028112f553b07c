package types

import "time"

// UserDocument is the persisted form of a player's game state, shared by the
// local key-value slot and the remote document store.
//
// Pointer fields distinguish "absent" from zero so a load can merge a stored
// document over defaults field by field. Timestamps are Unix milliseconds.
type UserDocument struct {
	UserID               string         `json:"userId,omitempty"`
	Username             string         `json:"username,omitempty"`
	Balance              *float64       `json:"balance,omitempty"`
	Level                *int           `json:"level,omitempty"`
	Energy               *int           `json:"energy,omitempty"`
	MaxEnergy            *int           `json:"maxEnergy,omitempty"`
	TapPower             *float64       `json:"tapPower,omitempty"`
	Referrals            *int           `json:"referrals,omitempty"`
	Boosts               *BoostSlots    `json:"boosts,omitempty"`
	WithdrawalUnlocked   *bool          `json:"withdrawalUnlocked,omitempty"`
	TotalTaps            *int64         `json:"totalTaps,omitempty"`
	LastRewardedPromptAt *int64         `json:"lastRewardedPromptAt,omitempty"`
	ReferredBy           *string        `json:"referredBy,omitempty"`
	LastWithdrawal       *WithdrawalDoc `json:"lastWithdrawal,omitempty"`
	LastUpdated          *time.Time     `json:"lastUpdated,omitempty"`
	TelegramData         *TelegramUser  `json:"telegramData,omitempty"`
}

// BoostSlots holds the named boost slots. Only one slot exists.
type BoostSlots struct {
	Facebook *BoostDoc `json:"facebook,omitempty"`
}

type BoostDoc struct {
	Active     *bool    `json:"active,omitempty"`
	Expires    *int64   `json:"expires,omitempty"`
	Multiplier *float64 `json:"multiplier,omitempty"`
}

type WithdrawalDoc struct {
	ID          string  `json:"id"`
	Amount      float64 `json:"amount"`
	RequestedAt int64   `json:"requestedAt"`
}

// TelegramUser is the host-provided user object stored alongside the remote document.
type TelegramUser struct {
	ID        int64  `json:"id"`
	Username  string `json:"username,omitempty"`
	FirstName string `json:"first_name,omitempty"`
	PhotoURL  string `json:"photo_url,omitempty"`
}

// ReferralEdge is one append-only row of the referrals collection.
type ReferralEdge struct {
	ReferrerID     string    `json:"referrerId" db:"referrer_id"`
	ReferredUserID string    `json:"referredUserId" db:"referred_user_id"`
	Timestamp      time.Time `json:"timestamp" db:"created_at"`
	Status         string    `json:"status" db:"status"`
}

const ReferralStatusActive = "active"

// LeaderboardEntry is one row of the top-N by balance query.
type LeaderboardEntry struct {
	ID        string  `json:"id" db:"user_id"`
	Username  string  `json:"username" db:"username"`
	Balance   float64 `json:"balance" db:"balance"`
	Level     int     `json:"level" db:"level"`
	Referrals int     `json:"referrals" db:"referrals"`
}
