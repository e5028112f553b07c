package game

import (
	"time"

	"tontap/internal/types"
)

// GameState is the single per-user aggregate mutated by a Session.
type GameState struct {
	UserID               string      `json:"userId"`
	Username             string      `json:"username"`
	Balance              float64     `json:"balance"`
	Level                int         `json:"level"`
	Energy               int         `json:"energy"`
	MaxEnergy            int         `json:"maxEnergy"`
	TapPower             float64     `json:"tapPower"`
	Referrals            int         `json:"referrals"`
	Boost                Boost       `json:"boost"`
	WithdrawalUnlocked   bool        `json:"withdrawalUnlocked"`
	TotalTaps            int64       `json:"totalTaps"`
	LastRewardedPromptAt time.Time   `json:"lastRewardedPromptAt"`
	ReferredBy           string      `json:"referredBy,omitempty"`
	LastWithdrawal       *Withdrawal `json:"lastWithdrawal,omitempty"`

	// Telegram is the host user object, nil for guests.
	Telegram *types.TelegramUser `json:"telegramData,omitempty"`
}

type Boost struct {
	Active     bool      `json:"active"`
	ExpiresAt  time.Time `json:"expiresAt"`
	Multiplier float64   `json:"multiplier"`
}

// ActiveAt reports whether the boost multiplier applies at now.
func (b Boost) ActiveAt(now time.Time) bool {
	return b.Active && now.Before(b.ExpiresAt)
}

type Withdrawal struct {
	ID          string    `json:"id"`
	Amount      float64   `json:"amount"`
	RequestedAt time.Time `json:"requestedAt"`
}

// NewState returns the first-run defaults.
func NewState(r Rules) GameState {
	return GameState{
		Level:     1,
		Energy:    r.MaxEnergy,
		MaxEnergy: r.MaxEnergy,
		TapPower:  r.StartTapPower,
		Boost: Boost{
			Multiplier: r.BoostMultiplier,
		},
	}
}

func (s GameState) clone() GameState {
	out := s
	if s.LastWithdrawal != nil {
		w := *s.LastWithdrawal
		out.LastWithdrawal = &w
	}
	if s.Telegram != nil {
		tg := *s.Telegram
		out.Telegram = &tg
	}
	return out
}

// Merge overlays a persisted document on base. Fields present in doc win;
// absent fields keep the base value. The boost record merges field by field.
func Merge(base GameState, doc types.UserDocument) GameState {
	out := base.clone()
	if doc.UserID != "" {
		out.UserID = doc.UserID
	}
	if doc.Username != "" {
		out.Username = doc.Username
	}
	if doc.Balance != nil {
		out.Balance = *doc.Balance
	}
	if doc.Level != nil {
		out.Level = *doc.Level
	}
	if doc.Energy != nil {
		out.Energy = *doc.Energy
	}
	if doc.MaxEnergy != nil {
		out.MaxEnergy = *doc.MaxEnergy
	}
	if doc.TapPower != nil {
		out.TapPower = *doc.TapPower
	}
	if doc.Referrals != nil {
		out.Referrals = *doc.Referrals
	}
	if doc.Boosts != nil && doc.Boosts.Facebook != nil {
		b := doc.Boosts.Facebook
		if b.Active != nil {
			out.Boost.Active = *b.Active
		}
		if b.Expires != nil {
			out.Boost.ExpiresAt = fromUnixMilli(*b.Expires)
		}
		if b.Multiplier != nil {
			out.Boost.Multiplier = *b.Multiplier
		}
	}
	if doc.WithdrawalUnlocked != nil {
		out.WithdrawalUnlocked = *doc.WithdrawalUnlocked
	}
	if doc.TotalTaps != nil {
		out.TotalTaps = *doc.TotalTaps
	}
	if doc.LastRewardedPromptAt != nil {
		out.LastRewardedPromptAt = fromUnixMilli(*doc.LastRewardedPromptAt)
	}
	if doc.ReferredBy != nil {
		out.ReferredBy = *doc.ReferredBy
	}
	if doc.LastWithdrawal != nil {
		out.LastWithdrawal = &Withdrawal{
			ID:          doc.LastWithdrawal.ID,
			Amount:      doc.LastWithdrawal.Amount,
			RequestedAt: fromUnixMilli(doc.LastWithdrawal.RequestedAt),
		}
	}
	if doc.TelegramData != nil {
		tg := *doc.TelegramData
		out.Telegram = &tg
	}
	return out.normalize()
}

// normalize clamps a loaded state back inside the aggregate's invariants.
func (s GameState) normalize() GameState {
	if s.MaxEnergy < 1 {
		s.MaxEnergy = 1
	}
	if s.Energy < 0 {
		s.Energy = 0
	}
	if s.Energy > s.MaxEnergy {
		s.Energy = s.MaxEnergy
	}
	if s.Level < 1 {
		s.Level = 1
	}
	if s.Balance < 0 {
		s.Balance = 0
	}
	if s.Referrals < 0 {
		s.Referrals = 0
	}
	if s.TotalTaps < 0 {
		s.TotalTaps = 0
	}
	return s
}

// Document converts the state to its persisted form with every field present.
func (s GameState) Document() types.UserDocument {
	active := s.Boost.Active
	expires := toUnixMilli(s.Boost.ExpiresAt)
	mult := s.Boost.Multiplier
	balance := s.Balance
	level := s.Level
	energy := s.Energy
	maxEnergy := s.MaxEnergy
	tapPower := s.TapPower
	referrals := s.Referrals
	unlocked := s.WithdrawalUnlocked
	totalTaps := s.TotalTaps
	prompt := toUnixMilli(s.LastRewardedPromptAt)
	referredBy := s.ReferredBy

	doc := types.UserDocument{
		UserID:             s.UserID,
		Username:           s.Username,
		Balance:            &balance,
		Level:              &level,
		Energy:             &energy,
		MaxEnergy:          &maxEnergy,
		TapPower:           &tapPower,
		Referrals:          &referrals,
		WithdrawalUnlocked: &unlocked,
		TotalTaps:          &totalTaps,
		Boosts: &types.BoostSlots{
			Facebook: &types.BoostDoc{Active: &active, Expires: &expires, Multiplier: &mult},
		},
		LastRewardedPromptAt: &prompt,
		ReferredBy:           &referredBy,
	}
	if s.Telegram != nil {
		tg := *s.Telegram
		doc.TelegramData = &tg
	}
	if s.LastWithdrawal != nil {
		doc.LastWithdrawal = &types.WithdrawalDoc{
			ID:          s.LastWithdrawal.ID,
			Amount:      s.LastWithdrawal.Amount,
			RequestedAt: toUnixMilli(s.LastWithdrawal.RequestedAt),
		}
	}
	return doc
}
