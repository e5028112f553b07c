package config

import "tontap/internal/game"

// Rules applies the env overrides on top of the default economy.
func (c Config) Rules() game.Rules {
	r := game.DefaultRules()
	r.MaxEnergy = int(c.EnergyMax)
	r.EnergyRegenInterval = c.EnergyRegenInterval
	r.BoostDuration = c.BoostDuration
	r.BoostMultiplier = c.BoostMultiplier
	r.TapRewardCap = c.TapRewardCap
	r.RewardPromptEnabled = c.RewardPromptEnabled
	r.AdOptions = game.DefaultAdOptions(c.AdLink)
	r.ShareURL = game.ShareURL(c.BotLink, game.DefaultShareText)
	return r
}
