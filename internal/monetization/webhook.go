package monetization

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"
	"time"
)

// CompletionWebhook is the ad network's signed "rewarded" callback.
// PlacementID is either a choice option id or "watch".
type CompletionWebhook struct {
	Event       string `json:"event"`
	PlacementID string `json:"placement_id"`
	UserID      string `json:"user_id"`
	Timestamp   int64  `json:"timestamp"`
	Signature   string `json:"signature"`
}

// Sign computes the hex HMAC-SHA256 over "event:placement:user:timestamp".
func Sign(secret string, wh CompletionWebhook) string {
	signatureString := fmt.Sprintf("%s:%s:%s:%d",
		wh.Event,
		wh.PlacementID,
		wh.UserID,
		wh.Timestamp,
	)
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(signatureString))
	return hex.EncodeToString(h.Sum(nil))
}

func (a *Ads) verify(wh CompletionWebhook) bool {
	if a.Secret == "" || wh.Signature == "" {
		return false
	}
	return hmac.Equal([]byte(wh.Signature), []byte(Sign(a.Secret, wh)))
}

// HandleCompletion credits a verified completion. If the user has an open
// choice session for the placement, that session is completed (so the
// reward is still paid once); otherwise the placement's reward is credited
// directly. Each signature is accepted once within WebhookMaxAge.
func (a *Ads) HandleCompletion(ctx context.Context, wh CompletionWebhook) (float64, error) {
	if !a.verify(wh) {
		return 0, ErrBadSignature
	}
	now := a.Now()
	sent := time.Unix(wh.Timestamp, 0)
	if now.Sub(sent) > a.WebhookMaxAge || sent.Sub(now) > a.WebhookMaxAge {
		return 0, ErrStaleWebhook
	}
	if !a.markSeen(wh.Signature, now) {
		return 0, ErrStaleWebhook
	}

	if as := a.openSessionFor(wh.UserID, wh.PlacementID); as != nil {
		if as.complete() {
			return as.Option.Reward, nil
		}
		return 0, nil
	}

	reward := a.Rules.AdWatchReward
	if wh.PlacementID != SourceWatch {
		opt, ok := a.Rules.AdOption(wh.PlacementID)
		if !ok {
			return 0, ErrUnknownOption
		}
		reward = opt.Reward
	}
	s, err := a.Sessions.Open(ctx, wh.UserID, "")
	if err != nil {
		return 0, err
	}
	if err := s.CreditAd(ctx, SourceWebhook, reward); err != nil {
		return 0, err
	}
	log.Printf("ads: verified completion %s for %q: +%g", wh.PlacementID, wh.UserID, reward)
	return reward, nil
}

func (a *Ads) openSessionFor(userID, placement string) *AdSession {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, as := range a.active {
		if as.UserID == userID && as.Option.ID == placement {
			return as
		}
	}
	return nil
}

func (a *Ads) markSeen(sig string, now time.Time) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for k, at := range a.seen {
		if now.Sub(at) > 2*a.WebhookMaxAge {
			delete(a.seen, k)
		}
	}
	if _, dup := a.seen[sig]; dup {
		return false
	}
	a.seen[sig] = now
	return true
}
