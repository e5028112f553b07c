package monetization

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signed(secret string, wh CompletionWebhook) CompletionWebhook {
	wh.Signature = Sign(secret, wh)
	return wh
}

func TestHandleCompletion_CreditsVerifiedWebhook(t *testing.T) {
	ads, games, _ := newAdsFixture(t)
	now := time.Unix(1767272400, 0)
	ads.Now = func() time.Time { return now }
	ctx := context.Background()

	wh := signed("s3cret", CompletionWebhook{Event: "reward", PlacementID: "video", UserID: "9", Timestamp: now.Unix()})
	reward, err := ads.HandleCompletion(ctx, wh)
	require.NoError(t, err)
	assert.InDelta(t, 20, reward, 1e-9)

	s, ok := games.Get("9")
	require.True(t, ok)
	assert.InDelta(t, 20, s.State().Balance, 1e-9)

	_, err = ads.HandleCompletion(ctx, wh)
	assert.ErrorIs(t, err, ErrStaleWebhook, "replay is rejected")
	assert.InDelta(t, 20, s.State().Balance, 1e-9)
}

func TestHandleCompletion_Rejects(t *testing.T) {
	ads, _, _ := newAdsFixture(t)
	now := time.Unix(1767272400, 0)
	ads.Now = func() time.Time { return now }
	ctx := context.Background()

	bad := signed("wrong", CompletionWebhook{Event: "reward", PlacementID: "watch", UserID: "9", Timestamp: now.Unix()})
	_, err := ads.HandleCompletion(ctx, bad)
	assert.ErrorIs(t, err, ErrBadSignature)

	old := signed("s3cret", CompletionWebhook{Event: "reward", PlacementID: "watch", UserID: "9", Timestamp: now.Add(-time.Hour).Unix()})
	_, err = ads.HandleCompletion(ctx, old)
	assert.ErrorIs(t, err, ErrStaleWebhook)

	unknown := signed("s3cret", CompletionWebhook{Event: "reward", PlacementID: "banner", UserID: "9", Timestamp: now.Unix()})
	_, err = ads.HandleCompletion(ctx, unknown)
	assert.ErrorIs(t, err, ErrUnknownOption)

	ads.Secret = ""
	_, err = ads.HandleCompletion(ctx, signed("", CompletionWebhook{PlacementID: "watch", UserID: "9", Timestamp: now.Unix()}))
	assert.ErrorIs(t, err, ErrBadSignature, "no secret configured")
}

func TestHandleCompletion_CompletesOpenChoiceSession(t *testing.T) {
	ads, games, _ := newAdsFixture(t)
	ads.Rules.AdCountdown = time.Hour
	s := openSession(t, games, "9")

	as, err := ads.StartChoice(s, "quick")
	require.NoError(t, err)

	wh := signed("s3cret", CompletionWebhook{Event: "reward", PlacementID: "quick", UserID: "9", Timestamp: time.Now().Unix()})
	reward, err := ads.HandleCompletion(context.Background(), wh)
	require.NoError(t, err)
	assert.InDelta(t, 15, reward, 1e-9)
	assert.True(t, as.Credited())
	assert.False(t, as.WindowClosed())
	assert.InDelta(t, 15, s.State().Balance, 1e-9)
}
