package monetization

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"tontap/internal/game"
)

var (
	ErrVerificationRequired = errors.New("ad completion must be verified")
	ErrUnknownOption        = errors.New("unknown ad option")
	ErrAdSessionNotFound    = errors.New("ad session not found")
	ErrBadSignature         = errors.New("invalid signature")
	ErrStaleWebhook         = errors.New("webhook expired or replayed")
)

// Crediting paths, also used as the metric label.
const (
	SourceWatch   = "watch"
	SourceChoice  = "choice"
	SourceWebhook = "webhook"
)

// SessionOpener is satisfied by *game.Manager.
type SessionOpener interface {
	Open(ctx context.Context, userID, username string) (*game.Session, error)
}

// Ads runs the rewarded-ad flows. Both self-reported flows (timed watch and
// the choice countdown) can be switched off with RequireVerified, leaving
// only the signed completion webhook.
type Ads struct {
	Rules           game.Rules
	Secret          string
	RequireVerified bool
	Observer        game.Observer
	Sessions        SessionOpener
	// Tick is the countdown step; one event is published per tick.
	Tick time.Duration
	// WebhookMaxAge bounds how old a signed completion may be.
	WebhookMaxAge time.Duration
	Now           func() time.Time

	mu      sync.Mutex
	active  map[string]*AdSession
	seen    map[string]time.Time
	pending sync.WaitGroup
}

func NewAds(rules game.Rules, secret string, requireVerified bool, obs game.Observer, sessions SessionOpener) *Ads {
	return &Ads{
		Rules:           rules,
		Secret:          secret,
		RequireVerified: requireVerified,
		Observer:        obs,
		Sessions:        sessions,
		Tick:            time.Second,
		WebhookMaxAge:   5 * time.Minute,
		Now:             time.Now,
		active:          map[string]*AdSession{},
		seen:            map[string]time.Time{},
	}
}

func (a *Ads) publish(e game.Event) {
	if a.Observer != nil {
		a.Observer.Publish(e)
	}
}

// Options lists the choice-flow offers.
func (a *Ads) Options() []game.AdOption {
	return a.Rules.AdOptions
}

// WatchAd credits the fixed watch reward after the watch delay. It returns
// immediately; the credit lands on the session later.
func (a *Ads) WatchAd(s *game.Session) error {
	if a.RequireVerified {
		return ErrVerificationRequired
	}
	a.pending.Add(1)
	time.AfterFunc(a.Rules.AdWatchDelay, func() {
		defer a.pending.Done()
		if err := s.CreditAd(context.Background(), SourceWatch, a.Rules.AdWatchReward); err != nil {
			log.Printf("ads: watch credit for %q: %v", s.UserID(), err)
		}
	})
	return nil
}

// Wait blocks until scheduled watch credits have run.
func (a *Ads) Wait() {
	a.pending.Wait()
}

// StartChoice opens the chosen offer and starts its countdown. The reward is
// credited exactly once: on countdown expiry or when the ad window is closed,
// whichever comes first.
func (a *Ads) StartChoice(s *game.Session, optionID string) (*AdSession, error) {
	if a.RequireVerified {
		return nil, ErrVerificationRequired
	}
	opt, ok := a.Rules.AdOption(optionID)
	if !ok {
		return nil, ErrUnknownOption
	}
	tick := a.Tick
	if tick <= 0 {
		tick = time.Second
	}
	steps := int(a.Rules.AdCountdown / tick)
	if steps < 1 {
		steps = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	as := &AdSession{
		ID:      uuid.NewString(),
		UserID:  s.UserID(),
		Option:  opt,
		Started: a.Now(),
		ads:     a,
		session: s,
		cancel:  cancel,
		left:    steps,
	}
	a.mu.Lock()
	a.active[as.ID] = as
	a.mu.Unlock()

	as.progress(false)
	go as.countdown(ctx, tick)
	return as, nil
}

// Session returns the live ad session id owned by userID.
func (a *Ads) Session(userID, id string) (*AdSession, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	as, ok := a.active[id]
	if !ok || as.UserID != userID {
		return nil, ErrAdSessionNotFound
	}
	return as, nil
}

func (a *Ads) forget(id string) {
	a.mu.Lock()
	delete(a.active, id)
	a.mu.Unlock()
}

// ActiveCount is the number of open ad sessions.
func (a *Ads) ActiveCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.active)
}

// AdSession is one opened choice-flow offer.
type AdSession struct {
	ID      string
	UserID  string
	Option  game.AdOption
	Started time.Time

	ads     *Ads
	session *game.Session
	cancel  context.CancelFunc
	once    sync.Once

	mu       sync.Mutex
	left     int
	credited bool
	closed   bool
}

func (as *AdSession) progress(credited bool) {
	as.mu.Lock()
	left := as.left
	as.mu.Unlock()
	as.ads.publish(game.Event{
		Kind:   game.EventAdCountdown,
		UserID: as.UserID,
		At:     as.ads.Now(),
		Ad: &game.AdProgress{
			SessionID: as.ID,
			OptionID:  as.Option.ID,
			Left:      left,
			Credited:  credited,
		},
	})
}

func (as *AdSession) countdown(ctx context.Context, tick time.Duration) {
	t := time.NewTicker(tick)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			as.mu.Lock()
			as.left--
			left := as.left
			as.mu.Unlock()
			if left <= 0 {
				as.complete()
				return
			}
			as.progress(false)
		}
	}
}

// WindowClosed is the early-completion signal from the client.
func (as *AdSession) WindowClosed() bool {
	return as.complete()
}

// Cancel closes the offer without credit.
func (as *AdSession) Cancel() {
	as.once.Do(func() {
		as.cancel()
		as.mu.Lock()
		as.closed = true
		as.mu.Unlock()
		as.ads.forget(as.ID)
	})
}

// Credited reports whether the reward has been paid.
func (as *AdSession) Credited() bool {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.credited
}

// complete credits the option reward once and reports whether this call did it.
func (as *AdSession) complete() bool {
	did := false
	as.once.Do(func() {
		as.cancel()
		as.ads.forget(as.ID)
		as.mu.Lock()
		as.left = 0
		as.closed = true
		as.mu.Unlock()

		if err := as.session.CreditAd(context.Background(), SourceChoice, as.Option.Reward); err != nil {
			log.Printf("ads: choice credit for %q: %v", as.UserID, err)
			return
		}
		as.mu.Lock()
		as.credited = true
		as.mu.Unlock()
		did = true
		as.progress(true)
	})
	return did
}
