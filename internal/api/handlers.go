package api

import (
	"encoding/json"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"tontap/internal/game"
	"tontap/internal/monetization"
	"tontap/internal/telegram"
)

const maxBodyBytes = 64 * 1024

type authRequest struct {
	InitData string `json:"initData"`
}

type authUser struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Guest    bool   `json:"guest"`
}

type authResponse struct {
	Token        string        `json:"token"`
	ExpiresAt    time.Time     `json:"expiresAt"`
	User         authUser      `json:"user"`
	ReferralLink string        `json:"referralLink"`
	State        game.Snapshot `json:"state"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"sessions":  s.Games.Len(),
		"ws":        s.Hub.Count(),
		"timestamp": time.Now().Unix(),
	})
}

// handleAuth verifies Telegram initData (or mints a guest), opens the
// session, applies the signed start parameter as a referral and returns a token.
func (s *Server) handleAuth(w http.ResponseWriter, r *http.Request) {
	var req authRequest
	if err := decodeBody(r, &req); err != nil {
		s.Errors.HandleError(w, r, NewInvalidRequestError("Invalid request body"))
		return
	}

	ident, ok := telegram.Resolve(req.InitData, s.Cfg.BotToken, s.Cfg.AllowGuests)
	if !ok {
		s.Guard.RecordAuthFail(s.Guard.ClientIP(r))
		s.Errors.HandleError(w, r, NewUnauthorizedError("Invalid Telegram initData"))
		return
	}

	sess, err := s.Games.OpenTelegram(r.Context(), ident.ID, ident.DisplayName(), ident.TelegramData())
	if err != nil {
		s.Errors.HandleError(w, r, err)
		return
	}

	// Only a signed start_param attributes a referral; guests carry none.
	if ref := telegram.ParseStartParam(ident.StartParam); ref != "" {
		if err := s.Games.Attribute(r.Context(), sess, ref); err != nil {
			log.Printf("api: referral %q -> %q: %v", ref, ident.ID, err)
		}
	}

	token, exp, err := s.Tokens.Issue(ident.ID, ident.DisplayName(), ident.Guest)
	if err != nil {
		s.Errors.HandleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, authResponse{
		Token:        token,
		ExpiresAt:    exp,
		User:         authUser{ID: ident.ID, Username: ident.DisplayName(), Guest: ident.Guest},
		ReferralLink: telegram.ReferralLink(s.Cfg.BotLink, ident.ID),
		State:        sess.Snapshot(),
	})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	sess, err := s.session(r)
	if err != nil {
		s.Errors.HandleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess.Snapshot())
}

func (s *Server) handleTap(w http.ResponseWriter, r *http.Request) {
	sess, err := s.session(r)
	if err != nil {
		s.Errors.HandleError(w, r, err)
		return
	}
	if !s.Guard.AllowTapUser(sess.UserID()) {
		s.Errors.HandleError(w, r, NewRateLimitError(1))
		return
	}
	res, err := sess.Tap(r.Context())
	if err != nil {
		s.Errors.HandleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleBoost(w http.ResponseWriter, r *http.Request) {
	sess, err := s.session(r)
	if err != nil {
		s.Errors.HandleError(w, r, err)
		return
	}
	res, err := sess.ActivateBoost(r.Context())
	if err != nil {
		s.Errors.HandleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleReferrals(w http.ResponseWriter, r *http.Request) {
	sess, err := s.session(r)
	if err != nil {
		s.Errors.HandleError(w, r, err)
		return
	}
	n := s.Games.ReferralsCount(r.Context(), sess)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"referrals":    n,
		"required":     game.ReferralsToUnlock(),
		"unlocked":     sess.State().WithdrawalUnlocked,
		"referralLink": telegram.ReferralLink(s.Cfg.BotLink, sess.UserID()),
		"shareUrl":     sess.Rules().ShareURL,
	})
}

// handleAddReferral credits the caller's own session; mounted only when
// PLAYER_REFERRALS is on.
func (s *Server) handleAddReferral(w http.ResponseWriter, r *http.Request) {
	sess, err := s.session(r)
	if err != nil {
		s.Errors.HandleError(w, r, err)
		return
	}
	res, err := sess.AddReferral(r.Context())
	if err != nil {
		s.Errors.HandleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	sess, err := s.session(r)
	if err != nil {
		s.Errors.HandleError(w, r, err)
		return
	}
	wd, err := sess.RequestWithdrawal(r.Context())
	if err != nil {
		s.Errors.HandleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"withdrawal": wd,
		"state":      sess.Snapshot(),
	})
}

func (s *Server) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	limit := s.Cfg.LeaderboardSize
	if limit <= 0 {
		limit = 100
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			s.Errors.HandleError(w, r, NewInvalidRequestError("limit must be a positive integer"))
			return
		}
		if n < limit {
			limit = n
		}
	}
	top, err := s.Games.Leaderboard(r.Context(), limit)
	if err != nil {
		s.Errors.HandleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"leaderboard": top})
}

func (s *Server) handleWatchAd(w http.ResponseWriter, r *http.Request) {
	sess, err := s.session(r)
	if err != nil {
		s.Errors.HandleError(w, r, err)
		return
	}
	if err := s.Ads.WatchAd(sess); err != nil {
		s.Errors.HandleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"status":  "pending",
		"reward":  s.Ads.Rules.AdWatchReward,
		"delayMs": s.Ads.Rules.AdWatchDelay.Milliseconds(),
	})
}

func (s *Server) handleAdOptions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"options": s.Ads.Options()})
}

func (s *Server) handleAdChoice(w http.ResponseWriter, r *http.Request) {
	sess, err := s.session(r)
	if err != nil {
		s.Errors.HandleError(w, r, err)
		return
	}
	as, err := s.Ads.StartChoice(sess, chi.URLParam(r, "option"))
	if err != nil {
		s.Errors.HandleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"sessionId":   as.ID,
		"option":      as.Option,
		"secondsLeft": int(s.Ads.Rules.AdCountdown / time.Second),
	})
}

func (s *Server) handleAdClosed(w http.ResponseWriter, r *http.Request) {
	claims, _ := claimsFrom(r.Context())
	as, err := s.Ads.Session(claims.UserID(), chi.URLParam(r, "id"))
	if err != nil {
		s.Errors.HandleError(w, r, err)
		return
	}
	credited := as.WindowClosed()
	sess, err := s.session(r)
	if err != nil {
		s.Errors.HandleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"credited": credited,
		"state":    sess.Snapshot(),
	})
}

func (s *Server) handleAdCancel(w http.ResponseWriter, r *http.Request) {
	claims, _ := claimsFrom(r.Context())
	as, err := s.Ads.Session(claims.UserID(), chi.URLParam(r, "id"))
	if err != nil {
		s.Errors.HandleError(w, r, err)
		return
	}
	as.Cancel()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAdWebhook(w http.ResponseWriter, r *http.Request) {
	var wh monetization.CompletionWebhook
	if err := decodeBody(r, &wh); err != nil {
		s.Errors.HandleError(w, r, NewInvalidRequestError("Invalid webhook payload"))
		return
	}
	reward, err := s.Ads.HandleCompletion(r.Context(), wh)
	if err != nil {
		s.Errors.HandleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "reward": reward})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	sess, err := s.session(r)
	if err != nil {
		s.Errors.HandleError(w, r, err)
		return
	}
	if err := s.Hub.Serve(w, r, sess.UserID()); err != nil {
		// Upgrade already wrote the HTTP error.
		log.Printf("ws: upgrade for %q: %v", sess.UserID(), err)
		return
	}
	// Prime the new connection with the current state.
	s.Hub.Publish(game.Event{
		Kind:   game.EventState,
		UserID: sess.UserID(),
		At:     time.Now(),
		State:  ptr(sess.Snapshot()),
	})
}

func ptr[T any](v T) *T { return &v }

func decodeBody(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil && err != io.EOF {
		return err
	}
	return nil
}
