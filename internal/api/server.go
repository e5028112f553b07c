package api

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"tontap/internal/config"
	"tontap/internal/game"
	"tontap/internal/monetization"
	"tontap/internal/monitoring"
	"tontap/internal/security"
	"tontap/internal/types"
)

// LeaderboardFeed pushes the top-n list whenever it changes. Both remote
// stores implement it.
type LeaderboardFeed interface {
	SubscribeLeaderboard(ctx context.Context, n int, fn func([]types.LeaderboardEntry)) error
}

type Server struct {
	Cfg     config.Config
	Games   *game.Manager
	Ads     *monetization.Ads
	Tokens  *security.Tokens
	Guard   *security.Guard
	Hub     *Hub
	Metrics *monitoring.Metrics
	Errors  *ErrorHandler
}

func NewServer(cfg config.Config, games *game.Manager, ads *monetization.Ads, hub *Hub, metrics *monitoring.Metrics) *Server {
	return &Server{
		Cfg:     cfg,
		Games:   games,
		Ads:     ads,
		Tokens:  security.NewTokens(cfg.JWTSecret, cfg.JWTTTL),
		Guard:   security.NewGuard(security.DefaultConfig(cfg.TapRatePerSec, cfg.TapRateBurst)),
		Hub:     hub,
		Metrics: metrics,
		Errors:  NewErrorHandler(log.Default()),
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	if s.Metrics != nil {
		r.Use(s.Metrics.MetricsMiddleware(routePattern))
	}
	r.Use(s.Errors.RecoveryMiddleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.corsOrigins(),
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id", "Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", s.handleHealth)
	if s.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.Metrics.Handler())
	}
	r.With(s.publicLimit).Post("/webhook/ads", s.handleAdWebhook)

	r.Route("/api/v1", func(r chi.Router) {
		r.With(s.publicLimit).Post("/auth", s.handleAuth)

		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)

			r.Get("/state", s.handleState)
			r.Post("/tap", s.handleTap)
			r.Post("/boost", s.handleBoost)
			r.Get("/referrals", s.handleReferrals)
			if s.Cfg.PlayerReferrals {
				r.Post("/referrals", s.handleAddReferral)
			}
			r.Post("/withdraw", s.handleWithdraw)
			r.Get("/leaderboard", s.handleLeaderboard)

			r.Route("/ads", func(r chi.Router) {
				r.Post("/watch", s.handleWatchAd)
				r.Get("/options", s.handleAdOptions)
				r.Post("/choice/{option}", s.handleAdChoice)
				r.Post("/session/{id}/closed", s.handleAdClosed)
				r.Delete("/session/{id}", s.handleAdCancel)
			})
		})
	})

	r.With(s.authMiddleware).Get("/ws", s.handleWS)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		s.Errors.HandleError(w, r, NewNotFoundError("Route not found"))
	})
	return r
}

func (s *Server) corsOrigins() []string {
	if len(s.Cfg.CORSOrigins) > 0 {
		return s.Cfg.CORSOrigins
	}
	if s.Cfg.WebappURL != "" {
		return []string{s.Cfg.WebappURL}
	}
	return []string{"*"}
}

func routePattern(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}

// RunLeaderboard forwards feed updates to every WebSocket client until ctx is
// done.
func (s *Server) RunLeaderboard(ctx context.Context, feed LeaderboardFeed) {
	n := s.Cfg.LeaderboardSize
	if n <= 0 {
		n = 100
	}
	for {
		err := feed.SubscribeLeaderboard(ctx, n, s.Hub.PublishLeaderboard)
		if ctx.Err() != nil {
			return
		}
		log.Printf("api: leaderboard feed stopped: %v; retrying", err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(5 * time.Second):
		}
	}
}

type ctxKey struct{}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := ""
		if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
			token = strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
		} else {
			// Browsers cannot set headers on WebSocket upgrades.
			token = r.URL.Query().Get("token")
		}
		if token == "" {
			s.Errors.HandleError(w, r, NewUnauthorizedError("Authorization required"))
			return
		}
		claims, err := s.Tokens.Verify(token)
		if err != nil {
			s.Guard.RecordAuthFail(s.Guard.ClientIP(r))
			s.Errors.HandleError(w, r, NewUnauthorizedError("Invalid token"))
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, claims)))
	})
}

func claimsFrom(ctx context.Context) (security.Claims, bool) {
	c, ok := ctx.Value(ctxKey{}).(security.Claims)
	return c, ok
}

func (s *Server) publicLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.Guard.AllowPublic(s.Guard.ClientIP(r)) {
			s.Errors.HandleError(w, r, NewRateLimitError(1))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// session opens (or restores after eviction) the caller's game session.
func (s *Server) session(r *http.Request) (*game.Session, error) {
	claims, ok := claimsFrom(r.Context())
	if !ok {
		return nil, NewUnauthorizedError("Authorization required")
	}
	return s.Games.Open(r.Context(), claims.UserID(), claims.Username)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("api: encode response: %v", err)
	}
}
