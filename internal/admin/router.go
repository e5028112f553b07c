package admin

import (
	"crypto/subtle"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"tontap/internal/game"
	"tontap/internal/security"
)

// Handler serves the debug/operator endpoints behind basic auth.
type Handler struct {
	Games        *game.Manager
	User         string
	PasswordHash string
}

type coinsRequest struct {
	Amount float64 `json:"amount" binding:"required"`
}

func NewRouter(h *Handler) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	grp := router.Group("/admin", h.basicAuth)
	{
		grp.GET("/stats", h.stats)
		grp.GET("/users/:id", h.getUser)
		grp.POST("/users/:id/coins", h.addCoins)
		grp.POST("/users/:id/reset", h.reset)
		grp.POST("/users/:id/referrals", h.addReferral)
	}
	return router
}

func (h *Handler) basicAuth(c *gin.Context) {
	user, pass, ok := c.Request.BasicAuth()
	if !ok || h.PasswordHash == "" ||
		subtle.ConstantTimeCompare([]byte(user), []byte(h.User)) != 1 ||
		!security.VerifyPassword(pass, h.PasswordHash) {
		c.Header("WWW-Authenticate", `Basic realm="admin"`)
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"success": false, "error": "unauthorized"})
		return
	}
	c.Next()
}

func (h *Handler) session(c *gin.Context) (*game.Session, bool) {
	s, err := h.Games.Open(c.Request.Context(), c.Param("id"), "")
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error()})
		return nil, false
	}
	return s, true
}

func (h *Handler) stats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"success": true, "sessions": h.Games.Len()})
}

func (h *Handler) getUser(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"debug":   s.DebugInfo(),
		"state":   s.Snapshot(),
	})
}

func (h *Handler) addCoins(c *gin.Context) {
	var req coinsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "amount is required"})
		return
	}
	s, ok := h.session(c)
	if !ok {
		return
	}
	if err := s.AddCoins(c.Request.Context(), req.Amount); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, game.ErrInvalidAmount) {
			status = http.StatusBadRequest
		}
		c.JSON(status, gin.H{"success": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "state": s.Snapshot()})
}

func (h *Handler) reset(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	if err := s.Reset(c.Request.Context()); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "state": s.Snapshot()})
}

func (h *Handler) addReferral(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	res, err := s.AddReferral(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "referral": res})
}
