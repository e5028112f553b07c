package admin

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tontap/internal/game"
	"tontap/internal/security"
)

func newTestRouter(t *testing.T) (*gin.Engine, *game.Manager) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	hash, err := security.HashPassword("pw")
	require.NoError(t, err)

	rules := game.DefaultRules()
	rules.RewardPromptEnabled = false
	games := game.NewManager(game.ManagerOptions{
		Rules:     rules,
		Persister: &game.Persister{Local: game.NewMemoryStore(), Namespace: "tonTapMaster"},
	})
	t.Cleanup(games.Close)
	return NewRouter(&Handler{Games: games, User: "admin", PasswordHash: hash}), games
}

func call(r http.Handler, method, path string, body interface{}, auth bool) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if auth {
		req.SetBasicAuth("admin", "pw")
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestBasicAuth(t *testing.T) {
	r, _ := newTestRouter(t)

	assert.Equal(t, http.StatusUnauthorized, call(r, http.MethodGet, "/admin/stats", nil, false).Code)

	req := httptest.NewRequest(http.MethodGet, "/admin/stats", nil)
	req.SetBasicAuth("admin", "wrong")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	assert.Equal(t, http.StatusOK, call(r, http.MethodGet, "/admin/stats", nil, true).Code)
}

func TestCoinsResetAndDebug(t *testing.T) {
	r, games := newTestRouter(t)

	rec := call(r, http.MethodPost, "/admin/users/42/coins", map[string]float64{"amount": 12.5}, true)
	require.Equal(t, http.StatusOK, rec.Code)
	s, ok := games.Get("42")
	require.True(t, ok)
	assert.InDelta(t, 12.5, s.State().Balance, 1e-9)

	rec = call(r, http.MethodPost, "/admin/users/42/coins", map[string]float64{"amount": -1}, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = call(r, http.MethodGet, "/admin/users/42", nil, true)
	require.Equal(t, http.StatusOK, rec.Code)
	var out struct {
		Debug string `json:"debug"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Contains(t, out.Debug, "Balance: 12.5")
	assert.Contains(t, out.Debug, "Withdrawal: LOCKED")

	rec = call(r, http.MethodPost, "/admin/users/42/reset", nil, true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.InDelta(t, 0, s.State().Balance, 1e-9)
	assert.Equal(t, "42", s.State().UserID)
}

func TestAddReferral(t *testing.T) {
	r, games := newTestRouter(t)

	rec := call(r, http.MethodPost, "/admin/users/7/referrals", nil, true)
	require.Equal(t, http.StatusOK, rec.Code)
	s, _ := games.Get("7")
	assert.Equal(t, 1, s.State().Referrals)
	assert.InDelta(t, 5, s.State().Balance, 1e-9)
}
