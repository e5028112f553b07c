package telegram

import (
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testToken = "123456:TEST-token"

func signedInitData(t *testing.T, user, startParam string) string {
	t.Helper()
	vals := url.Values{}
	vals.Set("auth_date", "1767272400")
	vals.Set("query_id", "AAE")
	vals.Set("user", user)
	if startParam != "" {
		vals.Set("start_param", startParam)
	}
	vals.Set("hash", SignInitData(vals, testToken))
	return vals.Encode()
}

func TestVerifyWebAppInitData(t *testing.T) {
	data := signedInitData(t, `{"id":42,"username":"alice","first_name":"Alice","photo_url":"https://t.me/i/a.jpg"}`, "ref_7")

	id, ok := VerifyWebAppInitData(data, testToken)
	require.True(t, ok)
	assert.Equal(t, "42", id.ID)
	assert.Equal(t, "alice", id.Username)
	assert.Equal(t, "ref_7", id.StartParam)
	assert.Equal(t, "https://t.me/i/a.jpg", id.PhotoURL)
	assert.False(t, id.Guest)

	td := id.TelegramData()
	require.NotNil(t, td)
	assert.Equal(t, int64(42), td.ID)
}

func TestVerifyWebAppInitData_Rejects(t *testing.T) {
	data := signedInitData(t, `{"id":42,"first_name":"Alice"}`, "")

	_, ok := VerifyWebAppInitData(data, "other:token")
	assert.False(t, ok, "wrong bot token")

	tampered := strings.Replace(data, "42", "43", 1)
	_, ok = VerifyWebAppInitData(tampered, testToken)
	assert.False(t, ok, "tampered user")

	_, ok = VerifyWebAppInitData("", testToken)
	assert.False(t, ok)

	noUser := signedInitData(t, `{"id":0}`, "")
	_, ok = VerifyWebAppInitData(noUser, testToken)
	assert.False(t, ok)
}

func TestVerifyWebAppInitData_DefaultsFirstName(t *testing.T) {
	id, ok := VerifyWebAppInitData(signedInitData(t, `{"id":5}`, ""), testToken)
	require.True(t, ok)
	assert.Equal(t, "User", id.FirstName)
	assert.Equal(t, "User", id.DisplayName())
}

func TestResolve(t *testing.T) {
	g, ok := Resolve("", testToken, true)
	require.True(t, ok)
	assert.True(t, g.Guest)
	assert.True(t, strings.HasPrefix(g.ID, "guest_"))
	assert.Nil(t, g.TelegramData())

	g2, _ := Resolve("", testToken, true)
	assert.NotEqual(t, g.ID, g2.ID)

	_, ok = Resolve("", testToken, false)
	assert.False(t, ok)

	_, ok = Resolve("hash=bad&user=%7B%7D", testToken, true)
	assert.False(t, ok, "bad initData does not fall back to a guest")
}

func TestParseStartParam(t *testing.T) {
	assert.Equal(t, "123", ParseStartParam("ref_123"))
	assert.Equal(t, "123", ParseStartParam("123"))
	assert.Equal(t, "", ParseStartParam(""))
	assert.Equal(t, "", ParseStartParam("ref_"))
	assert.Equal(t, "", ParseStartParam("a b"))
}

func TestReferralLink(t *testing.T) {
	assert.Equal(t, "https://t.me/TonTapMasterBot?start=ref_42", ReferralLink("https://t.me/TonTapMasterBot/", "42"))
}
