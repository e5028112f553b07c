package telegram

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"tontap/internal/types"
)

type AuthUser struct {
	ID        int64  `json:"id"`
	Username  string `json:"username"`
	FirstName string `json:"first_name"`
	PhotoURL  string `json:"photo_url"`
}

// Identity is who a session belongs to. ID is the Telegram user id as a
// string, or "guest_<uuid>" when no host identity is available.
type Identity struct {
	ID         string
	Username   string
	FirstName  string
	PhotoURL   string
	StartParam string
	Guest      bool
}

// DisplayName prefers the handle, then the first name.
func (i Identity) DisplayName() string {
	if i.Username != "" {
		return i.Username
	}
	return i.FirstName
}

// TelegramData is the host user object kept in the remote document.
func (i Identity) TelegramData() *types.TelegramUser {
	if i.Guest {
		return nil
	}
	id, err := strconv.ParseInt(i.ID, 10, 64)
	if err != nil {
		return nil
	}
	return &types.TelegramUser{ID: id, Username: i.Username, FirstName: i.FirstName, PhotoURL: i.PhotoURL}
}

// VerifyWebAppInitData verifies Telegram WebApp initData using bot token.
// Returns (identity, ok).
func VerifyWebAppInitData(initData string, botToken string) (Identity, bool) {
	initData = strings.TrimSpace(initData)
	if initData == "" || botToken == "" {
		return Identity{}, false
	}

	vals, err := url.ParseQuery(initData)
	if err != nil {
		return Identity{}, false
	}

	providedHash := vals.Get("hash")
	if providedHash == "" {
		return Identity{}, false
	}
	vals.Del("hash")

	if !hmac.Equal([]byte(SignInitData(vals, botToken)), []byte(providedHash)) {
		return Identity{}, false
	}

	userRaw := vals.Get("user")
	if userRaw == "" {
		return Identity{}, false
	}

	var user AuthUser
	if err := json.Unmarshal([]byte(userRaw), &user); err != nil {
		return Identity{}, false
	}
	if user.ID == 0 {
		return Identity{}, false
	}
	if strings.TrimSpace(user.FirstName) == "" {
		user.FirstName = "User"
	}
	return Identity{
		ID:         strconv.FormatInt(user.ID, 10),
		Username:   user.Username,
		FirstName:  user.FirstName,
		PhotoURL:   user.PhotoURL,
		StartParam: vals.Get("start_param"),
	}, true
}

// SignInitData computes the hex hash Telegram puts in initData. vals must not
// contain "hash".
func SignInitData(vals url.Values, botToken string) string {
	// data_check_string: key=value joined with \n, sorted by key
	keys := make([]string, 0, len(vals))
	for k := range vals {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+vals.Get(k))
	}
	dataCheck := strings.Join(parts, "\n")

	secret := hmac.New(sha256.New, []byte("WebAppData"))
	secret.Write([]byte(botToken))
	secretKey := secret.Sum(nil)

	mac := hmac.New(sha256.New, secretKey)
	mac.Write([]byte(dataCheck))
	return hex.EncodeToString(mac.Sum(nil))
}

// Resolve verifies initData, or falls back to a fresh guest identity when
// initData is absent and guests are allowed. Invalid initData never falls back.
func Resolve(initData, botToken string, allowGuest bool) (Identity, bool) {
	if strings.TrimSpace(initData) != "" {
		return VerifyWebAppInitData(initData, botToken)
	}
	if !allowGuest {
		return Identity{}, false
	}
	return Identity{ID: "guest_" + uuid.NewString(), Guest: true}, true
}

// ParseStartParam extracts the referrer id from a start parameter of the
// form "ref_<id>" or a bare "<id>".
func ParseStartParam(param string) string {
	param = strings.TrimSpace(param)
	param = strings.TrimPrefix(param, "ref_")
	if param == "" || strings.ContainsAny(param, " \t\r\n/?&") {
		return ""
	}
	return param
}

// ReferralLink is the bot deep link that attributes new players to userID.
func ReferralLink(botLink, userID string) string {
	return strings.TrimRight(botLink, "/") + "?start=ref_" + url.QueryEscape(userID)
}
