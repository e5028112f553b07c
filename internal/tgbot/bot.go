package tgbot

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"strconv"
	"strings"

	"tontap/internal/config"
	"tontap/internal/game"
	"tontap/internal/telegram"
	"tontap/internal/types"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// requester is the part of *tgbotapi.BotAPI the bot talks through.
type requester interface {
	MakeRequest(endpoint string, params tgbotapi.Params) (*tgbotapi.APIResponse, error)
}

type Bot struct {
	Cfg   config.Config
	Games *game.Manager
	Bot   *tgbotapi.BotAPI

	api requester
}

func New(cfg config.Config, games *game.Manager) (*Bot, error) {
	bot, err := tgbotapi.NewBotAPI(cfg.BotToken)
	if err != nil {
		return nil, err
	}
	bot.Debug = false
	log.Printf("tgbot: authorized as @%s", bot.Self.UserName)
	return &Bot{Cfg: cfg, Games: games, Bot: bot, api: bot}, nil
}

func (b *Bot) StartPolling(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := b.Bot.GetUpdatesChan(u)

	go func() {
		defer b.Bot.StopReceivingUpdates()
		for {
			select {
			case <-ctx.Done():
				return
			case upd := <-updates:
				b.handleUpdate(ctx, upd)
			}
		}
	}()
}

func (b *Bot) handleUpdate(ctx context.Context, upd tgbotapi.Update) {
	if upd.Message != nil {
		b.handleMessage(ctx, upd.Message)
		return
	}
	if upd.CallbackQuery != nil {
		b.handleCallback(ctx, upd.CallbackQuery)
		return
	}
}

// HandleUpdate is used by webhook mode. It reuses the same logic as polling mode.
func (b *Bot) HandleUpdate(ctx context.Context, upd tgbotapi.Update) {
	b.handleUpdate(ctx, upd)
}

func (b *Bot) SetWebhook(url string) error {
	params := tgbotapi.Params{"url": url}
	_, err := b.api.MakeRequest("setWebhook", params)
	return err
}

func (b *Bot) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	if msg.From == nil {
		return
	}
	if !msg.IsCommand() {
		return
	}

	var err error
	switch msg.Command() {
	case "start":
		err = b.onStart(ctx, msg, strings.TrimSpace(msg.CommandArguments()))
	case "stats":
		err = b.onStats(ctx, msg.Chat.ID, msg.From)
	default:
		return
	}
	if err != nil {
		log.Printf("tgbot: /%s from %d: %v", msg.Command(), msg.From.ID, err)
	}
}

func userID(u *tgbotapi.User) string {
	return strconv.FormatInt(u.ID, 10)
}

func telegramUser(u *tgbotapi.User) *types.TelegramUser {
	return &types.TelegramUser{ID: u.ID, Username: u.UserName, FirstName: u.FirstName}
}

func (b *Bot) onStart(ctx context.Context, msg *tgbotapi.Message, payload string) error {
	user := msg.From
	id := userID(user)

	s, err := b.Games.OpenTelegram(ctx, id, user.UserName, telegramUser(user))
	if err != nil {
		return err
	}
	if ref := telegram.ParseStartParam(payload); ref != "" {
		if err := b.Games.Attribute(ctx, s, ref); err != nil {
			log.Printf("tgbot: referral %s -> %s: %v", ref, id, err)
		}
	}

	uname := strings.TrimSpace(user.UserName)
	if uname != "" && !strings.HasPrefix(uname, "@") {
		uname = "@" + uname
	}
	nameLine := strings.TrimSpace(user.FirstName)
	if uname != "" {
		nameLine = strings.TrimSpace(fmt.Sprintf("%s %s", nameLine, uname))
	}

	snap := s.Snapshot()
	text := fmt.Sprintf(
		"💎 TON Tap Master\n\n👤 Player: %s\n💰 Balance: %.2f TON\n⭐ Level: %d\n\nTap to earn TON, invite friends to unlock withdrawal.\n\n👥 Your referral link:\n%s",
		nameLine,
		snap.Balance,
		snap.Level,
		telegram.ReferralLink(b.Cfg.BotLink, id),
	)
	return b.sendMessage(msg.Chat.ID, text, b.mainKeyboardJSON(payload))
}

func (b *Bot) onStats(ctx context.Context, chatID int64, user *tgbotapi.User) error {
	s, err := b.Games.OpenTelegram(ctx, userID(user), user.UserName, telegramUser(user))
	if err != nil {
		return err
	}
	return b.sendMessage(chatID, statsText(s.Snapshot(), game.ReferralsToUnlock()), b.mainKeyboardJSON(""))
}

func statsText(snap game.Snapshot, unlockAt int) string {
	lock := "🔒 locked"
	if snap.WithdrawalUnlocked {
		lock = "🔓 unlocked"
	}
	text := fmt.Sprintf(
		"📊 Stats\n\n💰 Balance: %.2f TON\n⭐ Level: %d\n⚡ Energy: %d/%d\n👆 Taps: %d\n👥 Referrals: %d/%d\n💸 Withdrawal: %s",
		snap.Balance, snap.Level, snap.Energy, snap.MaxEnergy, snap.TotalTaps, snap.Referrals, unlockAt, lock,
	)
	if snap.BoostActive {
		text += "\n🚀 Boost: " + snap.BoostRemaining + " left"
	}
	return text
}

func (b *Bot) handleCallback(ctx context.Context, q *tgbotapi.CallbackQuery) {
	_ = b.answerCallback(q.ID)
	user := q.From
	if user == nil || q.Message == nil {
		return
	}

	switch q.Data {
	case "stats":
		s, err := b.Games.OpenTelegram(ctx, userID(user), user.UserName, telegramUser(user))
		if err != nil {
			return
		}
		_ = b.editMessageText(q.Message.Chat.ID, q.Message.MessageID, statsText(s.Snapshot(), game.ReferralsToUnlock()), b.mainKeyboardJSON(""))
	case "invite":
		text := "👥 Referrals\n\nYour link:\n" + telegram.ReferralLink(b.Cfg.BotLink, userID(user)) +
			"\n\n1 friend: +5 TON\n3 friends: +10 TON and Level Up\n5 friends: withdrawal unlocked\n10 friends: +25 TON"
		_ = b.editMessageText(q.Message.Chat.ID, q.Message.MessageID, text, b.mainKeyboardJSON(""))
	default:
		return
	}
}

type webAppInfo struct {
	URL string `json:"url"`
}

type inlineButton struct {
	Text         string      `json:"text"`
	CallbackData *string     `json:"callback_data,omitempty"`
	WebApp       *webAppInfo `json:"web_app,omitempty"`
}

type inlineMarkup struct {
	InlineKeyboard [][]inlineButton `json:"inline_keyboard"`
}

// mainKeyboardJSON opens the mini app; a start payload is forwarded so the
// client can pass it back as start_param.
func (b *Bot) mainKeyboardJSON(startParam string) string {
	webappURL := strings.TrimRight(b.Cfg.WebappURL, "/")
	if startParam != "" {
		sep := "?"
		if strings.Contains(webappURL, "?") {
			sep = "&"
		}
		webappURL = webappURL + sep + "startapp=" + url.QueryEscape(startParam)
	}

	stats := "stats"
	invite := "invite"

	rows := [][]inlineButton{
		{{Text: "🎮 Play TON Tap Master", WebApp: &webAppInfo{URL: webappURL}}},
		{{Text: "📊 Stats", CallbackData: &stats}, {Text: "👥 Invite", CallbackData: &invite}},
	}

	bts, err := json.Marshal(inlineMarkup{InlineKeyboard: rows})
	if err != nil {
		return ""
	}
	return string(bts)
}

func (b *Bot) sendMessage(chatID int64, text string, replyMarkup string) error {
	params := tgbotapi.Params{
		"chat_id": strconv.FormatInt(chatID, 10),
		"text":    text,
	}
	if replyMarkup != "" {
		params["reply_markup"] = replyMarkup
	}
	_, err := b.api.MakeRequest("sendMessage", params)
	return err
}

func (b *Bot) editMessageText(chatID int64, messageID int, text string, replyMarkup string) error {
	params := tgbotapi.Params{
		"chat_id":    strconv.FormatInt(chatID, 10),
		"message_id": strconv.Itoa(messageID),
		"text":       text,
	}
	if replyMarkup != "" {
		params["reply_markup"] = replyMarkup
	}
	_, err := b.api.MakeRequest("editMessageText", params)
	return err
}

func (b *Bot) answerCallback(callbackQueryID string) error {
	params := tgbotapi.Params{"callback_query_id": callbackQueryID}
	_, err := b.api.MakeRequest("answerCallbackQuery", params)
	return err
}
