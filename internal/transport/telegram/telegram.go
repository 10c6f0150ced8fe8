// Package telegram implements the transport Sender on top of telebot.
// The bot runs offline (no long polling): rentwatch only sends.
package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	tele "gopkg.in/telebot.v4"

	kit "rentwatch/internal/transport"
	logx "rentwatch/pkg/logx"
)

type Config struct {
	Token string
	// APIURL overrides the Bot API base URL (tests, local bot API servers).
	APIURL string
	// Timeout bounds each HTTP request to the Bot API.
	Timeout time.Duration
}

type Adapter struct {
	cfg Config
	log logx.Logger
	bot *tele.Bot
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   strings.TrimSpace(cfg.Token),
		URL:     strings.TrimRight(cfg.APIURL, "/"),
		Offline: true,
		Client: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Adapter{cfg: cfg, log: log, bot: b}, nil
}

// SendText delivers text, split into several messages when it exceeds the
// Telegram limit. The returned ref points at the first message.
func (a *Adapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	if opt == nil {
		opt = &kit.SendOptions{}
	}
	if to.IsZero() {
		return kit.MessageRef{}, fmt.Errorf("%w: empty chat id", kit.ErrRejected)
	}

	chunks := splitText(text, textLimit, opt.ParseMode)
	chat := &tele.Chat{ID: to.ChatID}

	var first kit.MessageRef
	for i, chunk := range chunks {
		if err := ctx.Err(); err != nil {
			return first, err
		}
		msg, err := a.bot.Send(chat, chunk, &tele.SendOptions{
			ParseMode:             tele.ParseMode(opt.ParseMode),
			DisableWebPagePreview: opt.DisablePreview,
			ThreadID:              to.ThreadID,
		})
		if err != nil {
			return first, classify(err)
		}
		if i == 0 {
			first = kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: msg.ID}
		}
	}
	return first, nil
}

// Me calls getMe; it verifies the token.
func (a *Adapter) Me(ctx context.Context) (kit.BotInfo, error) {
	if err := ctx.Err(); err != nil {
		return kit.BotInfo{}, err
	}
	data, err := a.bot.Raw("getMe", map[string]string{})
	if err != nil {
		return kit.BotInfo{}, classify(err)
	}
	var resp struct {
		Result struct {
			ID       int64  `json:"id"`
			Username string `json:"username"`
		} `json:"result"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return kit.BotInfo{}, fmt.Errorf("telegram getMe decode: %w", err)
	}
	return kit.BotInfo{ID: resp.Result.ID, Username: resp.Result.Username}, nil
}

var rejected = []error{
	tele.ErrUnauthorized,
	tele.ErrChatNotFound,
	tele.ErrBlockedByUser,
	tele.ErrKickedFromGroup,
	tele.ErrNotStartedByUser,
	tele.ErrUserIsDeactivated,
}

// classify maps telebot errors onto the transport error kinds.
func classify(err error) error {
	var flood tele.FloodError
	if errors.As(err, &flood) {
		return &kit.RetryAfterError{After: time.Duration(flood.RetryAfter) * time.Second, Err: err}
	}
	var floodPtr *tele.FloodError
	if errors.As(err, &floodPtr) && floodPtr != nil {
		return &kit.RetryAfterError{After: time.Duration(floodPtr.RetryAfter) * time.Second, Err: err}
	}
	for _, r := range rejected {
		if errors.Is(err, r) {
			return fmt.Errorf("%w: %v", kit.ErrRejected, err)
		}
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "can't parse entities"), strings.Contains(msg, "unsupported start tag"):
		return fmt.Errorf("%w: %v", kit.ErrBadMarkup, err)
	case strings.Contains(msg, "(400)"), strings.Contains(msg, "(403)"):
		return fmt.Errorf("%w: %v", kit.ErrRejected, err)
	}
	return err
}
