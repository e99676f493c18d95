// Package telegram publishes to Telegram channels and groups through the Bot API.
//
// Connection credentials are JSON: {"bot_token": "...", "chat_id": "@channel" | "-100123"}.
package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	tele "gopkg.in/telebot.v4"

	"postflow/internal/platform"
	"postflow/internal/publish"
	logx "postflow/pkg/logx"
)

const (
	ID publish.PlatformID = "telegram"

	maxTextLen    = 4096
	maxCaptionLen = 1024
	maxAlbumSize  = 10

	defaultAPIURL = "https://api.telegram.org"
)

type Config struct {
	// APIURL overrides the Bot API endpoint (self-hosted server, tests).
	APIURL string
	// HTTPTimeout bounds a single Bot API request. Zero means 15s.
	HTTPTimeout time.Duration
	// DisablePreview turns off link previews on text posts.
	DisablePreview bool
}

type Credentials struct {
	BotToken string `json:"bot_token"`
	ChatID   string `json:"chat_id"`
}

func ParseCredentials(b []byte) (Credentials, error) {
	var c Credentials
	if err := json.Unmarshal(b, &c); err != nil {
		return Credentials{}, fmt.Errorf("telegram credentials: %w", err)
	}
	c.BotToken = strings.TrimSpace(c.BotToken)
	c.ChatID = strings.TrimSpace(c.ChatID)
	if c.BotToken == "" || c.ChatID == "" {
		return Credentials{}, errors.New("telegram credentials: bot_token and chat_id are required")
	}
	return c, nil
}

// chatRef addresses a chat by numeric id or @username.
type chatRef string

func (c chatRef) Recipient() string { return string(c) }

type Platform struct {
	cfg    Config
	log    logx.Logger
	client *http.Client

	mu   sync.Mutex
	bots map[string]*tele.Bot
}

var _ platform.Capability = (*Platform)(nil)

func New(cfg Config, log logx.Logger) *Platform {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 15 * time.Second
	}
	if strings.TrimSpace(cfg.APIURL) == "" {
		cfg.APIURL = defaultAPIURL
	}
	return &Platform{
		cfg:    cfg,
		log:    log.With(logx.String("comp", "telegram")),
		client: &http.Client{Timeout: cfg.HTTPTimeout},
		bots:   map[string]*tele.Bot{},
	}
}

// bot returns a cached offline client for token. Offline skips the getMe
// round trip on construction.
func (p *Platform) bot(token string) (*tele.Bot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if b, ok := p.bots[token]; ok {
		return b, nil
	}
	b, err := tele.NewBot(tele.Settings{
		URL:     p.cfg.APIURL,
		Token:   token,
		Client:  p.client,
		Offline: true,
	})
	if err != nil {
		return nil, err
	}
	p.bots[token] = b
	return b, nil
}

func (p *Platform) ValidateContent(_ context.Context, c publish.Content) publish.ValidationResult {
	body := c.Body()
	var errs []string
	if strings.TrimSpace(body) == "" && len(c.MediaURLs) == 0 {
		errs = append(errs, "content is empty")
	}
	switch n := len(c.MediaURLs); {
	case n == 0:
		if utf8.RuneCountInString(body) > maxTextLen {
			errs = append(errs, fmt.Sprintf("text exceeds %d characters", maxTextLen))
		}
	case n > maxAlbumSize:
		errs = append(errs, fmt.Sprintf("at most %d media items per post", maxAlbumSize))
	default:
		if utf8.RuneCountInString(body) > maxCaptionLen {
			errs = append(errs, fmt.Sprintf("caption exceeds %d characters", maxCaptionLen))
		}
	}
	for _, m := range c.MediaURLs {
		u, err := url.Parse(strings.TrimSpace(m))
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, fmt.Sprintf("media url %q is not an http(s) url", m))
		}
	}
	if len(errs) > 0 {
		return publish.Invalid(errs...)
	}
	return publish.ValidationResult{Valid: true}
}

func (p *Platform) Publish(ctx context.Context, creds []byte, c publish.Content) (platform.Receipt, error) {
	cr, err := ParseCredentials(creds)
	if err != nil {
		return platform.Receipt{}, err
	}
	b, err := p.bot(cr.BotToken)
	if err != nil {
		return platform.Receipt{}, err
	}
	to := chatRef(cr.ChatID)
	body := c.Body()

	var msgs []tele.Message
	switch len(c.MediaURLs) {
	case 0:
		m, err := b.Send(to, body, &tele.SendOptions{DisableWebPagePreview: p.cfg.DisablePreview})
		if err != nil {
			return platform.Receipt{}, err
		}
		msgs = append(msgs, *m)
	case 1:
		m, err := b.Send(to, &tele.Photo{File: tele.FromURL(c.MediaURLs[0]), Caption: body})
		if err != nil {
			return platform.Receipt{}, err
		}
		msgs = append(msgs, *m)
	default:
		album := make(tele.Album, 0, len(c.MediaURLs))
		for i, u := range c.MediaURLs {
			ph := &tele.Photo{File: tele.FromURL(u)}
			if i == 0 {
				ph.Caption = body
			}
			album = append(album, ph)
		}
		msgs, err = b.SendAlbum(to, album)
		if err != nil {
			return platform.Receipt{}, err
		}
	}
	if err := ctx.Err(); err != nil {
		// Posted, but the caller gave up; report it so the guard counts the timeout.
		p.log.Warn("telegram post completed after deadline", logx.String("chat", cr.ChatID), logx.Err(err))
	}
	if len(msgs) == 0 || msgs[0].Chat == nil {
		return platform.Receipt{}, errors.New("telegram: empty send response")
	}
	return receipt(msgs), nil
}

// receipt encodes "chatID:msgID[,msgID...]" so an album can be retracted as a whole.
func receipt(msgs []tele.Message) platform.Receipt {
	chat := msgs[0].Chat
	ids := make([]string, 0, len(msgs))
	for _, m := range msgs {
		ids = append(ids, strconv.Itoa(m.ID))
	}
	r := platform.Receipt{PostID: strconv.FormatInt(chat.ID, 10) + ":" + strings.Join(ids, ",")}
	if chat.Username != "" {
		r.URL = fmt.Sprintf("https://t.me/%s/%d", chat.Username, msgs[0].ID)
	}
	return r
}

func parsePostID(postID string) (int64, []string, error) {
	chat, msgs, ok := strings.Cut(strings.TrimSpace(postID), ":")
	if !ok || msgs == "" {
		return 0, nil, fmt.Errorf("telegram: malformed post id %q", postID)
	}
	chatID, err := strconv.ParseInt(chat, 10, 64)
	if err != nil {
		return 0, nil, fmt.Errorf("telegram: malformed post id %q: %w", postID, err)
	}
	return chatID, strings.Split(msgs, ","), nil
}

// CancelScheduledPost deletes an already delivered post.
func (p *Platform) CancelScheduledPost(ctx context.Context, creds []byte, postID string) error {
	cr, err := ParseCredentials(creds)
	if err != nil {
		return err
	}
	chatID, msgIDs, err := parsePostID(postID)
	if err != nil {
		return err
	}
	b, err := p.bot(cr.BotToken)
	if err != nil {
		return err
	}
	var errs []error
	for _, id := range msgIDs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := b.Delete(tele.StoredMessage{MessageID: id, ChatID: chatID}); err != nil {
			errs = append(errs, fmt.Errorf("delete %d:%s: %w", chatID, id, err))
		}
	}
	return errors.Join(errs...)
}

// GetAccountInfo performs getMe with the connection's token.
func (p *Platform) GetAccountInfo(_ context.Context, creds []byte) (publish.AccountInfo, error) {
	cr, err := ParseCredentials(creds)
	if err != nil {
		return publish.AccountInfo{}, err
	}
	b, err := tele.NewBot(tele.Settings{URL: p.cfg.APIURL, Token: cr.BotToken, Client: p.client})
	if err != nil {
		return publish.AccountInfo{}, err
	}
	return publish.AccountInfo{
		ID:          strconv.FormatInt(b.Me.ID, 10),
		Username:    b.Me.Username,
		DisplayName: strings.TrimSpace(b.Me.FirstName + " " + b.Me.LastName),
	}, nil
}
