package telegram

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"postflow/internal/publish"
	logx "postflow/pkg/logx"
)

type botAPI struct {
	mu    sync.Mutex
	calls []string
	last  map[string]any
}

func (a *botAPI) handler(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method := r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:]
		body := map[string]any{}
		_ = json.NewDecoder(r.Body).Decode(&body)

		a.mu.Lock()
		a.calls = append(a.calls, method)
		a.last = body
		a.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		switch method {
		case "getMe":
			_, _ = w.Write([]byte(`{"ok":true,"result":{"id":77,"is_bot":true,"first_name":"Poster","username":"poster_bot"}}`))
		case "sendMessage", "sendPhoto":
			_, _ = w.Write([]byte(`{"ok":true,"result":{"message_id":42,"date":1,"chat":{"id":-100123,"type":"channel","username":"news"}}}`))
		case "deleteMessage":
			_, _ = w.Write([]byte(`{"ok":true,"result":true}`))
		default:
			t.Errorf("unexpected bot api method %q", method)
			w.WriteHeader(http.StatusNotFound)
		}
	})
}

func newTestPlatform(t *testing.T) (*Platform, *botAPI) {
	t.Helper()
	api := &botAPI{}
	srv := httptest.NewServer(api.handler(t))
	t.Cleanup(srv.Close)
	return New(Config{APIURL: srv.URL}, logx.Nop()), api
}

var creds = []byte(`{"bot_token":"123:abc","chat_id":"@news"}`)

func TestValidateContent(t *testing.T) {
	p := New(Config{}, logx.Nop())
	ctx := context.Background()

	tests := []struct {
		name  string
		c     publish.Content
		valid bool
	}{
		{name: "text", c: publish.Content{Text: "hello"}, valid: true},
		{name: "empty", c: publish.Content{}, valid: false},
		{name: "long text", c: publish.Content{Text: strings.Repeat("a", maxTextLen+1)}, valid: false},
		{name: "photo caption", c: publish.Content{Text: strings.Repeat("a", maxCaptionLen), MediaURLs: []string{"https://x.test/a.jpg"}}, valid: true},
		{name: "long caption", c: publish.Content{Text: strings.Repeat("a", maxCaptionLen+1), MediaURLs: []string{"https://x.test/a.jpg"}}, valid: false},
		{name: "bad media url", c: publish.Content{Text: "x", MediaURLs: []string{"file:///etc/passwd"}}, valid: false},
		{name: "album too big", c: publish.Content{Text: "x", MediaURLs: make([]string, maxAlbumSize+1)}, valid: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := p.ValidateContent(ctx, tt.c)
			if got.Valid != tt.valid {
				t.Fatalf("Valid = %v (errors %v), want %v", got.Valid, got.Errors, tt.valid)
			}
			if !got.Valid && len(got.Errors) == 0 {
				t.Fatal("invalid result without errors")
			}
		})
	}
}

func TestPublishTextAndRetract(t *testing.T) {
	p, api := newTestPlatform(t)
	ctx := context.Background()

	rc, err := p.Publish(ctx, creds, publish.Content{Text: "launch", Hashtags: []string{"go"}})
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if rc.PostID != "-100123:42" || rc.URL != "https://t.me/news/42" {
		t.Fatalf("receipt = %+v", rc)
	}
	api.mu.Lock()
	if api.last["chat_id"] != "@news" || api.last["text"] != "launch\n\n#go" {
		t.Fatalf("sendMessage params = %v", api.last)
	}
	api.mu.Unlock()

	if err := p.CancelScheduledPost(ctx, creds, rc.PostID); err != nil {
		t.Fatalf("CancelScheduledPost: %v", err)
	}
	api.mu.Lock()
	defer api.mu.Unlock()
	if got := api.calls[len(api.calls)-1]; got != "deleteMessage" {
		t.Fatalf("last call = %q", got)
	}
}

func TestPublishPhoto(t *testing.T) {
	p, api := newTestPlatform(t)
	if _, err := p.Publish(context.Background(), creds, publish.Content{Text: "pic", MediaURLs: []string{"https://x.test/a.jpg"}}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	api.mu.Lock()
	defer api.mu.Unlock()
	if api.calls[len(api.calls)-1] != "sendPhoto" {
		t.Fatalf("calls = %v", api.calls)
	}
}

func TestGetAccountInfo(t *testing.T) {
	p, _ := newTestPlatform(t)
	info, err := p.GetAccountInfo(context.Background(), creds)
	if err != nil {
		t.Fatalf("GetAccountInfo: %v", err)
	}
	if info.ID != "77" || info.Username != "poster_bot" || info.DisplayName != "Poster" {
		t.Fatalf("info = %+v", info)
	}
}

func TestBadCredentialsAndPostID(t *testing.T) {
	p := New(Config{}, logx.Nop())
	if _, err := p.Publish(context.Background(), []byte(`{"chat_id":"@x"}`), publish.Content{Text: "x"}); err == nil {
		t.Fatal("missing token accepted")
	}
	if _, _, err := parsePostID("nope"); err == nil {
		t.Fatal("malformed post id accepted")
	}
	chat, ids, err := parsePostID("-100:1,2")
	if err != nil || chat != -100 || len(ids) != 2 {
		t.Fatalf("parsePostID = %d %v %v", chat, ids, err)
	}
}
