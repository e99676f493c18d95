// Package dryrun is a platform that only logs. It backs local runs and staging
// environments where nothing may reach a real network.
package dryrun

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"unicode/utf8"

	"postflow/internal/platform"
	"postflow/internal/publish"
	logx "postflow/pkg/logx"
)

const ID publish.PlatformID = "dryrun"

var ErrInjected = errors.New("dryrun: injected failure")

type Config struct {
	// MaxLength rejects bodies longer than this many characters. Zero means no limit.
	MaxLength int
	// FailPublish makes every publish fail; used to exercise retries in staging.
	FailPublish bool
}

// Post is one recorded publish.
type Post struct {
	ID      string
	Content publish.Content
}

type Platform struct {
	cfg Config
	log logx.Logger
	seq atomic.Uint64

	mu        sync.Mutex
	posts     []Post
	retracted map[string]bool
}

var _ platform.Capability = (*Platform)(nil)

func New(cfg Config, log logx.Logger) *Platform {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Platform{cfg: cfg, log: log.With(logx.String("comp", "dryrun")), retracted: map[string]bool{}}
}

func (p *Platform) ValidateContent(_ context.Context, c publish.Content) publish.ValidationResult {
	body := c.Body()
	if strings.TrimSpace(body) == "" && len(c.MediaURLs) == 0 {
		return publish.Invalid("content is empty")
	}
	if p.cfg.MaxLength > 0 && utf8.RuneCountInString(body) > p.cfg.MaxLength {
		return publish.Invalid(fmt.Sprintf("text exceeds %d characters", p.cfg.MaxLength))
	}
	return publish.ValidationResult{Valid: true}
}

func (p *Platform) Publish(ctx context.Context, creds []byte, c publish.Content) (platform.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return platform.Receipt{}, err
	}
	if p.cfg.FailPublish {
		return platform.Receipt{}, ErrInjected
	}
	id := fmt.Sprintf("dry-%d", p.seq.Add(1))
	p.mu.Lock()
	p.posts = append(p.posts, Post{ID: id, Content: c})
	p.mu.Unlock()
	p.log.Info("dry-run publish", logx.String("post_id", id), logx.Int("chars", utf8.RuneCountInString(c.Body())), logx.Int("media", len(c.MediaURLs)))
	return platform.Receipt{PostID: id, URL: "dryrun://posts/" + id}, nil
}

func (p *Platform) CancelScheduledPost(_ context.Context, _ []byte, postID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, post := range p.posts {
		if post.ID == postID {
			p.retracted[postID] = true
			p.log.Info("dry-run retract", logx.String("post_id", postID))
			return nil
		}
	}
	return fmt.Errorf("dryrun: unknown post %q", postID)
}

func (p *Platform) GetAccountInfo(_ context.Context, creds []byte) (publish.AccountInfo, error) {
	name := strings.TrimSpace(string(creds))
	if name == "" {
		name = "dryrun"
	}
	return publish.AccountInfo{ID: name, Username: name, DisplayName: "Dry run (" + name + ")"}, nil
}

// Posts returns a snapshot of every publish so far.
func (p *Platform) Posts() []Post {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Post(nil), p.posts...)
}

func (p *Platform) Retracted(postID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.retracted[postID]
}
