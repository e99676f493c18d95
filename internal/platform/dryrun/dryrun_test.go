package dryrun

import (
	"context"
	"errors"
	"testing"

	"postflow/internal/publish"
	logx "postflow/pkg/logx"
)

func TestPublishRecordsAndRetracts(t *testing.T) {
	p := New(Config{}, logx.Nop())
	ctx := context.Background()

	rc, err := p.Publish(ctx, nil, publish.Content{Text: "hi"})
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if rc.PostID != "dry-1" {
		t.Fatalf("post id = %q", rc.PostID)
	}
	if len(p.Posts()) != 1 {
		t.Fatalf("posts = %v", p.Posts())
	}
	if err := p.CancelScheduledPost(ctx, nil, rc.PostID); err != nil || !p.Retracted(rc.PostID) {
		t.Fatalf("retract: %v", err)
	}
	if err := p.CancelScheduledPost(ctx, nil, "dry-99"); err == nil {
		t.Fatal("unknown post retracted")
	}
}

func TestValidateAndInjectedFailure(t *testing.T) {
	p := New(Config{MaxLength: 5, FailPublish: true}, logx.Nop())
	ctx := context.Background()
	if vr := p.ValidateContent(ctx, publish.Content{Text: "too long"}); vr.Valid {
		t.Fatal("long text accepted")
	}
	if vr := p.ValidateContent(ctx, publish.Content{}); vr.Valid {
		t.Fatal("empty content accepted")
	}
	if _, err := p.Publish(ctx, nil, publish.Content{Text: "ok"}); !errors.Is(err, ErrInjected) {
		t.Fatalf("Publish = %v, want ErrInjected", err)
	}
}
