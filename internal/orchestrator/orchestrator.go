// Package orchestrator publishes one piece of content to a set of platforms:
// it resolves the user's active connections, validates per platform, fans out
// the publish calls and collects one result per requested platform.
package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"postflow/internal/connections"
	"postflow/internal/eventbus"
	"postflow/internal/metrics"
	"postflow/internal/platform"
	"postflow/internal/publish"
	"postflow/internal/storage"
	logx "postflow/pkg/logx"
)

// AuditSink stores one entry per successful platform publish. storage.Store
// satisfies it.
type AuditSink interface {
	AppendAudit(ctx context.Context, e storage.AuditEntry) error
}

type Options struct {
	Audit   AuditSink
	Bus     eventbus.Bus
	Metrics *metrics.Metrics
	Log     logx.Logger
	Now     func() time.Time
	// AuditTimeout bounds one background audit write. Zero means 5s.
	AuditTimeout time.Duration
}

type Orchestrator struct {
	dir     connections.Directory
	reg     *platform.Registry
	audit   AuditSink
	bus     eventbus.Bus
	metrics *metrics.Metrics
	log     logx.Logger
	now     func() time.Time

	auditTimeout time.Duration
	pending      sync.WaitGroup
}

func New(dir connections.Directory, reg *platform.Registry, opt Options) *Orchestrator {
	if opt.Log.IsZero() {
		opt.Log = logx.Nop()
	}
	if opt.Now == nil {
		opt.Now = time.Now
	}
	if opt.AuditTimeout <= 0 {
		opt.AuditTimeout = 5 * time.Second
	}
	return &Orchestrator{
		dir:          dir,
		reg:          reg,
		audit:        opt.Audit,
		bus:          opt.Bus,
		metrics:      opt.Metrics,
		log:          opt.Log.With(logx.String("comp", "orchestrator")),
		now:          opt.Now,
		auditTimeout: opt.AuditTimeout,
	}
}

// Request describes one execution. ItemID and Attempt are set when a scheduled
// item is being executed and left zero for publish-now.
type Request struct {
	UserID    string
	ItemID    string
	Attempt   int
	Platforms []publish.PlatformID
	Content   publish.Content
}

// PublishNow publishes content immediately. It fails only with
// publish.ErrNoActiveConnections, when no requested platform has an active
// connection; every per-platform failure is reported as a result.
func (o *Orchestrator) PublishNow(ctx context.Context, userID string, platforms []publish.PlatformID, content publish.Content) ([]publish.PublishResult, error) {
	return o.Execute(ctx, Request{UserID: userID, Platforms: platforms, Content: content})
}

// Execute is PublishNow with item bookkeeping attached to results and audit entries.
func (o *Orchestrator) Execute(ctx context.Context, req Request) ([]publish.PublishResult, error) {
	requested := publish.PlatformSet(req.Platforms)
	log := o.log.With(logx.String("user", req.UserID))
	if req.ItemID != "" {
		log = log.With(logx.String("item", req.ItemID), logx.Int("attempt", req.Attempt))
	}

	conns, err := o.dir.UserConnections(ctx, req.UserID)
	if err != nil {
		return nil, fmt.Errorf("resolve connections for %s: %w", req.UserID, err)
	}
	active := connections.Active(conns)

	results := make([]publish.PublishResult, len(requested))
	type job struct {
		idx  int
		capa platform.Capability
		conn publish.PlatformConnection
	}
	var (
		jobs      []job
		connected int
	)
	for i, p := range requested {
		results[i] = publish.PublishResult{Platform: p, Attempt: req.Attempt}
		conn, ok := active[p]
		if !ok {
			results[i].Error = fmt.Sprintf("no active connection for %s", p)
			results[i].ErrorKind = publish.KindNoActiveConnection
			continue
		}
		connected++
		capa, err := o.reg.Lookup(p)
		if err != nil {
			results[i].Error = err.Error()
			results[i].ErrorKind = publish.KindUnsupportedPlatform
			continue
		}
		vr := capa.ValidateContent(ctx, req.Content)
		if !vr.Valid {
			results[i].Error = validationMessage(vr)
			results[i].ErrorKind = publish.KindValidationFailed
			continue
		}
		jobs = append(jobs, job{idx: i, capa: capa, conn: conn})
	}
	if connected == 0 {
		return nil, fmt.Errorf("%w: user %s, platforms %v", publish.ErrNoActiveConnections, req.UserID, requested)
	}

	// Each goroutine owns results[j.idx]; every call runs to completion.
	var g errgroup.Group
	for _, j := range jobs {
		g.Go(func() error {
			r := &results[j.idx]
			defer func() {
				if rec := recover(); rec != nil {
					r.Success = false
					r.Error = fmt.Sprintf("publish panicked: %v", rec)
					r.ErrorKind = publish.KindPublishFailed
				}
			}()
			rc, err := j.capa.Publish(ctx, j.conn.Credentials, req.Content)
			if err != nil {
				r.Error = err.Error()
				r.ErrorKind = publish.KindPublishFailed
				return nil
			}
			at := o.now()
			r.Success = true
			r.PlatformPostID = rc.PostID
			r.PlatformURL = rc.URL
			r.PublishedAt = &at
			return nil
		})
	}
	_ = g.Wait()

	o.metrics.ObserveResults(results)
	ok := 0
	for _, r := range results {
		if r.Success {
			ok++
			o.recordSuccess(req, r)
			continue
		}
		log.Warn("platform publish failed",
			logx.String("platform", string(r.Platform)),
			logx.String("kind", string(r.ErrorKind)),
			logx.String("error", r.Error),
		)
	}
	log.Info("publish finished", logx.Int("platforms", len(results)), logx.Int("succeeded", ok))
	return results, nil
}

func validationMessage(vr publish.ValidationResult) string {
	if len(vr.Errors) == 0 {
		return publish.ErrValidationFailed.Error()
	}
	return publish.ErrValidationFailed.Error() + ": " + strings.Join(vr.Errors, "; ")
}

// recordSuccess emits the bus event and writes the audit entry in the
// background. Audit failures are logged only.
func (o *Orchestrator) recordSuccess(req Request, r publish.PublishResult) {
	at := o.now()
	if r.PublishedAt != nil {
		at = *r.PublishedAt
	}
	if o.bus != nil {
		o.bus.Publish(eventbus.Event{Type: eventbus.TypePublishSucceeded, Time: at, Data: eventbus.PublishSucceeded{
			UserID:         req.UserID,
			ItemID:         req.ItemID,
			Platform:       string(r.Platform),
			PlatformPostID: r.PlatformPostID,
			PlatformURL:    r.PlatformURL,
			At:             at,
		}})
	}
	if o.audit == nil {
		return
	}
	entry := storage.AuditEntry{
		At:             at,
		UserID:         req.UserID,
		ItemID:         req.ItemID,
		Platform:       r.Platform,
		PlatformPostID: r.PlatformPostID,
		PlatformURL:    r.PlatformURL,
	}
	o.pending.Add(1)
	go func() {
		defer o.pending.Done()
		ctx, cancel := context.WithTimeout(context.Background(), o.auditTimeout)
		defer cancel()
		if err := o.audit.AppendAudit(ctx, entry); err != nil {
			o.log.Warn("audit write failed",
				logx.String("platform", string(entry.Platform)),
				logx.String("post_id", entry.PlatformPostID),
				logx.Err(err),
			)
		}
	}()
}

// Wait blocks until background audit writes have finished.
func (o *Orchestrator) Wait() { o.pending.Wait() }

// FailedResults builds one failed result per platform, for executions that
// could not reach the orchestrator's fan-out at all.
func FailedResults(platforms []publish.PlatformID, kind publish.ErrorKind, msg string, attempt int) []publish.PublishResult {
	ids := publish.PlatformSet(platforms)
	out := make([]publish.PublishResult, 0, len(ids))
	for _, p := range ids {
		out = append(out, publish.PublishResult{Platform: p, ErrorKind: kind, Error: msg, Attempt: attempt})
	}
	return out
}
