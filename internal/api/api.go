// Package api exposes the publishing engine over HTTP. Authentication happens
// in front of this service; the acting user is taken from the path.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"postflow/internal/connections"
	"postflow/internal/publish"
	"postflow/internal/scheduler"
	logx "postflow/pkg/logx"
)

const maxBodyBytes = 1 << 20

// Publisher publishes content immediately.
type Publisher interface {
	PublishNow(ctx context.Context, userID string, platforms []publish.PlatformID, content publish.Content) ([]publish.PublishResult, error)
}

// Items manages scheduled items on behalf of a user.
type Items interface {
	Schedule(ctx context.Context, userID string, content publish.Content, platforms []publish.PlatformID, at time.Time) (*publish.ScheduledItem, error)
	Reschedule(ctx context.Context, userID, itemID string, at time.Time) (*publish.ScheduledItem, error)
	Cancel(ctx context.Context, userID, itemID string) (bool, error)
	Item(ctx context.Context, userID, itemID string) (*publish.ScheduledItem, error)
	Items(ctx context.Context, userID string, f scheduler.ItemFilter) ([]*publish.ScheduledItem, error)
}

// HealthFunc probes a user's connections.
type HealthFunc func(ctx context.Context, userID string) ([]connections.Health, error)

type Deps struct {
	Publisher Publisher
	Items     Items
	Health    HealthFunc
	// Metrics is served on /metrics when set.
	Metrics http.Handler
	// Ready reports liveness for /healthz; nil means always ready.
	Ready          func(ctx context.Context) error
	Profiler       bool
	RequestTimeout time.Duration
	Log            logx.Logger
}

type API struct {
	d   Deps
	log logx.Logger
}

// New builds the router.
func New(d Deps) http.Handler {
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	if d.RequestTimeout <= 0 {
		d.RequestTimeout = 60 * time.Second
	}
	a := &API{d: d, log: d.Log.With(logx.String("comp", "api"))}
	return a.routes()
}

func (a *API) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(a.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", a.handle(a.healthz))
	if a.d.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", a.d.Metrics)
	}
	if a.d.Profiler {
		r.Mount("/debug", middleware.Profiler())
	}

	r.Route("/api/users/{userID}", func(r chi.Router) {
		r.Use(middleware.Timeout(a.d.RequestTimeout))
		r.Post("/publish", a.handle(a.publishNow))
		r.Get("/connections/health", a.handle(a.connectionHealth))
		r.Route("/items", func(r chi.Router) {
			r.Get("/", a.handle(a.listItems))
			r.Post("/", a.handle(a.scheduleItem))
			r.Get("/{itemID}", a.handle(a.getItem))
			r.Patch("/{itemID}", a.handle(a.rescheduleItem))
			r.Delete("/{itemID}", a.handle(a.cancelItem))
		})
	})
	return r
}

func (a *API) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		defer func() {
			a.log.Debug("http request",
				logx.String("method", r.Method),
				logx.String("path", r.URL.Path),
				logx.Int("status", ww.Status()),
				logx.Int("bytes", ww.BytesWritten()),
				logx.Duration("took", time.Since(start)),
				logx.String("request_id", middleware.GetReqID(r.Context())),
			)
		}()
		next.ServeHTTP(ww, r)
	})
}

func (a *API) healthz(w http.ResponseWriter, r *http.Request) error {
	if a.d.Ready != nil {
		if err := a.d.Ready(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return nil
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	return nil
}

type publishRequest struct {
	Platforms []publish.PlatformID `json:"platforms"`
	Content   publish.Content      `json:"content"`
}

type publishResponse struct {
	Results []publish.PublishResult `json:"results"`
	Success bool                    `json:"success"`
}

func (a *API) publishNow(w http.ResponseWriter, r *http.Request) error {
	var req publishRequest
	if err := decode(r, &req); err != nil {
		return err
	}
	if len(publish.PlatformSet(req.Platforms)) == 0 {
		return badRequest("at least one platform required", nil)
	}
	results, err := a.d.Publisher.PublishNow(r.Context(), userID(r), req.Platforms, req.Content)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, publishResponse{Results: results, Success: publish.AllSucceeded(results)})
	return nil
}

type scheduleRequest struct {
	Platforms     []publish.PlatformID `json:"platforms"`
	Content       publish.Content      `json:"content"`
	ScheduledTime time.Time            `json:"scheduled_time"`
}

func (a *API) scheduleItem(w http.ResponseWriter, r *http.Request) error {
	var req scheduleRequest
	if err := decode(r, &req); err != nil {
		return err
	}
	it, err := a.d.Items.Schedule(r.Context(), userID(r), req.Content, req.Platforms, req.ScheduledTime)
	if err != nil {
		return err
	}
	w.Header().Set("Location", fmt.Sprintf("/api/users/%s/items/%s", it.UserID, it.ID))
	writeJSON(w, http.StatusCreated, it)
	return nil
}

func (a *API) listItems(w http.ResponseWriter, r *http.Request) error {
	var f scheduler.ItemFilter
	q := r.URL.Query()
	if s := q.Get("status"); s != "" {
		st, err := publish.ParseStatus(s)
		if err != nil {
			return badRequest("unknown status "+strconv.Quote(s), err)
		}
		f.Status = st
	}
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			return badRequest("limit must be a non-negative integer", err)
		}
		f.Limit = n
	}
	items, err := a.d.Items.Items(r.Context(), userID(r), f)
	if err != nil {
		return err
	}
	if items == nil {
		items = []*publish.ScheduledItem{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
	return nil
}

func (a *API) getItem(w http.ResponseWriter, r *http.Request) error {
	it, err := a.d.Items.Item(r.Context(), userID(r), chi.URLParam(r, "itemID"))
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, it)
	return nil
}

type rescheduleRequest struct {
	ScheduledTime time.Time `json:"scheduled_time"`
}

func (a *API) rescheduleItem(w http.ResponseWriter, r *http.Request) error {
	var req rescheduleRequest
	if err := decode(r, &req); err != nil {
		return err
	}
	if req.ScheduledTime.IsZero() {
		return badRequest("scheduled_time required", nil)
	}
	it, err := a.d.Items.Reschedule(r.Context(), userID(r), chi.URLParam(r, "itemID"), req.ScheduledTime)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, it)
	return nil
}

func (a *API) cancelItem(w http.ResponseWriter, r *http.Request) error {
	ok, err := a.d.Items.Cancel(r.Context(), userID(r), chi.URLParam(r, "itemID"))
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": ok})
	return nil
}

func (a *API) connectionHealth(w http.ResponseWriter, r *http.Request) error {
	if a.d.Health == nil {
		return &HTTPError{Status: http.StatusNotImplemented, Code: "not_implemented", Message: "health checks unavailable"}
	}
	hs, err := a.d.Health(r.Context(), userID(r))
	if err != nil {
		return err
	}
	if hs == nil {
		hs = []connections.Health{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"connections": hs})
	return nil
}

func userID(r *http.Request) string {
	return strings.TrimSpace(chi.URLParam(r, "userID"))
}

// decode reads one JSON object, rejecting unknown fields and trailing data.
func decode(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return badRequest("invalid JSON body", err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return badRequest("unexpected data after JSON body", err)
	}
	return nil
}
