// Package session owns the single authenticated portal session shared by
// every worker.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/kalambet/docketd/internal/caseerr"
	"github.com/kalambet/docketd/internal/config"
	"github.com/kalambet/docketd/internal/portal"
)

// Handle is an authenticated session. It is immutable; re-authentication
// produces a new Handle.
type Handle struct {
	ID        string
	Validated time.Time
	cookies   []*http.Cookie
	limiter   *rate.Limiter
	transport http.RoundTripper
}

// NewBrowser returns an isolated browsing context carrying the session's
// cookies, paced by the shared limiter.
func (h *Handle) NewBrowser(cfg config.Config) (*portal.Browser, error) {
	return portal.NewBrowser(portalOptions(cfg, h.limiter, h.transport), h.cookies)
}

func portalOptions(cfg config.Config, limiter *rate.Limiter, transport http.RoundTripper) portal.Options {
	return portal.Options{
		BaseURL:   cfg.Portal.BaseURL,
		Timeout:   cfg.Portal.RequestTimeout,
		MinDelay:  cfg.Portal.MinDelay,
		MaxDelay:  cfg.Portal.MaxDelay,
		Limiter:   limiter,
		Transport: transport,
	}
}

// Manager serializes logins while letting workers reuse a valid session
// concurrently.
type Manager struct {
	mu          sync.Mutex
	current     *Handle
	maxAge      time.Duration
	failures    int
	nextAttempt time.Time

	group     singleflight.Group
	limiter   *rate.Limiter
	transport http.RoundTripper
	logger    *slog.Logger
	now       func() time.Time
}

// NewManager creates a manager with no session. The first EnsureValid logs in.
func NewManager(cfg config.Config) *Manager {
	return &Manager{
		maxAge:  cfg.Portal.SessionMaxAge,
		limiter: rate.NewLimiter(limitFor(cfg.Portal.RequestsPerSecond), 1),
		logger:  slog.Default(),
		now:     time.Now,
	}
}

// WithTransport sets the HTTP transport used by every browser. Tests use it
// to point at an in-process portal.
func (m *Manager) WithTransport(rt http.RoundTripper) *Manager {
	m.transport = rt
	return m
}

func limitFor(rps float64) rate.Limit {
	if rps <= 0 {
		return rate.Inf
	}
	return rate.Limit(rps)
}

// EnsureValid returns a session no older than portal.session_max_age,
// logging in when there is none. Concurrent callers share one login.
func (m *Manager) EnsureValid(ctx context.Context, cfg config.Config) (*Handle, error) {
	m.limiter.SetLimit(limitFor(cfg.Portal.RequestsPerSecond))

	m.mu.Lock()
	m.maxAge = cfg.Portal.SessionMaxAge
	if h := m.fresh(); h != nil {
		m.mu.Unlock()
		return h, nil
	}
	if m.failures > 0 && m.now().Before(m.nextAttempt) {
		wait := m.nextAttempt.Sub(m.now()).Round(time.Millisecond)
		failures := m.failures
		m.mu.Unlock()
		return nil, &caseerr.AuthError{Reason: fmt.Sprintf("login backing off for %s after %d failures", wait, failures)}
	}
	m.mu.Unlock()

	ch := m.group.DoChan("login", func() (any, error) {
		return m.refresh(ctx, cfg)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Handle), nil
	}
}

// fresh returns the current handle when it is within max age. m.mu must be held.
func (m *Manager) fresh() *Handle {
	if m.current == nil {
		return nil
	}
	if m.maxAge > 0 && m.now().Sub(m.current.Validated) >= m.maxAge {
		return nil
	}
	return m.current
}

func (m *Manager) refresh(ctx context.Context, cfg config.Config) (*Handle, error) {
	m.mu.Lock()
	if h := m.fresh(); h != nil {
		// A previous flight may have finished after the caller checked.
		m.mu.Unlock()
		return h, nil
	}
	stale := m.current
	m.mu.Unlock()

	// The flight outlives any single caller's cancellation.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), loginBudget(cfg))
	defer cancel()

	if stale != nil {
		if h, err := m.revalidate(ctx, cfg, stale); err == nil {
			return h, nil
		}
	}

	h, err := m.login(ctx, cfg)

	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		m.failures++
		m.nextAttempt = m.now().Add(backoff(cfg.Pipeline.InitialBackoff, m.failures))
		m.current = nil
		m.logger.Error("portal login failed", "failures", m.failures, "error", err)
		var authErr *caseerr.AuthError
		if errors.As(err, &authErr) {
			return nil, err
		}
		return nil, &caseerr.AuthError{Reason: "portal unreachable", Err: err}
	}
	m.failures = 0
	m.current = h
	m.logger.Info("portal session established", "session", h.ID)
	return h, nil
}

// revalidate checks an aged session against the portal and, when it is
// still accepted, extends it without a new login.
func (m *Manager) revalidate(ctx context.Context, cfg config.Config, stale *Handle) (*Handle, error) {
	b, err := stale.NewBrowser(cfg)
	if err != nil {
		return nil, err
	}
	if err := b.CheckSession(ctx); err != nil {
		m.logger.Debug("aged session rejected", "session", stale.ID, "error", err)
		return nil, err
	}
	h := *stale
	h.Validated = m.now()
	h.cookies = b.Cookies()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == stale {
		m.current = &h
	}
	return &h, nil
}

func (m *Manager) login(ctx context.Context, cfg config.Config) (*Handle, error) {
	attempts := max(cfg.Pipeline.MaxAttempts, 1)
	var err error
	for i := range attempts {
		if i > 0 {
			if werr := sleep(ctx, backoff(cfg.Pipeline.InitialBackoff, i)); werr != nil {
				return nil, werr
			}
		}
		var b *portal.Browser
		b, err = portal.NewBrowser(portalOptions(cfg, m.limiter, m.transport), nil)
		if err != nil {
			return nil, err
		}
		if err = b.Login(ctx, cfg.Portal.Email, cfg.Portal.Password); err == nil {
			return &Handle{
				ID:        uuid.New().String(),
				Validated: m.now(),
				cookies:   b.Cookies(),
				limiter:   m.limiter,
				transport: m.transport,
			}, nil
		}
		if !caseerr.IsTransient(err) {
			return nil, err
		}
		m.logger.Warn("portal login attempt failed", "attempt", i+1, "error", err)
	}
	return nil, err
}

// Invalidate drops h after a worker saw the portal reject it. A handle that
// was already replaced is ignored.
func (m *Manager) Invalidate(h *Handle) {
	if h == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != nil && m.current.ID == h.ID {
		m.logger.Info("portal session invalidated", "session", h.ID)
		m.current = nil
	}
}

// Valid reports whether a session within max age is cached.
func (m *Manager) Valid() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fresh() != nil
}

// Status is the session state reported by health checks.
type Status struct {
	Valid         bool      `json:"valid"`
	LastValidated time.Time `json:"last_validated,omitzero"`
	Failures      int       `json:"consecutive_failures"`
}

func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := Status{Valid: m.fresh() != nil, Failures: m.failures}
	if m.current != nil {
		st.LastValidated = m.current.Validated
	}
	return st
}

func loginBudget(cfg config.Config) time.Duration {
	t := cfg.Portal.RequestTimeout
	if t <= 0 {
		t = time.Minute
	}
	return 3*t + 4*backoff(cfg.Pipeline.InitialBackoff, max(cfg.Pipeline.MaxAttempts, 1))
}

func backoff(initial time.Duration, n int) time.Duration {
	if initial <= 0 || n <= 0 {
		return 0
	}
	if n > 30 {
		return 5 * time.Minute
	}
	d := initial << (n - 1)
	if d <= 0 || d > 5*time.Minute {
		return 5 * time.Minute
	}
	return d
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
