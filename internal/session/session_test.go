package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kalambet/docketd/internal/caseerr"
	"github.com/kalambet/docketd/internal/config"
	"github.com/kalambet/docketd/internal/portal/portaltest"
)

func testConfig(srv *portaltest.Server) config.Config {
	cfg := config.Default()
	cfg.Portal.BaseURL = srv.URL
	cfg.Portal.Email = srv.Email
	cfg.Portal.Password = srv.Password
	cfg.Portal.RequestsPerSecond = 0
	cfg.Portal.MinDelay = 0
	cfg.Portal.MaxDelay = 0
	cfg.Portal.RequestTimeout = 5 * time.Second
	cfg.Pipeline.InitialBackoff = time.Millisecond
	return cfg
}

func newPortal(t *testing.T) *portaltest.Server {
	t.Helper()
	srv := portaltest.New("ops@example.com", "hunter2")
	t.Cleanup(srv.Close)
	return srv
}

// TestConcurrentEnsureValidLogsInOnce verifies N workers racing on an empty
// session produce exactly one login and share the resulting handle.
func TestConcurrentEnsureValidLogsInOnce(t *testing.T) {
	srv := newPortal(t)
	srv.LoginDelay = 50 * time.Millisecond
	cfg := testConfig(srv)
	m := NewManager(cfg)

	const workers = 8
	var wg sync.WaitGroup
	handles := make([]*Handle, workers)
	errs := make([]error, workers)
	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			handles[i], errs[i] = m.EnsureValid(context.Background(), cfg)
		}()
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("worker %d: %v", i, err)
		}
	}
	if srv.Logins() != 1 {
		t.Errorf("Logins = %d, want 1", srv.Logins())
	}
	for i, h := range handles {
		if h.ID != handles[0].ID {
			t.Errorf("worker %d got session %s, want %s", i, h.ID, handles[0].ID)
		}
	}
	if !m.Valid() {
		t.Error("Valid = false after login")
	}
}

func TestEnsureValidReusesFreshSession(t *testing.T) {
	srv := newPortal(t)
	cfg := testConfig(srv)
	m := NewManager(cfg)

	first, err := m.EnsureValid(context.Background(), cfg)
	if err != nil {
		t.Fatal(err)
	}
	second, err := m.EnsureValid(context.Background(), cfg)
	if err != nil {
		t.Fatal(err)
	}
	if first != second || srv.Logins() != 1 {
		t.Errorf("session not reused: logins=%d", srv.Logins())
	}
}

// TestInvalidateForcesSingleRelogin verifies that after a worker invalidates
// the session, concurrent callers re-authenticate exactly once.
func TestInvalidateForcesSingleRelogin(t *testing.T) {
	srv := newPortal(t)
	srv.LoginDelay = 30 * time.Millisecond
	cfg := testConfig(srv)
	m := NewManager(cfg)

	h, err := m.EnsureValid(context.Background(), cfg)
	if err != nil {
		t.Fatal(err)
	}
	srv.ExpireSessions()
	m.Invalidate(h)
	if m.Valid() {
		t.Fatal("Valid = true after Invalidate")
	}

	var wg sync.WaitGroup
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.EnsureValid(context.Background(), cfg); err != nil {
				t.Errorf("EnsureValid: %v", err)
			}
		}()
	}
	wg.Wait()

	if srv.Logins() != 2 {
		t.Errorf("Logins = %d, want 2", srv.Logins())
	}

	// Invalidating the old handle again must not drop the new session.
	m.Invalidate(h)
	if !m.Valid() {
		t.Error("stale Invalidate dropped the current session")
	}
}

func TestAgedSessionRevalidatedWithoutLogin(t *testing.T) {
	srv := newPortal(t)
	cfg := testConfig(srv)
	cfg.Portal.SessionMaxAge = time.Minute
	m := NewManager(cfg)

	now := time.Now()
	m.now = func() time.Time { return now }

	h, err := m.EnsureValid(context.Background(), cfg)
	if err != nil {
		t.Fatal(err)
	}

	now = now.Add(2 * time.Minute)
	h2, err := m.EnsureValid(context.Background(), cfg)
	if err != nil {
		t.Fatalf("EnsureValid after aging: %v", err)
	}
	if srv.Logins() != 1 {
		t.Errorf("Logins = %d, want 1 (portal still accepted the session)", srv.Logins())
	}
	if h2.ID != h.ID || !h2.Validated.Equal(now) {
		t.Errorf("handle not revalidated: %+v", h2)
	}

	now = now.Add(2 * time.Minute)
	srv.ExpireSessions()
	if _, err := m.EnsureValid(context.Background(), cfg); err != nil {
		t.Fatal(err)
	}
	if srv.Logins() != 2 {
		t.Errorf("Logins = %d, want 2 after portal expired the session", srv.Logins())
	}
}

func TestRejectedCredentialsBackOff(t *testing.T) {
	srv := newPortal(t)
	cfg := testConfig(srv)
	cfg.Portal.Password = "wrong"
	cfg.Pipeline.InitialBackoff = time.Hour
	m := NewManager(cfg)

	_, err := m.EnsureValid(context.Background(), cfg)
	var authErr *caseerr.AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("err = %v, want AuthError", err)
	}

	// Within the backoff window no login is attempted.
	_, err = m.EnsureValid(context.Background(), cfg)
	if !errors.As(err, &authErr) {
		t.Fatalf("err = %v, want AuthError", err)
	}
	if st := m.Status(); st.Failures != 1 || st.Valid {
		t.Errorf("Status = %+v", st)
	}
}

func TestHandleBrowserIsIsolated(t *testing.T) {
	srv := newPortal(t)
	cfg := testConfig(srv)
	m := NewManager(cfg)

	h, err := m.EnsureValid(context.Background(), cfg)
	if err != nil {
		t.Fatal(err)
	}
	a, err := h.NewBrowser(cfg)
	if err != nil {
		t.Fatal(err)
	}
	b, err := h.NewBrowser(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if a == b {
		t.Fatal("NewBrowser returned the same context twice")
	}
	for _, br := range []interface {
		CheckSession(context.Context) error
	}{a, b} {
		if err := br.CheckSession(context.Background()); err != nil {
			t.Errorf("CheckSession: %v", err)
		}
	}
}

func TestBackoff(t *testing.T) {
	tests := []struct {
		n    int
		want time.Duration
	}{
		{0, 0},
		{1, time.Second},
		{2, 2 * time.Second},
		{4, 8 * time.Second},
		{40, 5 * time.Minute},
	}
	for _, tt := range tests {
		if got := backoff(time.Second, tt.n); got != tt.want {
			t.Errorf("backoff(1s, %d) = %s, want %s", tt.n, got, tt.want)
		}
	}
}
