// Package portal drives the case records portal over plain HTTP. A Browser
// is one isolated browsing context: its own cookie jar seeded from the
// shared session, discarded when the case that created it is done.
package portal

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/html"
	"golang.org/x/net/publicsuffix"
	"golang.org/x/time/rate"

	"github.com/kalambet/docketd/internal/caseerr"
)

const userAgent = "docketd/1.0"

// Selectors is the markup contract with the portal. Values are element ids,
// class names, form field names or paths; none of them are logic.
type Selectors struct {
	LoginPath        string
	DashboardPath    string
	SearchPath       string
	SearchParam      string
	EmailField       string
	PasswordField    string
	DashboardMarker  string
	LoginErrorMarker string
	Result           string
	DocketEntry      string
	PartiesTab       string
	Party            string
	Document         string
	DocumentLink     string
}

// DefaultSelectors returns the markup contract of the production portal.
func DefaultSelectors() Selectors {
	return Selectors{
		LoginPath:        "/login",
		DashboardPath:    "/dashboard",
		SearchPath:       "/search",
		SearchParam:      "q",
		EmailField:       "email",
		PasswordField:    "password",
		DashboardMarker:  "dashboard",
		LoginErrorMarker: "login-error",
		Result:           "case-result",
		DocketEntry:      "docket-entry",
		PartiesTab:       "parties-tab",
		Party:            "party",
		Document:         "document",
		DocumentLink:     "document-link",
	}
}

// Options configure a Browser. Limiter is shared by every browser talking
// to the same portal; a nil Limiter disables pacing.
type Options struct {
	BaseURL   string
	Timeout   time.Duration
	MinDelay  time.Duration
	MaxDelay  time.Duration
	Limiter   *rate.Limiter
	Selectors Selectors
	Transport http.RoundTripper
}

type Browser struct {
	opts   Options
	sel    Selectors
	base   *url.URL
	jar    *cookiejar.Jar
	client *http.Client
	logger *slog.Logger
}

// NewBrowser creates an isolated browsing context carrying cookies.
func NewBrowser(opts Options, cookies []*http.Cookie) (*Browser, error) {
	base, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid portal base url %q", opts.BaseURL)
	}
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("creating cookie jar: %w", err)
	}
	if len(cookies) > 0 {
		jar.SetCookies(base, cookies)
	}

	sel := opts.Selectors
	if sel.LoginPath == "" {
		sel = DefaultSelectors()
	}
	return &Browser{
		opts:   opts,
		sel:    sel,
		base:   base,
		jar:    jar,
		client: &http.Client{Jar: jar, Timeout: opts.Timeout, Transport: opts.Transport},
		logger: slog.Default(),
	}, nil
}

// Cookies returns the context's cookies for the portal origin.
func (b *Browser) Cookies() []*http.Cookie {
	return b.jar.Cookies(b.base)
}

// Resolve turns a portal-relative reference into an absolute URL.
func (b *Browser) Resolve(ref string) string {
	u, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return b.base.ResolveReference(u).String()
}

func (b *Browser) pace(ctx context.Context) error {
	if b.opts.Limiter != nil {
		if err := b.opts.Limiter.Wait(ctx); err != nil {
			return err
		}
	}
	delay := b.opts.MinDelay
	if spread := b.opts.MaxDelay - b.opts.MinDelay; spread > 0 {
		delay += rand.N(spread)
	}
	if delay <= 0 {
		return nil
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// do sends a request and classifies the response. The caller owns the body
// of a successful response.
func (b *Browser) do(ctx context.Context, op, method, target string, form url.Values) (*http.Response, error) {
	if err := b.pace(ctx); err != nil {
		return nil, err
	}

	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, &caseerr.PortalError{Op: op, Err: err}
	}
	req.Header.Set("User-Agent", userAgent)
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := b.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &caseerr.PortalError{Op: op, Err: err, Temporary: true}
	}

	if op != "login" && resp.Request.URL.Path == b.sel.LoginPath {
		resp.Body.Close()
		return nil, fmt.Errorf("%s: %w", op, caseerr.ErrSessionExpired)
	}
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		resp.Body.Close()
		if op == "login" {
			return nil, &caseerr.AuthError{Reason: fmt.Sprintf("portal returned %d", resp.StatusCode)}
		}
		return nil, fmt.Errorf("%s: %w", op, caseerr.ErrSessionExpired)
	case resp.StatusCode == http.StatusNotFound:
		resp.Body.Close()
		return nil, &caseerr.NotFoundError{What: target}
	case resp.StatusCode >= 300:
		resp.Body.Close()
		return nil, &caseerr.PortalError{Op: op, Status: resp.StatusCode, Temporary: caseerr.TemporaryStatus(resp.StatusCode)}
	}
	return resp, nil
}

func (b *Browser) page(ctx context.Context, op, method, target string, form url.Values) (*html.Node, *url.URL, error) {
	resp, err := b.do(ctx, op, method, target, form)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	doc, err := html.Parse(resp.Body)
	if err != nil {
		return nil, nil, &caseerr.PortalError{Op: op, Err: fmt.Errorf("parsing html: %w", err), Temporary: true}
	}
	return doc, resp.Request.URL, nil
}

// Login submits the login form. On success the browser's cookies are the
// new session state.
func (b *Browser) Login(ctx context.Context, email, password string) error {
	if email == "" || password == "" {
		return &caseerr.AuthError{Reason: "portal credentials are not configured"}
	}
	loginURL := b.Resolve(b.sel.LoginPath)

	doc, _, err := b.page(ctx, "login", http.MethodGet, loginURL, nil)
	if err != nil {
		return err
	}
	form := hiddenInputs(doc)
	form.Set(b.sel.EmailField, email)
	form.Set(b.sel.PasswordField, password)

	doc, landed, err := b.page(ctx, "login", http.MethodPost, loginURL, form)
	if err != nil {
		return err
	}
	switch {
	case marker(doc, b.sel.DashboardMarker):
		b.logger.Debug("portal login succeeded", "landed", landed.Path)
		return nil
	case marker(doc, b.sel.LoginErrorMarker):
		return &caseerr.AuthError{Reason: "credentials rejected"}
	default:
		return &caseerr.AuthError{Reason: "no dashboard after login"}
	}
}

// CheckSession loads the dashboard and returns ErrSessionExpired when the
// portal no longer recognizes the session.
func (b *Browser) CheckSession(ctx context.Context) error {
	doc, _, err := b.page(ctx, "check session", http.MethodGet, b.Resolve(b.sel.DashboardPath), nil)
	if err != nil {
		return err
	}
	if !marker(doc, b.sel.DashboardMarker) {
		return fmt.Errorf("check session: %w", caseerr.ErrSessionExpired)
	}
	return nil
}

// Search runs a portal search and returns the listed cases in portal order.
func (b *Browser) Search(ctx context.Context, query string) ([]SearchResult, error) {
	u := b.Resolve(b.sel.SearchPath)
	target := u + "?" + url.Values{b.sel.SearchParam: {query}}.Encode()

	doc, pageURL, err := b.page(ctx, "search", http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	return parseResults(doc, pageURL, b.sel), nil
}

// OpenCase loads a case page. Parties are read from the parties tab when the
// page links to one.
func (b *Browser) OpenCase(ctx context.Context, caseURL string) (CasePage, error) {
	doc, pageURL, err := b.page(ctx, "open case", http.MethodGet, caseURL, nil)
	if err != nil {
		return CasePage{}, err
	}
	cp := parseCasePage(doc, pageURL, b.sel)

	if tab := findFirst(doc, byClass(b.sel.PartiesTab)); tab != nil && attr(tab, "href") != "" && len(cp.Parties) == 0 {
		tabURL := resolveAgainst(pageURL, attr(tab, "href"))
		tabDoc, _, err := b.page(ctx, "parties tab", http.MethodGet, tabURL, nil)
		if err != nil {
			return CasePage{}, err
		}
		cp.Parties = parseParties(tabDoc, b.sel)
	}
	return cp, nil
}

// Download starts a document transfer. The caller must close the body.
func (b *Browser) Download(ctx context.Context, docURL string) (io.ReadCloser, error) {
	resp, err := b.do(ctx, "download", http.MethodGet, docURL, nil)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

func hiddenInputs(doc *html.Node) url.Values {
	v := url.Values{}
	for _, n := range findAll(doc, func(n *html.Node) bool {
		return n.Type == html.ElementNode && n.Data == "input" && attr(n, "type") == "hidden"
	}) {
		if name := attr(n, "name"); name != "" {
			v.Set(name, attr(n, "value"))
		}
	}
	return v
}

func resolveAgainst(base *url.URL, ref string) string {
	u, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return base.ResolveReference(u).String()
}
