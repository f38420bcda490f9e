// Package portaltest runs an in-process portal that speaks the default
// markup contract, for tests of the session, fetch and pipeline packages.
package portaltest

import (
	"fmt"
	"html/template"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kalambet/docketd/internal/portal"
)

type Doc struct {
	Key   string
	Title string
	Cost  string
	Body  []byte
	// FailTimes makes the next n transfers answer 503.
	FailTimes int
	// Status, when set, is returned for every transfer.
	Status int
}

type Case struct {
	Number    string
	Name      string
	Docket    []string
	Parties   []portal.Party
	Documents []Doc
}

type Server struct {
	*httptest.Server

	Email    string
	Password string
	// LoginDelay slows the login POST so concurrent callers overlap.
	LoginDelay time.Duration

	logins    atomic.Int32
	searches  atomic.Int32
	mu        sync.Mutex
	cases     []*Case
	sessions  map[string]bool
	downloads map[string]int
	seq       int
}

// New starts a portal accepting the given credentials. Callers must Close it.
func New(email, password string) *Server {
	s := &Server{
		Email:     email,
		Password:  password,
		sessions:  make(map[string]bool),
		downloads: make(map[string]int),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /login", s.loginPage)
	mux.HandleFunc("POST /login", s.login)
	mux.HandleFunc("GET /dashboard", s.authed(s.dashboard))
	mux.HandleFunc("GET /search", s.authed(s.search))
	mux.HandleFunc("GET /cases/{id}", s.authed(s.casePage))
	mux.HandleFunc("GET /cases/{id}/parties", s.authed(s.partiesPage))
	mux.HandleFunc("GET /docs/download", s.authed(s.download))
	s.Server = httptest.NewServer(mux)
	return s
}

func (s *Server) AddCase(c Case) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cases = append(s.cases, &c)
}

// ExpireSessions forgets every issued session cookie.
func (s *Server) ExpireSessions() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.sessions)
}

// Logins returns the number of successful login submissions.
func (s *Server) Logins() int { return int(s.logins.Load()) }

func (s *Server) Searches() int { return int(s.searches.Load()) }

// Downloads returns the number of completed transfers of key.
func (s *Server) Downloads(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.downloads[key]
}

func (s *Server) authed(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, err := r.Cookie("sid")
		s.mu.Lock()
		ok := err == nil && s.sessions[c.Value]
		s.mu.Unlock()
		if !ok {
			http.Redirect(w, r, "/login", http.StatusFound)
			return
		}
		h(w, r)
	}
}

var loginTmpl = template.Must(template.New("login").Parse(`<html><body>
{{if .}}<div class="login-error">{{.}}</div>{{end}}
<form method="post" action="/login">
<input type="hidden" name="csrf_token" value="tok-123">
<input name="email"><input name="password" type="password">
</form></body></html>`))

func (s *Server) loginPage(w http.ResponseWriter, r *http.Request) {
	loginTmpl.Execute(w, "")
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	if s.LoginDelay > 0 {
		time.Sleep(s.LoginDelay)
	}
	if err := r.ParseForm(); err != nil || r.PostForm.Get("csrf_token") != "tok-123" {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}
	if r.PostForm.Get("email") != s.Email || r.PostForm.Get("password") != s.Password {
		loginTmpl.Execute(w, "Invalid email or password")
		return
	}
	s.logins.Add(1)

	s.mu.Lock()
	s.seq++
	sid := fmt.Sprintf("sid-%d", s.seq)
	s.sessions[sid] = true
	s.mu.Unlock()

	http.SetCookie(w, &http.Cookie{Name: "sid", Value: sid, Path: "/"})
	http.Redirect(w, r, "/dashboard", http.StatusSeeOther)
}

func (s *Server) dashboard(w http.ResponseWriter, r *http.Request) {
	fmt.Fprint(w, `<html><body><div id="dashboard">Welcome</div></body></html>`)
}

var resultsTmpl = template.Must(template.New("results").Parse(`<html><body><ul>
{{range .}}<li><a class="case-result" data-case-number="{{.Number}}" data-case-name="{{.Name}}" href="/cases/{{.ID}}">{{.Name}}</a></li>
{{end}}</ul></body></html>`))

type resultRow struct {
	ID     int
	Number string
	Name   string
}

// search matches a case when the query equals its number or every query
// word appears in its name.
func (s *Server) search(w http.ResponseWriter, r *http.Request) {
	s.searches.Add(1)
	q := strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("q")))

	s.mu.Lock()
	var rows []resultRow
	for i, c := range s.cases {
		if q == "" {
			continue
		}
		if strings.ToUpper(c.Number) == q || containsWords(strings.ToUpper(c.Name), strings.Fields(q)) {
			rows = append(rows, resultRow{ID: i, Number: c.Number, Name: c.Name})
		}
	}
	s.mu.Unlock()
	resultsTmpl.Execute(w, rows)
}

func containsWords(name string, words []string) bool {
	for _, w := range words {
		if !strings.Contains(name, w) {
			return false
		}
	}
	return true
}

var caseTmpl = template.Must(template.New("case").Parse(`<html><body>
<div id="case" data-case-number="{{.Number}}" data-case-name="{{.Name}}">
<a class="parties-tab" href="/cases/{{.ID}}/parties">Parties</a>
<ol>{{range .Docket}}<li class="docket-entry">{{.}}</li>{{end}}</ol>
{{range .Documents}}<div class="document" data-title="{{.Title}}" data-cost="{{.Cost}}"><a class="document-link" href="/docs/download?key={{.Key}}">{{.Title}}</a></div>
{{end}}</div></body></html>`))

var partiesTmpl = template.Must(template.New("parties").Parse(`<html><body><table>
{{range .}}<tr class="party" data-name="{{.Name}}" data-type="{{.Role}}"><td>{{.Name}}</td></tr>
{{end}}</table></body></html>`))

func (s *Server) lookup(r *http.Request) (*Case, int, bool) {
	var id int
	if _, err := fmt.Sscanf(r.PathValue("id"), "%d", &id); err != nil {
		return nil, 0, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if id < 0 || id >= len(s.cases) {
		return nil, 0, false
	}
	return s.cases[id], id, true
}

func (s *Server) casePage(w http.ResponseWriter, r *http.Request) {
	c, id, ok := s.lookup(r)
	if !ok {
		http.NotFound(w, r)
		return
	}
	caseTmpl.Execute(w, struct {
		*Case
		ID int
	}{c, id})
}

func (s *Server) partiesPage(w http.ResponseWriter, r *http.Request) {
	c, _, ok := s.lookup(r)
	if !ok {
		http.NotFound(w, r)
		return
	}
	partiesTmpl.Execute(w, c.Parties)
}

func (s *Server) download(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")

	s.mu.Lock()
	var doc *Doc
	for _, c := range s.cases {
		for i := range c.Documents {
			if c.Documents[i].Key == key {
				doc = &c.Documents[i]
			}
		}
	}
	if doc == nil {
		s.mu.Unlock()
		http.NotFound(w, r)
		return
	}
	if doc.FailTimes > 0 {
		doc.FailTimes--
		s.mu.Unlock()
		http.Error(w, "try again", http.StatusServiceUnavailable)
		return
	}
	if doc.Status != 0 {
		s.mu.Unlock()
		http.Error(w, "nope", doc.Status)
		return
	}
	body := doc.Body
	s.downloads[key]++
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Write(body)
}
