// Package resolver serves the small web surface a person lands on from a
// challenge link. The token in the URL is the sole credential; the page
// collects the secret (or a confirmation click) and hands it to the
// challenge service.
package resolver

import (
	"context"
	"errors"
	"html/template"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/kavitha/snapseat/internal/challenge"
	"github.com/kavitha/snapseat/internal/store"
)

// Resumer re-invokes an attempt once its blocking challenge is resolved.
type Resumer interface {
	Execute(ctx context.Context, planID, caller string) error
}

type Server struct {
	Addr       string
	Challenges *challenge.Service
	Resume     Resumer

	srv *http.Server
}

func New(addr string, challenges *challenge.Service, resume Resumer) *Server {
	return &Server{Addr: addr, Challenges: challenges, Resume: resume}
}

func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/c/", s.handleChallenge)

	s.srv = &http.Server{
		Addr:         s.Addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	log.Printf("Resolution endpoint listening on %s", s.Addr)
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleChallenge(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimPrefix(r.URL.Path, "/c/")
	if token == "" || strings.Contains(token, "/") {
		http.NotFound(w, r)
		return
	}

	switch r.Method {
	case http.MethodGet:
		s.renderForm(w, token)
	case http.MethodPost:
		s.resolve(w, r, token)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) renderForm(w http.ResponseWriter, token string) {
	c, err := s.Challenges.Lookup(token)
	if err != nil || c.Status != store.ChallengePending {
		s.renderGone(w)
		return
	}

	data := pageData{
		Token:   token,
		IsCVV:   c.Kind == store.ChallengeCVV,
		Expires: time.Until(c.ExpiresAt).Round(time.Second).String(),
	}
	render(w, formTmpl, data)
}

func (s *Server) resolve(w http.ResponseWriter, r *http.Request, token string) {
	value := r.FormValue("value")
	if value == "" {
		// The confirm variant carries no secret; any non-empty payload
		// marks it answered.
		value = "confirmed"
	}

	c, err := s.Challenges.Resolve(token, value)
	switch {
	case errors.Is(err, challenge.ErrBadSecret):
		render(w, formTmpl, pageData{Token: token, IsCVV: true, Error: "The code must be 3 or 4 digits."})
		return
	case err != nil:
		s.renderGone(w)
		return
	}

	if s.Resume != nil {
		planID := c.PlanID
		go func() {
			if err := s.Resume.Execute(context.Background(), planID, "resolver"); err != nil {
				log.Printf("Resume after resolution failed for plan %s: %v", planID, err)
			}
		}()
	}

	render(w, doneTmpl, pageData{})
}

func (s *Server) renderGone(w http.ResponseWriter) {
	w.WriteHeader(http.StatusGone)
	render(w, goneTmpl, pageData{})
}

type pageData struct {
	Token   string
	IsCVV   bool
	Expires string
	Error   string
}

func render(w http.ResponseWriter, t *template.Template, data pageData) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := t.Execute(w, data); err != nil {
		log.Printf("Template render failed: %v", err)
	}
}

const pageShell = `<!doctype html>
<html><head><meta name="viewport" content="width=device-width, initial-scale=1">
<title>snapseat</title>
<style>
body { font-family: sans-serif; max-width: 26rem; margin: 4rem auto; padding: 0 1rem; }
input, button { font-size: 1.2rem; padding: 0.5rem; }
.err { color: #b00; }
.muted { color: #666; font-size: 0.9rem; }
</style></head><body>{{block "content" .}}{{end}}</body></html>`

var formTmpl = template.Must(template.Must(template.New("form").Parse(pageShell)).Parse(`
{{define "content"}}
<h2>Finish your registration</h2>
{{if .Error}}<p class="err">{{.Error}}</p>{{end}}
<form method="post" action="/c/{{.Token}}">
{{if .IsCVV}}
<p>Enter the security code for your saved card. It is used once and never stored.</p>
<input type="password" name="value" inputmode="numeric" autocomplete="off" maxlength="4" autofocus>
{{else}}
<p>Confirm that the registration should proceed.</p>
{{end}}
<p><button type="submit">{{if .IsCVV}}Submit{{else}}Confirm{{end}}</button></p>
</form>
{{if .Expires}}<p class="muted">This link expires in {{.Expires}}.</p>{{end}}
{{end}}`))

var doneTmpl = template.Must(template.Must(template.New("done").Parse(pageShell)).Parse(`
{{define "content"}}
<h2>Got it</h2>
<p>The registration will resume now. You can close this page.</p>
{{end}}`))

var goneTmpl = template.Must(template.Must(template.New("gone").Parse(pageShell)).Parse(`
{{define "content"}}
<h2>Link no longer valid</h2>
<p>This link has expired or was already used. If the registration still
needs you, a fresh link will arrive the same way this one did.</p>
{{end}}`))
