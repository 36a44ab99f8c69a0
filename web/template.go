package web

import (
	"embed"
	"fmt"
	"html/template"
	"net/http"
	"strings"

	"github.com/cyclopcam/logs"
	"github.com/gorilla/securecookie"
	"github.com/gorilla/sessions"
)

//go:embed templates/*.html
var templateFS embed.FS

const sessionName = "spit"

// Template and main menu definition
type Templates struct {
	*template.Template
	Menu    []Link
	Options []Link
	store   sessions.Store
	log     logs.Log
}

type Link struct {
	Url      string
	Name     string
	Selected bool
	Submit   bool
}

// Parse the embedded templates and initialise the main menu.
// If sessionKey is nil then a random key is used.
func NewTemplates(log logs.Log, sessionKey []byte) (*Templates, error) {
	var err error
	t := &Templates{Menu: []Link{}, Options: []Link{}, log: log}
	t.Template, err = template.New("").Funcs(template.FuncMap{
		"add": func(a, b int) int { return a + b },
	}).ParseFS(templateFS, "templates/*.html")
	if err != nil {
		return nil, err
	}
	if sessionKey == nil {
		sessionKey = securecookie.GenerateRandomKey(32)
	}
	t.store = sessions.NewCookieStore(sessionKey)
	for _, name := range []string{"train", "classify", "images", "config"} {
		t.AddMenuItem(Link{Name: name, Url: "/" + name})
	}
	return t, nil
}

func (t *Templates) Clone() *Templates {
	return &Templates{
		Template: t.Template,
		Menu:     append([]Link{}, t.Menu...),
		Options:  append([]Link{}, t.Options...),
		store:    t.store,
		log:      t.log,
	}
}

func (t *Templates) Select(url string) *Templates {
	for i, key := range t.Menu {
		t.Menu[i].Selected = strings.HasPrefix(url, key.Url)
	}
	return t
}

func (t *Templates) AddMenuItem(l Link) *Templates {
	t.Menu = append(t.Menu, l)
	return t
}

func (t *Templates) AddOption(l Link) *Templates {
	t.Options = append(t.Options, l)
	return t
}

// Exec renders the named template with the given page data
func (t *Templates) Exec(w http.ResponseWriter, name string, data interface{}) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := t.ExecuteTemplate(w, name, data); err != nil {
		t.logError(w, err)
	}
}

// AddFlash stores a message to be shown on the next page load
func (t *Templates) AddFlash(w http.ResponseWriter, r *http.Request, msg string) {
	session, _ := t.store.Get(r, sessionName)
	session.AddFlash(msg)
	if err := session.Save(r, w); err != nil {
		t.log.Errorf("saving session: %v", err)
	}
}

// Flashes returns and clears the pending messages
func (t *Templates) Flashes(w http.ResponseWriter, r *http.Request) []string {
	session, _ := t.store.Get(r, sessionName)
	var msgs []string
	for _, f := range session.Flashes() {
		msgs = append(msgs, fmt.Sprint(f))
	}
	if len(msgs) > 0 {
		if err := session.Save(r, w); err != nil {
			t.log.Errorf("saving session: %v", err)
		}
	}
	return msgs
}

func (t *Templates) logError(w http.ResponseWriter, err error) {
	t.log.Errorf("%v", err)
	http.Error(w, fmt.Sprint(err), http.StatusInternalServerError)
}
