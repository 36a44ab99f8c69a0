package web

import (
	"net/http"

	"github.com/cyclopcam/logs"
	"github.com/gorilla/mux"
)

const (
	imageScale   = 0.5
	imagesByPage = 24
)

// Options for the web server
type Options struct {
	// If User is set then requests must authenticate with this user and password
	User         string
	PasswordHash []byte
	SessionKey   []byte
}

// NewRouter sets up the handlers for the training, image, config and classify pages.
func NewRouter(log logs.Log, net *Network, opts Options) (*mux.Router, error) {
	t, err := NewTemplates(log, opts.SessionKey)
	if err != nil {
		return nil, err
	}
	trainPage := NewTrainPage(t.Clone(), net)
	classifyPage := NewClassifyPage(t.Clone(), net)
	imagePage := NewImagePage(t.Clone(), net, imageScale, imagesByPage)
	configPage := NewConfigPage(t.Clone(), net)

	r := mux.NewRouter()
	r.Handle("/", http.RedirectHandler("/train/stats", http.StatusFound))

	r.Handle("/train", http.RedirectHandler("/train/stats", http.StatusFound))
	r.HandleFunc("/train/{cmd:(?:stats|start|stop)}", trainPage.Base())
	r.HandleFunc("/stats", trainPage.Stats())
	r.HandleFunc("/ws", trainPage.Websocket())
	r.HandleFunc("/plot/{name}.svg", trainPage.Plot())

	r.HandleFunc("/classify", classifyPage.Base()).Methods("GET", "POST")
	r.HandleFunc("/api/classify", classifyPage.API()).Methods("POST")

	r.Handle("/images", http.RedirectHandler("/images/train/1", http.StatusFound))
	r.HandleFunc("/images/{dset}/{page:[0-9]+}", imagePage.Base())
	r.HandleFunc("/img/{dset}/{id:[0-9]+}", imagePage.Image())

	r.HandleFunc("/config", configPage.Base())
	r.HandleFunc("/config/save", configPage.Save()).Methods("POST")

	if opts.User != "" {
		r.Use(NewAuthMiddleware(log, opts.User, opts.PasswordHash).Middleware)
	}
	return r, nil
}
