package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"net/http"

	"github.com/pypeit/spit/img"
	"github.com/pypeit/spit/spit"
)

const maxUpload = 32 << 20

type ClassifyPage struct {
	*Templates
	Messages []string
	net      *Network
}

// Base data for handler functions to classify uploaded frames
func NewClassifyPage(t *Templates, net *Network) *ClassifyPage {
	p := &ClassifyPage{net: net}
	p.Templates = t.Select("/classify")
	return p
}

// Handler function for the upload form. A POST classifies the image and redirects back to the form with the result.
func (p *ClassifyPage) Base() func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			name, res, err := p.classify(r)
			if err != nil {
				p.AddFlash(w, r, fmt.Sprintf("Error: %v", err))
			} else {
				p.AddFlash(w, r, fmt.Sprintf("Input image %s is classified as a %s", name, res.Frame))
			}
			http.Redirect(w, r, "/classify", http.StatusSeeOther)
			return
		}
		page := *p
		page.Messages = p.Flashes(w, r)
		p.Exec(w, "classify", &page)
	}
}

// Handler function for the JSON API
func (p *ClassifyPage) API() func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		_, res, err := p.classify(r)
		w.Header().Set("Content-Type", "application/json")
		if err != nil {
			status := http.StatusBadRequest
			if errors.Is(err, ErrBusy) {
				status = http.StatusServiceUnavailable
			}
			w.WriteHeader(status)
			json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
			return
		}
		json.NewEncoder(w).Encode(res)
	}
}

func (p *ClassifyPage) Heading() template.HTML {
	return p.net.heading()
}

func (p *ClassifyPage) classify(r *http.Request) (string, spit.Result, error) {
	var res spit.Result
	if err := r.ParseMultipartForm(maxUpload); err != nil {
		return "", res, err
	}
	file, header, err := r.FormFile("image")
	if err != nil {
		return "", res, err
	}
	defer file.Close()
	src, err := img.Decode(file)
	if err != nil {
		return header.Filename, res, err
	}
	err = p.net.WithModel(func(c *spit.Classifier) error {
		res, err = c.ClassifyImage(src)
		return err
	})
	if err == nil {
		p.log.Infof("Input image %s is classified as a %s %v", header.Filename, res.Frame, res.Votes)
	}
	return header.Filename, res, err
}
