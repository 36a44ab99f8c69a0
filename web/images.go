package web

import (
	"fmt"
	"html/template"
	"net/http"
	"strconv"

	"github.com/fogleman/gg"
	"github.com/gorilla/mux"
	"github.com/pypeit/spit/nnet"
)

type ImagePage struct {
	*Templates
	Dset    string
	Page    int
	Pages   int
	Errors  bool
	Items   []ImageItem
	Width   int
	Height  int
	Sets    []Link
	net     *Network
	perPage int
}

type ImageItem struct {
	Index int
	Label string
	Url   string
	Error bool
}

// Base data for handler functions to view the input image data sets.
// Images are scaled by the given factor and shown perPage at a time.
func NewImagePage(t *Templates, net *Network, scale float64, perPage int) *ImagePage {
	p := &ImagePage{net: net, perPage: perPage}
	p.Templates = t.Select("/images")
	if d, ok := net.Data["train"]; ok {
		dims := d.Shape()
		p.Width = int(float64(dims[1]) * scale)
		p.Height = int(float64(dims[0]) * scale)
	}
	for _, key := range nnet.DataTypes {
		if _, ok := net.Data[key]; ok {
			p.Sets = append(p.Sets, Link{Name: key, Url: "/images/" + key + "/1"})
		}
	}
	return p
}

// Handler function for the image grid, if the errors query parameter is set then only misclassified images are shown.
func (p *ImagePage) Base() func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		vars := mux.Vars(r)
		page := *p
		page.Dset = vars["dset"]
		page.Page, _ = strconv.Atoi(vars["page"])
		page.Errors = r.FormValue("errors") != ""
		data, ok := p.net.Data[page.Dset]
		if !ok {
			http.NotFound(w, r)
			return
		}
		page.Sets = append([]Link{}, p.Sets...)
		for i := range page.Sets {
			page.Sets[i].Selected = page.Sets[i].Name == page.Dset
		}
		var index []int
		p.net.Lock()
		pred := p.net.Pred[page.Dset]
		p.net.Unlock()
		for i, label := range data.Labels {
			if !page.Errors || (pred != nil && pred[i] != label) {
				index = append(index, i)
			}
		}
		page.Pages = max(1, (len(index)+p.perPage-1)/p.perPage)
		page.Page = min(max(page.Page, 1), page.Pages)
		start := (page.Page - 1) * p.perPage
		for _, i := range index[min(start, len(index)):min(start+p.perPage, len(index))] {
			item := ImageItem{Index: i + 1, Url: fmt.Sprintf("/img/%s/%d", page.Dset, i+1)}
			item.Label = data.Class[data.Labels[i]]
			if pred != nil && pred[i] != data.Labels[i] {
				item.Error = true
				item.Label += " => " + data.Class[pred[i]]
			}
			page.Items = append(page.Items, item)
		}
		p.Exec(w, "images", &page)
	}
}

// Handler function for the image data in png format, misclassified images have a red border
func (p *ImagePage) Image() func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		vars := mux.Vars(r)
		dset := vars["dset"]
		id, _ := strconv.Atoi(vars["id"])
		data, ok := p.net.Data[dset]
		if !ok || id < 1 || id > data.Len() {
			http.NotFound(w, r)
			return
		}
		m := data.Image(id - 1)
		dc := gg.NewContextForImage(m)
		p.net.Lock()
		pred := p.net.Pred[dset]
		p.net.Unlock()
		if pred != nil && pred[id-1] != data.Labels[id-1] {
			dc.SetRGB(1, 0, 0)
			dc.SetLineWidth(4)
			dc.DrawRectangle(0, 0, float64(m.Width), float64(m.Height))
			dc.Stroke()
		}
		w.Header().Set("Content-Type", "image/png")
		if err := dc.EncodePNG(w); err != nil {
			p.log.Errorf("encoding image: %v", err)
		}
	}
}

func (p *ImagePage) Heading() template.HTML {
	return p.net.heading()
}
