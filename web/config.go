package web

import (
	"fmt"
	"html/template"
	"net/http"
)

// config settings which can be changed between training runs
var editFields = []string{"MaxEpoch", "StopAfter", "MinLoss", "LogEvery", "Shuffle", "RandSeed", "DebugLevel"}

type ConfigPage struct {
	*Templates
	Fields   []Field
	Layers   []Layer
	Messages []string
	net      *Network
}

type Field struct {
	Name    string
	Value   string
	Error   string
	Boolean bool
	On      bool
	Edit    bool
}

type Layer struct {
	Index int
	Desc  string
}

// Base data for handler functions to view and update the network config
func NewConfigPage(t *Templates, net *Network) *ConfigPage {
	p := &ConfigPage{net: net}
	p.Templates = t.Select("/config")
	p.AddOption(Link{Name: "save", Url: "/config/save", Submit: true})
	return p
}

// Handler function for the config template
func (p *ConfigPage) Base() func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		page := *p
		page.Messages = p.Flashes(w, r)
		p.net.Lock()
		page.Fields = p.getFields(nil)
		page.Layers = p.getLayers()
		p.net.Unlock()
		p.Exec(w, "config", &page)
	}
}

// Handler function for the config form save action
func (p *ConfigPage) Save() func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if !p.net.model.TryLock() {
			p.AddFlash(w, r, ErrBusy.Error())
			http.Redirect(w, r, "/config", http.StatusFound)
			return
		}
		defer p.net.model.Unlock()
		p.net.Lock()
		defer p.net.Unlock()
		if p.net.running {
			p.AddFlash(w, r, ErrRunning.Error())
			http.Redirect(w, r, "/config", http.StatusFound)
			return
		}
		errs := map[string]string{}
		conf := p.net.Model.Config
		for _, name := range editFields {
			val := r.Form.Get(name)
			var err error
			if _, isBool := conf.Get(name).(bool); isBool {
				conf, err = conf.SetBool(name, val == "true")
			} else if val != "" {
				conf, err = conf.SetString(name, val)
			}
			if err != nil {
				errs[name] = "invalid syntax"
			}
		}
		if len(errs) > 0 {
			page := *p
			page.Fields = p.getFields(errs)
			page.Layers = p.getLayers()
			w.WriteHeader(http.StatusBadRequest)
			p.Exec(w, "config", &page)
			return
		}
		p.net.Model.Config = conf
		p.log.Infof("updated config:\n%s", conf)
		http.Redirect(w, r, "/config", http.StatusFound)
	}
}

func (p *ConfigPage) Heading() template.HTML {
	return p.net.heading()
}

func (p *ConfigPage) getFields(errs map[string]string) []Field {
	conf := p.net.Model.Config
	var flds []Field
	for _, key := range conf.Fields() {
		f := Field{Name: key, Value: fmt.Sprint(conf.Get(key)), Error: errs[key]}
		f.On, f.Boolean = conf.Get(key).(bool)
		for _, name := range editFields {
			f.Edit = f.Edit || name == key
		}
		flds = append(flds, f)
	}
	return flds
}

func (p *ConfigPage) getLayers() []Layer {
	layers := make([]Layer, len(p.net.Model.Layers))
	for i, l := range p.net.Model.Layers {
		layers[i].Index = i
		layers[i].Desc = l.ToString()
	}
	return layers
}
