package web

import (
	"bytes"
	"fmt"
	"html/template"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/pypeit/spit/nnet"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
)

const (
	plotWidth  = 500
	plotHeight = 300
	statsRows  = 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

type TrainPage struct {
	*Templates
	net *Network
}

// Base data for handler functions to perform network training and display the stats
func NewTrainPage(t *Templates, net *Network) *TrainPage {
	p := &TrainPage{net: net}
	p.Templates = t.Select("/train")
	p.AddOption(Link{Name: "start", Url: "/train/start"})
	p.AddOption(Link{Name: "stop", Url: "/train/stop"})
	return p
}

// Handler function for the train template
func (p *TrainPage) Base() func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		switch mux.Vars(r)["cmd"] {
		case "start":
			if err := p.net.Train(); err != nil {
				p.log.Warnf("skip start: %v", err)
			}
			http.Redirect(w, r, "/train/stats", http.StatusFound)
		case "stop":
			p.net.Stop()
			http.Redirect(w, r, "/train/stats", http.StatusFound)
		default:
			p.Exec(w, "train", p)
		}
	}
}

// Handler function for the stats frame
func (p *TrainPage) Stats() func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		p.Exec(w, "stats", p)
	}
}

// Handler function for websocket connection, a message is sent at the end of each epoch
func (p *TrainPage) Websocket() func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			p.log.Errorf("websocket upgrade: %v", err)
			return
		}
		p.net.addConn(conn)
	}
}

// Handler function for the loss and error plots in svg format
func (p *TrainPage) Plot() func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		var plt *plot.Plot
		switch mux.Vars(r)["name"] {
		case "loss":
			plt = p.lossPlot()
		case "error":
			plt = p.errorPlot()
		default:
			http.NotFound(w, r)
			return
		}
		var buf bytes.Buffer
		if err := writePlot(&buf, plt, plotWidth, plotHeight); err != nil {
			p.logError(w, err)
			return
		}
		w.Header().Set("Content-Type", "image/svg+xml")
		w.Write(buf.Bytes())
	}
}

func (p *TrainPage) Heading() template.HTML {
	return p.net.heading()
}

func (p *TrainPage) Headers() []string {
	return p.net.Headers
}

func (p *TrainPage) LatestStats() []nnet.Stats {
	return p.net.LatestStats(statsRows)
}

func (p *TrainPage) RunTime() string {
	stats := p.net.LatestStats(1)
	if len(stats) == 0 {
		return ""
	}
	return fmt.Sprintf("run time: %s", stats[0].Elapsed.Round(10*time.Millisecond))
}

func (p *TrainPage) lossPlot() *plot.Plot {
	plt := newPlot()
	line := newLinePlot(p.net.statsCopy(), 0, 1)
	plt.Add(line)
	plt.Legend.Add("training loss ", line)
	return plt
}

func (p *TrainPage) errorPlot() *plot.Plot {
	plt := newPlot()
	stats := p.net.statsCopy()
	for i, name := range p.Headers()[1:] {
		line := newLinePlot(stats, i+1, 100)
		plt.Add(line)
		plt.Legend.Add(name+" % ", line)
	}
	return plt
}

func newPlot() *plot.Plot {
	p := plot.New()
	p.X.Padding, p.Y.Padding = 0, 0
	p.X.Tick.Label.Font.Size = vg.Points(10)
	p.Y.Tick.Label.Font.Size = vg.Points(10)
	p.X.Label.Text = "epoch"
	p.Legend.Top = true
	p.Legend.TextStyle.Font.Size = vg.Points(12)
	p.Add(plotter.NewGrid())
	return p
}

func writePlot(buf *bytes.Buffer, p *plot.Plot, w, h int) error {
	writer, err := p.WriterTo(vg.Points(float64(w)), vg.Points(float64(h)), "svg")
	if err != nil {
		return err
	}
	_, err = writer.WriteTo(buf)
	return err
}

func newLinePlot(stats []nnet.Stats, ix int, scale float64) linePlot {
	var pts plotter.XYs
	xmax, ymax := 1.0, 0.0
	for _, s := range stats {
		if ix >= len(s.Values) {
			continue
		}
		pt := plotter.XY{X: float64(s.Epoch), Y: s.Values[ix] * scale}
		pts = append(pts, pt)
		xmax = max(xmax, pt.X)
		ymax = max(ymax, pt.Y)
	}
	l := &plotter.Line{XYs: pts}
	l.LineStyle = plotter.DefaultLineStyle
	l.Width = 2
	l.Color = plotutil.Color(ix)
	return linePlot{Line: l, xmin: 1, xmax: xmax, ymin: 0, ymax: ymax}
}

// modified plotter.Line with a fixed scale
type linePlot struct {
	*plotter.Line
	xmin, xmax, ymin, ymax float64
}

func (l linePlot) DataRange() (xmin, xmax, ymin, ymax float64) {
	return l.xmin, l.xmax, l.ymin, l.ymax
}
