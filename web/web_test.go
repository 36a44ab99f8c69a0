package web

import (
	"bytes"
	"encoding/json"
	"image"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/gorilla/websocket"
	"github.com/pypeit/spit/img"
	"github.com/pypeit/spit/spit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func testNetwork(t *testing.T) *Network {
	log := logs.NewTestingLog(t)
	labels := spit.KastLabelDict()
	preproc := img.PreprocDict{ImageHeight: 20, ImageWidth: 24, NumChannels: 1}
	clf, err := spit.New(log, labels, preproc, spit.KastClassifyDict(labels), spit.Options{BatchSize: 4, MaxEpoch: 2, RandSeed: 7})
	require.NoError(t, err)
	t.Cleanup(clf.Release)
	data := map[string]*img.Data{}
	for key, n := range map[string]int{"train": 8, "valid": 4, "test": 4} {
		var images []*img.GrayImage
		var lab []int32
		for i := 0; i < n; i++ {
			m := img.NewGray(24, 20)
			label := int32(i % 2 * 3)
			for j := range m.Pix {
				m.Pix[j] = 0.1 + 0.2*float32(label)
			}
			images = append(images, m)
			lab = append(lab, label)
		}
		data[key], err = clf.NewData(images, lab)
		require.NoError(t, err)
	}
	return NewNetwork(log, clf, data, t.TempDir())
}

func testServer(t *testing.T, opts Options) (*Network, *httptest.Server) {
	net := testNetwork(t)
	r, err := NewRouter(logs.NewTestingLog(t), net, opts)
	require.NoError(t, err)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return net, srv
}

func pngUpload(t *testing.T) (*bytes.Buffer, string) {
	m := image.NewGray(image.Rect(0, 0, 48, 40))
	for i := range m.Pix {
		m.Pix[i] = 100
	}
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	part, err := w.CreateFormFile("image", "frame.png")
	require.NoError(t, err)
	require.NoError(t, png.Encode(part, m))
	require.NoError(t, w.Close())
	return &body, w.FormDataContentType()
}

func get(t *testing.T, client *http.Client, url string) (*http.Response, string) {
	resp, err := client.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	var buf bytes.Buffer
	buf.ReadFrom(resp.Body)
	return resp, buf.String()
}

func TestClassifyAPI(t *testing.T) {
	_, srv := testServer(t, Options{})
	body, ctype := pngUpload(t)
	resp, err := http.Post(srv.URL+"/api/classify", ctype, body)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var res spit.Result
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&res))
	assert.Contains(t, []string{"bias", "science", "standard", "arc", "flat"}, res.Frame)
	assert.Len(t, res.Votes, 4)

	resp2, err := http.Post(srv.URL+"/api/classify", "text/plain", strings.NewReader("junk"))
	require.NoError(t, err)
	resp2.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp2.StatusCode)
}

func TestClassifyPage(t *testing.T) {
	_, srv := testServer(t, Options{})
	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	client := &http.Client{Jar: jar}

	resp, html := get(t, client, srv.URL+"/classify")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, html, `name="image"`)

	body, ctype := pngUpload(t)
	resp, err = client.Post(srv.URL+"/classify", ctype, body)
	require.NoError(t, err)
	var buf bytes.Buffer
	buf.ReadFrom(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, buf.String(), "Input image frame.png is classified as a")

	// flash is only shown once
	_, html = get(t, client, srv.URL+"/classify")
	assert.NotContains(t, html, "is classified as a")
}

func TestTrain(t *testing.T) {
	net, srv := testServer(t, Options{})
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	// wait for the connection to be registered
	require.Eventually(t, func() bool {
		net.connMu.Lock()
		defer net.connMu.Unlock()
		return len(net.conns) == 1
	}, time.Second, 10*time.Millisecond)

	resp, html := get(t, http.DefaultClient, srv.URL+"/train/start")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, html, "epoch")

	var msgs []string
	conn.SetReadDeadline(time.Now().Add(time.Minute))
	for len(msgs) == 0 || msgs[len(msgs)-1] != "done" {
		_, msg, err := conn.ReadMessage()
		require.NoError(t, err)
		msgs = append(msgs, string(msg))
	}
	assert.Equal(t, []string{"epoch:1", "epoch:2", "done"}, msgs)
	net.Wait()
	assert.False(t, net.Running())
	assert.Len(t, net.Stats, 2)
	assert.Len(t, net.Pred["train"], 8)
	assert.FileExists(t, net.ModelDir+"/"+spit.BestModel)

	_, html = get(t, http.DefaultClient, srv.URL+"/stats")
	assert.Contains(t, html, "valid error")

	resp, svg := get(t, http.DefaultClient, srv.URL+"/plot/error.svg")
	assert.Equal(t, "image/svg+xml", resp.Header.Get("Content-Type"))
	assert.Contains(t, svg, "<svg")
	resp, _ = get(t, http.DefaultClient, srv.URL+"/plot/other.svg")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestModelBusy(t *testing.T) {
	net := testNetwork(t)
	net.model.Lock()
	err := net.WithModel(func(*spit.Classifier) error { return nil })
	assert.ErrorIs(t, err, ErrBusy)
	net.model.Unlock()
	assert.NoError(t, net.WithModel(func(*spit.Classifier) error { return nil }))
}

func TestTrainWaitsForModel(t *testing.T) {
	net := testNetwork(t)
	net.model.RLock()
	started := make(chan error, 1)
	go func() { started <- net.Train() }()
	// page state is still readable while train waits for the classify request
	require.Eventually(t, net.Running, time.Second, 10*time.Millisecond)
	assert.Contains(t, string(net.heading()), "epoch")
	assert.ErrorIs(t, net.Train(), ErrRunning)
	net.model.RUnlock()
	require.NoError(t, <-started)
	net.Wait()
	assert.False(t, net.Running())
	assert.Len(t, net.statsCopy(), 2)
}

func TestImages(t *testing.T) {
	_, srv := testServer(t, Options{})
	resp, html := get(t, http.DefaultClient, srv.URL+"/images/train/1")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, html, "/img/train/8")

	resp, data := get(t, http.DefaultClient, srv.URL+"/img/train/1")
	assert.Equal(t, "image/png", resp.Header.Get("Content-Type"))
	m, err := png.Decode(strings.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 24, 20), m.Bounds())

	resp, _ = get(t, http.DefaultClient, srv.URL+"/img/train/99")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = get(t, http.DefaultClient, srv.URL+"/images/other/1")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestConfig(t *testing.T) {
	net, srv := testServer(t, Options{})
	resp, html := get(t, http.DefaultClient, srv.URL+"/config")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, html, "MaxEpoch")
	assert.Contains(t, html, "conv")

	resp, err := http.PostForm(srv.URL+"/config/save", url.Values{"MaxEpoch": {"5"}, "StopAfter": {"3"}, "Shuffle": {"true"}})
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 5, net.Model.MaxEpoch)
	assert.Equal(t, 3, net.Model.StopAfter)

	resp, err = http.PostForm(srv.URL+"/config/save", url.Values{"MaxEpoch": {"five"}})
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, 5, net.Model.MaxEpoch)
}

func TestConfigSaveBusy(t *testing.T) {
	net, srv := testServer(t, Options{})
	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	client := &http.Client{Jar: jar}

	net.model.RLock()
	resp, err := client.PostForm(srv.URL+"/config/save", url.Values{"MaxEpoch": {"9"}})
	net.model.RUnlock()
	require.NoError(t, err)
	var buf bytes.Buffer
	buf.ReadFrom(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, buf.String(), ErrBusy.Error())
	assert.Equal(t, 2, net.Model.MaxEpoch)

	resp, err = client.PostForm(srv.URL+"/config/save", url.Values{"MaxEpoch": {"9"}})
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, 9, net.Model.MaxEpoch)
}

func TestAuth(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("secret"), bcrypt.MinCost)
	require.NoError(t, err)
	_, srv := testServer(t, Options{User: "admin", PasswordHash: hash})

	resp, _ := get(t, http.DefaultClient, srv.URL+"/classify")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, _ := http.NewRequest("GET", srv.URL+"/classify", nil)
	req.SetBasicAuth("admin", "wrong")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	client := &http.Client{Jar: jar}
	req, _ = http.NewRequest("GET", srv.URL+"/classify", nil)
	req.SetBasicAuth("admin", "secret")
	resp, err = client.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// cookie is used for later requests
	resp, _ = get(t, client, srv.URL+"/config")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
