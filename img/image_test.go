package img

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/image/tiff"
)

func printImage(m *GrayImage) string {
	s := make([]string, m.Height)
	for y := range s {
		row := make([]float32, m.Width)
		for x := range row {
			row[x] = m.GrayAt(x, y).Y
		}
		s[y] = fmt.Sprintf("%4.1f", row)
	}
	return strings.Join(s, "\n")
}

// 3x2 image with values 1..6 in row major order
func testImage() *GrayImage {
	m := NewGray(3, 2)
	for y := 0; y < 2; y++ {
		for x := 0; x < 3; x++ {
			m.Pix[y+x*2] = float32(1+x+3*y) / 10
		}
	}
	return m
}

func TestGrayImage(t *testing.T) {
	m := testImage()
	t.Logf("\n%s", printImage(m))
	assert.Equal(t, image.Rect(0, 0, 3, 2), m.Bounds())
	assert.Equal(t, []float32{0.1, 0.4, 0.2, 0.5, 0.3, 0.6}, m.Pix)
	assert.Equal(t, Gray{}, m.GrayAt(5, 5))
	m.Set(0, 0, color.Gray{Y: 255})
	assert.InDelta(t, 1.0, m.GrayAt(0, 0).Y, 1e-6)
	r, _, _, a := Gray{Y: 2}.RGBA()
	assert.Equal(t, uint32(0xffff), r)
	assert.Equal(t, uint32(0xffff), a)
}

func TestFlip(t *testing.T) {
	m := testImage()
	h := Flip(m, true, false)
	assert.Equal(t, []float32{0.3, 0.6, 0.2, 0.5, 0.1, 0.4}, h.Pix)
	v := Flip(m, false, true)
	assert.Equal(t, []float32{0.4, 0.1, 0.5, 0.2, 0.6, 0.3}, v.Pix)
	hv := Flip(m, true, true)
	assert.Equal(t, []float32{0.6, 0.3, 0.5, 0.2, 0.4, 0.1}, hv.Pix)
	assert.Equal(t, m.Pix, Flip(hv, true, true).Pix)
}

func TestFrames(t *testing.T) {
	m := testImage()
	frames := Frames(m)
	require.Len(t, frames, 4)
	assert.Same(t, m, frames[0])
	assert.Equal(t, Flip(m, true, false).Pix, frames[1].Pix)
	assert.Equal(t, Flip(m, false, true).Pix, frames[2].Pix)
	assert.Equal(t, Flip(m, true, true).Pix, frames[3].Pix)

	images, labels := Augment([]*GrayImage{m, m}, []int32{3, 1})
	assert.Len(t, images, 8)
	assert.Equal(t, []int32{3, 3, 3, 3, 1, 1, 1, 1}, labels)
}

func TestPreprocess(t *testing.T) {
	src := image.NewGray(image.Rect(0, 0, 40, 30))
	for i := range src.Pix {
		src.Pix[i] = 128
	}
	p := PreprocDict{ImageHeight: 10, ImageWidth: 20, NumChannels: 1}
	m, err := Preprocess(src, p)
	require.NoError(t, err)
	assert.Equal(t, 20, m.Width)
	assert.Equal(t, 10, m.Height)
	for _, v := range m.Pix {
		assert.InDelta(t, 128.0/255, v, 1e-3)
	}
	assert.Equal(t, []int{10, 20, 1}, p.Shape())

	// already the right size
	same, err := Preprocess(m, p)
	require.NoError(t, err)
	assert.Same(t, m, same)

	_, err = Preprocess(src, PreprocDict{ImageHeight: 10, ImageWidth: 20, NumChannels: 3})
	assert.Error(t, err)
	_, err = Preprocess(src, PreprocDict{NumChannels: 1})
	assert.Error(t, err)
	assert.Equal(t, PreprocDict{ImageHeight: 210, ImageWidth: 650, NumChannels: 1}, OriginalPreprocDict())
}

func TestDecode(t *testing.T) {
	src := image.NewGray(image.Rect(0, 0, 4, 3))
	src.SetGray(1, 2, color.Gray{Y: 255})
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, src))
	m, err := Decode(&buf)
	require.NoError(t, err)
	assert.Equal(t, 4, m.Width)
	assert.Equal(t, 3, m.Height)
	assert.InDelta(t, 1.0, m.GrayAt(1, 2).Y, 1e-6)
	assert.InDelta(t, 0.0, m.GrayAt(2, 1).Y, 1e-6)

	_, err = Decode(strings.NewReader("not an image"))
	assert.Error(t, err)
}

func TestLoadTIFF(t *testing.T) {
	src := image.NewGray16(image.Rect(0, 0, 5, 5))
	src.SetGray16(2, 3, color.Gray16{Y: 0x8000})
	path := filepath.Join(t.TempDir(), "frame.tiff")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, tiff.Encode(f, src, nil))
	require.NoError(t, f.Close())

	m, err := Load(path)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, m.GrayAt(2, 3).Y, 1e-3)

	_, err = Load(filepath.Join(t.TempDir(), "missing.png"))
	assert.Error(t, err)
}

func TestData(t *testing.T) {
	a, b := testImage(), Flip(testImage(), true, false)
	_, err := NewData([]string{"bias", "arc"}, []int32{0}, []*GrayImage{a, b})
	assert.Error(t, err)
	_, err = NewData([]string{"bias", "arc"}, []int32{0, 2}, []*GrayImage{a, b})
	assert.Error(t, err)
	_, err = NewData([]string{"bias", "arc"}, []int32{0, 1}, []*GrayImage{a, NewGray(2, 2)})
	assert.Error(t, err)

	d, err := NewData([]string{"bias", "arc"}, []int32{1, 0}, []*GrayImage{a, b})
	require.NoError(t, err)
	assert.Equal(t, 2, d.Len())
	assert.Equal(t, []int{2, 3, 1}, d.Shape())
	assert.Equal(t, []int{1, 1}, d.ClassCounts())

	labels := make([]int32, 2)
	d.Label([]int{1, 0}, labels)
	assert.Equal(t, []int32{0, 1}, labels)
	buf := make([]float32, 12)
	d.Input([]int{1, 0}, buf)
	assert.Equal(t, append(append([]float32{}, b.Pix...), a.Pix...), buf)

	assert.Same(t, b, d.Image(1))

	mean, std := GetStats(d.Images)
	assert.InDelta(t, 0.35, mean[0], 1e-6)
	assert.InDelta(t, 0.178377, std[0], 1e-5)
}
