// Package img contains routines for loading and preparing spectrograph frame images.
package img

import (
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
)

var GrayModel = color.ModelFunc(grayModel)

// Gray color stored a float in range 0-1
type Gray struct {
	Y float32
}

func (c Gray) RGBA() (r, g, b, a uint32) {
	y := clampu(c.Y, 0, 1)
	return y, y, y, 0xffff
}

func grayModel(c color.Color) color.Color {
	if _, ok := c.(Gray); ok {
		return c
	}
	r, g, b, _ := c.RGBA()
	return Gray{Y: 0.299*float32(r)/0xffff + 0.587*float32(g)/0xffff + 0.114*float32(b)/0xffff}
}

// GrayImage type stores the image data as float32 values in column major order.
type GrayImage struct {
	Pix    []float32
	Height int
	Width  int
}

func NewGray(width, height int) *GrayImage {
	return &GrayImage{Pix: make([]float32, height*width), Height: height, Width: width}
}

// ToGray converts any image to a GrayImage with values in range 0-1
func ToGray(src image.Image) *GrayImage {
	if m, ok := src.(*GrayImage); ok {
		return m
	}
	b := src.Bounds()
	dst := NewGray(b.Dx(), b.Dy())
	for x := 0; x < dst.Width; x++ {
		for y := 0; y < dst.Height; y++ {
			dst.Pix[y+x*dst.Height] = grayModel(src.At(b.Min.X+x, b.Min.Y+y)).(Gray).Y
		}
	}
	return dst
}

// Decode an image in any of the registered formats: png, jpeg, gif, tiff or bmp.
func Decode(r io.Reader) (*GrayImage, error) {
	src, format, err := image.Decode(r)
	if err != nil {
		return nil, err
	}
	m := ToGray(src)
	if m.Width == 0 || m.Height == 0 {
		return nil, fmt.Errorf("empty %s image", format)
	}
	return m, nil
}

// Load image from file and convert to grayscale
func Load(path string) (*GrayImage, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	m, err := Decode(f)
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", path, err)
	}
	return m, nil
}

func (m *GrayImage) ColorModel() color.Model {
	return GrayModel
}

func (m *GrayImage) Bounds() image.Rectangle {
	return image.Rect(0, 0, m.Width, m.Height)
}

func (m *GrayImage) GrayAt(x, y int) Gray {
	if x < 0 || x >= m.Width || y < 0 || y >= m.Height {
		return Gray{}
	}
	return Gray{Y: m.Pix[y+x*m.Height]}
}

func (m *GrayImage) At(x, y int) color.Color {
	return m.GrayAt(x, y)
}

func (m *GrayImage) Set(x, y int, c color.Color) {
	if x < 0 || x >= m.Width || y < 0 || y >= m.Height {
		return
	}
	m.Pix[y+x*m.Height] = grayModel(c).(Gray).Y
}

func clampu(x, x0, x1 float32) uint32 {
	return uint32(clamp(x, x0, x1) * 0xffff)
}

func clamp(x, x0, x1 float32) float32 {
	if x < x0 {
		return x0
	}
	if x > x1 {
		return x1
	}
	return x
}
