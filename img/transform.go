package img

import (
	"fmt"
	"image"

	"golang.org/x/image/draw"
)

// PreprocDict has the input image settings for the classifier
type PreprocDict struct {
	ImageHeight int
	ImageWidth  int
	NumChannels int
}

// OriginalPreprocDict returns the settings used to train the Kast classifier
func OriginalPreprocDict() PreprocDict {
	return PreprocDict{ImageHeight: 210, ImageWidth: 650, NumChannels: 1}
}

// Shape returns the network input shape: height, width, channels
func (p PreprocDict) Shape() []int {
	return []int{p.ImageHeight, p.ImageWidth, p.NumChannels}
}

// Preprocess converts the image to gray scale and resizes it to the configured shape using bilinear interpolation.
func Preprocess(src image.Image, p PreprocDict) (*GrayImage, error) {
	if p.NumChannels != 1 {
		return nil, fmt.Errorf("only single channel images are supported: got %d", p.NumChannels)
	}
	if p.ImageHeight < 1 || p.ImageWidth < 1 {
		return nil, fmt.Errorf("invalid image size %dx%d", p.ImageWidth, p.ImageHeight)
	}
	sb := src.Bounds()
	if sb.Dx() == p.ImageWidth && sb.Dy() == p.ImageHeight {
		return ToGray(src), nil
	}
	dst := image.NewGray16(image.Rect(0, 0, p.ImageWidth, p.ImageHeight))
	draw.BiLinear.Scale(dst, dst.Bounds(), src, sb, draw.Src, nil)
	m := NewGray(p.ImageWidth, p.ImageHeight)
	for x := 0; x < m.Width; x++ {
		for y := 0; y < m.Height; y++ {
			m.Pix[y+x*m.Height] = float32(dst.Gray16At(x, y).Y) / 0xffff
		}
	}
	return m, nil
}

// Flip returns a copy of the image mirrored left to right if horiz is set and top to bottom if vert is set.
func Flip(src *GrayImage, horiz, vert bool) *GrayImage {
	dst := NewGray(src.Width, src.Height)
	h := src.Height
	for x := 0; x < src.Width; x++ {
		sx := x
		if horiz {
			sx = src.Width - 1 - x
		}
		col := src.Pix[sx*h : (sx+1)*h]
		out := dst.Pix[x*h : (x+1)*h]
		if vert {
			for y := range out {
				out[y] = col[h-1-y]
			}
		} else {
			copy(out, col)
		}
	}
	return dst
}

// Frames returns the four views of one exposure which are classified together:
// the original, flipped horizontally, flipped vertically and flipped both ways.
func Frames(src *GrayImage) []*GrayImage {
	return []*GrayImage{
		src,
		Flip(src, true, false),
		Flip(src, false, true),
		Flip(src, true, true),
	}
}

// Augment expands a training set by replacing each image with its four flipped views.
func Augment(images []*GrayImage, labels []int32) ([]*GrayImage, []int32) {
	outImages := make([]*GrayImage, 0, 4*len(images))
	outLabels := make([]int32, 0, 4*len(labels))
	for i, m := range images {
		for _, frame := range Frames(m) {
			outImages = append(outImages, frame)
			outLabels = append(outLabels, labels[i])
		}
	}
	return outImages, outLabels
}
