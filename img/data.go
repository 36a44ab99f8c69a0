package img

import (
	"encoding/gob"
	"fmt"

	"github.com/pypeit/spit/stats"
)

func init() {
	gob.Register(&Data{})
}

// Image data set which implements the nnet.Data interface
type Data struct {
	DataHead
	Images []*GrayImage
}

type DataHead struct {
	Class  []string
	Dims   []int
	Labels []int32
	Mean   []float32
	StdDev []float32
}

// Create a new image set, all images must be the same size
func NewData(classes []string, labels []int32, images []*GrayImage) (*Data, error) {
	if len(labels) != len(images) {
		return nil, fmt.Errorf("have %d labels for %d images", len(labels), len(images))
	}
	if len(images) == 0 {
		return nil, fmt.Errorf("no images in data set")
	}
	src := images[0]
	for i, m := range images {
		if m.Width != src.Width || m.Height != src.Height {
			return nil, fmt.Errorf("image %d size %dx%d does not match %dx%d", i, m.Width, m.Height, src.Width, src.Height)
		}
	}
	for i, label := range labels {
		if label < 0 || int(label) >= len(classes) {
			return nil, fmt.Errorf("image %d has invalid label %d", i, label)
		}
	}
	return &Data{
		DataHead: DataHead{Class: classes, Dims: []int{src.Height, src.Width, 1}, Labels: labels},
		Images:   images,
	}, nil
}

// Len function returns number of images
func (d *Data) Len() int { return len(d.Labels) }

// Classes functions number of differerent label values
func (d *Data) Classes() []string { return d.Class }

// Shape returns height, width, channels
func (d *Data) Shape() []int { return d.Dims }

// Label returns classification for given images
func (d *Data) Label(index []int, label []int32) {
	for i, ix := range index {
		label[i] = d.Labels[ix]
	}
}

// Input copies the pixel data for the given images to buf
func (d *Data) Input(index []int, buf []float32) {
	nfeat := d.nfeat()
	for i, ix := range index {
		copy(buf[i*nfeat:], d.Images[ix].Pix)
	}
}

// Image returns given image number
func (d *Data) Image(ix int) *GrayImage {
	return d.Images[ix]
}

// Count of images with each label
func (d *Data) ClassCounts() []int {
	counts := make([]int, len(d.Class))
	for _, label := range d.Labels {
		counts[label]++
	}
	return counts
}

func (d *Data) nfeat() int {
	n := 1
	for _, d := range d.Dims {
		n *= d
	}
	return n
}

// Calculate mean and stddev from set of images
func GetStats(imgList ...[]*GrayImage) (mean, std []float32) {
	stat := new(stats.Average)
	for _, images := range imgList {
		for _, m := range images {
			for _, val := range m.Pix {
				stat.Add(float64(val))
			}
		}
	}
	return []float32{float32(stat.Mean)}, []float32{float32(stat.StdDev)}
}
