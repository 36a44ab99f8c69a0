package spit

import (
	"fmt"
	"image"
	"strings"

	"github.com/pypeit/spit/img"
	"github.com/pypeit/spit/num"
	"github.com/pypeit/spit/stats"
)

// Result of classifying one exposure
type Result struct {
	Frame string  `json:"frame"`
	Label int32   `json:"label"`
	Votes []int32 `json:"votes"`
}

// PredictOne returns the class probabilities for a single preprocessed image
func (c *Classifier) PredictOne(m *img.GrayImage) ([]float32, error) {
	out, err := c.Model.PredictBatch([][]float32{m.Pix})
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

// GetPrediction classifies the four views of an exposure, see Frames.
func (c *Classifier) GetPrediction(frames []*img.GrayImage) (int32, error) {
	votes, err := c.votes(frames)
	if err != nil {
		return -1, err
	}
	return majority(votes), nil
}

func (c *Classifier) votes(frames []*img.GrayImage) ([]int32, error) {
	if len(frames) != 4 {
		return nil, fmt.Errorf("got %d frames: %w", len(frames), ErrFrameCount)
	}
	samples := make([][]float32, len(frames))
	for i, m := range frames {
		samples[i] = m.Pix
	}
	probs, err := c.Model.PredictBatch(samples)
	if err != nil {
		return nil, err
	}
	votes := make([]int32, len(probs))
	for i, p := range probs {
		votes[i] = int32(num.Argmax(p))
	}
	c.log.Debugf("frame votes %v", votes)
	return votes, nil
}

// Standard frames win if they get two votes, then science frames, then the most common label.
func majority(votes []int32) int32 {
	if stats.Count(votes, Standard) >= 2 {
		return Standard
	}
	if stats.Count(votes, Science) >= 2 {
		return Science
	}
	mode, _ := stats.Mode(votes)
	return mode
}

// ClassifyImage preprocesses an image and returns the predicted frame type
func (c *Classifier) ClassifyImage(src image.Image) (Result, error) {
	m, err := img.Preprocess(src, c.Preproc)
	if err != nil {
		return Result{}, err
	}
	votes, err := c.votes(img.Frames(m))
	if err != nil {
		return Result{}, err
	}
	label := majority(votes)
	name, err := c.Classify.Name(label)
	if err != nil {
		return Result{}, err
	}
	return Result{Frame: name, Label: label, Votes: votes}, nil
}

// ClassifyMe loads an image file and returns the name of the predicted frame type
func (c *Classifier) ClassifyMe(imageFile string, verbose bool) (string, error) {
	src, err := img.Load(imageFile)
	if err != nil {
		return "", err
	}
	res, err := c.ClassifyImage(src)
	if err != nil {
		return "", fmt.Errorf("%s: %w", imageFile, err)
	}
	if verbose {
		c.log.Infof("Input image %s is classified as a %s", imageFile, res.Frame)
	}
	return res.Frame, nil
}

// Accuracy of the model on a labelled data set
type Accuracy struct {
	Correct   int
	Total     int
	Classes   []string
	Confusion [][]int // [actual][predicted]
}

func (a Accuracy) Percent() float64 {
	if a.Total == 0 {
		return 0
	}
	return 100 * float64(a.Correct) / float64(a.Total)
}

func (a Accuracy) String() string {
	return fmt.Sprintf("Accuracy on Test-Set: %.1f%% (%d / %d)", a.Percent(), a.Correct, a.Total)
}

// ConfusionMatrix formats the counts with actual class by row and predicted class by column
func (a Accuracy) ConfusionMatrix() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%10s", "")
	for _, name := range a.Classes {
		fmt.Fprintf(&b, " %9.9s", name)
	}
	for i, row := range a.Confusion {
		fmt.Fprintf(&b, "\n%10.10s", a.Classes[i])
		for _, n := range row {
			fmt.Fprintf(&b, " %9d", n)
		}
	}
	return b.String()
}

// PredictData returns the most probable label for each image in the data set
func (c *Classifier) PredictData(data *img.Data) ([]int32, error) {
	samples := make([][]float32, data.Len())
	for i := range samples {
		samples[i] = data.Image(i).Pix
	}
	probs, err := c.Model.PredictBatch(samples)
	if err != nil {
		return nil, err
	}
	pred := make([]int32, len(probs))
	for i, p := range probs {
		pred[i] = int32(num.Argmax(p))
	}
	return pred, nil
}

// TestAccuracy predicts the class of each image in the data set and logs the accuracy.
func (c *Classifier) TestAccuracy(data *img.Data, confusion bool) (Accuracy, error) {
	acc := Accuracy{Total: data.Len(), Classes: data.Classes()}
	pred, err := c.PredictData(data)
	if err != nil {
		return acc, err
	}
	acc.Confusion = make([][]int, len(acc.Classes))
	for i := range acc.Confusion {
		acc.Confusion[i] = make([]int, len(acc.Classes))
	}
	for i, label := range data.Labels {
		if pred[i] == label {
			acc.Correct++
		}
		if int(pred[i]) < len(acc.Classes) {
			acc.Confusion[label][pred[i]]++
		}
	}
	c.log.Infof("%s", acc)
	if confusion {
		c.log.Infof("Confusion Matrix:\n%s", acc.ConfusionMatrix())
	}
	return acc, nil
}
