// Package spit classifies spectrograph frames (bias, science, standard, arc, flat) with a small convolutional network.
package spit

import (
	"fmt"
	"sort"
)

// Frame type labels for the Kast spectrograph
const (
	Bias     int32 = 0
	Science  int32 = 1
	Standard int32 = 2
	Arc      int32 = 3
	Flat     int32 = 4
)

// LabelDict maps frame type name to label value
type LabelDict map[string]int32

// ClassifyDict maps label value back to frame type name
type ClassifyDict map[int32]string

// KastLabelDict returns the labels used for the Kast spectrograph
func KastLabelDict() LabelDict {
	return LabelDict{
		"bias_label":     Bias,
		"science_label":  Science,
		"standard_label": Standard,
		"arc_label":      Arc,
		"flat_label":     Flat,
	}
}

// KastClassifyDict builds the reverse mapping from a label dict, stripping the _label suffix from names.
func KastClassifyDict(labels LabelDict) ClassifyDict {
	c := make(ClassifyDict, len(labels))
	for name, label := range labels {
		c[label] = trimLabel(name)
	}
	return c
}

func trimLabel(name string) string {
	const suffix = "_label"
	if len(name) > len(suffix) && name[len(name)-len(suffix):] == suffix {
		return name[:len(name)-len(suffix)]
	}
	return name
}

// Copy returns a new map with the same entries
func (d LabelDict) Copy() LabelDict {
	c := make(LabelDict, len(d))
	for k, v := range d {
		c[k] = v
	}
	return c
}

// Classes returns the frame names ordered by label value. Labels must be 0 to len(d)-1.
func (d LabelDict) Classes() ([]string, error) {
	classes := make([]string, len(d))
	for name, label := range d {
		if label < 0 || int(label) >= len(d) {
			return nil, fmt.Errorf("label %s=%d out of range: %w", name, label, ErrUnknownLabel)
		}
		if classes[label] != "" {
			return nil, fmt.Errorf("label %d used for %s and %s", label, classes[label], name)
		}
		classes[label] = trimLabel(name)
	}
	return classes, nil
}

// Lookup returns the label for a frame name, with or without the _label suffix
func (d LabelDict) Lookup(name string) (int32, error) {
	if label, ok := d[name]; ok {
		return label, nil
	}
	if label, ok := d[name+"_label"]; ok {
		return label, nil
	}
	return -1, fmt.Errorf("frame type %q: %w", name, ErrUnknownLabel)
}

// Copy returns a new map with the same entries
func (d ClassifyDict) Copy() ClassifyDict {
	c := make(ClassifyDict, len(d))
	for k, v := range d {
		c[k] = v
	}
	return c
}

// Name returns the frame name for a label
func (d ClassifyDict) Name(label int32) (string, error) {
	if name, ok := d[label]; ok {
		return name, nil
	}
	return "", fmt.Errorf("label %d: %w", label, ErrUnknownLabel)
}

// Labels returns the label values in ascending order
func (d ClassifyDict) Labels() []int32 {
	labels := make([]int32, 0, len(d))
	for label := range d {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool { return labels[i] < labels[j] })
	return labels
}
