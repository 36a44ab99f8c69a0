package spit

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"

	"github.com/cyclopcam/logs"
	"github.com/pypeit/spit/img"
	"github.com/pypeit/spit/nnet"
	"golang.org/x/sync/errgroup"
)

// DataFile returns the data set name for the given split as passed to nnet.LoadDataFile
func DataFile(split string) string {
	return "spit_" + split
}

// LoadImages reads the labelled images under dir/<frame>/. Directories which do not name a frame type are skipped.
// Files which cannot be decoded are logged and skipped.
func LoadImages(log logs.Log, dir string, labels LabelDict, preproc img.PreprocDict) ([]*img.GrayImage, []int32, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, nil, err
	}
	type item struct {
		path  string
		label int32
	}
	var items []item
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		label, err := labels.Lookup(e.Name())
		if err != nil {
			log.Warnf("skipping directory %s: %v", filepath.Join(dir, e.Name()), err)
			continue
		}
		files, err := os.ReadDir(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, nil, err
		}
		for _, f := range files {
			if !f.IsDir() {
				items = append(items, item{path: filepath.Join(dir, e.Name(), f.Name()), label: label})
			}
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].path < items[j].path })

	images := make([]*img.GrayImage, len(items))
	var g errgroup.Group
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i, it := range items {
		g.Go(func() error {
			src, err := img.Load(it.path)
			if err != nil {
				log.Warnf("skipping %v", err)
				return nil
			}
			m, err := img.Preprocess(src, preproc)
			if err != nil {
				return fmt.Errorf("%s: %w", it.path, err)
			}
			images[i] = m
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	outImages := make([]*img.GrayImage, 0, len(images))
	outLabels := make([]int32, 0, len(images))
	for i, m := range images {
		if m != nil {
			outImages = append(outImages, m)
			outLabels = append(outLabels, items[i].label)
		}
	}
	return outImages, outLabels, nil
}

// BuildDataset converts the images under root/<split>/<frame>/ to data files in nnet.DataDir.
// The training set is augmented with the flipped views of each image. Missing splits are skipped
// but there must be a training set.
func BuildDataset(log logs.Log, root string, labels LabelDict, preproc img.PreprocDict) (map[string]*img.Data, error) {
	classes, err := labels.Classes()
	if err != nil {
		return nil, err
	}
	res := make(map[string]*img.Data)
	for _, split := range nnet.DataTypes {
		dir := filepath.Join(root, split)
		if _, err := os.Stat(dir); err != nil {
			if split == "train" {
				return nil, fmt.Errorf("no training images: %w", err)
			}
			continue
		}
		images, imgLabels, err := LoadImages(log, dir, labels, preproc)
		if err != nil {
			return nil, err
		}
		if len(images) == 0 {
			log.Warnf("no images found in %s", dir)
			continue
		}
		if split == "train" {
			images, imgLabels = img.Augment(images, imgLabels)
		}
		data, err := img.NewData(classes, imgLabels, images)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", split, err)
		}
		data.Mean, data.StdDev = img.GetStats(images)
		log.Infof("%s: %d images %v mean=%.4f stddev=%.4f", split, data.Len(), data.ClassCounts(), data.Mean[0], data.StdDev[0])
		if err := nnet.SaveDataFile(data, DataFile(split)); err != nil {
			return nil, err
		}
		res[split] = data
	}
	if res["train"] == nil {
		return nil, fmt.Errorf("no training images in %s", root)
	}
	return res, nil
}

// LoadDataset reads the data files written by BuildDataset.
func LoadDataset(log logs.Log) (map[string]*img.Data, error) {
	data, err := nnet.LoadData(log, "spit")
	if err != nil {
		return nil, err
	}
	res := make(map[string]*img.Data, len(data))
	for split, d := range data {
		m, ok := d.(*img.Data)
		if !ok {
			return nil, fmt.Errorf("data set %s has type %T", split, d)
		}
		res[split] = m
	}
	return res, nil
}
