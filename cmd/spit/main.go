// Command spit builds the frame data sets, trains the classifier and classifies spectrograph frames.
package main

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"

	"github.com/akamensky/argparse"
	"github.com/cyclopcam/logs"
	"github.com/pypeit/spit/img"
	"github.com/pypeit/spit/nnet"
	"github.com/pypeit/spit/spit"
	"github.com/pypeit/spit/web"
)

const (
	configName = "spit"
	modelName  = "spit.net"
)

type app struct {
	log      logs.Log
	labels   spit.LabelDict
	preproc  img.PreprocDict
	opts     spit.Options
	modelDir string
}

func main() {
	logger, err := logs.NewLog()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	parser := argparse.NewParser("spit", "Spectral image typer: classify spectrograph frames with a convolutional network")
	dataDir := parser.String("d", "data", &argparse.Options{Help: "Directory for data sets and config", Default: nnet.DataDir})
	modelDir := parser.String("m", "model-dir", &argparse.Options{Help: "Directory for saved models (default is the data directory)"})
	height := parser.Int("", "height", &argparse.Options{Help: "Image height after preprocessing", Default: 210})
	width := parser.Int("", "width", &argparse.Options{Help: "Image width after preprocessing", Default: 650})
	batch := parser.Int("b", "batch", &argparse.Options{Help: "Batch size (default from config)"})
	epochs := parser.Int("e", "epochs", &argparse.Options{Help: "Max training epochs (default from config)"})
	stopAfter := parser.Int("", "stop-after", &argparse.Options{Help: "Stop if no improvement in validation error for this many epochs"})
	seed := parser.Int("s", "seed", &argparse.Options{Help: "Random number seed, 0 for time based"})
	threads := parser.Int("t", "threads", &argparse.Options{Help: "Number of worker threads (default from config)"})
	profile := parser.Flag("", "profile", &argparse.Options{Help: "Log profiling info"})

	mkdataCmd := parser.NewCommand("mkdata", "Build the data sets from a directory of labelled images")
	imageRoot := mkdataCmd.String("r", "root", &argparse.Options{Help: "Image directory with <split>/<frame>/<file> layout", Required: true})

	trainCmd := parser.NewCommand("train", "Train a new model and keep it if it beats the best model")

	evalCmd := parser.NewCommand("evaluate", "Evaluate a saved model on the test set")
	evalModel := evalCmd.String("", "model", &argparse.Options{Help: "Model file name", Default: spit.BestModel})
	confusion := evalCmd.Flag("c", "confusion", &argparse.Options{Help: "Log the confusion matrix"})

	compareCmd := parser.NewCommand("compare", "Compare a saved model with the best model on the test set")
	compareModel := compareCmd.String("", "model", &argparse.Options{Help: "Model file name", Default: modelName})

	classifyCmd := parser.NewCommand("classify", "Classify image files")
	classifyModel := classifyCmd.String("", "model", &argparse.Options{Help: "Model file name", Default: spit.BestModel})
	files := classifyCmd.StringList("i", "image", &argparse.Options{Help: "Image file to classify", Required: true})

	webCmd := parser.NewCommand("web", "Run the web interface")
	addr := webCmd.String("a", "addr", &argparse.Options{Help: "Listen address", Default: ":8080"})
	webModel := webCmd.String("", "model", &argparse.Options{Help: "Model file to load if it exists", Default: spit.BestModel})
	user := webCmd.String("u", "user", &argparse.Options{Help: "Require login as this user, password hash is read from SPIT_PASSWORD_HASH"})

	configCmd := parser.NewCommand("config", "Write the default network config")
	hashPass := configCmd.String("", "hash-password", &argparse.Options{Help: "Print the bcrypt hash of this password for SPIT_PASSWORD_HASH"})

	if err := parser.Parse(os.Args); err != nil {
		logger.Errorf("%s", parser.Usage(err))
		os.Exit(1)
	}

	nnet.DataDir = *dataDir
	a := &app{
		log:      logger,
		labels:   spit.KastLabelDict(),
		preproc:  img.PreprocDict{ImageHeight: *height, ImageWidth: *width, NumChannels: 1},
		modelDir: *modelDir,
	}
	if a.modelDir == "" {
		a.modelDir = nnet.DataDir
	}
	a.opts = loadOptions(logger)
	// command line overrides config file
	for _, o := range []struct {
		val *int
		dst *int
	}{{batch, &a.opts.BatchSize}, {epochs, &a.opts.MaxEpoch}, {stopAfter, &a.opts.StopAfter}, {threads, &a.opts.Threads}} {
		if *o.val > 0 {
			*o.dst = *o.val
		}
	}
	if *seed > 0 {
		a.opts.RandSeed = int64(*seed)
	}
	a.opts.Profile = *profile

	switch {
	case mkdataCmd.Happened():
		_, err = spit.BuildDataset(logger, *imageRoot, a.labels, a.preproc)
	case trainCmd.Happened():
		err = a.train()
	case evalCmd.Happened():
		err = a.evaluate(*evalModel, *confusion)
	case compareCmd.Happened():
		err = a.compare(*compareModel)
	case classifyCmd.Happened():
		err = a.classify(*classifyModel, *files)
	case webCmd.Happened():
		err = a.serve(*addr, *webModel, *user)
	case configCmd.Happened():
		err = a.config(*hashPass)
	}
	if err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}
}

// training settings from the config file, if there is one
func loadOptions(log logs.Log) spit.Options {
	opts := spit.DefaultOptions()
	conf, err := nnet.LoadConfig(configName + ".conf")
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			log.Warnf("ignoring config: %v", err)
		}
		return opts
	}
	if conf.TrainBatch > 0 {
		opts.BatchSize = conf.TrainBatch
	}
	if conf.MaxEpoch > 0 {
		opts.MaxEpoch = conf.MaxEpoch
	}
	opts.StopAfter = conf.StopAfter
	opts.RandSeed = conf.RandSeed
	opts.Threads = conf.Threads
	return opts
}

func (a *app) newClassifier() (*spit.Classifier, error) {
	return spit.New(a.log, a.labels, a.preproc, spit.KastClassifyDict(a.labels), a.opts)
}

// interrupt closes the returned channel on ctrl-C
func interrupt() <-chan struct{} {
	stop := make(chan struct{})
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt)
	go func() {
		<-sig
		signal.Stop(sig)
		close(stop)
	}()
	return stop
}

func (a *app) train() error {
	data, err := spit.LoadDataset(a.log)
	if err != nil {
		return err
	}
	c, err := a.newClassifier()
	if err != nil {
		return err
	}
	defer c.Release()
	if _, err = c.Train(data["train"], data["valid"], interrupt()); err != nil {
		return err
	}
	if a.opts.Profile {
		a.log.Infof("profile:\n%s", c.Profile())
	}
	if err = c.SaveModel(c.Model, modelName, a.modelDir); err != nil {
		return err
	}
	test, ok := data["test"]
	if !ok {
		a.log.Warnf("no test set: not comparing with best model")
		return nil
	}
	if _, err = c.TestAccuracy(test, true); err != nil {
		return err
	}
	replaced, err := c.CompareWithBest(test.Images, test.Labels, a.modelDir)
	if err == nil && replaced {
		a.log.Infof("new best model saved")
	}
	return err
}

func (a *app) testData() (*img.Data, error) {
	data, err := spit.LoadDataset(a.log)
	if err != nil {
		return nil, err
	}
	if test, ok := data["test"]; ok {
		return test, nil
	}
	return nil, errors.New("no test data set")
}

func (a *app) evaluate(model string, confusion bool) error {
	test, err := a.testData()
	if err != nil {
		return err
	}
	c, err := a.newClassifier()
	if err != nil {
		return err
	}
	defer c.Release()
	if err = c.UseModel(model, a.modelDir); err != nil {
		return err
	}
	loss, acc, err := c.Evaluate(test.Images, test.Labels, nil)
	if err != nil {
		return err
	}
	a.log.Infof("test loss=%.4f accuracy=%.4f", loss, acc)
	_, err = c.TestAccuracy(test, confusion)
	return err
}

func (a *app) compare(model string) error {
	test, err := a.testData()
	if err != nil {
		return err
	}
	c, err := a.newClassifier()
	if err != nil {
		return err
	}
	defer c.Release()
	if err = c.UseModel(model, a.modelDir); err != nil {
		return err
	}
	replaced, err := c.CompareWithBest(test.Images, test.Labels, a.modelDir)
	if err != nil {
		return err
	}
	a.log.Infof("best model replaced: %v", replaced)
	return nil
}

func (a *app) classify(model string, files []string) error {
	c, err := a.newClassifier()
	if err != nil {
		return err
	}
	defer c.Release()
	if err = c.UseModel(model, a.modelDir); err != nil {
		return err
	}
	for _, file := range files {
		if _, err := c.ClassifyMe(file, true); err != nil {
			return err
		}
	}
	return nil
}

func (a *app) serve(addr, model, user string) error {
	data, err := spit.LoadDataset(a.log)
	if err != nil {
		return err
	}
	c, err := a.newClassifier()
	if err != nil {
		return err
	}
	defer c.Release()
	if err = c.UseModel(model, a.modelDir); err != nil {
		a.log.Warnf("using untrained model: %v", err)
	}
	opts := web.Options{User: user}
	if user != "" {
		hash := os.Getenv("SPIT_PASSWORD_HASH")
		if hash == "" {
			return errors.New("SPIT_PASSWORD_HASH must be set when --user is given")
		}
		opts.PasswordHash = []byte(hash)
	}
	r, err := web.NewRouter(a.log, web.NewNetwork(a.log, c, data, a.modelDir), opts)
	if err != nil {
		return err
	}
	a.log.Infof("serving web page at http://localhost%s", addr)
	return http.ListenAndServe(addr, r)
}

func (a *app) config(password string) error {
	if password != "" {
		hash, err := web.HashPassword(password)
		if err != nil {
			return err
		}
		fmt.Println(string(hash))
		return nil
	}
	classes, err := a.labels.Classes()
	if err != nil {
		return err
	}
	conf := spit.ModelConfig(len(classes), a.opts)
	fmt.Println(conf)
	return conf.SaveDefault(configName)
}
