package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// WeightsWatcher watches the config file and swaps the scoring weights in
// the given source whenever the file changes. Only the weights section is
// applied; other config changes still require a restart.
type WeightsWatcher struct {
	path    string
	source  *WeightsSource
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewWeightsWatcher creates a watcher for the config file at path.
func NewWeightsWatcher(path string, source *WeightsSource) *WeightsWatcher {
	return &WeightsWatcher{
		path:   path,
		source: source,
		done:   make(chan struct{}),
	}
}

// Start begins watching. The parent directory is watched rather than the
// file itself so editor rename-and-replace saves are still observed.
// Call Stop() to clean up.
func (ww *WeightsWatcher) Start() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: create watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(ww.path)); err != nil {
		_ = w.Close()
		return fmt.Errorf("config: watch %s: %w", filepath.Dir(ww.path), err)
	}
	ww.watcher = w

	go ww.loop()
	log.Printf("config: watching %s for weight changes", ww.path)
	return nil
}

// Stop shuts down the watcher.
func (ww *WeightsWatcher) Stop() {
	if ww.watcher != nil {
		_ = ww.watcher.Close()
	}
	<-ww.done
}

func (ww *WeightsWatcher) loop() {
	defer close(ww.done)
	for {
		select {
		case evt, ok := <-ww.watcher.Events:
			if !ok {
				return
			}
			if evt.Op&(fsnotify.Write|fsnotify.Create) != 0 && filepath.Clean(evt.Name) == filepath.Clean(ww.path) {
				ww.reload()
			}
		case err, ok := <-ww.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("config: watcher error: %v", err)
		}
	}
}

// reload re-reads the file and swaps the weights section. A file that
// fails to parse or validate leaves the current weights in place.
func (ww *WeightsWatcher) reload() {
	data, err := os.ReadFile(ww.path)
	if err != nil {
		log.Printf("config: reload read %s: %v", ww.path, err)
		return
	}

	var next struct {
		Weights Weights `yaml:"weights"`
	}
	next.Weights = DefaultWeights()
	if err := yaml.Unmarshal(data, &next); err != nil {
		log.Printf("config: reload parse %s: %v", ww.path, err)
		return
	}
	if err := next.Weights.Validate(); err != nil {
		log.Printf("config: reload rejected: %v", err)
		return
	}

	applied := ww.source.Swap(next.Weights)
	log.Printf("config: scoring weights reloaded (version %d)", applied.Version)
}
