package main

import (
	"os"

	"github.com/gvb84/aresolv/config"

	log "github.com/sirupsen/logrus"
	"gopkg.in/fsnotify.v1"
)

// watchConfig reloads the target list whenever the config file is written
// and hands it to the resolution loop.
func watchConfig(path string, reload chan<- []config.TargetConfig) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Errorf("cannot watch config file: %v", err)
		return
	}
	defer watcher.Close()

	if err := watcher.Add(path); err != nil {
		log.Errorf("cannot watch %s: %v", path, err)
		return
	}

	for {
		select {
		case event := <-watcher.Events:
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}

			targets, err := reloadTargets(path)
			if err != nil {
				log.Errorf("could not reload config: %v", err)
				continue
			}
			reload <- targets
		case err := <-watcher.Errors:
			log.Errorf("config watcher: %v", err)
		}
	}
}

func reloadTargets(path string) ([]config.TargetConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	cfg, err := config.FromYAML(f)
	if err != nil {
		return nil, err
	}

	return cfg.Targets, nil
}
