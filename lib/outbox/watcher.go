// Copyright (c) 2024 Lan-OS Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package outbox

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Config defines outbox configuration.
type Config struct {
	Enable bool   `yaml:"enable"`
	Path   string `yaml:"path"`
	// SettleTime is how long a file must be quiet after its last write
	// before it is considered complete.
	SettleTime string `yaml:"settle_time"`
}

// Watcher monitors the outbox directory and emits the path of each file
// dropped there once it has settled.
type Watcher struct {
	config  Config
	settle  time.Duration
	logger  *zap.Logger
	watcher *fsnotify.Watcher

	files chan string

	mutex   sync.Mutex
	pending map[string]*time.Timer

	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewWatcher creates an outbox watcher.
func NewWatcher(config Config, logger *zap.Logger) (*Watcher, error) {
	if config.Path == "" {
		config.Path = "outbox"
	}
	if err := os.MkdirAll(config.Path, 0755); err != nil {
		return nil, fmt.Errorf("create outbox directory: %s", err)
	}

	settle := 500 * time.Millisecond
	if config.SettleTime != "" {
		if parsed, err := time.ParseDuration(config.SettleTime); err == nil {
			settle = parsed
		}
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %s", err)
	}

	return &Watcher{
		config:   config,
		settle:   settle,
		logger:   logger,
		watcher:  watcher,
		files:    make(chan string, 32),
		pending:  make(map[string]*time.Timer),
		stopChan: make(chan struct{}),
	}, nil
}

// Files returns the channel of settled file paths.
func (w *Watcher) Files() <-chan string {
	return w.files
}

// Start begins watching the outbox directory.
func (w *Watcher) Start() error {
	if err := w.watcher.Add(w.config.Path); err != nil {
		return fmt.Errorf("watch outbox path: %s", err)
	}

	w.wg.Add(1)
	go w.watchLoop()

	w.logger.Info("Outbox watcher started", zap.String("path", w.config.Path))
	return nil
}

// Stop stops the watcher.
func (w *Watcher) Stop() {
	close(w.stopChan)
	w.watcher.Close()
	w.wg.Wait()

	w.mutex.Lock()
	for _, timer := range w.pending {
		timer.Stop()
	}
	w.mutex.Unlock()

	w.logger.Info("Outbox watcher stopped")
}

// watchLoop debounces create/write events per file and emits each file once
// it has stopped changing.
func (w *Watcher) watchLoop() {
	defer w.wg.Done()

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if strings.HasPrefix(filepath.Base(event.Name), ".") {
				continue // editors and copy tools drop temp files
			}
			w.touch(event.Name)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("Outbox watcher error", zap.Error(err))

		case <-w.stopChan:
			return
		}
	}
}

// touch (re)arms the settle timer for a path.
func (w *Watcher) touch(path string) {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	if timer, ok := w.pending[path]; ok {
		timer.Reset(w.settle)
		return
	}
	w.pending[path] = time.AfterFunc(w.settle, func() {
		w.emit(path)
	})
}

// emit publishes a settled file.
func (w *Watcher) emit(path string) {
	w.mutex.Lock()
	delete(w.pending, path)
	w.mutex.Unlock()

	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return
	}

	select {
	case w.files <- path:
		w.logger.Info("Outbox file ready", zap.String("path", path))
	case <-w.stopChan:
	default:
		w.logger.Warn("Outbox channel full, dropping file", zap.String("path", path))
	}
}
