// Package driftwatch detects drift in the agent's externally-stored settings
// files. A session consults its detector before accepting new work; drift
// forces a connection restart so the agent picks the changed settings up.
package driftwatch

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// absentHash marks a source that does not exist on disk. A file appearing or
// disappearing counts as drift like any content change.
const absentHash = "<absent>"

const defaultDebounce = 100 * time.Millisecond

// Detector tracks a fixed list of settings sources. TakeSnapshot records
// their content hashes; HasChanges compares current hashes against the
// snapshot. An fsnotify watcher marks the detector dirty so HasChanges can
// skip rehashing when nothing was touched.
type Detector struct {
	sources  []string
	debounce time.Duration

	mu       sync.Mutex
	snapshot map[string]string
	dirty    bool

	watcher  *fsnotify.Watcher
	timers   map[string]*time.Timer
	timersMu sync.Mutex
	done     chan struct{}
	stopOnce sync.Once
}

// New builds a detector over the given settings sources. The initial
// snapshot is empty, so the first TakeSnapshot establishes the baseline.
func New(sources []string) *Detector {
	return &Detector{
		sources:  sources,
		debounce: defaultDebounce,
		snapshot: make(map[string]string),
		dirty:    true,
		timers:   make(map[string]*time.Timer),
		done:     make(chan struct{}),
	}
}

// Watch starts an fsnotify watcher over the source files' directories so
// HasChanges can short-circuit on the dirty flag. Optional: a detector
// without a watcher simply rehashes on every HasChanges call.
func (d *Detector) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	d.watcher = watcher

	dirs := make(map[string]bool)
	for _, src := range d.sources {
		dir := filepath.Dir(src)
		if dirs[dir] {
			continue
		}
		dirs[dir] = true
		if err := watcher.Add(dir); err != nil {
			// The directory may not exist yet. Content hashing still
			// catches the change once HasChanges runs.
			log.Debug().Err(err).Str("dir", dir).Msg("settings dir not watchable")
		}
	}

	go d.eventLoop()

	log.Info().Int("sources", len(d.sources)).Msg("settings drift watcher started")
	return nil
}

// Stop stops the watcher. Idempotent.
func (d *Detector) Stop() {
	d.stopOnce.Do(func() {
		close(d.done)
		d.timersMu.Lock()
		for _, timer := range d.timers {
			timer.Stop()
		}
		clear(d.timers)
		d.timersMu.Unlock()
		if d.watcher != nil {
			_ = d.watcher.Close()
		}
	})
}

// HasChanges reports whether any source's content differs from the last
// snapshot. A touch without a content change is not drift.
func (d *Detector) HasChanges() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.watcher != nil && !d.dirty {
		return false
	}

	for _, src := range d.sources {
		if hashFile(src) != d.snapshot[src] {
			return true
		}
	}

	// Everything matches; the dirty mark was a false alarm.
	d.dirty = false
	return false
}

// TakeSnapshot records the current content hashes as the new baseline.
func (d *Detector) TakeSnapshot() {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, src := range d.sources {
		d.snapshot[src] = hashFile(src)
	}
	d.dirty = false
}

func (d *Detector) eventLoop() {
	for {
		select {
		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			if !d.tracks(event.Name) {
				continue
			}
			d.debounceMark(event.Name)
		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			log.Debug().Err(err).Msg("settings watcher error")
		case <-d.done:
			return
		}
	}
}

// debounceMark sets the dirty flag once a path has been quiet for the
// debounce window, collapsing editor write bursts into one mark.
func (d *Detector) debounceMark(path string) {
	d.timersMu.Lock()
	defer d.timersMu.Unlock()

	if timer, ok := d.timers[path]; ok {
		timer.Stop()
	}
	d.timers[path] = time.AfterFunc(d.debounce, func() {
		d.mu.Lock()
		d.dirty = true
		d.mu.Unlock()

		d.timersMu.Lock()
		delete(d.timers, path)
		d.timersMu.Unlock()

		log.Debug().Str("path", path).Msg("settings source changed")
	})
}

func (d *Detector) tracks(path string) bool {
	for _, src := range d.sources {
		if src == path {
			return true
		}
	}
	return false
}

func hashFile(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return absentHash
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
