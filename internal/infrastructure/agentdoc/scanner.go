package agentdoc

import (
	"bytes"
	"io/fs"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/yuin/goldmark"
	"go.uber.org/zap"

	"github.com/convergio/maoc/internal/domain/agent"
)

// knownExtensions are the file suffixes scan_and_load treats as definition
// documents.
var knownExtensions = map[string]bool{".md": true, ".agent": true}

// ValidateBody runs a system prompt body through goldmark's CommonMark
// renderer and returns any error the conversion reports. CommonMark accepts
// any text, so a body is rejected here only if rendering itself fails.
func ValidateBody(body string) error {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(body), &buf); err != nil {
		return err
	}
	return nil
}

// ScanAndLoad walks dir recursively, parses every definition document,
// validates it, and returns the valid subset plus a per-file error map for
// invalid entries (which are logged and skipped, not fatal — per spec
// §4.1, scan_and_load never fails the registry over one bad file, only
// over zero valid files).
func ScanAndLoad(dir string, knownTools map[string]bool, logger *zap.Logger) ([]*agent.Definition, map[string]error) {
	var valid []*agent.Definition
	invalid := make(map[string]error)

	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if !knownExtensions[strings.ToLower(filepath.Ext(path))] {
			return nil
		}
		def, perr := ParseFile(path)
		if perr != nil {
			invalid[path] = perr
			logger.Warn("skipping invalid agent definition", zap.String("path", path), zap.Error(perr))
			return nil
		}
		if verr := ValidateBody(def.SystemPrompt); verr != nil {
			invalid[path] = verr
			logger.Warn("skipping agent definition with malformed body", zap.String("path", path), zap.Error(verr))
			return nil
		}
		if verr := def.Validate(knownTools); verr != nil {
			invalid[path] = verr
			logger.Warn("skipping invalid agent definition", zap.String("path", path), zap.Error(verr))
			return nil
		}
		valid = append(valid, def)
		return nil
	})

	return valid, invalid
}

// Watcher drives C3's watch(): a debounced (≥1s quiet period) fsnotify
// watch over a definition directory that re-scans and atomically swaps the
// Registry's snapshot on change, retaining the previous snapshot (and
// emitting reload_failed) if the new set fails to validate.
type Watcher struct {
	dir        string
	knownTools map[string]bool
	registry   *agent.Registry
	logger     *zap.Logger
	quiet      time.Duration
}

// NewWatcher constructs a Watcher with the spec's default 1s debounce.
func NewWatcher(dir string, knownTools map[string]bool, registry *agent.Registry, logger *zap.Logger) *Watcher {
	return &Watcher{
		dir:        dir,
		knownTools: knownTools,
		registry:   registry,
		logger:     logger.With(zap.String("component", "registry-watcher")),
		quiet:      time.Second,
	}
}

// Run blocks, watching dir until stop is closed (caller runs this in a
// goroutine). Rapid bursts of filesystem events are coalesced into a single
// rescan once `quiet` has elapsed since the last event.
func (w *Watcher) Run(stop <-chan struct{}) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()

	if err := fw.Add(w.dir); err != nil {
		return err
	}

	timer := time.NewTimer(24 * time.Hour)
	timer.Stop()
	pending := false

	for {
		select {
		case <-stop:
			return nil
		case _, ok := <-fw.Events:
			if !ok {
				return nil
			}
			pending = true
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(w.quiet)
		case <-timer.C:
			if !pending {
				continue
			}
			pending = false
			w.rescan()
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) rescan() {
	defs, invalid := ScanAndLoad(w.dir, w.knownTools, w.logger)
	if len(invalid) > 0 {
		w.logger.Warn("reload found invalid definitions", zap.Int("count", len(invalid)))
	}
	if err := w.registry.Load(defs); err != nil {
		w.logger.Error("registry reload rejected, retaining previous snapshot", zap.Error(err))
		return
	}
	w.logger.Info("registry reloaded", zap.Int("agents", len(defs)))
}
