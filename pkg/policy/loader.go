package policy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/stackpilot/stackpilot/pkg/telemetry"
)

// debounceDelay coalesces bursts of file events into one reload.
const debounceDelay = 500 * time.Millisecond

// Loader reads .rego policy files from disk and can watch them for changes.
type Loader struct {
	logger *telemetry.Logger

	mu      sync.Mutex
	watcher *fsnotify.Watcher
}

// NewLoader builds a loader. A nil logger discards output.
func NewLoader(logger *telemetry.Logger) *Loader {
	if logger == nil {
		logger = telemetry.NopLogger()
	}
	return &Loader{logger: logger.NewComponentLogger("policy-loader")}
}

// LoadFromPaths loads policies from files and directories. Directories are
// walked recursively for .rego files. Any unreadable path fails the whole
// load so a missing policy cannot silently weaken enforcement.
func (l *Loader) LoadFromPaths(paths []string) ([]Policy, error) {
	var policies []Policy
	for _, path := range paths {
		loaded, err := l.loadPath(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load policies from %s: %w", path, err)
		}
		policies = append(policies, loaded...)
	}
	return policies, nil
}

func (l *Loader) loadPath(path string) ([]Policy, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		p, err := l.loadFile(path)
		if err != nil {
			return nil, err
		}
		return []Policy{p}, nil
	}

	var policies []Policy
	err = filepath.WalkDir(path, func(sub string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(sub, ".rego") {
			return nil
		}
		p, err := l.loadFile(sub)
		if err != nil {
			return err
		}
		policies = append(policies, p)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return policies, nil
}

// loadFile reads one .rego file into a policy named after the file.
func (l *Loader) loadFile(path string) (Policy, error) {
	if !strings.HasSuffix(path, ".rego") {
		return Policy{}, fmt.Errorf("unsupported policy file %s: only .rego files are loaded", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, err
	}

	header := parseHeader(string(data))
	p := Policy{
		Name:        strings.TrimSuffix(filepath.Base(path), ".rego"),
		Description: header.description,
		Rego:        string(data),
		Severity:    header.severity,
		Enabled:     true,
		Source:      path,
	}

	l.logger.WithFields(map[string]interface{}{
		"path":   path,
		"policy": p.Name,
	}).Debug("Policy loaded")
	return p, nil
}

// policyHeader is metadata parsed from a file's leading comment block.
type policyHeader struct {
	description string
	severity    Severity
}

// parseHeader reads the leading comment block of a policy file. Plain comment
// lines become the description; a "severity:" line sets the default severity
// for violations that do not carry their own. Without the line, file policies
// default to error severity.
func parseHeader(content string) policyHeader {
	header := policyHeader{severity: SeverityError}
	var desc []string

	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if !strings.HasPrefix(trimmed, "#") {
			if trimmed != "" {
				break
			}
			continue
		}
		comment := strings.TrimSpace(strings.TrimPrefix(trimmed, "#"))
		if raw, ok := strings.CutPrefix(comment, "severity:"); ok {
			if sev, ok := ParseSeverity(strings.TrimSpace(raw)); ok {
				header.severity = sev
			}
			continue
		}
		if comment != "" {
			desc = append(desc, comment)
		}
	}

	header.description = strings.Join(desc, " ")
	return header
}

// Watch reloads the given paths through the callback whenever a .rego file
// changes. Events are debounced so editors writing in bursts trigger one
// reload. Watching stops when ctx is cancelled.
func (l *Loader) Watch(ctx context.Context, paths []string, reload func([]Policy) error) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	for _, path := range paths {
		if err := addWatchPath(watcher, path); err != nil {
			_ = watcher.Close()
			return fmt.Errorf("failed to watch %s: %w", path, err)
		}
	}

	l.mu.Lock()
	l.watcher = watcher
	l.mu.Unlock()

	go l.processEvents(ctx, watcher, paths, reload)

	l.logger.WithField("paths", len(paths)).Info("Watching policy paths")
	return nil
}

// addWatchPath registers a file or directory tree with the watcher.
func addWatchPath(watcher *fsnotify.Watcher, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return watcher.Add(path)
	}
	return filepath.WalkDir(path, func(sub string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return watcher.Add(sub)
		}
		return nil
	})
}

func (l *Loader) processEvents(ctx context.Context, watcher *fsnotify.Watcher, paths []string, reload func([]Policy) error) {
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
		_ = watcher.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !strings.HasSuffix(event.Name, ".rego") {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}

			l.logger.WithFields(map[string]interface{}{
				"file": event.Name,
				"op":   event.Op.String(),
			}).Debug("Policy file changed")

			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounceDelay, func() {
				l.reload(paths, reload)
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			l.logger.WithError(err).Error("Policy watcher error")
		}
	}
}

// reload loads the watched paths and applies them. A failed reload keeps the
// previously applied policies.
func (l *Loader) reload(paths []string, apply func([]Policy) error) {
	policies, err := l.LoadFromPaths(paths)
	if err != nil {
		l.logger.WithError(err).Error("Failed to reload policies")
		return
	}
	if err := apply(policies); err != nil {
		l.logger.WithError(err).Error("Failed to apply reloaded policies")
		return
	}
	l.logger.WithField("count", len(policies)).Info("Policies reloaded")
}

// Close stops watching for changes.
func (l *Loader) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.watcher != nil {
		return l.watcher.Close()
	}
	return nil
}
