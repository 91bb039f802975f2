// Package taxonomy loads the tag-to-calendar mapping from a YAML file and
// reloads it when the file changes.
package taxonomy

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/agentworkforce/relaycal/internal/calsync"
)

const defaultDebounce = 200 * time.Millisecond

type Logger interface {
	Printf(format string, args ...any)
}

// Document is the on-disk shape:
//
//	default_calendar: D0
//	tags:
//	  Work: W1
//	  Personal: P1
type Document struct {
	DefaultCalendar string            `yaml:"default_calendar"`
	Tags            map[string]string `yaml:"tags"`
}

// Taxonomy is a loaded mapping ready to build a router from.
type Taxonomy struct {
	DefaultCalendar string
	Mapping         calsync.TagCalendarMapping
}

func (t Taxonomy) Router(fallbackDefault string) *calsync.Router {
	def := t.DefaultCalendar
	if def == "" {
		def = fallbackDefault
	}
	return calsync.NewRouter(t.Mapping, def)
}

// Source yields the current mapping and pushes replacements until ctx is
// done.
type Source interface {
	Load() (Taxonomy, error)
	Watch(ctx context.Context, fn func(Taxonomy)) error
}

var _ Source = (*FileSource)(nil)

type FileSource struct {
	path     string
	logger   Logger
	debounce time.Duration
}

func NewFileSource(path string, logger Logger) (*FileSource, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("%w: taxonomy path is required", calsync.ErrInvalidInput)
	}
	return &FileSource{path: path, logger: logger, debounce: defaultDebounce}, nil
}

func (s *FileSource) Path() string {
	return s.path
}

// Load parses the mapping file. Entries with an empty tag or calendar are
// dropped.
func (s *FileSource) Load() (Taxonomy, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Taxonomy{}, fmt.Errorf("%w: taxonomy file %s", calsync.ErrNotFound, s.path)
		}
		return Taxonomy{}, err
	}
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return Taxonomy{}, fmt.Errorf("%w: parse taxonomy %s: %v", calsync.ErrInvalidInput, s.path, err)
	}
	mapping := calsync.TagCalendarMapping{}
	for tag, calendar := range doc.Tags {
		tag = strings.TrimSpace(tag)
		calendar = strings.TrimSpace(calendar)
		if tag == "" || calendar == "" {
			continue
		}
		mapping[tag] = calendar
	}
	return Taxonomy{
		DefaultCalendar: strings.TrimSpace(doc.DefaultCalendar),
		Mapping:         mapping,
	}, nil
}

// Watch calls fn with every successfully reloaded taxonomy until ctx is done.
// A file that fails to parse keeps the previous mapping in effect.
func (s *FileSource) Watch(ctx context.Context, fn func(Taxonomy)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(s.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch taxonomy directory %s: %w", dir, err)
	}
	base := filepath.Base(s.path)

	var timer *time.Timer
	var fire <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != base {
				continue
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(s.debounce)
			} else {
				timer.Reset(s.debounce)
			}
			fire = timer.C
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logf("taxonomy watch error: %v", err)
		case <-fire:
			fire = nil
			next, err := s.Load()
			if err != nil {
				s.logf("taxonomy reload failed, keeping previous mapping: %v", err)
				continue
			}
			s.logf("taxonomy reloaded: %d tags", len(next.Mapping))
			if fn != nil {
				fn(next)
			}
		}
	}
}

func (s *FileSource) logf(format string, args ...any) {
	if s.logger != nil {
		s.logger.Printf(format, args...)
	}
}
