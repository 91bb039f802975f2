package watermark

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/agentworkforce/relaycal/internal/atomicfile"
)

var ErrInvalidInput = errors.New("invalid input")

// Notifier delivers a best-effort change signal; observers still poll.
type Notifier interface {
	Subscribe() (<-chan struct{}, func())
}

// Slot is the durable cross-process location of the current watermark.
type Slot interface {
	Notifier
	Read() (Watermark, bool, error)
	Write(w Watermark) error
}

type MemorySlot struct {
	mu          sync.Mutex
	value       Watermark
	set         bool
	subscribers map[int]chan struct{}
	nextID      int
}

func NewMemorySlot() *MemorySlot {
	return &MemorySlot{subscribers: map[int]chan struct{}{}}
}

func (s *MemorySlot) Read() (Watermark, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.value, s.set, nil
}

func (s *MemorySlot) Write(w Watermark) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.value = w
	s.set = true
	for _, ch := range s.subscribers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	return nil
}

func (s *MemorySlot) Subscribe() (<-chan struct{}, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	ch := make(chan struct{}, 1)
	s.subscribers[id] = ch
	return ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subscribers, id)
	}
}

// FileSlot stores the watermark as a JSON file. Writes replace the file
// atomically so readers never observe a partial document.
type FileSlot struct {
	path   string
	logger Logger
}

type Logger interface {
	Printf(format string, args ...any)
}

func NewFileSlot(path string, logger Logger) (*FileSlot, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	return &FileSlot{path: filepath.Clean(path), logger: logger}, nil
}

func (s *FileSlot) Path() string {
	return s.path
}

func (s *FileSlot) Read() (Watermark, bool, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Watermark{}, false, nil
		}
		return Watermark{}, false, err
	}
	var w Watermark
	if err := json.Unmarshal(data, &w); err != nil {
		return Watermark{}, false, err
	}
	return w, true, nil
}

func (s *FileSlot) Write(w Watermark) error {
	data, err := json.MarshalIndent(w, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	return atomicfile.WriteFile(s.path, data, 0o644)
}

// Subscribe watches the slot's directory. When a watcher cannot be set up the
// returned channel never fires and callers fall back to polling.
func (s *FileSlot) Subscribe() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		s.logf("watermark watch disabled: %v", err)
		return ch, func() {}
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		s.logf("watermark watch disabled: %v", err)
		return ch, func() {}
	}
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		s.logf("watermark watch disabled for %s: %v", dir, err)
		return ch, func() {}
	}

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		base := filepath.Base(s.path)
		for {
			select {
			case <-done:
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(event.Name) != base {
					continue
				}
				if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
					continue
				}
				select {
				case ch <- struct{}{}:
				default:
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.logf("watermark watch error: %v", err)
			}
		}
	}()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			close(done)
			_ = watcher.Close()
			wg.Wait()
		})
	}
}

func (s *FileSlot) logf(format string, args ...any) {
	if s.logger != nil {
		s.logger.Printf(format, args...)
	}
}
