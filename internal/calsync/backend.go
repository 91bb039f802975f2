package calsync

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/agentworkforce/relaycal/internal/atomicfile"
)

// StateBackend persists opaque snapshots under a small set of keys. Load
// returns nil data and no error when the key has never been saved.
type StateBackend interface {
	Load(key string) ([]byte, error)
	Save(key string, data []byte) error
}

const (
	stateKeyActions = "actions"
	stateKeyEvents  = "events"
)

type InMemoryStateBackend struct {
	mu        sync.Mutex
	snapshots map[string][]byte
}

func NewInMemoryStateBackend() *InMemoryStateBackend {
	return &InMemoryStateBackend{snapshots: map[string][]byte{}}
}

func (b *InMemoryStateBackend) Load(key string) ([]byte, error) {
	if b == nil {
		return nil, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.snapshots[key]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), data...), nil
}

func (b *InMemoryStateBackend) Save(key string, data []byte) error {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.snapshots == nil {
		b.snapshots = map[string][]byte{}
	}
	b.snapshots[key] = append([]byte(nil), data...)
	return nil
}

// JSONFileStateBackend keeps one JSON document per key inside Dir.
type JSONFileStateBackend struct {
	Dir string
}

func NewJSONFileStateBackend(dir string) *JSONFileStateBackend {
	return &JSONFileStateBackend{Dir: strings.TrimSpace(dir)}
}

func (b *JSONFileStateBackend) path(key string) string {
	return filepath.Join(b.Dir, key+".json")
}

func (b *JSONFileStateBackend) Load(key string) ([]byte, error) {
	if b == nil || b.Dir == "" {
		return nil, nil
	}
	data, err := os.ReadFile(b.path(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	return data, nil
}

func (b *JSONFileStateBackend) Save(key string, data []byte) error {
	if b == nil || b.Dir == "" {
		return nil
	}
	if err := os.MkdirAll(b.Dir, 0o755); err != nil {
		return err
	}
	return atomicfile.WriteFile(b.path(key), data, 0o644)
}

type StateBackendFactory func(dsn string) (StateBackend, error)

var stateBackendRegistry = struct {
	mu        sync.RWMutex
	factories map[string]StateBackendFactory
}{
	factories: map[string]StateBackendFactory{},
}

// RegisterStateBackendFactory makes a custom DSN scheme available to
// BuildStateBackendFromDSN. Registered schemes take precedence over the
// built-in ones.
func RegisterStateBackendFactory(scheme string, factory StateBackendFactory) {
	scheme = normalizeBackendScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	stateBackendRegistry.mu.Lock()
	defer stateBackendRegistry.mu.Unlock()
	stateBackendRegistry.factories[scheme] = factory
}

func lookupStateBackendFactory(scheme string) (StateBackendFactory, bool) {
	scheme = normalizeBackendScheme(scheme)
	stateBackendRegistry.mu.RLock()
	defer stateBackendRegistry.mu.RUnlock()
	factory, ok := stateBackendRegistry.factories[scheme]
	return factory, ok
}

func normalizeBackendScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}

func BuildStateBackendFromDSN(dsn string) (StateBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("%w: empty state dsn", ErrInvalidInput)
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := normalizeBackendScheme(parsed.Scheme)
	if factory, ok := lookupStateBackendFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewJSONFileStateBackend(path), nil
	case "memory", "mem", "inmem":
		return NewInMemoryStateBackend(), nil
	case "postgres", "postgresql":
		return NewPostgresStateBackend(dsn)
	case "sqlite", "sqlite3":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewSQLiteStateBackend(path)
	case "mysql":
		return nil, fmt.Errorf("%w: state backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported state backend scheme: %s", scheme)
	}
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if parsed == nil {
		return "", ErrInvalidInput
	}
	if strings.TrimSpace(parsed.Scheme) == "" {
		if strings.TrimSpace(raw) == "" {
			return "", ErrInvalidInput
		}
		return strings.TrimSpace(raw), nil
	}
	path := strings.TrimSpace(parsed.Path)
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	if path == "" {
		path = strings.TrimSpace(parsed.Host)
	}
	if path == "" {
		return "", ErrInvalidInput
	}
	return path, nil
}

func closeBackend(backend StateBackend) error {
	if closer, ok := backend.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}
