// Package manifest is a world backend reading zones from a directory of
// YAML manifests.
//
// Each *.yaml or *.yml file declares one zone:
//
//	zone:
//	  name: harbor
//	  neighbors: [market, lighthouse]
//	  edges:
//	    - name: harbor->market
//	      target: market
//	      accepted_tags: [Player]
//
// The directory is indexed by zone name when the World is created. Loading a
// zone re-reads and validates its file, so edits take effect on the next load.
package manifest

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/c360/zonestream/errors"
	"github.com/c360/zonestream/zone"
)

// maxManifestSize bounds a single manifest file
const maxManifestSize = 1 << 20

// File is the on-disk manifest layout
type File struct {
	Zone zone.Root `yaml:"zone"`
}

// Parse decodes and validates one manifest. Unknown fields are rejected.
func Parse(data []byte) (*zone.Root, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var f File
	if err := dec.Decode(&f); err != nil {
		if stderrors.Is(err, io.EOF) {
			return nil, errors.WrapInvalid(errors.ErrInvalidZone, "manifest", "Parse", "empty manifest")
		}
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrParsingFailed, err),
			"manifest", "Parse", "decode yaml")
	}
	root := f.Zone
	if err := root.Validate(); err != nil {
		return nil, err
	}
	return &root, nil
}

// Marshal encodes root as a manifest
func Marshal(root *zone.Root) ([]byte, error) {
	if err := root.Validate(); err != nil {
		return nil, err
	}
	data, err := yaml.Marshal(File{Zone: *root})
	if err != nil {
		return nil, errors.WrapInvalid(err, "manifest", "Marshal", "encode yaml")
	}
	return data, nil
}

// LoadDir parses every manifest in dir and returns the roots sorted by name
func LoadDir(dir string) ([]*zone.Root, error) {
	index, err := scan(dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(index))
	for name := range index {
		names = append(names, name)
	}
	sort.Strings(names)

	roots := make([]*zone.Root, 0, len(names))
	for _, name := range names {
		root, err := readFile(index[name])
		if err != nil {
			return nil, err
		}
		roots = append(roots, root)
	}
	return roots, nil
}

// World serves zones from a manifest directory
type World struct {
	dir    string
	logger *slog.Logger

	mu     sync.RWMutex
	index  map[string]string // zone name -> manifest path
	loaded map[string]bool
}

// Option configures a World
type Option func(*World)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(w *World) { w.logger = logger }
}

// New indexes dir and returns a world serving its zones
func New(dir string, opts ...Option) (*World, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "manifest", "New", "manifest directory")
	}
	w := &World{dir: dir, loaded: make(map[string]bool)}
	for _, opt := range opts {
		opt(w)
	}
	if w.logger == nil {
		w.logger = slog.Default()
	}
	w.logger = w.logger.With("component", "manifest", "dir", dir)

	if err := w.Rescan(); err != nil {
		return nil, err
	}
	return w, nil
}

// Rescan rebuilds the zone index from the directory
func (w *World) Rescan() error {
	index, err := scan(w.dir)
	if err != nil {
		return err
	}
	w.mu.Lock()
	w.index = index
	w.mu.Unlock()
	w.logger.Info("Indexed zone manifests", "zones", len(index))
	return nil
}

// Names returns the sorted names of indexed zones
func (w *World) Names() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	names := make([]string, 0, len(w.index))
	for name := range w.index {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// IsLoaded reports whether name was loaded and not unloaded since
func (w *World) IsLoaded(name string) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.loaded[name]
}

// Load implements world.Backend
func (w *World) Load(ctx context.Context, name string, report func(float64)) (*zone.Root, error) {
	if report == nil {
		report = func(float64) {}
	}
	w.mu.RLock()
	path, ok := w.index[name]
	w.mu.RUnlock()
	if !ok {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrZoneNotFound, name),
			"manifest", "Load", "find manifest")
	}
	if err := ctx.Err(); err != nil {
		return nil, errors.WrapTransient(err, "manifest", "Load", "load zone "+name)
	}

	data, err := readLimited(path)
	if err != nil {
		return nil, err
	}
	report(0.33)

	root, err := Parse(data)
	if err != nil {
		return nil, errors.Wrap(err, "manifest", "Load", "parse "+filepath.Base(path))
	}
	report(0.66)

	if root.Name != name {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: %s now declares zone %q", errors.ErrInvalidZone, filepath.Base(path), root.Name),
			"manifest", "Load", "check zone name")
	}

	w.mu.Lock()
	w.loaded[name] = true
	w.mu.Unlock()
	report(1)
	return root, nil
}

// Unload implements world.Backend
func (w *World) Unload(_ context.Context, name string) error {
	w.mu.Lock()
	delete(w.loaded, name)
	w.mu.Unlock()
	return nil
}

// Health implements world.HealthChecker
func (w *World) Health(context.Context) error {
	info, err := os.Stat(w.dir)
	if err != nil {
		return errors.WrapTransient(err, "manifest", "Health", "stat manifest directory")
	}
	if !info.IsDir() {
		return errors.WrapFatal(fmt.Errorf("%s is not a directory", w.dir), "manifest", "Health", "stat manifest directory")
	}
	return nil
}

func scan(dir string) (map[string]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.WrapInvalid(err, "manifest", "scan", "read manifest directory")
	}

	index := make(map[string]string)
	for _, entry := range entries {
		if entry.IsDir() || !isManifest(entry.Name()) {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		root, err := readFile(path)
		if err != nil {
			return nil, err
		}
		if prev, dup := index[root.Name]; dup {
			return nil, errors.WrapInvalid(
				fmt.Errorf("%w: zone %q declared by %s and %s", errors.ErrInvalidZone,
					root.Name, filepath.Base(prev), entry.Name()),
				"manifest", "scan", "index manifests")
		}
		index[root.Name] = path
	}
	return index, nil
}

func readFile(path string) (*zone.Root, error) {
	data, err := readLimited(path)
	if err != nil {
		return nil, err
	}
	root, err := Parse(data)
	if err != nil {
		return nil, errors.Wrap(err, "manifest", "readFile", "parse "+filepath.Base(path))
	}
	return root, nil
}

func readLimited(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.WrapTransient(err, "manifest", "read", "open "+filepath.Base(path))
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, maxManifestSize+1))
	if err != nil {
		return nil, errors.WrapTransient(err, "manifest", "read", "read "+filepath.Base(path))
	}
	if len(data) > maxManifestSize {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: %s exceeds %d bytes", errors.ErrInvalidData, filepath.Base(path), maxManifestSize),
			"manifest", "read", "check size")
	}
	return data, nil
}

func isManifest(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}
