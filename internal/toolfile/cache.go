// Package toolfile implements the RpcCacheManager from SPEC_FULL.md §4.3: the
// authoritative name -> ToolFile map, merged from a project directory (the
// overlay) and a global directory (the base) by name.
package toolfile

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/johnlindquist/lootbox/internal/logger"
)

// File is the ToolFile data model from SPEC_FULL.md §3: name is unique
// across the merged set, guaranteed by overlay order.
type File struct {
	Name string
	Path string
}

const sourceExt = ".go"

// isToolSource reports whether path should be discovered as a tool file:
// it must end in the source extension and must not be a test file.
func isToolSource(path string) bool {
	base := filepath.Base(path)
	if !strings.HasSuffix(base, sourceExt) {
		return false
	}
	return !strings.HasSuffix(base, "_test"+sourceExt)
}

func namespaceOf(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// Manager is the RpcCacheManager: it owns the current snapshot of the merged
// tool file map and notifies observers exactly once per refresh.
type Manager struct {
	projectDir string
	globalDir  string
	logger     logger.Logger

	current atomic.Pointer[map[string]File]

	mu        sync.Mutex
	observers []func(functionNames []string)

	// functionNamesOf statically reads the exported callable names from a
	// tool file, producing the public tool.function identifiers. Injected so
	// the static-analysis step (AST inspection of the tool source) is
	// swappable/testable independent of file discovery.
	functionNamesOf func(File) ([]string, error)
}

func NewManager(l logger.Logger, projectDir, globalDir string, functionNamesOf func(File) ([]string, error)) *Manager {
	m := &Manager{
		projectDir:      projectDir,
		globalDir:       globalDir,
		logger:          l,
		functionNamesOf: functionNamesOf,
	}
	empty := map[string]File{}
	m.current.Store(&empty)
	return m
}

// OnCacheRefreshed registers an observer invoked exactly once per
// RefreshCache call, after the new snapshot has been published.
func (m *Manager) OnCacheRefreshed(fn func(functionNames []string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, fn)
}

// RefreshCache rescans both directories, rebuilds the map atomically (the
// project directory shadows the global directory by name), and fires
// observers exactly once with the new function name list.
func (m *Manager) RefreshCache() error {
	merged := map[string]File{}

	if err := scanInto(merged, m.globalDir); err != nil && !os.IsNotExist(err) {
		m.logger.Warn("[RpcCache] scanning global tools dir %s: %v", m.globalDir, err)
	}
	// Project directory scanned second so it shadows the global one by name.
	if err := scanInto(merged, m.projectDir); err != nil && !os.IsNotExist(err) {
		m.logger.Warn("[RpcCache] scanning project tools dir %s: %v", m.projectDir, err)
	}

	m.current.Store(&merged)

	names := m.functionNames(merged)

	m.mu.Lock()
	observers := append([]func([]string){}, m.observers...)
	m.mu.Unlock()

	for _, obs := range observers {
		obs(names)
	}

	return nil
}

func scanInto(dest map[string]File, dir string) error {
	if dir == "" {
		return nil
	}
	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if !isToolSource(path) {
			return nil
		}
		abs, err := filepath.Abs(path)
		if err != nil {
			abs = path
		}
		dest[namespaceOf(path)] = File{Name: namespaceOf(path), Path: abs}
		return nil
	})
}

// GetUniqueFiles returns a snapshot of the current map; consumers always
// read a currently published snapshot, never a torn one.
func (m *Manager) GetUniqueFiles() map[string]File {
	current := *m.current.Load()
	out := make(map[string]File, len(current))
	for k, v := range current {
		out[k] = v
	}
	return out
}

// GetFunctionNames returns the current public tool.function list.
func (m *Manager) GetFunctionNames() []string {
	return m.functionNames(*m.current.Load())
}

func (m *Manager) functionNames(files map[string]File) []string {
	names := make([]string, 0, len(files))
	for _, f := range files {
		if m.functionNamesOf == nil {
			continue
		}
		fns, err := m.functionNamesOf(f)
		if err != nil {
			m.logger.Warn("[RpcCache] reading functions from %s: %v", f.Path, err)
			continue
		}
		for _, fn := range fns {
			names = append(names, f.Name+"."+fn)
		}
	}
	sort.Strings(names)
	return names
}
